// Command kitpool runs the worker pool manager and its helper processes.
// The same binary serves as manager, supervisor and worker.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/kitpool/internal/config"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/sandbox"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kitpool",
	Short: "Pool manager for pre-spawned, jailed worker processes",
	Long: `kitpool keeps a pool of spare worker processes ready so documents can be
served without waiting for a process to start.

The manager ("serve") launches a supervisor, which forks workers on request.
Workers register on a private unix control socket and wait to be claimed.

Use 'kitpool help <command>' for more information on a specific command.`,
	SilenceUsage: true,
	Version:      version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON), defaults to "+config.GetConfigPath())
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// initChildLogger sends helper process logs to stderr, which the manager
// shares with its children.
func initChildLogger(cfg *config.Config, prefix string) {
	logger.InitWriter(logger.ParseLevel(cfg.LogLevel), os.Stderr, prefix)
}

func jailConfig(j config.JailConfig) sandbox.Config {
	return sandbox.Config{
		RootDir:    j.RootDir,
		ReadOnly:   j.ReadOnlyPaths,
		ReadWrite:  j.ReadWritePaths,
		BestEffort: j.BestEffort,
		Disabled:   j.Disabled,
	}
}

// childArgs are the flags every helper process is started with.
func childArgs(sub string, extra ...string) []string {
	args := []string{sub, "--config", configPath()}
	return append(args, extra...)
}

func profileSuffix(profile string) string {
	if strings.TrimSpace(profile) == "" {
		return ""
	}
	return "-" + profile
}
