package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/kitpool/internal/kit"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/sandbox"
)

var (
	workerJailID  string
	workerJailDir string
	workerProfile string
)

// workerCmd runs one worker. Supervisors start it, never users.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a worker process (started by a supervisor)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().StringVar(&workerJailID, "jail-id", "", "Jail id assigned by the supervisor")
	workerCmd.Flags().StringVar(&workerJailDir, "jail-dir", "", "Jail directory created by the supervisor, empty when jailing is off")
	workerCmd.Flags().StringVar(&workerProfile, "profile", "", "Profile the worker belongs to")
	_ = workerCmd.MarkFlagRequired("jail-id")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initChildLogger(cfg, "")

	// The supervisor picked the directory, so a root_dir change since then
	// does not move the worker.
	jail := sandbox.New(jailConfig(cfg.Jail), workerJailDir)

	props := map[string]string{}
	if host, err := os.Hostname(); err == nil {
		props["host"] = host
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return kit.New(kit.Options{
		SocketPath: cfg.Socket.Path,
		JailID:     workerJailID,
		Profile:    workerProfile,
		Version:    version,
		Props:      props,
		Jail:       jail,
		Logger:     logger.Global(),
	}).Run(ctx)
}
