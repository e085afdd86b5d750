package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/sandbox"
	"github.com/codefionn/kitpool/internal/supervisor"
)

var (
	supervisorProfile string
	supervisorReadyFD int
)

// supervisorCmd runs a forking supervisor. The manager starts the
// primordial one, which starts profile supervisors on request.
var supervisorCmd = &cobra.Command{
	Use:    "supervisor",
	Short:  "Run a worker supervisor (started by serve)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runSupervisor,
}

func init() {
	rootCmd.AddCommand(supervisorCmd)
	supervisorCmd.Flags().StringVar(&supervisorProfile, "profile", "", "Profile served by this supervisor, empty for the primordial one")
	supervisorCmd.Flags().IntVar(&supervisorReadyFD, supervisor.ReadyFDFlag, -1, "Descriptor to wait on before connecting")
}

func runSupervisor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initChildLogger(cfg, "forkit"+profileSuffix(supervisorProfile))

	var ready *os.File
	if supervisorReadyFD >= 0 {
		ready = os.NewFile(uintptr(supervisorReadyFD), "ready")
		if ready == nil {
			return fmt.Errorf("invalid --%s %d", supervisor.ReadyFDFlag, supervisorReadyFD)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := supervisor.New(supervisor.Options{
		SocketPath:      cfg.Socket.Path,
		Profile:         supervisorProfile,
		Jail:            jailConfig(cfg.Jail),
		LoadJail:        loadJail,
		StartWorker:     startWorker,
		StartSupervisor: startProfileSupervisor,
		ReadyFD:         ready,
		Logger:          logger.Global(),
	})
	err = rt.Run(ctx)
	rt.Wait()
	return err
}

// loadJail rereads the jail section so a changed root applies to the next
// worker.
func loadJail() (sandbox.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return sandbox.Config{}, err
	}
	return jailConfig(cfg.Jail), nil
}

// startWorker execs "kitpool worker" inside the jail directory the
// supervisor created for it.
func startWorker(jailID, jailDir, profile string) (supervisor.Child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := []string{"--jail-id", jailID, "--profile", profile}
	if jailDir != "" {
		args = append(args, "--jail-dir", jailDir)
	}
	c := exec.Command(exe, childArgs("worker", args...)...)
	if dirExists(jailDir) {
		c.Dir = jailDir
	}
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return supervisor.StartCommand(c)
}

func startProfileSupervisor(profile string) (supervisor.Child, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	c := exec.Command(exe, childArgs("supervisor", "--profile", profile)...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return supervisor.StartCommand(c)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
