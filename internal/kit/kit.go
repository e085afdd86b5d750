// Package kit is the worker process. A worker registers as a spare on the
// control socket, hands the manager its memory-stats and bridge
// descriptors, and then serves document commands until told to exit.
package kit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/codefionn/kitpool/internal/controlsock"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/protocol"
	"github.com/codefionn/kitpool/internal/sandbox"
)

// memStatsSources are tried in order for the memory-stats descriptor.
var memStatsSources = []string{
	"/proc/self/smaps_rollup",
	"/proc/self/statm",
	os.DevNull,
}

// Options configures a worker.
type Options struct {
	SocketPath string
	JailID     string
	Profile    string
	Version    string
	Props      map[string]string

	// Jail is applied after connecting and before announcing. Nil runs
	// the worker unconfined.
	Jail *sandbox.Jail

	Logger *logger.Logger
}

// Worker is one worker process.
type Worker struct {
	opts Options
	log  *logger.Logger

	client *controlsock.Client
	doc    string
}

// New creates a worker.
func New(opts Options) *Worker {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	return &Worker{opts: opts, log: log.WithPrefix("kit-" + shortID(opts.JailID))}
}

// Run registers and serves until the manager says exit, the connection
// drops or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.JailID == "" {
		return fmt.Errorf("worker needs a jail id")
	}

	memStats, err := openMemStats()
	if err != nil {
		return err
	}
	defer memStats.Close()

	b, err := newBridge()
	if err != nil {
		return err
	}
	defer b.Close()

	client, err := controlsock.Dial(ctx, w.opts.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()
	w.client = client

	if w.opts.Jail != nil {
		if err := w.opts.Jail.Restrict(); err != nil {
			return fmt.Errorf("failed to enter jail %s: %w", w.opts.JailID, err)
		}
	}

	announce := protocol.Announce{
		Role:    protocol.RoleWorker,
		JailID:  w.opts.JailID,
		Profile: w.opts.Profile,
		Version: w.opts.Version,
		Props:   w.opts.Props,
	}
	if err := client.Announce(announce, memStats, b.remoteIn, b.remoteOut); err != nil {
		return err
	}
	// The manager holds its own copies now.
	b.closeRemote()
	go b.serve()
	w.log.Info("registered as spare (profile %q)", w.opts.Profile)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := client.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = client.WriteLine(protocol.Exiting("signal"))
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				w.log.Info("control connection closed")
				return nil
			}
			return fmt.Errorf("control connection failed: %w", err)
		case line := <-lines:
			reply, exit := w.handle(line)
			if reply != "" {
				if err := client.WriteLine(reply); err != nil {
					return fmt.Errorf("failed to reply: %w", err)
				}
			}
			if exit {
				w.log.Info("exiting on request")
				return nil
			}
		}
	}
}

// handle answers one control line. exit is true when the worker must stop.
func (w *Worker) handle(line string) (reply string, exit bool) {
	verb, arg := protocol.Command(line)
	switch verb {
	case protocol.CmdExit:
		return protocol.Exiting("requested"), true
	case protocol.CmdPing:
		return protocol.CmdPong, false
	case protocol.CmdLoad:
		if arg == "" {
			return "error: cmd=load kind=missingdoc", false
		}
		w.doc = arg
		return "status: loaded " + arg, false
	case protocol.CmdUnload:
		doc := w.doc
		w.doc = ""
		return "status: unloaded " + doc, false
	case "":
		return "", false
	default:
		if w.doc == "" {
			return "error: cmd=" + verb + " kind=nodocloaded", false
		}
		return "ack: " + verb, false
	}
}

func openMemStats() (*os.File, error) {
	var errs []error
	for _, path := range memStatsSources {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("no memory stats source: %w", errors.Join(errs...))
}

func shortID(id string) string {
	id, _, _ = strings.Cut(id, "-")
	return id
}
