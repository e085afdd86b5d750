package kit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kitpool/internal/controlsock"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/pool"
)

type owner struct {
	mu     sync.Mutex
	inputs []string
}

func (o *owner) DocKey() string { return "doc" }

func (o *owner) HandleInput(_ *pool.Worker, line []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.inputs = append(o.inputs, string(line))
}

func (o *owner) DisconnectedFromKit(bool) {}
func (o *owner) IsUnloading() bool        { return false }

func (o *owner) Inputs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.inputs...)
}

func quiet() *logger.Logger { return logger.NewWriter(logger.LevelNone, nil, "test") }

func TestHandle(t *testing.T) {
	w := New(Options{JailID: "abc-def", Logger: quiet()})

	tests := []struct {
		line  string
		reply string
		exit  bool
	}{
		{"ping", "pong", false},
		{"render tile", "error: cmd=render kind=nodocloaded", false},
		{"load", "error: cmd=load kind=missingdoc", false},
		{"load doc-1", "status: loaded doc-1", false},
		{"render tile", "ack: render", false},
		{"unload", "status: unloaded doc-1", false},
		{"", "", false},
		{"exit", "exiting requested", true},
	}
	for _, tt := range tests {
		reply, exit := w.handle(tt.line)
		assert.Equal(t, tt.reply, reply, tt.line)
		assert.Equal(t, tt.exit, exit, tt.line)
	}
}

func TestRunRequiresJailID(t *testing.T) {
	err := New(Options{Logger: quiet()}).Run(context.Background())
	assert.Error(t, err)
}

func TestWorkerRegistersWithManager(t *testing.T) {
	m := pool.New(pool.Options{Target: 1, Logger: quiet()})

	dir, err := os.MkdirTemp("", "kpk")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	srv := controlsock.NewServer(controlsock.Config{Path: filepath.Join(dir, "ctl.sock")}, func(c *controlsock.Conn) controlsock.Session {
		return m.NewChannel(c)
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	defer srv.Stop()

	done := make(chan error, 1)
	go func() {
		done <- New(Options{
			SocketPath: srv.Path(),
			JailID:     "jail-1",
			Version:    "1.0",
			Props:      map[string]string{"host": "test"},
			Logger:     quiet(),
		}).Run(ctx)
	}()

	require.Eventually(t, func() bool { return m.SpareCount("") == 1 }, 2*time.Second, 5*time.Millisecond)
	w := m.Claim("")
	require.NotNil(t, w)
	assert.Equal(t, "jail-1", w.JailID())
	assert.Equal(t, "1.0", w.Version())
	assert.Equal(t, map[string]string{"host": "test"}, w.Props())
	assert.NotNil(t, w.MemStats())

	// The bridge echoes until a document takes over.
	require.NotNil(t, w.BridgeIn())
	require.NotNil(t, w.BridgeOut())
	_, err = w.BridgeIn().Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = w.BridgeOut().Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	o := &owner{}
	require.NoError(t, w.Bind(o))
	require.NoError(t, w.SendControl("load doc-1"))
	assert.Eventually(t, func() bool {
		in := o.Inputs()
		return len(in) == 1 && in[0] == "status: loaded doc-1"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.SendControl("exit"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
}
