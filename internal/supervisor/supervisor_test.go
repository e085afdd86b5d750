package supervisor

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/kitpool/internal/controlsock"
	"github.com/codefionn/kitpool/internal/logger"
	"github.com/codefionn/kitpool/internal/sandbox"
)

// fakeManager accepts one connection and records what it receives.
type fakeManager struct {
	srv *controlsock.Server

	mu   sync.Mutex
	conn *controlsock.Conn
	data bytes.Buffer
	gone bool
}

func (f *fakeManager) HandleData(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data.Write(data)
}

func (f *fakeManager) Disconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gone = true
}

func (f *fakeManager) received() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data.String()
}

func (f *fakeManager) send(t *testing.T, line string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.conn != nil
	}, 2*time.Second, 5*time.Millisecond)
	f.mu.Lock()
	c := f.conn
	f.mu.Unlock()
	require.NoError(t, c.Send([]byte(line+"\n")))
}

func newFakeManager(t *testing.T) *fakeManager {
	t.Helper()
	dir, err := os.MkdirTemp("", "kps")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	f := &fakeManager{}
	f.srv = controlsock.NewServer(controlsock.Config{Path: filepath.Join(dir, "ctl.sock")}, func(c *controlsock.Conn) controlsock.Session {
		f.mu.Lock()
		f.conn = c
		f.mu.Unlock()
		return f
	})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = f.srv.Stop()
	})
	return f
}

type fakeChild struct {
	pid  int
	exit chan error
}

func (c *fakeChild) Pid() int    { return c.pid }
func (c *fakeChild) Wait() error { return <-c.exit }

type starter struct {
	mu       sync.Mutex
	jails    []string
	dirs     []string
	profiles []string
	children []*fakeChild
}

func (s *starter) startWorker(jailID, jailDir, profile string) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeChild{pid: 5000 + len(s.children), exit: make(chan error, 1)}
	s.jails = append(s.jails, jailID)
	s.dirs = append(s.dirs, jailDir)
	s.children = append(s.children, c)
	return c, nil
}

func (s *starter) startSupervisor(profile string) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &fakeChild{pid: 6000 + len(s.profiles), exit: make(chan error, 1)}
	s.profiles = append(s.profiles, profile)
	s.children = append(s.children, c)
	return c, nil
}

func (s *starter) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jails), len(s.profiles)
}

func runRuntime(t *testing.T, opts Options) (*Runtime, chan error, context.CancelFunc) {
	t.Helper()
	opts.Logger = logger.NewWriter(logger.LevelNone, nil, "test")
	r := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(cancel)
	return r, done, cancel
}

func TestRuntimeAnnouncesAndSpawns(t *testing.T) {
	fm := newFakeManager(t)
	st := &starter{}
	root := t.TempDir()

	r, _, _ := runRuntime(t, Options{
		SocketPath:      fm.srv.Path(),
		Jail:            sandbox.Config{RootDir: root},
		StartWorker:     st.startWorker,
		StartSupervisor: st.startSupervisor,
	})

	require.Eventually(t, func() bool {
		return strings.HasPrefix(fm.received(), "GET /kitpool/supervisor ")
	}, 2*time.Second, 5*time.Millisecond)

	fm.send(t, "spawn 2")
	require.Eventually(t, func() bool {
		n, _ := st.counts()
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, r.Children())

	st.mu.Lock()
	jails := append([]string(nil), st.jails...)
	first := st.children[0]
	st.mu.Unlock()
	assert.NotEqual(t, jails[0], jails[1], "every worker gets its own jail")
	for _, id := range jails {
		assert.DirExists(t, filepath.Join(root, id))
	}

	// A clean exit removes the jail and is not reported.
	first.exit <- nil
	assert.Eventually(t, func() bool { return r.Children() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.NoDirExists(t, filepath.Join(root, jails[0]))
}

func TestRuntimeSpawnsIntoReloadedJailRoot(t *testing.T) {
	fm := newFakeManager(t)
	st := &starter{}
	oldRoot, newRoot := t.TempDir(), t.TempDir()

	var (
		mu   sync.Mutex
		root = oldRoot
		fail bool
	)
	load := func() (sandbox.Config, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return sandbox.Config{}, os.ErrNotExist
		}
		return sandbox.Config{RootDir: root}, nil
	}
	setRoot := func(dir string, broken bool) {
		mu.Lock()
		defer mu.Unlock()
		root, fail = dir, broken
	}
	spawned := func(n int) {
		t.Helper()
		fm.send(t, "spawn 1")
		require.Eventually(t, func() bool {
			got, _ := st.counts()
			return got == n
		}, 2*time.Second, 5*time.Millisecond)
	}

	runRuntime(t, Options{
		SocketPath:  fm.srv.Path(),
		Jail:        sandbox.Config{RootDir: oldRoot},
		LoadJail:    load,
		StartWorker: st.startWorker,
	})
	require.Eventually(t, func() bool { return fm.received() != "" }, 2*time.Second, 5*time.Millisecond)

	spawned(1)
	setRoot(newRoot, false)
	spawned(2)
	// A config that no longer loads keeps the last good root.
	setRoot(oldRoot, true)
	spawned(3)

	st.mu.Lock()
	jails := append([]string(nil), st.jails...)
	dirs := append([]string(nil), st.dirs...)
	st.mu.Unlock()

	assert.Equal(t, filepath.Join(oldRoot, jails[0]), dirs[0])
	assert.Equal(t, filepath.Join(newRoot, jails[1]), dirs[1])
	assert.Equal(t, filepath.Join(newRoot, jails[2]), dirs[2])
	assert.DirExists(t, dirs[1])
	assert.NoDirExists(t, filepath.Join(oldRoot, jails[1]))
}

func TestRuntimeStartsProfileSupervisorOnce(t *testing.T) {
	fm := newFakeManager(t)
	st := &starter{}
	runRuntime(t, Options{
		SocketPath:      fm.srv.Path(),
		StartWorker:     st.startWorker,
		StartSupervisor: st.startSupervisor,
	})

	fm.send(t, "addprofile team-a")
	fm.send(t, "addprofile team-a")
	require.Eventually(t, func() bool {
		_, n := st.counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	_, n := st.counts()
	assert.Equal(t, 1, n, "a running profile supervisor is not started twice")
}

func TestProfileSupervisorIgnoresAddProfile(t *testing.T) {
	st := &starter{}
	r := New(Options{Profile: "team-a", StartSupervisor: st.startSupervisor, Logger: logger.NewWriter(logger.LevelNone, nil, "")})
	assert.Error(t, r.handle("addprofile team-b"))
	_, n := st.counts()
	assert.Zero(t, n)
}

func TestRuntimeExitCommand(t *testing.T) {
	fm := newFakeManager(t)
	_, done, _ := runRuntime(t, Options{SocketPath: fm.srv.Path()})

	fm.send(t, "exit")
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not exit")
	}
}

func TestRuntimeStopsOnCancel(t *testing.T) {
	fm := newFakeManager(t)
	_, done, cancel := runRuntime(t, Options{SocketPath: fm.srv.Path()})

	require.Eventually(t, func() bool { return fm.received() != "" }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestRuntimeReportsCrashes(t *testing.T) {
	fm := newFakeManager(t)
	_, _, _ = runRuntime(t, Options{
		SocketPath:     fm.srv.Path(),
		ReportInterval: 10 * time.Millisecond,
		StartWorker: func(_, _, _ string) (Child, error) {
			return StartCommand(exec.Command("sh", "-c", "kill -SEGV $$"))
		},
	})

	fm.send(t, "spawn 1")
	assert.Eventually(t, func() bool {
		return strings.Contains(fm.received(), "segfaultcount=1 killedcount=0 oomkilledcount=0\n")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClassifyExit(t *testing.T) {
	run := func(script string) error {
		return exec.Command("sh", "-c", script).Run()
	}

	assert.Equal(t, exitClean, classifyExit(nil))
	assert.Equal(t, exitFailed, classifyExit(run("exit 3")))
	assert.Equal(t, exitSegfault, classifyExit(run("kill -SEGV $$")))
	assert.Equal(t, exitKilled, classifyExit(run("kill -KILL $$")))
	assert.Equal(t, exitFailed, classifyExit(assert.AnError))
}
