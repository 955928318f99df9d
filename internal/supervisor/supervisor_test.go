package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matcala/cs-e4300-wireguard-mesh/internal/agent"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/state"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/wireguard"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/logging"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/monitoring"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	path    string
	release chan struct{} // when set, teardown blocks until closed
	fail    bool

	mu        sync.Mutex
	state     agent.State
	cancelled bool
	done      chan struct{}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	defer close(w.done)
	if w.fail {
		w.set(agent.StateFailed)
		return os.ErrInvalid
	}
	w.set(agent.StateRunning)
	<-ctx.Done()
	w.mu.Lock()
	w.cancelled = true
	w.mu.Unlock()
	w.set(agent.StateStopping)
	if w.release != nil {
		<-w.release
	}
	w.set(agent.StateStopped)
	return nil
}

func (w *fakeWorker) set(s agent.State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) State() agent.State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) InterfaceName() string { return filepath.Base(w.path) }

func (w *fakeWorker) wasCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

type factory struct {
	mu      sync.Mutex
	started []*fakeWorker
	failing map[string]bool
	release chan struct{}
}

func (f *factory) New(path string, _ agent.Claims) Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWorker{path: path, fail: f.failing[path], release: f.release, done: make(chan struct{})}
	f.started = append(f.started, w)
	return w
}

func (f *factory) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.started {
		if w.path == path {
			n++
		}
	}
	return n
}

func (f *factory) last(path string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.started) - 1; i >= 0; i-- {
		if f.started[i].path == path {
			return f.started[i]
		}
	}
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0600))
}

func newTestSupervisor(dir string, f *factory) (*Supervisor, *Metrics) {
	m := &Metrics{
		AgentsRunning:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "agents_running"}, []string{}),
		DescriptorPolls: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "descriptor_polls_total"}, []string{"status"}),
	}
	return New(Config{
		Dir:          dir,
		PollInterval: time.Hour,
		NewWorker:    f.New,
		Logger:       logging.NewLogger(),
		Metrics:      m,
	}), m
}

func paths(infos []AgentInfo) []string {
	out := make([]string, 0, len(infos))
	for _, i := range infos {
		out = append(out, i.Path)
	}
	return out
}

func TestReconcileConverges(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.json"), filepath.Join(dir, "b.json")
	touch(t, a)
	touch(t, b)

	f := &factory{}
	s, m := newTestSupervisor(dir, f)
	ctx := context.Background()
	defer s.Shutdown()

	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, []string{a, b}, paths(s.Agents()))
	require.Equal(t, float64(2), testutil.ToFloat64(m.AgentsRunning.WithLabelValues()))

	// A second poll with no changes starts nothing new.
	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, 1, f.count(a))
	require.Equal(t, 1, f.count(b))

	require.NoError(t, os.Remove(b))
	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, []string{a}, paths(s.Agents()))
	require.Equal(t, float64(1), testutil.ToFloat64(m.AgentsRunning.WithLabelValues()))

	stopped := f.last(b)
	require.Eventually(t, stopped.wasCancelled, time.Second, 5*time.Millisecond)
	require.False(t, f.last(a).wasCancelled())
	require.Equal(t, float64(3), testutil.ToFloat64(m.DescriptorPolls.WithLabelValues("success")))
}

func TestScanDescriptorsFiltersEntries(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "wg0.json"))
	touch(t, filepath.Join(dir, ".hidden.json"))
	touch(t, filepath.Join(dir, "notes.txt"))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.json"), 0755))
	require.NoError(t, os.Symlink(filepath.Join(dir, "wg0.json"), filepath.Join(dir, "wg1.json")))
	require.NoError(t, os.Symlink(filepath.Join(dir, "missing"), filepath.Join(dir, "dangling.json")))

	got, err := ScanDescriptors(dir)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "wg0.json"), filepath.Join(dir, "wg1.json")}, got)
}

func TestFailedScanKeepsRegistry(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "descriptors")
	require.NoError(t, os.Mkdir(dir, 0755))
	touch(t, filepath.Join(dir, "wg0.json"))

	f := &factory{}
	s, m := newTestSupervisor(dir, f)
	defer s.Shutdown()
	ctx := context.Background()

	require.False(t, s.IsHealthy(), "not healthy before the first poll")
	require.NoError(t, s.Reconcile(ctx))
	require.True(t, s.IsHealthy())

	require.NoError(t, os.Rename(dir, filepath.Join(root, "moved")))
	require.Error(t, s.Reconcile(ctx))
	require.Len(t, s.Agents(), 1)
	require.False(t, f.last(filepath.Join(dir, "wg0.json")).wasCancelled())
	require.False(t, s.IsHealthy())
	require.Equal(t, float64(1), testutil.ToFloat64(m.DescriptorPolls.WithLabelValues("failed")))
	require.Equal(t, monitoring.StatusUnhealthy, s.HealthCheck()().Status)
}

func TestFailedAgentIsNotRestarted(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	touch(t, bad)

	f := &factory{failing: map[string]bool{bad: true}}
	s, _ := newTestSupervisor(dir, f)
	defer s.Shutdown()
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx))
	<-f.last(bad).Done()
	require.NoError(t, s.Reconcile(ctx))

	require.Equal(t, 1, f.count(bad))
	infos := s.Agents()
	require.Len(t, infos, 1)
	require.Equal(t, agent.StateFailed, infos[0].State)
	require.Equal(t, monitoring.StatusDegraded, s.HealthCheck()().Status)

	// Removing and re-adding the file gives it a fresh agent.
	require.NoError(t, os.Remove(bad))
	require.NoError(t, s.Reconcile(ctx))
	touch(t, bad)
	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, 2, f.count(bad))
}

func TestReappearingDescriptorWaitsForTeardown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wg0.json")
	touch(t, path)

	release := make(chan struct{})
	f := &factory{release: release}
	s, _ := newTestSupervisor(dir, f)
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx))
	first := f.last(path)

	require.NoError(t, os.Remove(path))
	require.NoError(t, s.Reconcile(ctx))
	require.Eventually(t, first.wasCancelled, time.Second, 5*time.Millisecond)

	touch(t, path)
	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, 1, f.count(path), "must not start while the old agent is still stopping")
	require.Empty(t, s.Agents())

	close(release)
	<-first.Done()

	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, 2, f.count(path))
	s.Shutdown()
}

func TestShutdownWaitsForAgents(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.json"))
	touch(t, filepath.Join(dir, "b.json"))

	release := make(chan struct{})
	f := &factory{release: release}
	s, m := newTestSupervisor(dir, f)
	require.NoError(t, s.Reconcile(context.Background()))

	finished := make(chan struct{})
	go func() {
		s.Shutdown()
		close(finished)
	}()

	select {
	case <-finished:
		t.Fatal("shutdown returned before agents finished teardown")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	for _, w := range f.started {
		require.Equal(t, agent.StateStopped, w.State())
	}
	require.Equal(t, float64(0), testutil.ToFloat64(m.AgentsRunning.WithLabelValues()))
}

func TestRunPicksUpNewDescriptors(t *testing.T) {
	dir := t.TempDir()
	f := &factory{}
	s := New(Config{Dir: dir, PollInterval: 20 * time.Millisecond, NewWorker: f.New, Logger: logging.NewLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	path := filepath.Join(dir, "wg0.json")
	touch(t, path)
	require.Eventually(t, func() bool { return len(s.Agents()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(s.Agents()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, f.last(path).wasCancelled, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestClaims(t *testing.T) {
	s := New(Config{Dir: t.TempDir()})
	ctx := context.Background()

	require.NoError(t, s.Claim(ctx, "wg0", "/d/a.json"))
	require.NoError(t, s.Claim(ctx, "wg0", "/d/a.json"), "re-claim by the owner is allowed")
	require.Error(t, s.Claim(ctx, "wg0", "/d/b.json"))

	s.Release("wg0", "/d/b.json")
	require.Error(t, s.Claim(ctx, "wg0", "/d/b.json"), "only the owner can release")

	s.Release("wg0", "/d/a.json")
	require.NoError(t, s.Claim(ctx, "wg0", "/d/b.json"))
}

func TestClaimWaitsForDrainingOwner(t *testing.T) {
	dir := t.TempDir()
	f := &factory{release: make(chan struct{})}
	s := New(Config{Dir: dir, NewWorker: f.New, Logger: logging.NewLogger()})
	ctx := context.Background()

	oldPath := filepath.Join(dir, "a.json")
	newPath := filepath.Join(dir, "b.json")
	touch(t, oldPath)
	require.NoError(t, s.Reconcile(ctx))
	require.Eventually(t, func() bool { return f.last(oldPath).State() == agent.StateRunning }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Claim(ctx, "wg0", oldPath))

	require.NoError(t, os.Remove(oldPath))
	require.NoError(t, s.Reconcile(ctx))

	claimed := make(chan error, 1)
	go func() { claimed <- s.Claim(ctx, "wg0", newPath) }()

	select {
	case err := <-claimed:
		t.Fatalf("claim returned before the previous owner stopped: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Release("wg0", oldPath)
	close(f.release)

	select {
	case err := <-claimed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("claim did not complete after the previous owner stopped")
	}
	s.Shutdown()
}

func TestClaimWaitHonoursContext(t *testing.T) {
	dir := t.TempDir()
	f := &factory{release: make(chan struct{})}
	s := New(Config{Dir: dir, NewWorker: f.New, Logger: logging.NewLogger()})

	oldPath := filepath.Join(dir, "a.json")
	touch(t, oldPath)
	require.NoError(t, s.Reconcile(context.Background()))
	require.NoError(t, s.Claim(context.Background(), "wg0", oldPath))
	require.NoError(t, os.Remove(oldPath))
	require.NoError(t, s.Reconcile(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Claim(ctx, "wg0", filepath.Join(dir, "b.json"))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(f.release)
	s.Shutdown()
}

type stubAPI struct{}

func (stubAPI) RenewToken(context.Context, string, string) (state.Credential, error) {
	return state.Credential{Token: "t2", ExpiresAt: 1000}, nil
}

func (stubAPI) PublishPublicKey(context.Context, string, string, string) error { return nil }

func (stubAPI) FetchPeerConfig(context.Context, string, string, string) (string, error) {
	return "[Peer]\nPublicKey = aaa\n", nil
}

type stubManager struct{}

func (stubManager) Exists(context.Context) (bool, error) { return false, nil }
func (stubManager) Activate(context.Context) error       { return nil }
func (stubManager) Restart(context.Context) error        { return nil }
func (stubManager) Stop(context.Context) error           { return nil }

// slowStopManager tracks whether the interface is up and takes a while to
// stop it.
type slowStopManager struct {
	delay time.Duration

	mu  sync.Mutex
	up  bool
	ops []string
}

func (m *slowStopManager) Exists(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up, nil
}

func (m *slowStopManager) Activate(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = true
	m.ops = append(m.ops, "activate")
	return nil
}

func (m *slowStopManager) Restart(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "restart")
	return nil
}

func (m *slowStopManager) Stop(context.Context) error {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = false
	m.ops = append(m.ops, "stop")
	return nil
}

func (m *slowStopManager) snapshot() (bool, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up, append([]string(nil), m.ops...)
}

func writeDescriptor(t *testing.T, path, name string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"interface": map[string]any{
			"name": name, "overlay_id": "ov1", "device_id": "dev-" + filepath.Base(path),
			"virtual_address": "10.0.0.2/24", "listen_port": 51820, "token": "t1",
		},
		"manager_server_address": "http://mgmt.invalid",
		"token_refresh_interval": 1,
		"config_update_interval": 1,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
}

func TestDuplicateInterfaceNameFailsSecondAgent(t *testing.T) {
	dir := t.TempDir()
	wgDir := t.TempDir()
	writeDescriptor(t, filepath.Join(dir, "a.json"), "wg0")
	writeDescriptor(t, filepath.Join(dir, "b.json"), "wg0")

	s := New(Config{
		Dir:    dir,
		Logger: logging.NewLogger(),
		NewWorker: func(path string, claims agent.Claims) Worker {
			return agent.New(agent.Config{
				DescriptorPath: path,
				WireGuardDir:   wgDir,
				KeyGenerator:   wireguard.NativeKeyGenerator{},
				Claims:         claims,
				Logger:         logging.NewLogger(),
				NewClient:      func(string) agent.APIClient { return stubAPI{} },
				NewManager:     func(string) (wireguard.Manager, error) { return stubManager{}, nil },
			})
		},
	})
	require.NoError(t, s.Reconcile(context.Background()))
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		var running, failed int
		for _, info := range s.Agents() {
			switch info.State {
			case agent.StateRunning:
				running++
			case agent.StateFailed:
				failed++
			}
		}
		return running == 1 && failed == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRenamedDescriptorTakesOverInterface(t *testing.T) {
	dir := t.TempDir()
	wgDir := t.TempDir()
	oldPath := filepath.Join(dir, "a.json")
	newPath := filepath.Join(dir, "b.json")
	writeDescriptor(t, oldPath, "wg0")

	mgr := &slowStopManager{delay: 200 * time.Millisecond}
	s := New(Config{
		Dir:    dir,
		Logger: logging.NewLogger(),
		NewWorker: func(path string, claims agent.Claims) Worker {
			return agent.New(agent.Config{
				DescriptorPath: path,
				WireGuardDir:   wgDir,
				KeyGenerator:   wireguard.NativeKeyGenerator{},
				Claims:         claims,
				Logger:         logging.NewLogger(),
				NewClient:      func(string) agent.APIClient { return stubAPI{} },
				NewManager:     func(string) (wireguard.Manager, error) { return mgr, nil },
			})
		},
	})
	defer s.Shutdown()
	ctx := context.Background()

	require.NoError(t, s.Reconcile(ctx))
	require.Eventually(t, func() bool {
		up, _ := mgr.snapshot()
		agents := s.Agents()
		return up && len(agents) == 1 && agents[0].State == agent.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Rename(oldPath, newPath))
	require.NoError(t, s.Reconcile(ctx))

	require.Eventually(t, func() bool {
		agents := s.Agents()
		return len(agents) == 1 && agents[0].Path == newPath && agents[0].State == agent.StateRunning
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Reconcile(ctx))
	}
	agents := s.Agents()
	require.Len(t, agents, 1)
	require.Equal(t, agent.StateRunning, agents[0].State)

	up, ops := mgr.snapshot()
	require.True(t, up, "interface must be brought back up by the new agent")
	require.Equal(t, []string{"activate", "stop", "activate"}, ops)
}
