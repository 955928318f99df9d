// Package supervisor keeps one agent running per descriptor file present in
// a watched directory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/matcala/cs-e4300-wireguard-mesh/internal/agent"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/logging"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/monitoring"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the supervisor.
type Metrics struct {
	AgentsRunning   *prometheus.GaugeVec   // no labels
	DescriptorPolls *prometheus.CounterVec // status
}

// Worker is the lifecycle surface the supervisor needs from an agent.
type Worker interface {
	Run(ctx context.Context) error
	Done() <-chan struct{}
	State() agent.State
	InterfaceName() string
}

// WorkerFactory builds the agent for one descriptor path. claims must be
// handed to the agent so interface names stay exclusive.
type WorkerFactory func(path string, claims agent.Claims) Worker

// DefaultPollInterval is used when Config.PollInterval is unset.
const DefaultPollInterval = 5 * time.Minute

type Config struct {
	Dir          string
	PollInterval time.Duration
	NewWorker    WorkerFactory
	Logger       logging.Logger
	Metrics      *Metrics
}

// AgentInfo is a point-in-time view of one registered agent.
type AgentInfo struct {
	Path      string
	Interface string
	State     agent.State
}

type entry struct {
	worker Worker
	cancel context.CancelFunc
}

type Supervisor struct {
	dir          string
	pollInterval time.Duration
	newWorker    WorkerFactory
	logger       logging.Logger
	metrics      *Metrics

	mu       sync.Mutex
	agents   map[string]*entry
	draining map[string]Worker
	lastErr  error
	polled   bool
	wg       sync.WaitGroup

	claimsMu sync.Mutex
	owners   map[string]string // interface name -> descriptor path
}

func New(cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}
	return &Supervisor{
		dir:          cfg.Dir,
		pollInterval: cfg.PollInterval,
		newWorker:    cfg.NewWorker,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		agents:       make(map[string]*entry),
		draining:     make(map[string]Worker),
		owners:       make(map[string]string),
	}
}

// Run polls until ctx is cancelled, then stops every agent and waits for
// their teardown.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.WithFields(logging.Fields{
		"dir":           s.dir,
		"poll_interval": s.pollInterval.String(),
	}).Info("Starting supervisor")

	if err := s.Reconcile(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial descriptor poll failed")
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.WithError(err).Warn("Descriptor poll failed")
			}
		}
	}
}

// Reconcile makes the registry match the descriptor files currently in the
// directory. A failed scan leaves the registry untouched.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	present, err := ScanDescriptors(s.dir)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = true
	s.lastErr = err
	if err != nil {
		s.countPoll("failed")
		return err
	}
	s.countPoll("success")

	for path, w := range s.draining {
		select {
		case <-w.Done():
			delete(s.draining, path)
		default:
		}
	}

	want := make(map[string]struct{}, len(present))
	for _, path := range present {
		want[path] = struct{}{}
	}

	for path, e := range s.agents {
		if _, ok := want[path]; ok {
			continue
		}
		e.cancel()
		delete(s.agents, path)
		s.draining[path] = e.worker
		s.logger.WithField("descriptor", path).Info("Descriptor removed; stopping agent")
	}

	for _, path := range present {
		if _, ok := s.agents[path]; ok {
			continue
		}
		if _, ok := s.draining[path]; ok {
			s.logger.WithField("descriptor", path).Info("Descriptor reappeared; waiting for previous agent to stop")
			continue
		}
		if ctx.Err() != nil {
			break
		}
		s.startLocked(ctx, path)
	}

	s.setRunningLocked()
	return nil
}

func (s *Supervisor) startLocked(parent context.Context, path string) {
	w := s.newWorker(path, s)
	ctx, cancel := context.WithCancel(parent)
	s.agents[path] = &entry{worker: w, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := w.Run(ctx); err != nil {
			s.logger.WithError(err).WithField("descriptor", path).Error("Agent exited with error")
		}
	}()
	s.logger.WithField("descriptor", path).Info("Started agent")
}

// Shutdown stops all agents and waits for them, including ones already
// draining.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for path, e := range s.agents {
		e.cancel()
		delete(s.agents, path)
	}
	s.setRunningLocked()
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.draining = make(map[string]Worker)
	s.mu.Unlock()
	s.logger.Info("All agents stopped")
}

// Agents returns the registered agents sorted by path.
func (s *Supervisor) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.agents))
	for path, e := range s.agents {
		out = append(out, AgentInfo{Path: path, Interface: e.worker.InterfaceName(), State: e.worker.State()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// IsHealthy is true once a poll has succeeded and the latest one did.
func (s *Supervisor) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polled && s.lastErr == nil
}

// HealthCheck reports poll health and counts failed agents.
func (s *Supervisor) HealthCheck() monitoring.HealthCheck {
	return func() monitoring.CheckResult {
		if !s.IsHealthy() {
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "descriptor directory not polled successfully"}
		}
		var running, failed int
		for _, info := range s.Agents() {
			switch info.State {
			case agent.StateRunning:
				running++
			case agent.StateFailed:
				failed++
			}
		}
		msg := fmt.Sprintf("%d running, %d failed", running, failed)
		if failed > 0 {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: msg}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: msg}
	}
}

// Claim gives owner exclusive use of an interface name. When the name is
// held by an agent whose descriptor was removed, Claim waits for that agent
// to finish teardown; a name held by a live descriptor is refused.
func (s *Supervisor) Claim(ctx context.Context, name, owner string) error {
	var waited Worker
	for {
		s.claimsMu.Lock()
		cur, ok := s.owners[name]
		if !ok || cur == owner {
			s.owners[name] = owner
			s.claimsMu.Unlock()
			return nil
		}
		s.claimsMu.Unlock()

		prev := s.drainingWorker(cur)
		if prev == nil || prev == waited {
			return fmt.Errorf("interface %s is already managed by %s", name, cur)
		}
		s.logger.WithFields(logging.Fields{
			"interface":  name,
			"descriptor": owner,
			"previous":   cur,
		}).Info("Waiting for previous agent to release interface")
		select {
		case <-prev.Done():
			waited = prev
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) drainingWorker(path string) Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining[path]
}

func (s *Supervisor) Release(name, owner string) {
	s.claimsMu.Lock()
	defer s.claimsMu.Unlock()
	if s.owners[name] == owner {
		delete(s.owners, name)
	}
}

func (s *Supervisor) setRunningLocked() {
	if s.metrics != nil && s.metrics.AgentsRunning != nil {
		s.metrics.AgentsRunning.WithLabelValues().Set(float64(len(s.agents)))
	}
}

func (s *Supervisor) countPoll(status string) {
	if s.metrics != nil && s.metrics.DescriptorPolls != nil {
		s.metrics.DescriptorPolls.WithLabelValues(status).Inc()
	}
}

// ScanDescriptors lists the regular *.json files directly inside dir,
// skipping hidden files. Symlinks count when they resolve to a regular file.
func ScanDescriptors(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read descriptor dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		if !e.Type().IsRegular() {
			if e.Type()&os.ModeSymlink == 0 {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("stat descriptor: %w", err)
			}
			if !info.Mode().IsRegular() {
				continue
			}
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}
