// Package agent runs the lifecycle of one WireGuard interface: key
// provisioning, token renewal and peer config reconciliation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/matcala/cs-e4300-wireguard-mesh/internal/descriptor"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/mgmtapi"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/state"
	"github.com/matcala/cs-e4300-wireguard-mesh/internal/wireguard"
	"github.com/matcala/cs-e4300-wireguard-mesh/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics shared by all agents.
type Metrics struct {
	TokenRenewals    *prometheus.CounterVec // status
	ConfigSyncs      *prometheus.CounterVec // result
	TunnelOperations *prometheus.CounterVec // operation, status
	KeyPublishes     *prometheus.CounterVec // status
}

// APIClient is the subset of the management API an agent consumes.
type APIClient interface {
	RenewToken(ctx context.Context, deviceID, bearer string) (state.Credential, error)
	PublishPublicKey(ctx context.Context, deviceID, bearer, publicKey string) error
	FetchPeerConfig(ctx context.Context, overlayID, deviceID, bearer string) (string, error)
}

// Directory publishes the virtual address of running interfaces.
type Directory interface {
	SetRecord(name, address string) error
	RemoveRecord(name string)
}

// Claims hands out exclusive ownership of interface names. Claim may block
// until an owner that is shutting down releases the name.
type Claims interface {
	Claim(ctx context.Context, name, owner string) error
	Release(name, owner string)
}

type Config struct {
	DescriptorPath  string
	WireGuardDir    string
	StaticTemplate  *template.Template
	KeyGenerator    wireguard.KeyGenerator
	StateStore      *state.FileStore
	Directory       Directory
	Claims          Claims
	Logger          logging.Logger
	Metrics         *Metrics
	TeardownTimeout time.Duration

	NewClient  func(baseURL string) APIClient
	NewManager func(interfaceName string) (wireguard.Manager, error)
	Now        func() time.Time
}

type Agent struct {
	cfg    Config
	path   string
	logger logging.Entry
	state  atomic.Int32
	done   chan struct{}
	err    error

	// Set by Load, read-only afterwards.
	desc    *descriptor.InterfaceDescriptor
	record  *state.Record
	keys    wireguard.KeyPair
	static  string
	client  APIClient
	manager wireguard.Manager

	// Only touched from the agent's own goroutine.
	publishPending bool
	claimedName    string
}

// New returns an agent in the Loading state. Nothing is read until Run.
func New(cfg Config) *Agent {
	if cfg.WireGuardDir == "" {
		cfg.WireGuardDir = "/etc/wireguard"
	}
	if cfg.StaticTemplate == nil {
		cfg.StaticTemplate = wireguard.DefaultStaticTemplate()
	}
	if cfg.KeyGenerator == nil {
		cfg.KeyGenerator = wireguard.CommandKeyGenerator{Runner: wireguard.ExecRunner{}}
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(baseURL string) APIClient { return mgmtapi.NewClient(baseURL) }
	}
	if cfg.NewManager == nil {
		cfg.NewManager = func(name string) (wireguard.Manager, error) {
			return wireguard.NewManager(name, wireguard.ExecRunner{})
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger()
	}

	a := &Agent{
		cfg:    cfg,
		path:   cfg.DescriptorPath,
		logger: logging.ForInterface(cfg.Logger, "", cfg.DescriptorPath),
		done:   make(chan struct{}),
	}
	a.state.Store(int32(StateLoading))
	return a
}

// Path is the descriptor file this agent was started for.
func (a *Agent) Path() string { return a.path }

// State is the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Done is closed once Run has returned.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Err is the terminal error, valid after Done is closed.
func (a *Agent) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// InterfaceName is empty until the descriptor has loaded.
func (a *Agent) InterfaceName() string {
	if a.State() == StateLoading || a.desc == nil {
		return ""
	}
	return a.desc.Interface.Name
}

// Credential returns the current bearer token and expiry.
func (a *Agent) Credential() state.Credential {
	if a.State() == StateLoading || a.record == nil {
		return state.Credential{}
	}
	return a.record.Credential()
}

// ConfigHash returns the hash of the last applied peer block.
func (a *Agent) ConfigHash() (string, bool) {
	if a.State() == StateLoading || a.record == nil {
		return "", false
	}
	return a.record.ConfigHash()
}

func (a *Agent) setState(s State) {
	prev := State(a.state.Swap(int32(s)))
	if prev != s {
		a.logger.WithFields(logging.Fields{"from": prev.String(), "to": s.String()}).Info("Agent state changed")
	}
}

// Run loads the descriptor, bootstraps once, then renews and syncs on
// independent periods until ctx is cancelled. The interface service is
// stopped before Run returns. A load failure is returned immediately and
// leaves the agent Failed.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.Load(ctx); err != nil {
		a.err = err
		a.releaseClaim()
		a.setState(StateFailed)
		a.logger.WithError(err).Error("Agent failed to load")
		return err
	}

	a.setState(StateRunning)
	a.publishAddress()

	if ctx.Err() == nil {
		a.renew(ctx)
	}
	if ctx.Err() == nil {
		a.sync(ctx)
	}

	renewTicker := time.NewTicker(a.desc.TokenRefreshPeriod())
	defer renewTicker.Stop()
	syncTicker := time.NewTicker(a.desc.ConfigUpdatePeriod())
	defer syncTicker.Stop()

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case <-renewTicker.C:
			if ctx.Err() == nil {
				a.renew(ctx)
			}
		case <-syncTicker.C:
			if ctx.Err() == nil {
				a.sync(ctx)
			}
		}
	}

	a.teardown()
	return nil
}

// Load reads the descriptor and prepares everything the loop needs. It
// moves the agent from Loading to Ready.
func (a *Agent) Load(ctx context.Context) error {
	if a.State() != StateLoading {
		return fmt.Errorf("agent %s: load called in state %s", a.path, a.State())
	}

	desc, err := descriptor.Load(a.path)
	if err != nil {
		return err
	}
	name := desc.Interface.Name
	a.logger = logging.ForInterface(a.cfg.Logger, name, a.path)

	if a.cfg.Claims != nil {
		if err := a.cfg.Claims.Claim(ctx, name, a.path); err != nil {
			return &descriptor.StartupError{Path: a.path, Field: "name", Reason: "interface already managed", Err: err}
		}
		a.claimedName = name
	}

	manager, err := a.cfg.NewManager(name)
	if err != nil {
		return &descriptor.StartupError{Path: a.path, Reason: "no tunnel manager", Err: err}
	}

	record := state.NewRecord(state.Credential{Token: desc.Interface.Token})
	a.restoreCredential(desc, record)

	keys, generated, err := wireguard.NewKeyStore(a.cfg.WireGuardDir, a.cfg.KeyGenerator).Ensure(ctx, name)
	if err != nil {
		return fmt.Errorf("provision keys for %s: %w", name, err)
	}
	a.logger.WithFields(logging.Fields{
		"public_key_path": keys.PublicKeyPath,
		"generated":       generated,
	}).Info("Key pair ready")

	static, err := wireguard.RenderStatic(a.cfg.StaticTemplate, wireguard.StaticConfig{
		PrivateKey:     keys.PrivateKey,
		VirtualAddress: desc.Interface.VirtualAddress,
		ListenPort:     desc.Interface.ListenPort,
	})
	if err != nil {
		return &descriptor.StartupError{Path: a.path, Reason: "render static config", Err: err}
	}

	configPath := wireguard.ConfigPath(a.cfg.WireGuardDir, name)
	if hash, ok, err := wireguard.SeedHash(configPath, static); err != nil {
		a.logger.WithError(err).Warn("Could not read existing config; first sync will rewrite it")
	} else if ok {
		// A config on disk only counts as applied while the interface is up.
		if up, err := manager.Exists(ctx); err != nil {
			a.osFailure(err, "Could not query interface; first sync will reapply config")
		} else if up {
			record.SetConfigHash(hash)
			a.logger.WithField("hash", hash).Info("Seeded config hash from disk")
		} else {
			a.logger.Info("Interface is down; first sync will reapply config")
		}
	}

	a.desc = desc
	a.record = record
	a.keys = keys
	a.static = static
	a.manager = manager
	a.client = a.cfg.NewClient(desc.ManagerServerAddress)

	a.publishKey(ctx)
	a.setState(StateReady)
	return nil
}

func (a *Agent) restoreCredential(desc *descriptor.InterfaceDescriptor, record *state.Record) {
	snap, err := a.cfg.StateStore.Load(desc.Interface.Name)
	if err != nil {
		a.logger.WithError(err).Warn("Ignoring unreadable saved credential")
		return
	}
	if snap == nil || snap.DeviceID != desc.Interface.DeviceID || snap.Credential.Token == "" {
		return
	}
	if snap.Credential.Expired(a.cfg.Now()) {
		a.logger.Info("Saved credential has expired; using descriptor token")
		return
	}
	record.SwapCredential(snap.Credential)
	a.logger.WithField("expiry_ts", snap.Credential.ExpiresAt).Info("Restored saved credential")
}

func (a *Agent) publishAddress() {
	if a.cfg.Directory == nil {
		return
	}
	if err := a.cfg.Directory.SetRecord(a.desc.Interface.Name, a.desc.Interface.VirtualAddress); err != nil {
		a.logger.WithError(err).Warn("Failed to publish interface address")
	}
}

// publishKey sends the public key with the current token. Failure leaves
// the publish pending for the next successful renewal.
func (a *Agent) publishKey(ctx context.Context) {
	cred := a.record.Credential()
	err := a.client.PublishPublicKey(ctx, a.desc.Interface.DeviceID, cred.Token, a.keys.PublicKey)
	if err != nil {
		a.publishPending = true
		a.count(a.metricKeyPublishes(), "failed")
		a.logger.WithError(err).Warn("Failed to publish public key; will retry after next token renewal")
		return
	}
	a.publishPending = false
	a.count(a.metricKeyPublishes(), "success")
	a.logger.Info("Published public key")
}

// renew swaps in a new credential. On failure the previous one is kept.
func (a *Agent) renew(ctx context.Context) {
	current := a.record.Credential()
	cred, err := a.client.RenewToken(ctx, a.desc.Interface.DeviceID, current.Token)
	if err != nil {
		a.count(a.metricRenewals(), "failed")
		a.apiFailure(err, "Token renewal failed; keeping previous token")
		return
	}

	a.record.SwapCredential(cred)
	a.count(a.metricRenewals(), "success")
	a.logger.WithField("expiry_ts", cred.ExpiresAt).Info("Token renewed")

	if err := a.cfg.StateStore.Save(a.desc.Interface.Name, state.Snapshot{
		DeviceID:   a.desc.Interface.DeviceID,
		Credential: cred,
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to persist renewed credential")
	}

	if a.publishPending && ctx.Err() == nil {
		a.publishKey(ctx)
	}
}

// sync fetches the peer block and applies it only when its hash differs
// from the last applied one.
func (a *Agent) sync(ctx context.Context) {
	iface := a.desc.Interface
	cred := a.record.Credential()

	raw, err := a.client.FetchPeerConfig(ctx, iface.OverlayID, iface.DeviceID, cred.Token)
	if err != nil {
		a.count(a.metricSyncs(), "fetch_failed")
		a.apiFailure(err, "Peer config fetch failed")
		return
	}

	peers := wireguard.NormalizePeerConfig(raw)
	hash := wireguard.HashPeerConfig(peers)
	if stored, ok := a.record.ConfigHash(); ok && stored == hash {
		a.count(a.metricSyncs(), "unchanged")
		a.logger.WithField("hash", hash).Debug("Peer config unchanged")
		return
	}

	if err := ctx.Err(); err != nil {
		return
	}

	configPath := wireguard.ConfigPath(a.cfg.WireGuardDir, iface.Name)
	if err := wireguard.WriteConfig(configPath, a.static, peers); err != nil {
		a.count(a.metricSyncs(), "write_failed")
		a.logger.WithError(err).Error("Failed to write interface config")
		return
	}
	a.record.SetConfigHash(hash)

	if err := a.applyTunnel(ctx); err != nil {
		// The file is current but the kernel is not; force a reapply.
		a.record.ClearConfigHash()
		a.count(a.metricSyncs(), "apply_failed")
		a.osFailure(err, "Failed to apply interface config")
		return
	}

	a.count(a.metricSyncs(), "applied")
	a.logger.WithFields(logging.Fields{"hash": hash, "path": configPath}).Info("Applied new peer config")
}

// applyTunnel activates an absent interface or restarts an existing one.
func (a *Agent) applyTunnel(ctx context.Context) error {
	exists, err := a.manager.Exists(ctx)
	if err != nil {
		a.countOp("query", "failed")
		return err
	}

	op, apply := "restart", a.manager.Restart
	if !exists {
		op, apply = "activate", a.manager.Activate
	}
	if err := apply(ctx); err != nil {
		a.countOp(op, "failed")
		return err
	}
	a.countOp(op, "success")
	a.logger.WithField("operation", op).Info("Interface service updated")
	return nil
}

// teardown stops the interface with a fresh deadline; the run context is
// already cancelled at this point.
func (a *Agent) teardown() {
	a.setState(StateStopping)

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TeardownTimeout)
	defer cancel()

	if a.cfg.Directory != nil {
		a.cfg.Directory.RemoveRecord(a.desc.Interface.Name)
	}
	if err := a.manager.Stop(ctx); err != nil {
		a.err = err
		a.countOp("stop", "failed")
		a.osFailure(err, "Failed to stop interface service")
	} else {
		a.countOp("stop", "success")
	}

	a.releaseClaim()
	a.setState(StateStopped)
}

// apiFailure logs management API errors at Warn since the next tick
// retries them; anything else is unexpected.
func (a *Agent) apiFailure(err error, msg string) {
	if mgmtapi.IsTransient(err) {
		a.logger.WithError(err).Warn(msg)
		return
	}
	a.logger.WithError(err).Error(msg)
}

func (a *Agent) osFailure(err error, msg string) {
	entry := a.logger.WithError(err)
	var osErr *wireguard.OSOperationError
	if errors.As(err, &osErr) {
		entry = entry.WithFields(logging.Fields{"command": osErr.Command, "exit_code": osErr.ExitCode})
	}
	entry.Error(msg)
}

func (a *Agent) releaseClaim() {
	if a.claimedName == "" {
		return
	}
	a.cfg.Claims.Release(a.claimedName, a.path)
	a.claimedName = ""
}

func (a *Agent) metricRenewals() *prometheus.CounterVec {
	if a.cfg.Metrics == nil {
		return nil
	}
	return a.cfg.Metrics.TokenRenewals
}

func (a *Agent) metricSyncs() *prometheus.CounterVec {
	if a.cfg.Metrics == nil {
		return nil
	}
	return a.cfg.Metrics.ConfigSyncs
}

func (a *Agent) metricKeyPublishes() *prometheus.CounterVec {
	if a.cfg.Metrics == nil {
		return nil
	}
	return a.cfg.Metrics.KeyPublishes
}

func (a *Agent) count(c *prometheus.CounterVec, label string) {
	if c != nil {
		c.WithLabelValues(label).Inc()
	}
}

func (a *Agent) countOp(op, status string) {
	if a.cfg.Metrics != nil && a.cfg.Metrics.TunnelOperations != nil {
		a.cfg.Metrics.TunnelOperations.WithLabelValues(op, status).Inc()
	}
}
