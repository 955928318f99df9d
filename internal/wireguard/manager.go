package wireguard

import (
	"context"
	"fmt"
	"runtime"
)

// Manager controls the OS tunnel resource of one interface.
type Manager interface {
	// Exists reports whether the kernel currently has the interface.
	Exists(ctx context.Context) (bool, error)
	// Activate enables and starts the interface service.
	Activate(ctx context.Context) error
	// Restart reloads a running interface from its config file.
	Restart(ctx context.Context) error
	// Stop brings the interface down.
	Stop(ctx context.Context) error
}

// LinkChecker reports whether a network link with the given name exists.
type LinkChecker func(name string) (bool, error)

// NewManager returns a wg-quick service manager for interfaceName. Only
// systemd hosts are supported.
func NewManager(interfaceName string, runner Runner) (Manager, error) {
	switch runtime.GOOS {
	case "linux":
		return NewServiceManager(interfaceName, runner, NetlinkLinkExists), nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s", runtime.GOOS)
	}
}

// ServiceManager drives wg-quick@<name> through systemctl.
type ServiceManager struct {
	interfaceName string
	runner        Runner
	linkExists    LinkChecker
}

// NewServiceManager builds a ServiceManager with an explicit link checker.
func NewServiceManager(interfaceName string, runner Runner, linkExists LinkChecker) *ServiceManager {
	return &ServiceManager{
		interfaceName: interfaceName,
		runner:        runner,
		linkExists:    linkExists,
	}
}

// Unit is the systemd unit name for the interface.
func (m *ServiceManager) Unit() string {
	return "wg-quick@" + m.interfaceName
}

func (m *ServiceManager) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := m.linkExists(m.interfaceName)
	if err != nil {
		return false, &OSOperationError{Op: "query interface", Command: m.interfaceName, ExitCode: -1, Err: err}
	}
	return ok, nil
}

func (m *ServiceManager) Activate(ctx context.Context) error {
	if err := m.systemctl(ctx, "enable"); err != nil {
		return err
	}
	return m.systemctl(ctx, "start")
}

func (m *ServiceManager) Restart(ctx context.Context) error {
	return m.systemctl(ctx, "restart")
}

func (m *ServiceManager) Stop(ctx context.Context) error {
	return m.systemctl(ctx, "stop")
}

func (m *ServiceManager) systemctl(ctx context.Context, verb string) error {
	_, err := m.runner.Run(ctx, nil, "systemctl", verb, m.Unit())
	return withOp(err, verb+" interface service")
}
