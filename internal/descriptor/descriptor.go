// Package descriptor loads the per-interface descriptor files that make up
// the desired-state directory watched by the supervisor.
package descriptor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Interface holds the tunnel-specific part of a descriptor.
type Interface struct {
	Name           string `json:"name"`
	OverlayID      string `json:"overlay_id"`
	DeviceID       string `json:"device_id"`
	VirtualAddress string `json:"virtual_address"`
	ListenPort     int    `json:"listen_port"`
	Token          string `json:"token"`
}

// InterfaceDescriptor is the desired state of one tunnel interface. Its
// identity is the path of the file it was read from.
type InterfaceDescriptor struct {
	Path                 string    `json:"-"`
	Interface            Interface `json:"interface"`
	ManagerServerAddress string    `json:"manager_server_address"`
	// Intervals are expressed in minutes; fractions are accepted.
	TokenRefreshInterval float64 `json:"token_refresh_interval"`
	ConfigUpdateInterval float64 `json:"config_update_interval"`
}

var (
	requiredTopLevel  = []string{"interface", "manager_server_address", "token_refresh_interval", "config_update_interval"}
	requiredInterface = []string{"name", "overlay_id", "device_id", "virtual_address", "listen_port", "token"}
)

// maxInterfaceNameLen mirrors the kernel's IFNAMSIZ-1 limit.
const maxInterfaceNameLen = 15

// StartupError reports a descriptor that cannot be turned into a running
// agent. Field is empty when the failure is not tied to a single field.
type StartupError struct {
	Path   string
	Field  string
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	var b strings.Builder
	b.WriteString("descriptor ")
	b.WriteString(e.Path)
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// IsStartupError reports whether err is, or wraps, a StartupError.
func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}

// Load reads and validates the descriptor at path.
func Load(path string) (*InterfaceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &StartupError{Path: path, Reason: "unreadable", Err: err}
	}
	return Parse(path, data)
}

// Parse validates raw descriptor bytes. Every required field must be
// present; a missing one is reported by name.
func Parse(path string, data []byte) (*InterfaceDescriptor, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &StartupError{Path: path, Reason: "invalid json", Err: err}
	}
	if field := firstMissing(top, requiredTopLevel); field != "" {
		return nil, &StartupError{Path: path, Field: field, Reason: "missing from the descriptor"}
	}

	var iface map[string]json.RawMessage
	if err := json.Unmarshal(top["interface"], &iface); err != nil {
		return nil, &StartupError{Path: path, Field: "interface", Reason: "must be an object", Err: err}
	}
	if field := firstMissing(iface, requiredInterface); field != "" {
		return nil, &StartupError{Path: path, Field: field, Reason: "missing from the interface"}
	}

	d := &InterfaceDescriptor{Path: path}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(d); err != nil {
		return nil, &StartupError{Path: path, Reason: "malformed field", Err: err}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func firstMissing(fields map[string]json.RawMessage, required []string) string {
	for _, key := range required {
		raw, ok := fields[key]
		if !ok || string(raw) == "null" {
			return key
		}
	}
	return ""
}

func (d *InterfaceDescriptor) validate() error {
	fail := func(field, reason string) error {
		return &StartupError{Path: d.Path, Field: field, Reason: reason}
	}

	name := d.Interface.Name
	switch {
	case name == "":
		return fail("name", "must not be empty")
	case len(name) > maxInterfaceNameLen:
		return fail("name", fmt.Sprintf("longer than %d characters", maxInterfaceNameLen))
	case strings.ContainsAny(name, "/ \t\n@"):
		return fail("name", "contains characters not allowed in an interface name")
	}
	if strings.TrimSpace(d.Interface.DeviceID) == "" {
		return fail("device_id", "must not be empty")
	}
	if strings.TrimSpace(d.Interface.OverlayID) == "" {
		return fail("overlay_id", "must not be empty")
	}
	if strings.TrimSpace(d.Interface.VirtualAddress) == "" {
		return fail("virtual_address", "must not be empty")
	}
	if d.Interface.ListenPort <= 0 || d.Interface.ListenPort > 65535 {
		return fail("listen_port", "must be between 1 and 65535")
	}
	if strings.TrimSpace(d.ManagerServerAddress) == "" {
		return fail("manager_server_address", "must not be empty")
	}
	if d.TokenRefreshInterval <= 0 {
		return fail("token_refresh_interval", "must be positive")
	}
	if d.ConfigUpdateInterval <= 0 {
		return fail("config_update_interval", "must be positive")
	}
	return nil
}

// TokenRefreshPeriod converts the renewal interval to a duration.
func (d *InterfaceDescriptor) TokenRefreshPeriod() time.Duration {
	return minutes(d.TokenRefreshInterval)
}

// ConfigUpdatePeriod converts the sync interval to a duration.
func (d *InterfaceDescriptor) ConfigUpdatePeriod() time.Duration {
	return minutes(d.ConfigUpdateInterval)
}

// minutes never returns less than a millisecond so tickers stay valid.
func minutes(m float64) time.Duration {
	d := time.Duration(m * float64(time.Minute))
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
