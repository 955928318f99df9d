package wireguard

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"
)

// StaticConfig is the locally owned part of an interface config.
type StaticConfig struct {
	PrivateKey     string
	VirtualAddress string
	ListenPort     int
}

const defaultStaticTemplate = `[Interface]
PrivateKey = {{.PrivateKey}}
Address = {{.VirtualAddress}}
ListenPort = {{.ListenPort}}

`

// DefaultStaticTemplate returns the built-in [Interface] template.
func DefaultStaticTemplate() *template.Template {
	return template.Must(ParseStaticTemplate(defaultStaticTemplate))
}

// ParseStaticTemplate parses an operator supplied [Interface] template.
func ParseStaticTemplate(text string) (*template.Template, error) {
	return template.New("wg-static").Option("missingkey=error").Parse(text)
}

// LoadStaticTemplate reads a template file, falling back to the built-in
// template when path is empty.
func LoadStaticTemplate(path string) (*template.Template, error) {
	if path == "" {
		return DefaultStaticTemplate(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read static template: %w", err)
	}
	return ParseStaticTemplate(string(data))
}

// RenderStatic renders the static block that prefixes every written config.
func RenderStatic(tmpl *template.Template, cfg StaticConfig) (string, error) {
	if err := validateStatic(cfg); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func validateStatic(cfg StaticConfig) error {
	if strings.TrimSpace(cfg.PrivateKey) == "" {
		return fmt.Errorf("private key is required")
	}
	if strings.TrimSpace(cfg.VirtualAddress) == "" {
		return fmt.Errorf("virtual address is required")
	}
	if cfg.ListenPort <= 0 {
		return fmt.Errorf("listen port must be positive")
	}
	return nil
}

var numberedPeer = regexp.MustCompile(`Peer \d+`)

// NormalizePeerConfig removes the formatting noise the management server
// introduces between otherwise identical peer lists: spaces after colons
// and per-response peer numbering.
func NormalizePeerConfig(raw string) string {
	out := strings.ReplaceAll(raw, ": ", ":")
	return numberedPeer.ReplaceAllString(out, "Peer")
}

// HashPeerConfig returns the hex SHA-256 of a normalized peer block.
func HashPeerConfig(block string) string {
	sum := sha256.Sum256([]byte(block))
	return hex.EncodeToString(sum[:])
}

// ConfigPath is the wg-quick config location of an interface.
func ConfigPath(dir, name string) string {
	return filepath.Join(dir, name+".conf")
}

// WriteConfig replaces the interface config with static+peers through a
// temp file and rename, so wg-quick never reads a half-written file.
func WriteConfig(path, static, peers string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(static + peers); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install config: %w", err)
	}
	return nil
}

// SeedHash recovers the hash of the peer block last written to path. It
// only trusts files that start with the current static block; anything
// else is treated as no prior state.
func SeedHash(path, static string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read existing config: %w", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, static) {
		return "", false, nil
	}
	return HashPeerConfig(strings.TrimPrefix(content, static)), true, nil
}
