package wireguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// KeyPair is the key material of one interface.
type KeyPair struct {
	PrivateKeyPath string
	PublicKeyPath  string
	PrivateKey     string
	PublicKey      string
}

// KeyGenerator produces a fresh base64 private/public key pair.
type KeyGenerator interface {
	Generate(ctx context.Context) (privateKey, publicKey string, err error)
}

// CommandKeyGenerator shells out to `wg genkey` and `wg pubkey`.
type CommandKeyGenerator struct {
	Runner Runner
}

func (g CommandKeyGenerator) Generate(ctx context.Context) (string, string, error) {
	out, err := g.Runner.Run(ctx, nil, "wg", "genkey")
	if err != nil {
		return "", "", withOp(err, "generate private key")
	}
	priv := strings.TrimSpace(string(out))

	out, err = g.Runner.Run(ctx, []byte(priv+"\n"), "wg", "pubkey")
	if err != nil {
		return "", "", withOp(err, "derive public key")
	}
	return priv, strings.TrimSpace(string(out)), nil
}

// NativeKeyGenerator generates Curve25519 keys in-process with wgtypes.
type NativeKeyGenerator struct{}

func (NativeKeyGenerator) Generate(context.Context) (string, string, error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", &OSOperationError{Op: "generate private key", Err: err}
	}
	return key.String(), key.PublicKey().String(), nil
}

// KeyStore keeps key files under dir, named privatekey_<iface> and
// publickey_<iface>.
type KeyStore struct {
	dir       string
	generator KeyGenerator
}

func NewKeyStore(dir string, generator KeyGenerator) *KeyStore {
	return &KeyStore{dir: dir, generator: generator}
}

func (s *KeyStore) paths(name string) (string, string) {
	return filepath.Join(s.dir, "privatekey_"+name), filepath.Join(s.dir, "publickey_"+name)
}

// Ensure returns the key pair of an interface, generating it only when no
// public key file exists yet. Existing files are never rewritten. The
// returned bool reports whether a new pair was generated.
func (s *KeyStore) Ensure(ctx context.Context, name string) (KeyPair, bool, error) {
	privPath, pubPath := s.paths(name)
	pair := KeyPair{PrivateKeyPath: privPath, PublicKeyPath: pubPath}

	if _, err := os.Stat(pubPath); err == nil {
		if pair.PrivateKey, err = readKey(privPath); err != nil {
			return pair, false, fmt.Errorf("public key present but private key unusable: %w", err)
		}
		if pair.PublicKey, err = readKey(pubPath); err != nil {
			return pair, false, err
		}
		return pair, false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return pair, false, fmt.Errorf("stat public key: %w", err)
	}

	priv, pub, err := s.generator.Generate(ctx)
	if err != nil {
		return pair, false, err
	}
	if _, err := wgtypes.ParseKey(priv); err != nil {
		return pair, false, &OSOperationError{Op: "generate private key", Output: "invalid key material", Err: err}
	}
	derived, err := wgtypes.ParseKey(pub)
	if err != nil {
		return pair, false, &OSOperationError{Op: "derive public key", Output: "invalid key material", Err: err}
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return pair, false, fmt.Errorf("create key dir: %w", err)
	}
	// The private key lands first so an existing public key always implies
	// a private one.
	if err := os.WriteFile(privPath, []byte(priv+"\n"), 0600); err != nil {
		return pair, false, fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, []byte(pub+"\n"), 0600); err != nil {
		return pair, false, fmt.Errorf("write public key: %w", err)
	}

	pair.PrivateKey = priv
	pair.PublicKey = derived.String()
	return pair, true, nil
}

func readKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(data))
	if _, err := wgtypes.ParseKey(key); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

func withOp(err error, op string) error {
	if err == nil {
		return nil
	}
	var osErr *OSOperationError
	if errors.As(err, &osErr) {
		osErr.Op = op
		return osErr
	}
	return &OSOperationError{Op: op, ExitCode: -1, Err: err}
}
