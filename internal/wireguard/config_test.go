package wireguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderStaticValid(t *testing.T) {
	static, err := RenderStatic(DefaultStaticTemplate(), StaticConfig{
		PrivateKey:     "privkey",
		VirtualAddress: "10.0.0.2/24",
		ListenPort:     51820,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	for _, want := range []string{"[Interface]", "PrivateKey = privkey", "Address = 10.0.0.2/24", "ListenPort = 51820"} {
		if !strings.Contains(static, want) {
			t.Fatalf("static block missing %q: %s", want, static)
		}
	}
}

func TestRenderStaticRejectsIncomplete(t *testing.T) {
	cases := []StaticConfig{
		{VirtualAddress: "10.0.0.2/24", ListenPort: 51820},
		{PrivateKey: "k", ListenPort: 51820},
		{PrivateKey: "k", VirtualAddress: "10.0.0.2/24"},
	}
	for _, cfg := range cases {
		if _, err := RenderStatic(DefaultStaticTemplate(), cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestLoadStaticTemplateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "static.tmpl")
	if err := os.WriteFile(path, []byte("[Interface]\nPrivateKey={{.PrivateKey}}\nMTU = 1380\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tmpl, err := LoadStaticTemplate(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	out, err := RenderStatic(tmpl, StaticConfig{PrivateKey: "k", VirtualAddress: "a", ListenPort: 1})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "[Interface]\nPrivateKey=k\nMTU = 1380\n" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestNormalizePeerConfig(t *testing.T) {
	a := "# Peer 1\n[Peer]\nEndpoint = 1.2.3.4: 51820\n# Peer 2\n"
	b := "# Peer 7\n[Peer]\nEndpoint = 1.2.3.4:51820\n# Peer 12\n"

	if NormalizePeerConfig(a) != NormalizePeerConfig(b) {
		t.Fatalf("expected equal normalization:\n%q\n%q", NormalizePeerConfig(a), NormalizePeerConfig(b))
	}
	if HashPeerConfig(NormalizePeerConfig(a)) != HashPeerConfig(NormalizePeerConfig(b)) {
		t.Fatal("expected equal hashes")
	}
	if HashPeerConfig("x") == HashPeerConfig("y") {
		t.Fatal("distinct blocks must hash differently")
	}
	if got := HashPeerConfig(""); len(got) != 64 {
		t.Fatalf("expected hex sha256, got %q", got)
	}
}

func TestWriteConfigAndSeedHash(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir, "wg0")
	if path != filepath.Join(dir, "wg0.conf") {
		t.Fatalf("unexpected config path %s", path)
	}

	static := "[Interface]\nPrivateKey = k\n\n"
	peers := "[Peer]\nPublicKey = p\n"
	if err := WriteConfig(path, static, peers); err != nil {
		t.Fatalf("write config: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("expected 0600, got %v", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if string(data) != static+peers {
		t.Fatalf("unexpected content %q", data)
	}

	hash, ok, err := SeedHash(path, static)
	if err != nil || !ok {
		t.Fatalf("expected seeded hash, ok=%v err=%v", ok, err)
	}
	if hash != HashPeerConfig(peers) {
		t.Fatalf("seeded hash %s does not match written peers", hash)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the config file, found %d entries", len(entries))
	}
}

func TestSeedHashIgnoresForeignConfig(t *testing.T) {
	dir := t.TempDir()
	path := ConfigPath(dir, "wg0")

	if _, ok, err := SeedHash(path, "static"); ok || err != nil {
		t.Fatalf("missing file should give no hash, ok=%v err=%v", ok, err)
	}

	if err := os.WriteFile(path, []byte("[Interface]\nPrivateKey = other\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := SeedHash(path, "[Interface]\nPrivateKey = k\n"); ok || err != nil {
		t.Fatalf("foreign static block should give no hash, ok=%v err=%v", ok, err)
	}
}
