package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewLoggerWithService(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	entry := l.WithField("k", "v")
	if entry == nil {
		t.Fatalf("expected non-nil entry")
	}
}

func TestServiceFieldIsStamped(t *testing.T) {
	l := NewLoggerWithService("svc-a")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ForInterface(l, "wg0", "/etc/wireguard_manager/wg0.json").Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "svc-a" {
		t.Fatalf("expected service field, got %v", line["service"])
	}
	if line["interface"] != "wg0" {
		t.Fatalf("expected interface field, got %v", line["interface"])
	}
}
