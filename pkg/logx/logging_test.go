package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriterFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))
	log.Debug("hidden")
	log.Info("post scheduled", String("post", "p1"), Int("retry", 2), Duration("delay", time.Second), Err(errors.New("boom")))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]any{"comp": "scheduler", "post": "p1", "retry": float64(2), "err": "boom", "message": "post scheduled"} {
		if m[k] != want {
			t.Fatalf("%s = %v, want %v", k, m[k], want)
		}
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("caller missing")
	}
}

func TestZeroAndNop(t *testing.T) {
	t.Parallel()
	var zero Logger
	if !zero.IsZero() || Nop().IsZero() {
		t.Fatal("IsZero mismatch")
	}
	zero.Info("discarded")
	Nop().With(String("a", "b")).Warn("discarded")
}

func TestServiceApplySwitchesFileSink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a", "first.log")
	second := filepath.Join(dir, "second.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log.Info("one")
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	log.Info("filtered")
	log.Warn("two")
	if err := svc.Close(); err != nil {
		t.Fatal(err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), "two") {
		t.Fatalf("first = %s", a)
	}
	if strings.Contains(string(b), "filtered") || !strings.Contains(string(b), `"two"`) {
		t.Fatalf("second = %s", b)
	}
}
