package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pongnet/internal/daemon"
	"pongnet/internal/proto"
)

func runCapture(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestHelp(t *testing.T) {
	code, out, _ := runCapture(t, "--help")
	if code != 0 || !strings.Contains(out, "pongnet") {
		t.Fatalf("help: code=%d out=%q", code, out)
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := runCapture(t, "version")
	if code != 0 || !strings.HasPrefix(out, "pongnet ") {
		t.Fatalf("version: code=%d out=%q", code, out)
	}
}

func TestOwner(t *testing.T) {
	for _, args := range [][]string{{"Bob", "Alice"}, {"Alice", "Bob"}} {
		code, out, _ := runCapture(t, append([]string{"owner"}, args...)...)
		if code != 0 || strings.TrimSpace(out) != "Alice" {
			t.Fatalf("owner %v: code=%d out=%q", args, code, out)
		}
	}
	if code, _, errOut := runCapture(t, "owner", "Alice"); code == 0 || !strings.Contains(errOut, "error") {
		t.Fatalf("expected usage error, got code=%d stderr=%q", code, errOut)
	}
}

func TestKeysPrintsPublicHalves(t *testing.T) {
	code, out, _ := runCapture(t, "keys", "--lifetime", "10m")
	if code != 0 {
		t.Fatalf("keys failed: %d", code)
	}
	for _, field := range []string{"enc_key:", "sign_key:", "enc_fp:", "sign_fp:", "expires:"} {
		if !strings.Contains(out, field) {
			t.Fatalf("missing %s in %q", field, out)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	if code, _, _ := runCapture(t, "serve"); code != 1 {
		t.Fatalf("expected failure for unknown command, got %d", code)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pongnet.yaml")
	if err := os.WriteFile(path, []byte("bogus_key: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	code, _, errOut := runCapture(t, "run", "--config", path)
	if code != 1 || !strings.Contains(errOut, "bogus_key") {
		t.Fatalf("expected strict config error, got code=%d stderr=%q", code, errOut)
	}
}

func TestLoadRunConfigFlagsWin(t *testing.T) {
	cfg, err := loadRunConfig(runFlags{name: "Alice", debug: true, snapshot: "/tmp/snap.json"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "Alice" || cfg.LogLevel != "debug" || cfg.SnapshotPath != "/tmp/snap.json" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
}

func TestPrintEvent(t *testing.T) {
	var buf bytes.Buffer
	printEvent(&buf, daemon.Event{
		Kind:  daemon.EventMatchStarted,
		Peer:  "10.0.0.2:4000",
		Match: daemon.Match{SessionID: "s1", Opponent: "Bob", Owner: true},
	})
	msg, _ := proto.NewMessage(proto.PadPos{Y: 3}, time.Now())
	printEvent(&buf, daemon.Event{Kind: daemon.EventMessage, Peer: "10.0.0.2:4000", Message: msg})
	out := buf.String()
	if !strings.Contains(out, "with Bob") || !strings.Contains(out, "as owner") || !strings.Contains(out, "pad_pos from 10.0.0.2:4000") {
		t.Fatalf("unexpected output %q", out)
	}
}
