package pprofutil

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"pongnet/internal/debuglog"
)

func TestIsLoopbackBind(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := isLoopbackBind(tc.addr); got != tc.ok {
			t.Fatalf("isLoopbackBind(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestStartFromEnvDisabled(t *testing.T) {
	s, err := StartFromEnv(envOf(nil), debuglog.Nop())
	if err != nil || s != nil {
		t.Fatalf("expected profiling off, got %v %v", s, err)
	}
}

func TestStartFromEnvRejectsPublicBind(t *testing.T) {
	_, err := StartFromEnv(envOf(map[string]string{
		"PONGNET_PPROF":      "1",
		"PONGNET_PPROF_ADDR": "0.0.0.0:0",
	}), debuglog.Nop())
	if err == nil || !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("expected loopback error, got %v", err)
	}
}

func TestStartServesIndex(t *testing.T) {
	s, err := StartFromEnv(envOf(map[string]string{
		"PONGNET_PPROF":      "1",
		"PONGNET_PPROF_ADDR": "127.0.0.1:0",
	}), debuglog.Nop())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "goroutine") {
		t.Fatalf("unexpected index response %d", resp.StatusCode)
	}
}
