// Package pprofutil serves net/http/pprof on demand for profiling a running
// node.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"pongnet/internal/debuglog"
)

const DefaultAddr = "127.0.0.1:6060"

// Server is a running profiling endpoint.
type Server struct {
	ln  net.Listener
	srv *http.Server
}

// StartFromEnv starts the profiler when PONGNET_PPROF=1. It returns nil,
// nil when profiling is off. PONGNET_PPROF_ADDR overrides the listen
// address, which must be loopback unless PONGNET_PPROF_ALLOW_PUBLIC=1.
func StartFromEnv(getenv func(string) string, log *debuglog.Logger) (*Server, error) {
	if strings.TrimSpace(getenv("PONGNET_PPROF")) != "1" {
		return nil, nil
	}
	addr := strings.TrimSpace(getenv("PONGNET_PPROF_ADDR"))
	if addr == "" {
		addr = DefaultAddr
	}
	public := strings.TrimSpace(getenv("PONGNET_PPROF_ALLOW_PUBLIC")) == "1"
	if !public && !isLoopbackBind(addr) {
		return nil, fmt.Errorf("PONGNET_PPROF_ADDR must be loopback unless PONGNET_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	return Start(addr, log)
}

func Start(addr string, log *debuglog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		ln: ln,
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	log.Info("pprof enabled", "url", "http://"+s.Addr()+"/debug/pprof/")
	return s, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
