package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pongnet/internal/config"
	"pongnet/internal/daemon"
	"pongnet/internal/debuglog"
	"pongnet/internal/pprofutil"
	"pongnet/internal/proto"
)

// Window size announced by the owner once a match starts.
const (
	defaultWinW = 800
	defaultWinH = 600
)

type runFlags struct {
	configPath  string
	name        string
	iface       string
	debug       bool
	metricsAddr string
	snapshot    string
	duration    time.Duration
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Discover an opponent on the LAN and print match events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if f.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, f.duration)
				defer cancel()
			}
			return runNode(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	fl.StringVar(&f.name, "name", "", "player name (default random)")
	fl.StringVar(&f.iface, "interface", "", "multicast interface name")
	fl.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fl.StringVar(&f.snapshot, "snapshot", "", "write a JSON metrics snapshot here on exit")
	fl.DurationVar(&f.duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

// loadRunConfig layers flags over the file and environment.
func loadRunConfig(f runFlags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	if f.iface != "" {
		cfg.Interface = f.iface
	}
	if f.debug {
		cfg.LogLevel = "debug"
	}
	if f.metricsAddr != "" {
		cfg.MetricsAddr = f.metricsAddr
	}
	if f.snapshot != "" {
		cfg.SnapshotPath = f.snapshot
	}
	return cfg, cfg.Validate()
}

func runNode(ctx context.Context, cfg config.Config, stdout, stderr io.Writer) error {
	level, err := debuglog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := debuglog.New(stderr, level)
	prof, err := pprofutil.StartFromEnv(os.Getenv, log)
	if err != nil {
		return err
	}
	if prof != nil {
		defer prof.Close()
	}

	r, err := daemon.NewRunner(cfg, daemon.Options{Logger: log})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		_ = r.Stop()
		return err
	}
	fmt.Fprintf(stdout, "%s listening on %s\n", r.Node.Name, r.Addr())

	if cfg.MetricsAddr != "" {
		srv, err := serveMetrics(cfg.MetricsAddr, r.Metrics().Handler())
		if err != nil {
			_ = r.Stop()
			return err
		}
		defer srv.Close()
		log.Info("metrics enabled", "url", "http://"+cfg.MetricsAddr+"/metrics")
	}

	go func() {
		<-ctx.Done()
		if err := r.Stop(); err != nil {
			log.Warn("stop", "err", err)
		}
	}()
	for ev := range r.Events() {
		printEvent(stdout, ev)
		if ev.Kind == daemon.EventMatchStarted && ev.Match.Owner {
			if err := r.Send(proto.WinSize{W: defaultWinW, H: defaultWinH}); err != nil {
				log.Warn("send win_size", "err", err)
			}
		}
	}
	stopErr := r.Stop()
	if err := r.Metrics().WriteSnapshot(cfg.SnapshotPath); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if stopErr != nil && !errors.Is(stopErr, context.Canceled) {
		return stopErr
	}
	return nil
}

func serveMetrics(addr string, h http.Handler) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	return srv, nil
}

func printEvent(w io.Writer, ev daemon.Event) {
	switch ev.Kind {
	case daemon.EventMatchStarted:
		role := "guest"
		if ev.Match.Owner {
			role = "owner"
		}
		fmt.Fprintf(w, "match %s with %s (%s), playing as %s\n", ev.Match.SessionID, ev.Match.Opponent, ev.Peer, role)
	case daemon.EventMessage:
		fmt.Fprintf(w, "%s from %s: %+v\n", ev.Message.Type(), ev.Peer, ev.Message.Body)
	case daemon.EventPeerLost:
		fmt.Fprintf(w, "lost %s (%s): %v\n", ev.Match.Opponent, ev.Peer, ev.Reason)
	}
}
