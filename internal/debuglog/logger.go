package debuglog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

const (
	DefaultRateInterval = 5 * time.Second
	maxRateKeys         = 1024
)

type Level = pterm.LogLevel

const (
	LevelDebug = pterm.LogLevelDebug
	LevelInfo  = pterm.LogLevelInfo
	LevelWarn  = pterm.LogLevelWarn
	LevelError = pterm.LogLevelError
)

// Logger is a leveled structured logger owned by one subsystem instance.
// A nil *Logger discards everything.
type Logger struct {
	pl       *pterm.Logger
	off      bool
	interval time.Duration

	mu     sync.Mutex
	limits map[string]*rate.Sometimes
}

func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	pl := pterm.DefaultLogger.WithWriter(w).WithLevel(level)
	pl.ShowTime = true
	pl.TimeFormat = "02 Jan 15:04:05.000"
	pl.MaxWidth = 1000
	return &Logger{
		pl:       pl,
		off:      level == pterm.LogLevelDisabled,
		interval: DefaultRateInterval,
		limits:   make(map[string]*rate.Sometimes),
	}
}

// FromEnv honours PONGNET_DEBUG=1, otherwise logs at info.
func FromEnv(w io.Writer) *Logger {
	if os.Getenv("PONGNET_DEBUG") == "1" {
		return New(w, LevelDebug)
	}
	return New(w, LevelInfo)
}

func Nop() *Logger {
	return New(io.Discard, pterm.LogLevelDisabled)
}

func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "disabled", "none":
		return pterm.LogLevelDisabled, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetRateInterval changes how often each RateLimited key may print.
func (l *Logger) SetRateInterval(d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	l.mu.Lock()
	l.interval = d
	l.limits = make(map[string]*rate.Sometimes)
	l.mu.Unlock()
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && !l.off && l.pl.CanPrint(level)
}

func (l *Logger) Debug(msg string, kv ...any) {
	if !l.Enabled(LevelDebug) {
		return
	}
	l.pl.Debug(msg, l.pl.Args(kv...))
}

func (l *Logger) Info(msg string, kv ...any) {
	if !l.Enabled(LevelInfo) {
		return
	}
	l.pl.Info(msg, l.pl.Args(kv...))
}

func (l *Logger) Warn(msg string, kv ...any) {
	if !l.Enabled(LevelWarn) {
		return
	}
	l.pl.Warn(msg, l.pl.Args(kv...))
}

func (l *Logger) Error(msg string, kv ...any) {
	if !l.Enabled(LevelError) {
		return
	}
	l.pl.Error(msg, l.pl.Args(kv...))
}

// RateLimited logs at level at most once per interval for each key. Used on
// drop paths where a flood of bad packets must not flood the log too.
func (l *Logger) RateLimited(key string, level Level, msg string, kv ...any) {
	if !l.Enabled(level) || key == "" {
		return
	}
	l.mu.Lock()
	s, ok := l.limits[key]
	if !ok {
		if len(l.limits) >= maxRateKeys {
			l.limits = make(map[string]*rate.Sometimes)
		}
		s = &rate.Sometimes{Interval: l.interval}
		l.limits[key] = s
	}
	l.mu.Unlock()
	s.Do(func() {
		switch level {
		case LevelDebug:
			l.Debug(msg, kv...)
		case LevelWarn:
			l.Warn(msg, kv...)
		case LevelError:
			l.Error(msg, kv...)
		default:
			l.Info(msg, kv...)
		}
	})
}
