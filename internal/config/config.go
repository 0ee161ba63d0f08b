// Package config loads pongnet settings: built-in defaults, then an optional
// YAML file, then PONGNET_* environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v2"

	"pongnet/internal/debuglog"
	"pongnet/internal/proto"
)

const (
	defaultMinPort         = 2000
	defaultMaxPort         = 20000
	defaultAnnounce        = 2 * time.Second
	defaultRateLimit       = 100
	defaultRateWindow      = time.Second
	defaultKeyLifetime     = 60 * time.Second
	defaultKeyGrace        = 10 * time.Second
	defaultReplaySkew      = 5 * time.Second
	defaultReplayWindow    = 2048
	defaultRetransmit      = 500 * time.Millisecond
	defaultHeartbeat       = time.Second
	defaultHandshake       = 10 * time.Second
	defaultMaintenance     = time.Second
	defaultEventQueue      = 256
	defaultPeerCap         = 64
	defaultPerHostCap      = 8
	defaultEvictMultiplier = 3
)

type Config struct {
	Name           string `yaml:"name"`
	MulticastGroup string `yaml:"multicast_group"`
	Interface      string `yaml:"interface"`
	Tag            string `yaml:"tag"`
	BindIP         string `yaml:"bind_ip"`
	// AdvertiseIP is the address peers are told to reach; empty means the
	// first non-loopback IPv4.
	AdvertiseIP string `yaml:"advertise_ip"`
	MinPort     int    `yaml:"min_port"`
	MaxPort     int    `yaml:"max_port"`

	AnnounceInterval    time.Duration `yaml:"announce_interval"`
	EvictTimeout        time.Duration `yaml:"evict_timeout"`
	RateLimit           int           `yaml:"rate_limit"`
	RateWindow          time.Duration `yaml:"rate_window"`
	KeyLifetime         time.Duration `yaml:"key_lifetime"`
	KeyGrace            time.Duration `yaml:"key_grace"`
	ReplaySkew          time.Duration `yaml:"replay_skew"`
	ReplayWindow        int           `yaml:"replay_window"`
	Retransmit          time.Duration `yaml:"retransmit"`
	Heartbeat           time.Duration `yaml:"heartbeat"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`

	PadSize          int `yaml:"pad_size"`
	CompressionLevel int `yaml:"compression_level"`
	MaxMessageSize   int `yaml:"max_message_size"`
	EventQueue       int `yaml:"event_queue"`
	PeerCap          int `yaml:"peer_cap"`
	PerHostCap       int `yaml:"per_host_cap"`

	LogLevel     string `yaml:"log_level"`
	MetricsAddr  string `yaml:"metrics_addr"`
	SnapshotPath string `yaml:"snapshot_path"`
}

func Default() Config {
	return Config{
		MulticastGroup:      proto.DefaultMulticastAddr,
		Tag:                 proto.DefaultAnnounceType,
		MinPort:             defaultMinPort,
		MaxPort:             defaultMaxPort,
		AnnounceInterval:    defaultAnnounce,
		EvictTimeout:        defaultEvictMultiplier * defaultAnnounce,
		RateLimit:           defaultRateLimit,
		RateWindow:          defaultRateWindow,
		KeyLifetime:         defaultKeyLifetime,
		KeyGrace:            defaultKeyGrace,
		ReplaySkew:          defaultReplaySkew,
		ReplayWindow:        defaultReplayWindow,
		Retransmit:          defaultRetransmit,
		Heartbeat:           defaultHeartbeat,
		HandshakeTimeout:    defaultHandshake,
		MaintenanceInterval: defaultMaintenance,
		PadSize:             proto.DefaultPadSize,
		CompressionLevel:    proto.DefaultCompressionLevel,
		MaxMessageSize:      proto.DefaultMaxMessageSize,
		EventQueue:          defaultEventQueue,
		PeerCap:             defaultPeerCap,
		PerHostCap:          defaultPerHostCap,
		LogLevel:            "info",
	}
}

// Load returns defaults overlaid with path (if non-empty) and the process
// environment, validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.Overlay(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Overlay overlays data onto c. Unknown keys are an error. An
// announce interval set without an evict timeout rescales the timeout.
func (c *Config) Overlay(data []byte) error {
	before := c.AnnounceInterval
	evict := c.EvictTimeout
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if c.AnnounceInterval != before && c.EvictTimeout == evict {
		c.EvictTimeout = defaultEvictMultiplier * c.AnnounceInterval
	}
	return nil
}

// ApplyEnv overlays PONGNET_* variables read through getenv. Durations are
// given in milliseconds (the *_MS knobs).
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	var firstErr error
	num := func(key string, dst *int) {
		raw := strings.TrimSpace(getenv(key))
		if raw == "" {
			return
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", key, err)
			}
			return
		}
		*dst = n
	}
	ms := func(key string, dst *time.Duration) {
		n := -1
		num(key, &n)
		if n >= 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}

	str("PONGNET_NAME", &c.Name)
	str("PONGNET_MULTICAST", &c.MulticastGroup)
	str("PONGNET_IFACE", &c.Interface)
	str("PONGNET_TAG", &c.Tag)
	str("PONGNET_BIND_IP", &c.BindIP)
	str("PONGNET_ADVERTISE_IP", &c.AdvertiseIP)
	num("PONGNET_PORT_MIN", &c.MinPort)
	num("PONGNET_PORT_MAX", &c.MaxPort)
	announce := c.AnnounceInterval
	ms("PONGNET_ANNOUNCE_MS", &c.AnnounceInterval)
	evict := c.EvictTimeout
	ms("PONGNET_EVICT_MS", &c.EvictTimeout)
	if c.AnnounceInterval != announce && c.EvictTimeout == evict {
		c.EvictTimeout = defaultEvictMultiplier * c.AnnounceInterval
	}
	num("PONGNET_RATE_LIMIT", &c.RateLimit)
	ms("PONGNET_RATE_WINDOW_MS", &c.RateWindow)
	ms("PONGNET_KEY_LIFETIME_MS", &c.KeyLifetime)
	ms("PONGNET_KEY_GRACE_MS", &c.KeyGrace)
	ms("PONGNET_REPLAY_SKEW_MS", &c.ReplaySkew)
	num("PONGNET_REPLAY_WINDOW", &c.ReplayWindow)
	ms("PONGNET_RETRANSMIT_MS", &c.Retransmit)
	ms("PONGNET_HEARTBEAT_MS", &c.Heartbeat)
	ms("PONGNET_HANDSHAKE_TIMEOUT_MS", &c.HandshakeTimeout)
	ms("PONGNET_MAINTENANCE_MS", &c.MaintenanceInterval)
	num("PONGNET_PAD_SIZE", &c.PadSize)
	num("PONGNET_COMPRESSION_LEVEL", &c.CompressionLevel)
	num("PONGNET_MAX_MESSAGE_SIZE", &c.MaxMessageSize)
	num("PONGNET_EVENT_QUEUE", &c.EventQueue)
	num("PONGNET_PEER_CAP", &c.PeerCap)
	num("PONGNET_PER_HOST_CAP", &c.PerHostCap)
	str("PONGNET_LOG_LEVEL", &c.LogLevel)
	str("PONGNET_METRICS_ADDR", &c.MetricsAddr)
	str("PONGNET_SNAPSHOT_PATH", &c.SnapshotPath)
	if getenv("PONGNET_DEBUG") == "1" {
		c.LogLevel = "debug"
	}
	return firstErr
}

func (c Config) Validate() error {
	if len(c.Name) > proto.MaxNameLen {
		return fmt.Errorf("name longer than %d bytes", proto.MaxNameLen)
	}
	group, err := net.ResolveUDPAddr("udp4", c.MulticastGroup)
	if err != nil || !group.IP.IsMulticast() {
		return fmt.Errorf("multicast_group %q is not an IPv4 multicast address", c.MulticastGroup)
	}
	if c.Tag == "" {
		return fmt.Errorf("tag must not be empty")
	}
	for _, ip := range []struct{ key, v string }{{"bind_ip", c.BindIP}, {"advertise_ip", c.AdvertiseIP}} {
		if ip.v != "" && net.ParseIP(ip.v).To4() == nil {
			return fmt.Errorf("%s %q is not an IPv4 address", ip.key, ip.v)
		}
	}
	if c.MinPort < 1 || c.MaxPort > 65535 || c.MinPort > c.MaxPort {
		return fmt.Errorf("bad port range [%d, %d]", c.MinPort, c.MaxPort)
	}
	positive := []struct {
		key string
		v   time.Duration
	}{
		{"announce_interval", c.AnnounceInterval},
		{"evict_timeout", c.EvictTimeout},
		{"rate_window", c.RateWindow},
		{"key_lifetime", c.KeyLifetime},
		{"replay_skew", c.ReplaySkew},
		{"retransmit", c.Retransmit},
		{"heartbeat", c.Heartbeat},
		{"handshake_timeout", c.HandshakeTimeout},
		{"maintenance_interval", c.MaintenanceInterval},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.KeyGrace < 0 {
		return fmt.Errorf("key_grace must not be negative")
	}
	if c.EvictTimeout <= c.AnnounceInterval {
		return fmt.Errorf("evict_timeout %s must exceed announce_interval %s", c.EvictTimeout, c.AnnounceInterval)
	}
	if c.PadSize < 0 || (c.PadSize > 0 && c.PadSize < 256) || c.PadSize > 65507 {
		return fmt.Errorf("pad_size %d out of range", c.PadSize)
	}
	if c.CompressionLevel < -1 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression_level %d out of range", c.CompressionLevel)
	}
	if c.MaxMessageSize <= 0 || c.ReplayWindow <= 0 || c.EventQueue <= 0 || c.PeerCap <= 0 || c.PerHostCap <= 0 {
		return fmt.Errorf("sizes and capacities must be positive")
	}
	if _, err := debuglog.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Group resolves the multicast group address.
func (c Config) Group() (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp4", c.MulticastGroup)
}
