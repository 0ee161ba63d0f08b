package proto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultAnnounceType  = "pong"
	MaxAnnouncementSize  = 1024
	DefaultMulticastAddr = "224.1.1.1:5004"
)

// HostPort marshals as a two-element JSON array: ["10.0.0.5", 4242].
type HostPort struct {
	IP   string
	Port int
}

func ParseHostPort(addr string) (HostPort, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return HostPort{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return HostPort{}, fmt.Errorf("bad port %q", port)
	}
	return HostPort{IP: host, Port: p}, nil
}

func (h HostPort) String() string {
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

func (h HostPort) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{h.IP, h.Port})
}

func (h *HostPort) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("addr must be [ip, port]")
	}
	var ip string
	var port int
	if err := json.Unmarshal(raw[0], &ip); err != nil {
		return fmt.Errorf("addr ip: %w", err)
	}
	if err := json.Unmarshal(raw[1], &port); err != nil {
		return fmt.Errorf("addr port: %w", err)
	}
	if net.ParseIP(ip) == nil || port <= 0 || port > 65535 {
		return fmt.Errorf("bad addr %q:%d", ip, port)
	}
	h.IP, h.Port = ip, port
	return nil
}

// Announcement is the unauthenticated multicast discovery record.
type Announcement struct {
	Addr    HostPort `json:"addr"`
	Name    string   `json:"name"`
	EncKey  string   `json:"enc_key"`
	SignKey string   `json:"sign_key"`
	Type    string   `json:"type"`
}

func NewAnnouncement(addr HostPort, name string, encKey [32]byte, signKey ed25519.PublicKey, tag string) Announcement {
	if tag == "" {
		tag = DefaultAnnounceType
	}
	return Announcement{
		Addr:    addr,
		Name:    name,
		EncKey:  base64.StdEncoding.EncodeToString(encKey[:]),
		SignKey: base64.StdEncoding.EncodeToString(signKey),
		Type:    tag,
	}
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if a.Type == "" {
		a.Type = DefaultAnnounceType
	}
	return json.Marshal(a)
}

func DecodeAnnouncement(data []byte) (Announcement, error) {
	if len(data) > MaxAnnouncementSize {
		return Announcement{}, fmt.Errorf("%w: announcement too large", ErrProtocol)
	}
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(a.Name) > MaxNameLen {
		return Announcement{}, fmt.Errorf("%w: announcement name too long", ErrProtocol)
	}
	return a, nil
}

// Keys decodes the declared public keys. They are untrusted until confirmed
// by a signed init.
func (a Announcement) Keys() ([32]byte, ed25519.PublicKey, error) {
	var enc [32]byte
	raw, err := base64.StdEncoding.DecodeString(a.EncKey)
	if err != nil || len(raw) != len(enc) {
		return enc, nil, fmt.Errorf("%w: bad enc_key", ErrProtocol)
	}
	copy(enc[:], raw)
	sk, err := base64.StdEncoding.DecodeString(a.SignKey)
	if err != nil || len(sk) != ed25519.PublicKeySize {
		return enc, nil, fmt.Errorf("%w: bad sign_key", ErrProtocol)
	}
	return enc, ed25519.PublicKey(sk), nil
}
