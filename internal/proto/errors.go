package proto

import "errors"

// Drop taxonomy. Every rejected packet or message wraps exactly one of these.
var (
	ErrCryptoFailure = errors.New("crypto failure")
	ErrReplay        = errors.New("replay detected")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrProtocol      = errors.New("protocol error")
	ErrPeerTimeout   = errors.New("peer timeout")
	ErrTransport     = errors.New("transport failure")
)

// Reason maps an error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCryptoFailure):
		return "crypto"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrPeerTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport"
	default:
		return "other"
	}
}
