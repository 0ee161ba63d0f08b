package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version keeps the two high bits clear so the data socket's QUIC
// demultiplexer hands these datagrams to the non-QUIC path.
const (
	Version    byte = 0x01
	FlagSealed byte = 0x01

	DefaultPadSize = 1200
	MaxPacketSize  = 1 << 16
	MaxAddrLen     = 255

	packetHeaderSize = 1 + 1 + 1 + 2
)

var ErrPacketTooLarge = errors.New("packet exceeds pad size")

// Packet is one datagram on the data socket:
//
//	version | flags | addr_len | addr | body_len (u16 BE) | body | zero padding
//
// A sealed body is box ciphertext followed by its 24-byte nonce; an unsealed
// body is the compressed message.
type Packet struct {
	Flags byte
	Addr  string
	Body  []byte
}

func (p Packet) Sealed() bool {
	return p.Flags&FlagSealed != 0
}

// EncodePacket frames p and pads it with zeros to padSize. A padSize of zero
// disables padding.
func EncodePacket(p Packet, padSize int) ([]byte, error) {
	if len(p.Addr) > MaxAddrLen {
		return nil, fmt.Errorf("declared address too long")
	}
	if len(p.Body) > 0xffff {
		return nil, ErrPacketTooLarge
	}
	n := packetHeaderSize + len(p.Addr) + len(p.Body)
	size := n
	if padSize > 0 {
		if n > padSize {
			return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, padSize)
		}
		size = padSize
	}
	out := make([]byte, size)
	out[0] = Version
	out[1] = p.Flags
	out[2] = byte(len(p.Addr))
	off := 3
	off += copy(out[off:], p.Addr)
	binary.BigEndian.PutUint16(out[off:], uint16(len(p.Body)))
	off += 2
	copy(out[off:], p.Body)
	return out, nil
}

// DecodePacket parses a datagram and strips its padding. Body aliases data.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < packetHeaderSize {
		return Packet{}, fmt.Errorf("%w: short packet", ErrProtocol)
	}
	if data[0] != Version {
		return Packet{}, fmt.Errorf("%w: unsupported version %#x", ErrProtocol, data[0])
	}
	var p Packet
	p.Flags = data[1]
	if p.Flags&^FlagSealed != 0 {
		return Packet{}, fmt.Errorf("%w: unknown flags %#x", ErrProtocol, p.Flags)
	}
	addrLen := int(data[2])
	off := 3
	if len(data) < off+addrLen+2 {
		return Packet{}, fmt.Errorf("%w: truncated address", ErrProtocol)
	}
	p.Addr = string(data[off : off+addrLen])
	off += addrLen
	bodyLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if bodyLen == 0 || len(data) < off+bodyLen {
		return Packet{}, fmt.Errorf("%w: bad body length %d", ErrProtocol, bodyLen)
	}
	p.Body = data[off : off+bodyLen]
	return p, nil
}
