package proto

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary message encoding. Header fields are shared by
// every type; body fields start at 10 and are interpreted per type.
const (
	fieldChannel   protowire.Number = 1
	fieldType      protowire.Number = 2
	fieldNonce     protowire.Number = 3
	fieldTimestamp protowire.Number = 4

	fieldBody0 protowire.Number = 10
	fieldBody1 protowire.Number = 11
	fieldBody2 protowire.Number = 12
	fieldBody3 protowire.Number = 13
	fieldBody4 protowire.Number = 14
	fieldBody5 protowire.Number = 15
)

const (
	initSigLabel     = "pongnet:init:v1"
	initEndorseLabel = "pongnet:init-endorse:v1"
)

// InstanceSize is the length of the per-process id carried in init.
const InstanceSize = 16

// MarshalMessage encodes m in protobuf wire format.
func MarshalMessage(m Message) ([]byte, error) {
	t := m.Type()
	if !t.Valid() {
		return nil, fmt.Errorf("%w: cannot encode message without body", ErrProtocol)
	}
	if m.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: message %s missing timestamp", ErrProtocol, t)
	}
	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.Channel()))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t))
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Nonce[:])
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.Timestamp.UnixMilli()))

	switch body := m.Body.(type) {
	case Init:
		b = appendString(b, fieldBody0, body.Name)
		b = appendBytes(b, fieldBody1, body.EncKey[:])
		b = appendBytes(b, fieldBody2, body.SignKey)
		b = appendBytes(b, fieldBody3, body.Signature)
		b = appendBytes(b, fieldBody4, body.Instance[:])
		if len(body.Endorsement) > 0 {
			b = appendBytes(b, fieldBody5, body.Endorsement)
		}
	case ScorePl1:
		b = appendSint(b, fieldBody0, body.Value)
	case ScorePl2:
		b = appendSint(b, fieldBody0, body.Value)
	case PadPos:
		b = appendDouble(b, fieldBody0, body.Y)
	case BallVel:
		b = appendDouble(b, fieldBody0, body.VX)
		b = appendDouble(b, fieldBody1, body.VY)
	case BallPos:
		b = appendDouble(b, fieldBody0, body.X)
		b = appendDouble(b, fieldBody1, body.Y)
	case Pause:
		b = protowire.AppendTag(b, fieldBody0, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(body.Flag))
	case GameOver:
		b = appendString(b, fieldBody0, body.Winner)
	case WinSize:
		b = appendSint(b, fieldBody0, body.W)
		b = appendSint(b, fieldBody1, body.H)
	case SyncReady, SyncAck, ResetScores, GameClose:
	default:
		return nil, fmt.Errorf("%w: unsupported body %T", ErrProtocol, m.Body)
	}
	return b, nil
}

type rawFields struct {
	varints map[protowire.Number]uint64
	fixed   map[protowire.Number]uint64
	bytes   map[protowire.Number][]byte
}

// UnmarshalMessage decodes a message produced by MarshalMessage. Unknown
// fields are skipped; a missing or inconsistent header is a protocol error.
func UnmarshalMessage(data []byte) (Message, error) {
	f := rawFields{
		varints: make(map[protowire.Number]uint64),
		fixed:   make(map[protowire.Number]uint64),
		bytes:   make(map[protowire.Number][]byte),
	}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			f.varints[num] = v
			data = data[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			f.fixed[num] = v
			data = data[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			f.bytes[num] = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: %v", ErrProtocol, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	rawType, ok := f.varints[fieldType]
	if !ok || rawType >= uint64(NumTypes) || !Type(rawType).Valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrProtocol, rawType)
	}
	t := Type(rawType)
	if ch, ok := f.varints[fieldChannel]; !ok || Channel(ch) != t.Channel() {
		return Message{}, fmt.Errorf("%w: channel mismatch for %s", ErrProtocol, t)
	}
	nonce, ok := f.bytes[fieldNonce]
	if !ok || len(nonce) != NonceSize {
		return Message{}, fmt.Errorf("%w: bad nonce length %d", ErrProtocol, len(nonce))
	}
	ts, ok := f.varints[fieldTimestamp]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing timestamp", ErrProtocol)
	}

	ms := protowire.DecodeZigZag(ts)
	if ms <= 0 {
		return Message{}, fmt.Errorf("%w: bad timestamp %d", ErrProtocol, ms)
	}
	m := Message{Timestamp: time.UnixMilli(ms)}
	copy(m.Nonce[:], nonce)

	var err error
	m.Body, err = f.body(t)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (f rawFields) body(t Type) (Body, error) {
	switch t {
	case TypeInit:
		var body Init
		name := f.bytes[fieldBody0]
		if len(name) > MaxNameLen {
			return nil, fmt.Errorf("%w: init name too long", ErrProtocol)
		}
		body.Name = string(name)
		enc := f.bytes[fieldBody1]
		if len(enc) != len(body.EncKey) {
			return nil, fmt.Errorf("%w: init enc_key length %d", ErrProtocol, len(enc))
		}
		copy(body.EncKey[:], enc)
		sk := f.bytes[fieldBody2]
		if len(sk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: init sign_key length %d", ErrProtocol, len(sk))
		}
		body.SignKey = append([]byte(nil), sk...)
		sig := f.bytes[fieldBody3]
		if len(sig) != ed25519.SignatureSize {
			return nil, fmt.Errorf("%w: init signature length %d", ErrProtocol, len(sig))
		}
		body.Signature = append([]byte(nil), sig...)
		inst := f.bytes[fieldBody4]
		if len(inst) != InstanceSize {
			return nil, fmt.Errorf("%w: init instance length %d", ErrProtocol, len(inst))
		}
		copy(body.Instance[:], inst)
		if e, ok := f.bytes[fieldBody5]; ok {
			if len(e) != ed25519.SignatureSize {
				return nil, fmt.Errorf("%w: init endorsement length %d", ErrProtocol, len(e))
			}
			body.Endorsement = append([]byte(nil), e...)
		}
		return body, nil
	case TypeSyncReady:
		return SyncReady{}, nil
	case TypeSyncAck:
		return SyncAck{}, nil
	case TypeScorePl1:
		return ScorePl1{Value: protowire.DecodeZigZag(f.varints[fieldBody0])}, nil
	case TypeScorePl2:
		return ScorePl2{Value: protowire.DecodeZigZag(f.varints[fieldBody0])}, nil
	case TypePadPos:
		y, err := f.double(fieldBody0)
		if err != nil {
			return nil, err
		}
		return PadPos{Y: y}, nil
	case TypeBallVel:
		vx, err := f.double(fieldBody0)
		if err != nil {
			return nil, err
		}
		vy, err := f.double(fieldBody1)
		if err != nil {
			return nil, err
		}
		return BallVel{VX: vx, VY: vy}, nil
	case TypeBallPos:
		x, err := f.double(fieldBody0)
		if err != nil {
			return nil, err
		}
		y, err := f.double(fieldBody1)
		if err != nil {
			return nil, err
		}
		return BallPos{X: x, Y: y}, nil
	case TypePause:
		return Pause{Flag: protowire.DecodeBool(f.varints[fieldBody0])}, nil
	case TypeGameOver:
		w := f.bytes[fieldBody0]
		if len(w) > MaxNameLen {
			return nil, fmt.Errorf("%w: winner too long", ErrProtocol)
		}
		return GameOver{Winner: string(w)}, nil
	case TypeResetScores:
		return ResetScores{}, nil
	case TypeGameClose:
		return GameClose{}, nil
	case TypeWinSize:
		return WinSize{
			W: protowire.DecodeZigZag(f.varints[fieldBody0]),
			H: protowire.DecodeZigZag(f.varints[fieldBody1]),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown message type %d", ErrProtocol, t)
}

func (f rawFields) double(num protowire.Number) (float64, error) {
	v := math.Float64frombits(f.fixed[num])
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: non-finite value in field %d", ErrProtocol, num)
	}
	return v, nil
}

// InitSigningInput is the byte string an init signature covers: a domain
// label, the name, both public keys, the instance id, the timestamp and the
// nonce. Binding the timestamp and nonce ties the keys to this particular
// message.
func InitSigningInput(body Init, ts time.Time, nonce [NonceSize]byte) []byte {
	return initInput(initSigLabel, body, ts, nonce)
}

// InitEndorsementInput is what the previous signing key signs to vouch for
// the keys in a rotated init. It uses its own label so a self-signature can
// never pass as an endorsement.
func InitEndorsementInput(body Init, ts time.Time, nonce [NonceSize]byte) []byte {
	return initInput(initEndorseLabel, body, ts, nonce)
}

func initInput(label string, body Init, ts time.Time, nonce [NonceSize]byte) []byte {
	out := make([]byte, 0, len(label)+2+len(body.Name)+32+len(body.SignKey)+InstanceSize+8+NonceSize)
	out = append(out, label...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(body.Name)))
	out = append(out, body.Name...)
	out = append(out, body.EncKey[:]...)
	out = append(out, body.SignKey...)
	out = append(out, body.Instance[:]...)
	out = binary.BigEndian.AppendUint64(out, uint64(ts.UnixMilli()))
	out = append(out, nonce[:]...)
	return out
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}
