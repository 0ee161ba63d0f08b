package proto

import (
	"crypto/rand"
	"time"
)

const (
	NonceSize  = 16
	MaxNameLen = 64
)

type Channel uint8

const (
	ChannelControl Channel = 1
	ChannelPayload Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelPayload:
		return "payload"
	default:
		return "unknown"
	}
}

// Type is the closed set of message kinds. The zero value is invalid.
type Type uint8

const (
	TypeInvalid Type = iota
	TypeInit
	TypeSyncReady
	TypeSyncAck
	TypeScorePl1
	TypeScorePl2
	TypePadPos
	TypeBallVel
	TypeBallPos
	TypePause
	TypeGameOver
	TypeResetScores
	TypeGameClose
	TypeWinSize

	NumTypes
)

var typeNames = [NumTypes]string{
	TypeInvalid:     "invalid",
	TypeInit:        "init",
	TypeSyncReady:   "sync_ready",
	TypeSyncAck:     "sync_ack",
	TypeScorePl1:    "score_pl1",
	TypeScorePl2:    "score_pl2",
	TypePadPos:      "pad_pos",
	TypeBallVel:     "ball_vel",
	TypeBallPos:     "ball_pos",
	TypePause:       "pause",
	TypeGameOver:    "game_over",
	TypeResetScores: "reset_scores",
	TypeGameClose:   "game_close",
	TypeWinSize:     "win_size",
}

func (t Type) String() string {
	if t >= NumTypes {
		return "unknown"
	}
	return typeNames[t]
}

func (t Type) Valid() bool {
	return t > TypeInvalid && t < NumTypes
}

func (t Type) Channel() Channel {
	switch t {
	case TypeInit, TypeSyncReady, TypeSyncAck:
		return ChannelControl
	default:
		return ChannelPayload
	}
}

func ParseType(s string) (Type, bool) {
	for t := TypeInit; t < NumTypes; t++ {
		if typeNames[t] == s {
			return t, true
		}
	}
	return TypeInvalid, false
}

// AllTypes lists every valid type in tag order.
func AllTypes() []Type {
	out := make([]Type, 0, NumTypes-1)
	for t := TypeInit; t < NumTypes; t++ {
		out = append(out, t)
	}
	return out
}

// Body is implemented only by the message structs in this package.
type Body interface {
	Type() Type
	isBody()
}

// Init announces the sender's keys. Signature is made with SignKey over
// InitSigningInput. Instance identifies the sending process and never
// changes while it runs. Endorsement, present after a key rotation, is made
// with the previous signing key over InitEndorsementInput.
type Init struct {
	Name        string
	EncKey      [32]byte
	SignKey     []byte
	Instance    [InstanceSize]byte
	Signature   []byte
	Endorsement []byte
}

type SyncReady struct{}

type SyncAck struct{}

type ScorePl1 struct{ Value int64 }

type ScorePl2 struct{ Value int64 }

type PadPos struct{ Y float64 }

type BallVel struct{ VX, VY float64 }

type BallPos struct{ X, Y float64 }

type Pause struct{ Flag bool }

type GameOver struct{ Winner string }

type ResetScores struct{}

type GameClose struct{}

// WinSize carries the owner's playfield size so the other side can scale.
type WinSize struct{ W, H int64 }

func (Init) Type() Type        { return TypeInit }
func (SyncReady) Type() Type   { return TypeSyncReady }
func (SyncAck) Type() Type     { return TypeSyncAck }
func (ScorePl1) Type() Type    { return TypeScorePl1 }
func (ScorePl2) Type() Type    { return TypeScorePl2 }
func (PadPos) Type() Type      { return TypePadPos }
func (BallVel) Type() Type     { return TypeBallVel }
func (BallPos) Type() Type     { return TypeBallPos }
func (Pause) Type() Type       { return TypePause }
func (GameOver) Type() Type    { return TypeGameOver }
func (ResetScores) Type() Type { return TypeResetScores }
func (GameClose) Type() Type   { return TypeGameClose }
func (WinSize) Type() Type     { return TypeWinSize }

func (Init) isBody()        {}
func (SyncReady) isBody()   {}
func (SyncAck) isBody()     {}
func (ScorePl1) isBody()    {}
func (ScorePl2) isBody()    {}
func (PadPos) isBody()      {}
func (BallVel) isBody()     {}
func (BallPos) isBody()     {}
func (Pause) isBody()       {}
func (GameOver) isBody()    {}
func (ResetScores) isBody() {}
func (GameClose) isBody()   {}
func (WinSize) isBody()     {}

type Message struct {
	Body      Body
	Nonce     [NonceSize]byte
	Timestamp time.Time
}

func (m Message) Type() Type {
	if m.Body == nil {
		return TypeInvalid
	}
	return m.Body.Type()
}

func (m Message) Channel() Channel {
	return m.Type().Channel()
}

// NewMessage stamps body with a fresh random nonce and now at millisecond
// precision, which is what survives the wire.
func NewMessage(body Body, now time.Time) (Message, error) {
	m := Message{Body: body, Timestamp: now.Truncate(time.Millisecond)}
	if _, err := rand.Read(m.Nonce[:]); err != nil {
		return Message{}, err
	}
	return m, nil
}
