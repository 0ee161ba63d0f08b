package proto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleBodies() []Body {
	var enc [32]byte
	for i := range enc {
		enc[i] = byte(i)
	}
	return []Body{
		Init{
			Name:        "Alice",
			EncKey:      enc,
			SignKey:     bytes.Repeat([]byte{7}, 32),
			Instance:    [InstanceSize]byte{1, 2, 3},
			Signature:   bytes.Repeat([]byte{9}, 64),
			Endorsement: bytes.Repeat([]byte{5}, 64),
		},
		SyncReady{},
		SyncAck{},
		ScorePl1{Value: 3},
		ScorePl2{Value: -1},
		PadPos{Y: 120.5},
		BallVel{VX: -4.25, VY: 3},
		BallPos{X: 400, Y: 299.75},
		Pause{Flag: true},
		GameOver{Winner: "Bob"},
		ResetScores{},
		GameClose{},
		WinSize{W: 800, H: 600},
	}
}

func TestMessageRoundTripAllTypes(t *testing.T) {
	bodies := sampleBodies()
	if len(bodies) != int(NumTypes)-1 {
		t.Fatalf("sample bodies cover %d of %d types", len(bodies), NumTypes-1)
	}
	now := time.Now()
	for _, body := range bodies {
		m, err := NewMessage(body, now)
		if err != nil {
			t.Fatalf("new message: %v", err)
		}
		data, err := MarshalMessage(m)
		if err != nil {
			t.Fatalf("marshal %s: %v", body.Type(), err)
		}
		got, err := UnmarshalMessage(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", body.Type(), err)
		}
		if diff := cmp.Diff(m, got); diff != "" {
			t.Fatalf("%s round trip mismatch (-want +got):\n%s", body.Type(), diff)
		}
	}
}

func TestUnmarshalRejectsChannelMismatch(t *testing.T) {
	m, _ := NewMessage(PadPos{Y: 1}, time.Now())
	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Overwrite the leading channel varint (payload) with control.
	if data[1] != byte(ChannelPayload) {
		t.Fatalf("unexpected encoding prefix %x", data[:2])
	}
	data[1] = byte(ChannelControl)
	if _, err := UnmarshalMessage(data); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ChannelPayload))
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, 200)
	b = protowire.AppendTag(b, fieldNonce, protowire.BytesType)
	b = protowire.AppendBytes(b, make([]byte, NonceSize))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	if _, err := UnmarshalMessage(b); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	m, _ := NewMessage(ScorePl1{Value: 7}, time.Now())
	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendString(data, "future")
	got, err := UnmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Body != (ScorePl1{Value: 7}) {
		t.Fatalf("unexpected body %#v", got.Body)
	}
}

func TestUnmarshalRejectsMalformedInit(t *testing.T) {
	m, _ := NewMessage(Init{Name: "x", SignKey: []byte{1, 2}, Signature: make([]byte, 64)}, time.Now())
	data, err := MarshalMessage(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := UnmarshalMessage(data); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for short sign key, got %v", err)
	}

	m, _ = NewMessage(Init{Name: strings.Repeat("n", MaxNameLen+1), SignKey: make([]byte, 32), Signature: make([]byte, 64)}, time.Now())
	data, _ = MarshalMessage(m)
	if _, err := UnmarshalMessage(data); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for long name, got %v", err)
	}
}

func TestMarshalRequiresBodyAndTimestamp(t *testing.T) {
	if _, err := MarshalMessage(Message{}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for empty message, got %v", err)
	}
	if _, err := MarshalMessage(Message{Body: SyncAck{}}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for zero timestamp, got %v", err)
	}
}

func TestInitSigningInputBindsFields(t *testing.T) {
	var nonce [NonceSize]byte
	ts := time.UnixMilli(1700000000000)
	body := Init{Name: "Alice", SignKey: make([]byte, 32)}
	base := InitSigningInput(body, ts, nonce)
	nonce[0] = 1
	if bytes.Equal(base, InitSigningInput(body, ts, nonce)) {
		t.Fatalf("nonce not bound")
	}
	nonce[0] = 0
	if bytes.Equal(base, InitSigningInput(body, ts.Add(time.Millisecond), nonce)) {
		t.Fatalf("timestamp not bound")
	}
	renamed := body
	renamed.Name = "Alicf"
	if bytes.Equal(base, InitSigningInput(renamed, ts, nonce)) {
		t.Fatalf("name not bound")
	}
	other := body
	other.Instance[0] = 1
	if bytes.Equal(base, InitSigningInput(other, ts, nonce)) {
		t.Fatalf("instance not bound")
	}
	if bytes.Equal(base, InitEndorsementInput(body, ts, nonce)) {
		t.Fatalf("endorsement input must differ from the self-signature input")
	}
}

func TestUnmarshalRejectsBadEndorsement(t *testing.T) {
	m, _ := NewMessage(Init{Name: "x", SignKey: make([]byte, 32), Signature: make([]byte, 64), Endorsement: []byte{1}}, time.Now())
	data, _ := MarshalMessage(m)
	if _, err := UnmarshalMessage(data); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error for short endorsement, got %v", err)
	}
}

func TestTypeTable(t *testing.T) {
	for _, typ := range AllTypes() {
		got, ok := ParseType(typ.String())
		if !ok || got != typ {
			t.Fatalf("parse %q: got %v %v", typ.String(), got, ok)
		}
	}
	if _, ok := ParseType("hello"); ok {
		t.Fatalf("expected unknown type")
	}
	if TypeInit.Channel() != ChannelControl || TypeGameClose.Channel() != ChannelPayload {
		t.Fatalf("unexpected channel mapping")
	}
}
