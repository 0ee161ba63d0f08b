package proto

import (
	"testing"
	"time"
)

const fuzzTimeout = 100 * time.Millisecond

// fuzzInput trims data to one byte past the decoder's limit so the
// oversize path stays reachable.
func fuzzInput(data []byte, limit int) []byte {
	if len(data) > limit+1 {
		return data[:limit+1]
	}
	return data
}

// withinDeadline fails t when fn does not finish within fuzzTimeout.
func withinDeadline(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(fuzzTimeout):
		t.Fatalf("decoder ran past %s", fuzzTimeout)
	}
}

func packetSeeds() [][]byte {
	sealed, _ := EncodePacket(Packet{Flags: FlagSealed, Addr: "127.0.0.1:4000", Body: []byte{1, 2, 3}}, 0)
	padded, _ := EncodePacket(Packet{Addr: "10.0.0.5:4242", Body: []byte("init")}, 64)
	return [][]byte{sealed, padded, {Version, 0, 0, 0, 1, 0}}
}

func messageSeeds() [][]byte {
	var out [][]byte
	for _, body := range sampleBodies() {
		m, _ := NewMessage(body, time.UnixMilli(1700000000000))
		data, _ := MarshalMessage(m)
		out = append(out, data)
	}
	return out
}

func announcementSeeds() [][]byte {
	return [][]byte{
		[]byte(`{"addr":["10.0.0.5",4242],"name":"Alice","enc_key":"","sign_key":"","type":"pong"}`),
		[]byte(`{"addr":["10.0.0.5",-1],"name":"","type":"pong"}`),
	}
}

func FuzzDecodePacket(f *testing.F) {
	for _, s := range packetSeeds() {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = fuzzInput(data, MaxPacketSize)
		withinDeadline(t, func() {
			p, err := DecodePacket(data)
			if err == nil {
				_, _ = EncodePacket(p, 0)
			}
		})
	})
}

func FuzzUnmarshalMessage(f *testing.F) {
	for _, s := range messageSeeds() {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = fuzzInput(data, DefaultMaxMessageSize)
		withinDeadline(t, func() {
			m, err := UnmarshalMessage(data)
			if err == nil {
				if _, err := MarshalMessage(m); err != nil {
					t.Fatalf("re-marshal decoded message: %v", err)
				}
			}
		})
	})
}

func FuzzDecompress(f *testing.F) {
	for _, s := range messageSeeds() {
		c, _ := Compress(s, DefaultCompressionLevel)
		f.Add(c)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = fuzzInput(data, MaxPacketSize)
		withinDeadline(t, func() {
			out, err := Decompress(data, DefaultMaxMessageSize)
			if err == nil && len(out) > DefaultMaxMessageSize {
				t.Fatalf("decompressed %d bytes past cap", len(out))
			}
		})
	})
}

func FuzzDecodeAnnouncement(f *testing.F) {
	for _, s := range announcementSeeds() {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, data []byte) {
		data = fuzzInput(data, MaxAnnouncementSize)
		withinDeadline(t, func() {
			a, err := DecodeAnnouncement(data)
			if err == nil {
				_, _, _ = a.Keys()
			}
		})
	})
}
