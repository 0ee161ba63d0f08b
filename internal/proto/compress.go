package proto

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

const (
	DefaultCompressionLevel = 6
	DefaultMaxMessageSize   = 4096
)

func Compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates data and fails once the output would exceed max bytes.
func Decompress(data []byte, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if len(out) > max {
		return nil, fmt.Errorf("%w: decompressed message exceeds %d bytes", ErrProtocol, max)
	}
	return out, nil
}
