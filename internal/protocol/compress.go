package protocol

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// maxExpandedSize caps the decompressed size of one wire message. Expansion
// past this limit aborts the decode rather than allocating further, guarding
// against decompression bombs.
const maxExpandedSize = maxPayloadSize + 1024

// Compressor applies whole-message gzip compression above a size threshold.
// A zero threshold disables compression entirely.
type Compressor struct {
	Threshold int
}

// Pack returns the message ready for transmission: unchanged when below the
// threshold or when compression would not shrink it, otherwise a
// KindCompressed envelope.
func (c Compressor) Pack(msg []byte) ([]byte, error) {
	if c.Threshold <= 0 || len(msg) < c.Threshold {
		return msg, nil
	}

	var buf bytes.Buffer
	buf.WriteByte(KindCompressed)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(msg); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress message: %w", err)
	}
	if buf.Len() >= len(msg) {
		return msg, nil
	}
	return buf.Bytes(), nil
}

// expand decompresses the body of a KindCompressed message through a bounded
// reader.
func expand(body []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open compressed message: %w", err)
	}
	defer zr.Close()

	// Read one byte past the cap so overruns are detectable.
	out, err := io.ReadAll(io.LimitReader(zr, maxExpandedSize+1))
	if err != nil {
		return nil, fmt.Errorf("expand compressed message: %w", err)
	}
	if len(out) > maxExpandedSize {
		return nil, errors.New("expanded message exceeds maximum size")
	}
	return out, nil
}
