package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"strings"
	"testing"

	"github.com/wirelay/wirelay"
)

// TestPackBelowThreshold verifies small messages pass through unchanged
func TestPackBelowThreshold(t *testing.T) {
	t.Parallel()

	c := Compressor{Threshold: 1024}
	msg, err := EncodeRequest(wirelay.Request{ID: 1, Method: "ping"})
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	packed, err := c.Pack(msg)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if !bytes.Equal(packed, msg) {
		t.Error("small message was modified by Pack()")
	}
}

// TestPackCompressesAboveThreshold verifies the compressed round trip
func TestPackCompressesAboveThreshold(t *testing.T) {
	t.Parallel()

	c := Compressor{Threshold: 64}
	big := strings.Repeat("abcdefgh", 512)
	resp := wirelay.Response{
		ID:     3,
		OK:     true,
		Result: json.RawMessage(`"` + big + `"`),
		Stats:  wirelay.Stats{Remaining: 5, ResetSeconds: 10},
	}
	msg, err := EncodeResponse(resp)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	packed, err := c.Pack(msg)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if packed[0] != KindCompressed {
		t.Fatalf("packed kind = 0x%02x, want 0x%02x", packed[0], KindCompressed)
	}
	if len(packed) >= len(msg) {
		t.Errorf("compressed size %d not smaller than original %d", len(packed), len(msg))
	}

	decoded, err := Decode(packed)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Response.ID != resp.ID || !decoded.Response.OK {
		t.Errorf("round trip lost response fields: %+v", decoded.Response)
	}
	if !bytes.Equal(decoded.Response.Result, resp.Result) {
		t.Error("round trip corrupted result payload")
	}
}

// TestPackDisabled verifies a zero threshold disables compression
func TestPackDisabled(t *testing.T) {
	t.Parallel()

	c := Compressor{Threshold: 0}
	msg := bytes.Repeat([]byte{KindRequest}, 4096)

	packed, err := c.Pack(msg)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if !bytes.Equal(packed, msg) {
		t.Error("message modified with compression disabled")
	}
}

// TestExpandBombGuard verifies the expansion cap aborts oversized payloads
func TestExpandBombGuard(t *testing.T) {
	t.Parallel()

	// A highly compressible body that expands past the cap.
	var buf bytes.Buffer
	buf.WriteByte(KindCompressed)
	zw := gzip.NewWriter(&buf)
	zeros := make([]byte, 1024*1024)
	for written := 0; written <= maxExpandedSize; written += len(zeros) {
		if _, err := zw.Write(zeros); err != nil {
			t.Fatalf("building bomb: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("building bomb: %v", err)
	}

	if _, err := Decode(buf.Bytes()); err == nil {
		t.Error("Decode() accepted a decompression bomb")
	}
}

// TestNestedCompressionRejected verifies a compressed envelope cannot wrap
// another compressed envelope
func TestNestedCompressionRejected(t *testing.T) {
	t.Parallel()

	inner := []byte{KindCompressed, 0x1f, 0x8b}
	var buf bytes.Buffer
	buf.WriteByte(KindCompressed)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(inner); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Decode(buf.Bytes()); err == nil {
		t.Error("Decode() accepted nested compression")
	}
}
