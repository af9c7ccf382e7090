// Package protocol implements the compact binary wire format for requests,
// responses and batches, plus optional whole-message compression.
//
// Every wire message starts with a one-byte kind followed by the body:
//
//	[1 byte kind][body]
//
// Request body:  [4 id][2 methodLen][method][4 argsLen][args]
// Response body: [4 id][1 ok][4 remaining(int32)][4 resetSec][4 payloadLen][payload]
// Batch body:    [2 count]{[4 itemLen][message]}*
//
// All integers are big-endian. The payload of a failed response is the UTF-8
// error text; of a successful one, the opaque result bytes.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wirelay/wirelay"
)

// Message kinds.
const (
	KindRequest       = 0x01
	KindResponse      = 0x02
	KindBatchRequest  = 0x03
	KindBatchResponse = 0x04
	// KindCompressed flags a gzip-compressed message; the expanded bytes are
	// a complete message with one of the kinds above.
	KindCompressed = 0xC5
)

const (
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
	maxBatchItems  = 65535
)

var (
	ErrTooShort     = errors.New("data too short")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrTruncated    = errors.New("truncated message")
	ErrBatchTooWide = errors.New("batch item count exceeds encoding limit")
)

// EncodeRequest encodes a single request as one wire message.
func EncodeRequest(req wirelay.Request) ([]byte, error) {
	if len(req.Args) > maxPayloadSize {
		return nil, fmt.Errorf("args size %d exceeds maximum %d bytes", len(req.Args), maxPayloadSize)
	}
	if len(req.Method) > 0xFFFF {
		return nil, fmt.Errorf("method name length %d exceeds encoding limit", len(req.Method))
	}

	out := make([]byte, 0, 1+4+2+len(req.Method)+4+len(req.Args))
	out = append(out, KindRequest)
	out = binary.BigEndian.AppendUint32(out, req.ID)
	out = binary.BigEndian.AppendUint16(out, uint16(len(req.Method)))
	out = append(out, req.Method...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(req.Args)))
	out = append(out, req.Args...)
	return out, nil
}

// EncodeResponse encodes a single response as one wire message.
func EncodeResponse(resp wirelay.Response) ([]byte, error) {
	payload := []byte(resp.Error)
	if resp.OK {
		payload = resp.Result
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(payload), maxPayloadSize)
	}

	out := make([]byte, 0, 1+4+1+4+4+4+len(payload))
	out = append(out, KindResponse)
	out = binary.BigEndian.AppendUint32(out, resp.ID)
	if resp.OK {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(resp.Stats.Remaining))
	out = binary.BigEndian.AppendUint32(out, uint32(resp.Stats.ResetSeconds))
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// EncodeBatchRequest encodes n requests as one wire message, n >= 0.
func EncodeBatchRequest(reqs []wirelay.Request) ([]byte, error) {
	items := make([][]byte, len(reqs))
	for i, r := range reqs {
		item, err := EncodeRequest(r)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return encodeBatch(KindBatchRequest, items)
}

// EncodeBatchResponse encodes n responses as one wire message, n >= 0.
func EncodeBatchResponse(resps []wirelay.Response) ([]byte, error) {
	items := make([][]byte, len(resps))
	for i, r := range resps {
		item, err := EncodeResponse(r)
		if err != nil {
			return nil, err
		}
		items[i] = item
	}
	return encodeBatch(KindBatchResponse, items)
}

func encodeBatch(kind byte, items [][]byte) ([]byte, error) {
	if len(items) > maxBatchItems {
		return nil, ErrBatchTooWide
	}
	size := 1 + 2
	for _, it := range items {
		size += 4 + len(it)
	}
	out := make([]byte, 0, size)
	out = append(out, kind)
	out = binary.BigEndian.AppendUint16(out, uint16(len(items)))
	for _, it := range items {
		out = binary.BigEndian.AppendUint32(out, uint32(len(it)))
		out = append(out, it...)
	}
	return out, nil
}

// Message is the decoded form of one wire message. Exactly one field group is
// populated depending on Kind.
type Message struct {
	Kind      byte
	Request   wirelay.Request
	Response  wirelay.Response
	Requests  []wirelay.Request
	Responses []wirelay.Response
}

// Decode decodes one wire message, transparently expanding compression.
// Decoded slices reference the input buffer; callers must not modify it.
func Decode(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, ErrTooShort
	}
	if data[0] == KindCompressed {
		expanded, err := expand(data[1:])
		if err != nil {
			return nil, err
		}
		data = expanded
		if len(data) < 1 {
			return nil, ErrTooShort
		}
		if data[0] == KindCompressed {
			return nil, errors.New("nested compression not allowed")
		}
	}

	switch data[0] {
	case KindRequest:
		req, n, err := decodeRequest(data[1:])
		if err != nil {
			return nil, err
		}
		if n != len(data)-1 {
			return nil, errors.New("trailing bytes after request")
		}
		return &Message{Kind: KindRequest, Request: req}, nil
	case KindResponse:
		resp, n, err := decodeResponse(data[1:])
		if err != nil {
			return nil, err
		}
		if n != len(data)-1 {
			return nil, errors.New("trailing bytes after response")
		}
		return &Message{Kind: KindResponse, Response: resp}, nil
	case KindBatchRequest:
		items, err := decodeBatchItems(data[1:])
		if err != nil {
			return nil, err
		}
		reqs := make([]wirelay.Request, 0, len(items))
		for _, it := range items {
			if len(it) < 1 || it[0] != KindRequest {
				return nil, errors.New("batch request contains non-request item")
			}
			req, _, err := decodeRequest(it[1:])
			if err != nil {
				return nil, err
			}
			reqs = append(reqs, req)
		}
		return &Message{Kind: KindBatchRequest, Requests: reqs}, nil
	case KindBatchResponse:
		items, err := decodeBatchItems(data[1:])
		if err != nil {
			return nil, err
		}
		resps := make([]wirelay.Response, 0, len(items))
		for _, it := range items {
			if len(it) < 1 || it[0] != KindResponse {
				return nil, errors.New("batch response contains non-response item")
			}
			resp, _, err := decodeResponse(it[1:])
			if err != nil {
				return nil, err
			}
			resps = append(resps, resp)
		}
		return &Message{Kind: KindBatchResponse, Responses: resps}, nil
	}
	return nil, ErrUnknownKind
}

func decodeRequest(b []byte) (wirelay.Request, int, error) {
	var req wirelay.Request
	if len(b) < 4+2 {
		return req, 0, ErrTruncated
	}
	req.ID = binary.BigEndian.Uint32(b[0:4])
	methodLen := int(binary.BigEndian.Uint16(b[4:6]))
	off := 6
	if len(b) < off+methodLen+4 {
		return req, 0, ErrTruncated
	}
	req.Method = string(b[off : off+methodLen])
	off += methodLen
	argsLen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if argsLen > maxPayloadSize {
		return req, 0, fmt.Errorf("args size %d exceeds maximum %d bytes", argsLen, maxPayloadSize)
	}
	if len(b) < off+argsLen {
		return req, 0, ErrTruncated
	}
	if argsLen > 0 {
		req.Args = json.RawMessage(b[off : off+argsLen])
	}
	return req, off + argsLen, nil
}

func decodeResponse(b []byte) (wirelay.Response, int, error) {
	var resp wirelay.Response
	if len(b) < 4+1+4+4+4 {
		return resp, 0, ErrTruncated
	}
	resp.ID = binary.BigEndian.Uint32(b[0:4])
	resp.OK = b[4] == 1
	resp.Stats.Remaining = int32(binary.BigEndian.Uint32(b[5:9]))
	resp.Stats.ResetSeconds = int32(binary.BigEndian.Uint32(b[9:13]))
	payloadLen := int(binary.BigEndian.Uint32(b[13:17]))
	off := 17
	if payloadLen > maxPayloadSize {
		return resp, 0, fmt.Errorf("payload size %d exceeds maximum %d bytes", payloadLen, maxPayloadSize)
	}
	if len(b) < off+payloadLen {
		return resp, 0, ErrTruncated
	}
	payload := b[off : off+payloadLen]
	if resp.OK {
		if payloadLen > 0 {
			resp.Result = json.RawMessage(payload)
		}
	} else {
		resp.Error = string(payload)
	}
	return resp, off + payloadLen, nil
}

func decodeBatchItems(b []byte) ([][]byte, error) {
	if len(b) < 2 {
		return nil, ErrTruncated
	}
	count := int(binary.BigEndian.Uint16(b[0:2]))
	off := 2
	items := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < off+4 {
			return nil, ErrTruncated
		}
		itemLen := int(binary.BigEndian.Uint32(b[off : off+4]))
		off += 4
		if itemLen > maxPayloadSize+64 {
			return nil, fmt.Errorf("batch item size %d exceeds maximum", itemLen)
		}
		if len(b) < off+itemLen {
			return nil, ErrTruncated
		}
		items = append(items, b[off:off+itemLen])
		off += itemLen
	}
	if off != len(b) {
		return nil, errors.New("trailing bytes after batch")
	}
	return items, nil
}

// Diagnostic renders a decoded message as JSON for logs and debugging. The
// binary format stays the wire primary; this is the textual fallback.
func Diagnostic(m *Message) string {
	var v any
	switch m.Kind {
	case KindRequest:
		v = m.Request
	case KindResponse:
		v = m.Response
	case KindBatchRequest:
		v = m.Requests
	case KindBatchResponse:
		v = m.Responses
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<unrenderable message kind 0x%02x>", m.Kind)
	}
	return string(out)
}
