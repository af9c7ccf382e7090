package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/wirelay/wirelay"
)

// TestRequestRoundTrip tests encode/decode of single requests
func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  wirelay.Request
	}{
		{
			name: "simple request",
			req:  wirelay.Request{ID: 1, Method: "getUser", Args: json.RawMessage(`{"id":1}`)},
		},
		{
			name: "empty args",
			req:  wirelay.Request{ID: 42, Method: "ping"},
		},
		{
			name: "zero id",
			req:  wirelay.Request{ID: 0, Method: "noop"},
		},
		{
			name: "max id",
			req:  wirelay.Request{ID: 0xFFFFFFFF, Method: "m", Args: json.RawMessage(`null`)},
		},
		{
			name: "nested args",
			req: wirelay.Request{
				ID:     7,
				Method: "updateProfile",
				Args:   json.RawMessage(`{"user":{"id":3,"tags":["a","b"],"prefs":{"dark":true}}}`),
			},
		},
		{
			name: "empty method name",
			req:  wirelay.Request{ID: 9, Method: ""},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := EncodeRequest(tt.req)
			if err != nil {
				t.Fatalf("EncodeRequest() error = %v", err)
			}

			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Kind != KindRequest {
				t.Fatalf("Kind = 0x%02x, want 0x%02x", msg.Kind, KindRequest)
			}

			got := msg.Request
			if got.ID != tt.req.ID {
				t.Errorf("ID = %d, want %d", got.ID, tt.req.ID)
			}
			if got.Method != tt.req.Method {
				t.Errorf("Method = %q, want %q", got.Method, tt.req.Method)
			}
			if !bytes.Equal(got.Args, tt.req.Args) {
				t.Errorf("Args = %s, want %s", got.Args, tt.req.Args)
			}
		})
	}
}

// TestResponseRoundTrip tests encode/decode of single responses
func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp wirelay.Response
	}{
		{
			name: "success with result",
			resp: wirelay.Response{
				ID:     1,
				OK:     true,
				Result: json.RawMessage(`{"name":"ada"}`),
				Stats:  wirelay.Stats{Remaining: 9, ResetSeconds: 42},
			},
		},
		{
			name: "error response",
			resp: wirelay.Response{
				ID:    2,
				OK:    false,
				Error: "Unknown method doesNotExist",
				Stats: wirelay.Unlimited(),
			},
		},
		{
			name: "success with empty result",
			resp: wirelay.Response{ID: 3, OK: true, Stats: wirelay.Unlimited()},
		},
		{
			name: "zero remaining",
			resp: wirelay.Response{
				ID:    4,
				OK:    false,
				Error: "Rate limit exceeded",
				Stats: wirelay.Stats{Remaining: 0, ResetSeconds: 31},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := EncodeResponse(tt.resp)
			if err != nil {
				t.Fatalf("EncodeResponse() error = %v", err)
			}

			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Kind != KindResponse {
				t.Fatalf("Kind = 0x%02x, want 0x%02x", msg.Kind, KindResponse)
			}

			got := msg.Response
			if got.ID != tt.resp.ID || got.OK != tt.resp.OK {
				t.Errorf("got {ID:%d OK:%v}, want {ID:%d OK:%v}", got.ID, got.OK, tt.resp.ID, tt.resp.OK)
			}
			if got.Error != tt.resp.Error {
				t.Errorf("Error = %q, want %q", got.Error, tt.resp.Error)
			}
			if !bytes.Equal(got.Result, tt.resp.Result) {
				t.Errorf("Result = %s, want %s", got.Result, tt.resp.Result)
			}
			if got.Stats != tt.resp.Stats {
				t.Errorf("Stats = %+v, want %+v", got.Stats, tt.resp.Stats)
			}
		})
	}
}

// TestBatchRoundTrip tests batch encoding for all n >= 0, including empty
func TestBatchRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		reqs []wirelay.Request
	}{
		{name: "empty batch", reqs: []wirelay.Request{}},
		{name: "single item", reqs: []wirelay.Request{{ID: 1, Method: "a"}}},
		{
			name: "three items",
			reqs: []wirelay.Request{
				{ID: 1, Method: "a", Args: json.RawMessage(`1`)},
				{ID: 2, Method: "b", Args: json.RawMessage(`{"x":[1,2,3]}`)},
				{ID: 3, Method: "c"},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data, err := EncodeBatchRequest(tt.reqs)
			if err != nil {
				t.Fatalf("EncodeBatchRequest() error = %v", err)
			}

			msg, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if msg.Kind != KindBatchRequest {
				t.Fatalf("Kind = 0x%02x, want 0x%02x", msg.Kind, KindBatchRequest)
			}
			if len(msg.Requests) != len(tt.reqs) {
				t.Fatalf("decoded %d requests, want %d", len(msg.Requests), len(tt.reqs))
			}
			for i, got := range msg.Requests {
				if got.ID != tt.reqs[i].ID || got.Method != tt.reqs[i].Method {
					t.Errorf("item %d = %+v, want %+v", i, got, tt.reqs[i])
				}
				if !bytes.Equal(got.Args, tt.reqs[i].Args) {
					t.Errorf("item %d args = %s, want %s", i, got.Args, tt.reqs[i].Args)
				}
			}
		})
	}
}

// TestBatchResponseIDSet verifies the response id set survives encoding
func TestBatchResponseIDSet(t *testing.T) {
	t.Parallel()

	resps := []wirelay.Response{
		{ID: 30, OK: true, Stats: wirelay.Unlimited()},
		{ID: 10, OK: false, Error: "nope", Stats: wirelay.Unlimited()},
		{ID: 20, OK: true, Result: json.RawMessage(`"ok"`), Stats: wirelay.Unlimited()},
	}

	data, err := EncodeBatchResponse(resps)
	if err != nil {
		t.Fatalf("EncodeBatchResponse() error = %v", err)
	}

	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	ids := map[uint32]bool{}
	for _, r := range msg.Responses {
		if ids[r.ID] {
			t.Errorf("duplicate id %d in decoded batch", r.ID)
		}
		ids[r.ID] = true
	}
	for _, r := range resps {
		if !ids[r.ID] {
			t.Errorf("id %d missing from decoded batch", r.ID)
		}
	}
	if len(ids) != len(resps) {
		t.Errorf("decoded %d ids, want %d", len(ids), len(resps))
	}
}

// TestDecodeErrors tests malformed input handling
func TestDecodeErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "unknown kind", data: []byte{0x99, 0x00}},
		{name: "truncated request", data: []byte{KindRequest, 0x00, 0x00}},
		{name: "truncated response", data: []byte{KindResponse, 0x00, 0x00, 0x00, 0x01}},
		{name: "truncated batch", data: []byte{KindBatchRequest, 0x00, 0x02, 0x00}},
		{name: "garbage compressed body", data: []byte{KindCompressed, 0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := Decode(tt.data); err == nil {
				t.Error("Decode() succeeded on malformed input")
			}
		})
	}
}

// TestDecodeMethodNameBoundary verifies the method length prefix is honored
func TestDecodeMethodNameBoundary(t *testing.T) {
	t.Parallel()

	req := wirelay.Request{ID: 5, Method: "exactlyTwelve", Args: json.RawMessage(`{}`)}
	data, err := EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest() error = %v", err)
	}

	// Corrupt the method length so it points past the end of the buffer.
	data[5] = 0xFF
	data[6] = 0xFF

	if _, err := Decode(data); err == nil {
		t.Error("Decode() succeeded with out-of-range method length")
	}
}
