package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirelay/wirelay"
	"github.com/wirelay/wirelay/internal/protocol"
)

type callResult struct {
	result json.RawMessage
	stats  wirelay.Stats
	err    error
}

// pendingCall tracks one in-flight request. Resolution happens exactly once:
// by its response, by its own timeout, or by bulk rejection on reset.
type pendingCall struct {
	id     uint32
	method string
	args   json.RawMessage
	timer  *time.Timer

	once sync.Once
	done chan callResult
}

func (pc *pendingCall) resolve(res callResult) {
	pc.once.Do(func() {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- res
	})
}

// Call invokes a remote method, retrying retriable failures with backoff.
// Terminal failures are always a *wirelay.CallError.
func (m *Manager) Call(ctx context.Context, method string, args any) (json.RawMessage, wirelay.Stats, error) {
	var raw json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return nil, wirelay.Unlimited(), &wirelay.CallError{
				Kind:    wirelay.KindProtocol,
				Message: "failed to encode arguments",
				Err:     err,
			}
		}
		raw = encoded
	}

	usedChannel := false
	for attempt := 0; ; attempt++ {
		overChannel := m.chooseWebSocket()
		usedChannel = usedChannel || overChannel

		res := m.attempt(ctx, method, raw, overChannel)
		if res.err == nil {
			return res.result, res.stats, nil
		}

		ce, ok := res.err.(*wirelay.CallError)
		if !ok || !ce.Retriable() {
			return nil, res.stats, res.err
		}
		if ctx.Err() != nil {
			return nil, res.stats, &wirelay.CallError{Kind: wirelay.KindTransport, Message: "call cancelled", Err: ctx.Err()}
		}

		if attempt >= m.cfg.RetryBudget {
			if usedChannel {
				// The channel keeps failing: force HTTP for a cooldown
				// before the next channel attempt.
				m.mu.Lock()
				m.forcedHTTPUntil = time.Now().Add(m.cfg.HTTPFallbackCooldown)
				m.mu.Unlock()
				m.logger.Warn("channel retry budget exhausted, forcing http",
					zap.Duration("cooldown", m.cfg.HTTPFallbackCooldown))
			}
			return nil, res.stats, &wirelay.CallError{
				Kind:    wirelay.KindTransport,
				Message: wirelay.ErrRetriesExhausted,
				Err:     ce,
			}
		}

		if overChannel {
			// Retriable failures reset the channel before the resend: the
			// socket may be dead, and the next attempt must dial with a
			// fresh token.
			m.ForceReset("retriable call failure")
		}

		delay := backoffDelay(m.cfg.BackoffBase, m.cfg.BackoffCap, attempt)
		m.logger.Debug("retrying call",
			zap.String("method", method),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, res.stats, &wirelay.CallError{Kind: wirelay.KindTransport, Message: "call cancelled", Err: ctx.Err()}
		case <-m.done:
			return nil, res.stats, &wirelay.CallError{Kind: wirelay.KindTransport, Message: wirelay.ErrConnectionClosed}
		}
	}
}

// attempt runs one try of the call over the selected transport.
func (m *Manager) attempt(ctx context.Context, method string, args json.RawMessage, overChannel bool) callResult {
	if overChannel {
		if err := m.connect(ctx); err != nil {
			return callResult{stats: wirelay.Unlimited(), err: err}
		}
	}

	pc := m.register(method, args)
	m.enqueue(pc, overChannel)

	select {
	case res := <-pc.done:
		return res
	case <-ctx.Done():
		m.unregister(pc.id)
		pc.resolve(callResult{err: &wirelay.CallError{Kind: wirelay.KindTransport, Message: "call cancelled", Err: ctx.Err()}})
		return <-pc.done
	}
}

// register allocates an id and arms the per-call timeout. IDs start at 1;
// id 0 is reserved for batch-level errors.
func (m *Manager) register(method string, args json.RawMessage) *pendingCall {
	m.mu.Lock()
	m.nextID++
	if m.nextID == 0 {
		m.nextID = 1
	}
	pc := &pendingCall{
		id:     m.nextID,
		method: method,
		args:   args,
		done:   make(chan callResult, 1),
	}
	m.pending[pc.id] = pc
	m.mu.Unlock()

	pc.timer = time.AfterFunc(m.cfg.RequestTimeout, func() {
		m.unregister(pc.id)
		pc.resolve(callResult{err: &wirelay.CallError{
			Kind:    wirelay.KindTransport,
			Message: fmt.Sprintf("request %d timed out", pc.id),
		}})
	})
	return pc
}

func (m *Manager) unregister(id uint32) {
	m.mu.Lock()
	delete(m.pending, id)
	m.removeFromBatchesLocked(id)
	for i, queued := range m.queue {
		if queued.id == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
}

// enqueue queues the call for the next flush tick. A single call on an
// already-open channel is sent immediately; pending registration and timeout
// semantics are identical either way.
func (m *Manager) enqueue(pc *pendingCall, overChannel bool) {
	m.mu.Lock()
	if overChannel && m.cfg.EagerSingle && m.state == Open && len(m.queue) == 0 {
		ws := m.ws
		m.mu.Unlock()
		frame, err := protocol.EncodeRequest(wirelay.Request{ID: pc.id, Method: pc.method, Args: pc.args})
		if err == nil {
			frame, err = m.comp.Pack(frame)
		}
		if err == nil {
			err = m.writeFrame(ws, frame)
		}
		if err != nil {
			// Synchronous send failure fails this call only.
			m.unregister(pc.id)
			pc.resolve(callResult{err: &wirelay.CallError{
				Kind:    wirelay.KindTransport,
				Message: "send failed",
				Err:     err,
			}})
		}
		return
	}

	m.queue = append(m.queue, pc)
	if m.flush == nil {
		m.flush = time.AfterFunc(m.cfg.BatchDelay, m.flushQueue)
	}
	m.mu.Unlock()
}

// flushQueue drains the queue as one Batch on the scheduler tick.
func (m *Manager) flushQueue() {
	m.mu.Lock()
	m.flush = nil
	calls := m.queue
	m.queue = nil
	overChannel := m.state == Open && m.ws != nil
	ws := m.ws
	m.mu.Unlock()

	if len(calls) == 0 {
		return
	}

	reqs := make([]wirelay.Request, len(calls))
	for i, pc := range calls {
		reqs[i] = wirelay.Request{ID: pc.id, Method: pc.method, Args: pc.args}
	}

	if overChannel {
		m.sendBatchOverChannel(ws, calls, reqs)
		return
	}
	m.sendBatchOverHTTP(calls, reqs)
}

func (m *Manager) sendBatchOverChannel(ws *websocket.Conn, calls []*pendingCall, reqs []wirelay.Request) {
	// Only multi-call batches can draw a batch-level rejection; record their
	// membership so such a rejection fails exactly these calls.
	if len(reqs) > 1 {
		ids := make(map[uint32]struct{}, len(reqs))
		for _, req := range reqs {
			ids[req.ID] = struct{}{}
		}
		m.mu.Lock()
		m.sentBatches = append(m.sentBatches, ids)
		m.mu.Unlock()
	}

	var frame []byte
	var err error
	if len(reqs) == 1 {
		frame, err = protocol.EncodeRequest(reqs[0])
	} else {
		frame, err = protocol.EncodeBatchRequest(reqs)
	}
	if err == nil {
		frame, err = m.comp.Pack(frame)
	}
	if err == nil {
		err = m.writeFrame(ws, frame)
	}
	if err != nil {
		for _, pc := range calls {
			m.unregister(pc.id)
			pc.resolve(callResult{err: &wirelay.CallError{
				Kind:    wirelay.KindTransport,
				Message: "send failed",
				Err:     err,
			}})
		}
	}
}

func (m *Manager) writeFrame(ws *websocket.Conn, frame []byte) error {
	if ws == nil {
		return fmt.Errorf(wirelay.ErrConnectionClosed)
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.BinaryMessage, frame)
}

// sendBatchOverHTTP posts the batch to the discrete-call path and fans the
// responses back out.
func (m *Manager) sendBatchOverHTTP(calls []*pendingCall, reqs []wirelay.Request) {
	fail := func(err *wirelay.CallError) {
		for _, pc := range calls {
			m.unregister(pc.id)
			pc.resolve(callResult{err: err})
		}
	}

	var frame []byte
	var err error
	if len(reqs) == 1 {
		frame, err = protocol.EncodeRequest(reqs[0])
	} else {
		frame, err = protocol.EncodeBatchRequest(reqs)
	}
	if err == nil {
		frame, err = m.comp.Pack(frame)
	}
	if err != nil {
		fail(&wirelay.CallError{Kind: wirelay.KindProtocol, Message: "failed to encode request", Err: err})
		return
	}

	httpReq, err := http.NewRequest(http.MethodPost, m.cfg.BaseURL+"/rpc", bytes.NewReader(frame))
	if err != nil {
		fail(&wirelay.CallError{Kind: wirelay.KindTransport, Message: "build request", Err: err})
		return
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := m.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		fail(&wirelay.CallError{Kind: wirelay.KindTransport, Message: "http call failed", Err: err})
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		m.notePolicyStatus(resp.StatusCode)
		fail(&wirelay.CallError{
			Kind:    wirelay.KindPolicy,
			Message: fmt.Sprintf("server rejected call with status %d", resp.StatusCode),
		})
		return
	default:
		fail(&wirelay.CallError{
			Kind:    wirelay.KindTransport,
			Message: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		fail(&wirelay.CallError{Kind: wirelay.KindTransport, Message: "read response", Err: err})
		return
	}
	msg, err := protocol.Decode(body)
	if err != nil {
		fail(&wirelay.CallError{Kind: wirelay.KindProtocol, Message: wirelay.ErrInvalidMessageFormat, Err: err})
		return
	}

	switch msg.Kind {
	case protocol.KindResponse:
		if msg.Response.ID == 0 && !msg.Response.OK {
			fail(&wirelay.CallError{Kind: wirelay.KindProtocol, Message: msg.Response.Error, Stats: &msg.Response.Stats})
			return
		}
		m.deliver(msg.Response)
	case protocol.KindBatchResponse:
		if len(msg.Responses) == 1 && msg.Responses[0].ID == 0 && !msg.Responses[0].OK {
			fail(&wirelay.CallError{Kind: wirelay.KindPolicy, Message: msg.Responses[0].Error, Stats: &msg.Responses[0].Stats})
			return
		}
		for _, r := range msg.Responses {
			m.deliver(r)
		}
	default:
		fail(&wirelay.CallError{Kind: wirelay.KindProtocol, Message: wirelay.ErrInvalidMessageFormat})
	}
}

// deliver resolves the pending call matching the response id. Responses with
// no matching call are dropped; the call already timed out or was rejected.
func (m *Manager) deliver(resp wirelay.Response) {
	m.mu.Lock()
	pc, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
		m.removeFromBatchesLocked(resp.ID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if !resp.OK {
		kind := wirelay.KindApp
		switch resp.Error {
		case wirelay.ErrBlocked, wirelay.ErrRateLimited, wirelay.ErrBatchTooLarge:
			kind = wirelay.KindPolicy
		}
		pc.resolve(callResult{stats: resp.Stats, err: &wirelay.CallError{
			Kind:    kind,
			Message: resp.Error,
			Stats:   &resp.Stats,
		}})
		return
	}
	pc.resolve(callResult{result: resp.Result, stats: resp.Stats})
}

// failOldestBatch resolves the pending calls of the oldest outstanding batch
// with cause. Batch-level rejections carry no correlation id; the server
// rejects an oversized batch before running any of its handlers, so the
// oldest unanswered batch is the one being answered.
func (m *Manager) failOldestBatch(cause *wirelay.CallError) {
	m.mu.Lock()
	var calls []*pendingCall
	if len(m.sentBatches) > 0 {
		ids := m.sentBatches[0]
		m.sentBatches = m.sentBatches[1:]
		for id := range ids {
			if pc, ok := m.pending[id]; ok {
				delete(m.pending, id)
				calls = append(calls, pc)
			}
		}
	}
	m.mu.Unlock()

	for _, pc := range calls {
		pc.resolve(callResult{err: cause})
	}
}

// removeFromBatchesLocked drops a resolved id from the outstanding batch
// records, discarding a record once fully answered. Callers hold m.mu.
func (m *Manager) removeFromBatchesLocked(id uint32) {
	for i, batch := range m.sentBatches {
		if _, ok := batch[id]; ok {
			delete(batch, id)
			if len(batch) == 0 {
				m.sentBatches = append(m.sentBatches[:i], m.sentBatches[i+1:]...)
			}
			return
		}
	}
}
