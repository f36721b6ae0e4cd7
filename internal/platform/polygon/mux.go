package polygon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

const (
	// DefaultCallTimeout bounds a single call when the Mux is built with zero.
	DefaultCallTimeout = 30 * time.Second

	// subscriptionBuffer is the number of undelivered pushes kept per
	// subscription before new ones are dropped.
	subscriptionBuffer = 256
)

// Subscription receives the push payloads of one eth_subscribe handle. The
// channel is closed when the Mux stops serving.
type Subscription struct {
	id      string
	ch      chan []byte
	dropped atomic.Int64
}

// ID returns the node-assigned subscription handle.
func (s *Subscription) ID() string { return s.id }

// Notifications returns the push payloads in arrival order.
func (s *Subscription) Notifications() <-chan []byte { return s.ch }

// Dropped returns how many pushes were discarded because the consumer fell
// behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Mux correlates JSON-RPC calls and responses over a single connection and
// routes subscription pushes to their handles. One Mux serves one connection;
// a reconnect builds a new Mux, so no pending call survives a teardown.
type Mux struct {
	conn    Conn
	timeout time.Duration

	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]pendingCall
	subs    map[string]*Subscription
	closed  bool

	done chan struct{}
}

// NewMux wraps conn. Serve must be running for calls to complete.
func NewMux(conn Conn, callTimeout time.Duration) *Mux {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Mux{
		conn:    conn,
		timeout: callTimeout,
		pending: make(map[uint64]pendingCall),
		subs:    make(map[string]*Subscription),
		done:    make(chan struct{}),
	}
}

// Done is closed once the receive loop has exited.
func (m *Mux) Done() <-chan struct{} { return m.done }

// Pending returns the number of calls awaiting a response.
func (m *Mux) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// pendingCall is an in-flight request. sub is set for eth_subscribe so the
// receive loop can register the handle before any push for it is dispatched.
type pendingCall struct {
	ch  chan rpcFrame
	sub *Subscription
}

// Call sends method with params and decodes the result into out (which may be
// nil). An error payload from the node is returned as *RPCError and affects
// only this call.
func (m *Mux) Call(ctx context.Context, method string, params []any, out any) error {
	return m.call(ctx, method, params, out, nil)
}

func (m *Mux) call(ctx context.Context, method string, params []any, out any, sub *Subscription) error {
	if params == nil {
		params = []any{}
	}
	id := m.nextID.Add(1)
	ch := make(chan rpcFrame, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("polygon: call %s: %w", method, domain.ErrConnClosed)
	}
	m.pending[id] = pendingCall{ch: ch, sub: sub}
	m.mu.Unlock()

	payload, err := rpcJSON.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		m.forget(id)
		return fmt.Errorf("polygon: encode %s: %w", method, err)
	}

	m.writeMu.Lock()
	err = m.conn.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()
	if err != nil {
		m.forget(id)
		return fmt.Errorf("polygon: write %s: %w", method, errors.Join(domain.ErrConnClosed, err))
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case frame, ok := <-ch:
		if !ok {
			return fmt.Errorf("polygon: call %s: %w", method, domain.ErrConnClosed)
		}
		if frame.Error != nil {
			return fmt.Errorf("polygon: call %s: %w", method, frame.Error)
		}
		if out == nil {
			return nil
		}
		if err := rpcJSON.Unmarshal(frame.Result, out); err != nil {
			return fmt.Errorf("polygon: decode %s result: %w", method, err)
		}
		return nil
	case <-timer.C:
		m.forget(id)
		return fmt.Errorf("polygon: call %s: %w", method, domain.ErrRPCTimeout)
	case <-ctx.Done():
		m.forget(id)
		return fmt.Errorf("polygon: call %s: %w", method, ctx.Err())
	}
}

func (m *Mux) forget(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Serve is the single receive loop. It returns when the connection fails or
// ctx is cancelled; either way the connection is closed, every pending call
// fails with domain.ErrConnClosed and every subscription channel is closed.
func (m *Mux) Serve(ctx context.Context) error {
	defer m.shutdown()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			m.conn.Close()
		case <-stop:
		}
	}()

	for {
		_, msg, err := m.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("polygon: read: %w", errors.Join(domain.ErrConnClosed, err))
		}
		m.dispatch(msg)
	}
}

func (m *Mux) dispatch(msg []byte) {
	var frame rpcFrame
	if err := rpcJSON.Unmarshal(msg, &frame); err != nil {
		return
	}

	if frame.ID != nil {
		m.mu.Lock()
		call, ok := m.pending[*frame.ID]
		delete(m.pending, *frame.ID)
		if ok && call.sub != nil && frame.Error == nil {
			var handle string
			if err := rpcJSON.Unmarshal(frame.Result, &handle); err == nil && handle != "" {
				call.sub.id = handle
				m.subs[handle] = call.sub
			}
		}
		m.mu.Unlock()
		if ok {
			call.ch <- frame
		}
		return
	}

	if frame.Method != "eth_subscription" || frame.Params == nil {
		return
	}
	m.mu.Lock()
	sub, ok := m.subs[frame.Params.Subscription]
	if ok {
		select {
		case sub.ch <- []byte(frame.Params.Result):
		default:
			sub.dropped.Add(1)
		}
	}
	m.mu.Unlock()
}

func (m *Mux) shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, call := range m.pending {
		close(call.ch)
		delete(m.pending, id)
	}
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.conn.Close()
	close(m.done)
}

// Subscribe opens an eth_subscribe stream of the given kind, e.g. "newHeads".
// The handle is registered by the receive loop as the ack is dispatched, so a
// push that immediately follows the ack is delivered.
func (m *Mux) Subscribe(ctx context.Context, kind string, args ...any) (*Subscription, error) {
	params := append([]any{kind}, args...)
	sub := &Subscription{ch: make(chan []byte, subscriptionBuffer)}
	var id string
	if err := m.call(ctx, "eth_subscribe", params, &id, sub); err != nil {
		m.unsubscribe(sub)
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("polygon: subscribe %s: empty subscription id", kind)
	}
	return sub, nil
}

// unsubscribe drops a handle registered for a call the caller gave up on.
func (m *Mux) unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.id != "" && m.subs[sub.id] == sub {
		delete(m.subs, sub.id)
	}
}

// BlockNumber returns the current chain height.
func (m *Mux) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := m.Call(ctx, "eth_blockNumber", nil, &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// BlockByNumber returns the header of block n without transactions.
func (m *Mux) BlockByNumber(ctx context.Context, n uint64) (*Header, error) {
	var h *Header
	if err := m.Call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(n), false}, &h); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("polygon: block %d: %w", n, domain.ErrNotFound)
	}
	return h, nil
}

// GetLogs returns the logs matching q.
func (m *Mux) GetLogs(ctx context.Context, q FilterQuery) ([]Log, error) {
	var logs []Log
	if err := m.Call(ctx, "eth_getLogs", []any{q.toArg()}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// DecodeHeader parses a newHeads push payload.
func DecodeHeader(payload []byte) (*Header, error) {
	var h Header
	if err := rpcJSON.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("polygon: decode header: %w", err)
	}
	return &h, nil
}
