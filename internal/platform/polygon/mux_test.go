package polygon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/tradeledger/internal/domain"
	"github.com/gorilla/websocket"
)

// pipeConn is an in-memory Conn. The test plays the node through in and out.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *pipeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return websocket.TextMessage, m, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *pipeConn) WriteMessage(_ int, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return errors.New("use of closed connection")
	}
}

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type sentRequest struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func readRequest(t *testing.T, c *pipeConn) sentRequest {
	t.Helper()
	select {
	case raw := <-c.out:
		var req sentRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("bad request %s: %v", raw, err)
		}
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("no request written")
	}
	return sentRequest{}
}

func startMux(t *testing.T, timeout time.Duration) (*Mux, *pipeConn, chan error) {
	t.Helper()
	conn := newPipeConn()
	m := NewMux(conn, timeout)
	served := make(chan error, 1)
	go func() { served <- m.Serve(context.Background()) }()
	t.Cleanup(func() { conn.Close() })
	return m, conn, served
}

func TestMuxOutOfOrderResponses(t *testing.T) {
	m, conn, _ := startMux(t, time.Second)

	type result struct {
		n   uint64
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		n, err := m.BlockNumber(context.Background())
		first <- result{n, err}
	}()
	reqA := readRequest(t, conn)
	go func() {
		n, err := m.BlockNumber(context.Background())
		second <- result{n, err}
	}()
	reqB := readRequest(t, conn)

	if reqA.ID == reqB.ID {
		t.Fatalf("ids must be distinct, both %d", reqA.ID)
	}

	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0x2"}`, reqB.ID))
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0x1"}`, reqA.ID))

	a, b := <-first, <-second
	if a.err != nil || b.err != nil {
		t.Fatalf("errors: %v, %v", a.err, b.err)
	}
	if a.n != 1 || b.n != 2 {
		t.Fatalf("responses misrouted: a=%d b=%d", a.n, b.n)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
}

func TestMuxErrorPayloadFailsOneCall(t *testing.T) {
	m, conn, _ := startMux(t, time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := m.GetLogs(context.Background(), FilterQuery{FromBlock: 1, ToBlock: 2})
		errs <- err
	}()
	req := readRequest(t, conn)
	if req.Method != "eth_getLogs" {
		t.Fatalf("method = %s", req.Method)
	}
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32005,"message":"too many results"}}`, req.ID))

	var rpcErr *RPCError
	if err := <-errs; !errors.As(err, &rpcErr) || rpcErr.Code != -32005 {
		t.Fatalf("err = %v, want RPCError -32005", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := m.BlockNumber(context.Background())
		done <- err
	}()
	req = readRequest(t, conn)
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0x10"}`, req.ID))
	if err := <-done; err != nil {
		t.Fatalf("connection should survive an error payload: %v", err)
	}
}

func TestMuxTimeout(t *testing.T) {
	m, conn, _ := startMux(t, 20*time.Millisecond)

	errs := make(chan error, 1)
	go func() {
		_, err := m.BlockNumber(context.Background())
		errs <- err
	}()
	req := readRequest(t, conn)

	if err := <-errs; !errors.Is(err, domain.ErrRPCTimeout) {
		t.Fatalf("err = %v, want ErrRPCTimeout", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}

	// A late response for the abandoned id is dropped.
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0x1"}`, req.ID))
}

func TestMuxTeardownFailsPending(t *testing.T) {
	m, conn, served := startMux(t, 5*time.Second)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := m.BlockNumber(context.Background())
			errs <- err
		}()
		readRequest(t, conn)
	}

	conn.Close()

	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, domain.ErrConnClosed) {
			t.Fatalf("err = %v, want ErrConnClosed", err)
		}
	}
	if err := <-served; !errors.Is(err, domain.ErrConnClosed) {
		t.Fatalf("serve err = %v, want ErrConnClosed", err)
	}
	if m.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", m.Pending())
	}
	if _, err := m.BlockNumber(context.Background()); !errors.Is(err, domain.ErrConnClosed) {
		t.Fatalf("call after teardown err = %v", err)
	}
}

func TestMuxSubscription(t *testing.T) {
	m, conn, _ := startMux(t, time.Second)

	subs := make(chan *Subscription, 1)
	go func() {
		sub, err := m.Subscribe(context.Background(), "newHeads")
		if err != nil {
			t.Error(err)
		}
		subs <- sub
	}()
	req := readRequest(t, conn)
	if req.Method != "eth_subscribe" || len(req.Params) != 1 || string(req.Params[0]) != `"newHeads"` {
		t.Fatalf("unexpected subscribe request %+v", req)
	}
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0xsub1"}`, req.ID))
	sub := <-subs
	if sub == nil || sub.ID() != "0xsub1" {
		t.Fatalf("sub = %+v", sub)
	}

	conn.in <- []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xother","result":{"number":"0x1"}}}`)
	conn.in <- []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x2a","timestamp":"0x64"}}}`)

	select {
	case payload := <-sub.Notifications():
		h, err := DecodeHeader(payload)
		if err != nil {
			t.Fatal(err)
		}
		if h.Number != 42 || h.Timestamp != 100 {
			t.Fatalf("header = %+v", h)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}

	conn.Close()
	select {
	case _, ok := <-sub.Notifications():
		if ok {
			t.Fatal("unexpected extra notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription channel not closed on teardown")
	}
}

func TestMuxSubscriptionPushRightAfterAck(t *testing.T) {
	for i := 0; i < 50; i++ {
		m, conn, _ := startMux(t, time.Second)

		subs := make(chan *Subscription, 1)
		go func() {
			sub, err := m.Subscribe(context.Background(), "newHeads")
			if err != nil {
				t.Error(err)
			}
			subs <- sub
		}()
		req := readRequest(t, conn)
		conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":"0xsub1"}`, req.ID))
		conn.in <- []byte(`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x1"}}}`)

		sub := <-subs
		if sub == nil {
			t.FailNow()
		}
		select {
		case payload := <-sub.Notifications():
			h, err := DecodeHeader(payload)
			if err != nil || h.Number != 1 {
				t.Fatalf("run %d: header = %+v, err = %v", i, h, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: push following the ack was dropped", i)
		}
		conn.Close()
	}
}

func TestMuxSubscribeErrorRegistersNothing(t *testing.T) {
	m, conn, _ := startMux(t, time.Second)

	errs := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(context.Background(), "logs")
		errs <- err
	}()
	req := readRequest(t, conn)
	conn.in <- []byte(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32601,"message":"not supported"}}`, req.ID))

	var rpcErr *RPCError
	if err := <-errs; !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	m.mu.Lock()
	n := len(m.subs)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("subs = %d, want 0", n)
	}
}

func TestDialAgainstWebsocketNode(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req sentRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"number":"0x5","timestamp":"0x65"}}`, req.ID)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(resp)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatal(err)
	}
	m := NewMux(conn, time.Second)
	go m.Serve(ctx)

	h, err := m.BlockByNumber(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if h.Timestamp != 101 {
		t.Fatalf("timestamp = %d, want 101", h.Timestamp)
	}
}
