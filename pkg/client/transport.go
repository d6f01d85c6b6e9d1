package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"

	"github.com/cryptagon/huddle/pkg/logger"
)

var log = logger.GetLogger().WithName("client")

var (
	errNotConnected = errors.New("error no connection established")
	errClosed       = errors.New("transport closed")
)

// BackoffConfig shapes the reconnect schedule after an unexpected close.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff doubles from half a second up to half a minute with 20%
// jitter so a fleet of clients does not redial a restarted relay in phase.
var DefaultBackoff = BackoffConfig{
	Base:   500 * time.Millisecond,
	Max:    30 * time.Second,
	Jitter: 0.2,
}

func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	d := b.Base << uint(attempt)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d + time.Duration(rand.Float64()*b.Jitter*float64(d))
}

// Transport maintains the jsonrpc2-over-websocket control connection to the
// relay, redialing with backoff when it drops. An explicit Close is terminal
// and cancels any pending redial.
type Transport struct {
	mu      sync.Mutex
	url     string
	backoff BackoffConfig
	handler jsonrpc2.Handler

	conn   *jsonrpc2.Conn
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	onDisconnected func()
}

// NewTransport wires a transport for the given relay url. The handler
// receives every server-to-client notification, on whichever underlying
// connection is current.
func NewTransport(ctx context.Context, url string, backoff BackoffConfig, handler jsonrpc2.Handler) *Transport {
	tctx, cancel := context.WithCancel(ctx)
	return &Transport{
		url:     url,
		backoff: backoff,
		handler: handler,
		ctx:     tctx,
		cancel:  cancel,
	}
}

// OnDisconnected registers a callback invoked when the connection drops
// unexpectedly. Must be set before Run.
func (t *Transport) OnDisconnected(cb func()) {
	t.onDisconnected = cb
}

// Run dials and then keeps the connection alive until Close. It blocks, so
// callers run it on its own goroutine.
func (t *Transport) Run() {
	attempt := 0
	for {
		if t.ctx.Err() != nil {
			return
		}

		ws, _, err := websocket.DefaultDialer.DialContext(t.ctx, t.url, nil)
		if err != nil {
			delay := t.backoff.Delay(attempt)
			attempt++
			log.Info("dial failed, retrying", "url", t.url, "attempt", attempt, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-t.ctx.Done():
				return
			}
		}
		attempt = 0

		jc := jsonrpc2.NewConn(t.ctx, websocketjsonrpc2.NewObjectStream(ws), t.handler)
		t.mu.Lock()
		t.conn = jc
		t.mu.Unlock()

		log.Info("control connection established", "url", t.url)

		select {
		case <-jc.DisconnectNotify():
			t.mu.Lock()
			t.conn = nil
			closed := t.closed
			t.mu.Unlock()

			if closed {
				return
			}
			log.Info("control connection lost, reconnecting", "url", t.url)
			if t.onDisconnected != nil {
				t.onDisconnected()
			}
			// The reconnect itself is scheduled with backoff; an instant
			// redial would hammer a relay that is restarting.
			select {
			case <-time.After(t.backoff.Delay(0)):
			case <-t.ctx.Done():
				return
			}
		case <-t.ctx.Done():
			_ = jc.Close()
			return
		}
	}
}

// Call issues a request on the current connection and waits for its reply.
func (t *Transport) Call(ctx context.Context, method string, params, result interface{}) error {
	jc, err := t.current()
	if err != nil {
		return err
	}
	return jc.Call(ctx, method, params, result)
}

// Notify sends a fire-and-forget message on the current connection.
func (t *Transport) Notify(ctx context.Context, method string, params interface{}) error {
	jc, err := t.current()
	if err != nil {
		return err
	}
	return jc.Notify(ctx, method, params)
}

// Close tears the connection down for good; no reconnect follows.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	jc := t.conn
	t.mu.Unlock()

	t.cancel()
	if jc != nil {
		return jc.Close()
	}
	return nil
}

func (t *Transport) current() (*jsonrpc2.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if t.conn == nil {
		return nil, errNotConnected
	}
	return t.conn, nil
}
