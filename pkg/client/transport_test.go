package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"
)

type noopHandler struct{}

func (noopHandler) Handle(context.Context, *jsonrpc2.Conn, *jsonrpc2.Request) {}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0}

	// doubles per attempt
	require.Equal(t, 500*time.Millisecond, b.Delay(0))
	require.Equal(t, 1*time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 16*time.Second, b.Delay(5))

	// clamps at Max, no matter how far the attempt counter runs
	require.Equal(t, 30*time.Second, b.Delay(6))
	require.Equal(t, 30*time.Second, b.Delay(100))
}

func TestBackoffJitterBounds(t *testing.T) {
	b := BackoffConfig{Base: 1 * time.Second, Max: 30 * time.Second, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		d := b.Delay(0)
		require.GreaterOrEqual(t, d, 1*time.Second)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestBackoffOverflowClamped(t *testing.T) {
	b := BackoffConfig{Base: 1 * time.Hour, Max: 30 * time.Second, Jitter: 0}
	// shifted past Max (and past overflow territory) still yields Max
	require.Equal(t, 30*time.Second, b.Delay(60))
}

func TestTransportCallBeforeConnect(t *testing.T) {
	tr := NewTransport(context.Background(), "ws://127.0.0.1:1/ws", DefaultBackoff, nil)

	// no connection yet
	err := tr.Notify(context.Background(), "ping", nil)
	require.ErrorIs(t, err, errNotConnected)

	var out string
	err = tr.Call(context.Background(), "ping", nil, &out)
	require.ErrorIs(t, err, errNotConnected)
}

func TestTransportRedialAfterDropBacksOff(t *testing.T) {
	dials := make(chan time.Time, 8)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials <- time.Now()
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// drop the connection as soon as it is established
		c.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	tr := NewTransport(context.Background(), url, BackoffConfig{
		Base:   300 * time.Millisecond,
		Max:    time.Second,
		Jitter: 0,
	}, noopHandler{})
	go tr.Run()
	defer tr.Close()

	waitDial := func() time.Time {
		select {
		case ts := <-dials:
			return ts
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a dial")
			return time.Time{}
		}
	}

	first := waitDial()
	second := waitDial()
	// the first redial after an unexpected drop waits out the base delay
	// instead of reconnecting instantly
	require.GreaterOrEqual(t, second.Sub(first), 250*time.Millisecond)
}

func TestTransportCloseStopsRun(t *testing.T) {
	// nothing listens on this port, so Run sits in its redial loop
	tr := NewTransport(context.Background(), "ws://127.0.0.1:1/ws", BackoffConfig{
		Base:   10 * time.Millisecond,
		Max:    50 * time.Millisecond,
		Jitter: 0,
	}, nil)

	done := make(chan struct{})
	go func() {
		tr.Run()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	// closed is terminal
	require.ErrorIs(t, tr.Notify(context.Background(), "ping", nil), errClosed)
}
