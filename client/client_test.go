package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bridgehub/wsbridge/bridge"
	internalnet "github.com/bridgehub/wsbridge/internal/net"
)

var log *zap.Logger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l
}

func TestRetryDelay(t *testing.T) {
	base := 250 * time.Millisecond
	max := 30 * time.Second
	cases := []struct {
		attempt int
		exp     time.Duration
	}{
		{attempt: 0, exp: 250 * time.Millisecond},
		{attempt: 1, exp: 500 * time.Millisecond},
		{attempt: 3, exp: 2 * time.Second},
		{attempt: 6, exp: 16 * time.Second},
		{attempt: 7, exp: 30 * time.Second},
		{attempt: 10, exp: 30 * time.Second},
		{attempt: 70, exp: 30 * time.Second},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("attempt %d", c.attempt), func(t *testing.T) {
			assert.Equal(t, c.exp, RetryDelay(base, max, c.attempt))
		})
	}
}

func newTestBridge(t *testing.T) (*bridge.Bridge, string) {
	t.Helper()
	b, err := bridge.New(bridge.WithLogger(log))
	require.NoError(t, err)

	s := httptest.NewServer(b)
	// close the bridge first so in-flight handlers unblock before the HTTP
	// server waits on them
	t.Cleanup(func() {
		b.Close()
		s.Close()
	})
	return b, "ws" + strings.TrimPrefix(s.URL, "http")
}

func dialTestClient(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(log), WithBackoff(10*time.Millisecond, 100*time.Millisecond)}, opts...)
	c, err := Dial(url, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMessagesQueuedWhileDisconnectedFlushInOrder(t *testing.T) {
	port, err := internalnet.EphemeralTCPPort()
	require.NoError(t, err)
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)

	c := dialTestClient(t, url, WithMaxAttempts(100))

	// nothing is listening yet; these go on the queue
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Notify("seq", i))
	}
	assert.NotEqual(t, Connected, c.State())

	b, err := bridge.New(bridge.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	var mu sync.Mutex
	var got []any
	done := make(chan struct{})
	b.On("seq", func(ctx context.Context, sess *bridge.Session, params []any) {
		mu.Lock()
		got = append(got, params[0])
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	server := &http.Server{Handler: b}
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("queued notifications never arrived")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{float64(0), float64(1), float64(2)}, got)
}

func TestInvokeQueuedWhileDisconnected(t *testing.T) {
	port, err := internalnet.EphemeralTCPPort()
	require.NoError(t, err)
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)

	c := dialTestClient(t, url, WithMaxAttempts(100))

	type outcome struct {
		result any
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := c.Invoke(context.Background(), "echo", "queued")
		resCh <- outcome{result: result, err: err}
	}()

	time.Sleep(50 * time.Millisecond)

	b, err := bridge.New(bridge.WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	b.Handle("echo", func(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
		return params, nil
	})

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	server := &http.Server{Handler: b}
	go server.Serve(l)
	t.Cleanup(func() { server.Close() })

	select {
	case out := <-resCh:
		require.NoError(t, out.err)
		assert.Equal(t, []any{"queued"}, out.result)
	case <-time.After(10 * time.Second):
		t.Fatal("queued invoke never resolved")
	}
}

func TestFailedStateAfterAttemptCeiling(t *testing.T) {
	port, err := internalnet.EphemeralTCPPort()
	require.NoError(t, err)
	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)

	c := dialTestClient(t, url, WithBackoff(time.Millisecond, 5*time.Millisecond), WithMaxAttempts(3))

	type outcome struct {
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "anything")
		resCh <- outcome{err: err}
	}()

	select {
	case out := <-resCh:
		require.ErrorIs(t, out.err, ErrClientFailed)
	case <-time.After(10 * time.Second):
		t.Fatal("queued invoke was never rejected")
	}

	require.Eventually(t, func() bool {
		return c.State() == Failed
	}, 5*time.Second, 5*time.Millisecond)

	// once failed, new calls are rejected immediately
	_, err = c.Invoke(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrClientFailed)
	assert.ErrorIs(t, c.Notify("anything"), ErrClientFailed)
}

func TestPendingCallRejectedOnDisconnect(t *testing.T) {
	b, url := newTestBridge(t)

	entered := make(chan struct{})
	b.Handle("hang", func(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := dialTestClient(t, url)

	resCh := make(chan error, 1)
	go func() {
		_, err := c.Invoke(context.Background(), "hang")
		resCh <- err
	}()

	select {
	case <-entered:
	case <-time.After(10 * time.Second):
		t.Fatal("handler never entered")
	}

	// the request is on the wire; dropping every session must reject it
	require.NoError(t, b.Close())

	select {
	case err := <-resCh:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(10 * time.Second):
		t.Fatal("pending call was left hanging after disconnect")
	}
}

func TestCallTimeout(t *testing.T) {
	b, url := newTestBridge(t)
	b.Handle("hang", func(ctx context.Context, sess *bridge.Session, params []any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := dialTestClient(t, url, WithCallTimeout(100*time.Millisecond))

	start := time.Now()
	_, err := c.Invoke(context.Background(), "hang")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServerPushNotifications(t *testing.T) {
	b, url := newTestBridge(t)
	c := dialTestClient(t, url)
	require.Eventually(t, func() bool {
		return c.State() == Connected
	}, 5*time.Second, 10*time.Millisecond)

	onCh := make(chan any, 4)
	onceCh := make(chan any, 4)
	c.On("tick", func(params []any) { onCh <- params[0] })
	c.Once("tick", func(params []any) { onceCh <- params[0] })

	b.Broadcast(context.Background(), "tick", 1)
	b.Broadcast(context.Background(), "tick", 2)

	for i := 1; i <= 2; i++ {
		select {
		case v := <-onCh:
			assert.Equal(t, float64(i), v)
		case <-time.After(5 * time.Second):
			t.Fatalf("on-listener missed notification %d", i)
		}
	}

	select {
	case v := <-onceCh:
		assert.Equal(t, float64(1), v)
	case <-time.After(5 * time.Second):
		t.Fatal("once-listener never fired")
	}
	select {
	case v := <-onceCh:
		t.Fatalf("once-listener fired twice, second value %v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalListenerBookkeeping(t *testing.T) {
	c := &Client{
		log:       log.Sugar(),
		listeners: make(map[string][]listenerEntry),
	}

	var aCount, bCount int
	a := func(params []any) { aCount++ }
	fnB := func(params []any) { bCount++ }

	c.On("ev", a)
	c.On("ev", fnB)
	c.RemoveListener("ev", a)
	c.fireListeners("ev", nil)
	assert.Equal(t, 0, aCount)
	assert.Equal(t, 1, bCount)

	c.RemoveAllListeners()
	c.fireListeners("ev", nil)
	assert.Equal(t, 1, bCount)
}

func TestOnceListenerRemovedBeforeBodyRuns(t *testing.T) {
	c := &Client{
		log:       log.Sugar(),
		listeners: make(map[string][]listenerEntry),
	}

	count := 0
	var fn Listener
	fn = func(params []any) {
		count++
		// re-registering from inside the body must not make the original
		// registration fire again
		if count == 1 {
			c.fireListeners("ev", nil)
		}
	}
	c.Once("ev", fn)
	c.fireListeners("ev", nil)
	assert.Equal(t, 1, count)
}

func TestWaitForServer(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, WaitForServer(ctx, log.Sugar(), s.URL))
}
