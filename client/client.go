package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/bridgehub/wsbridge/wire"
)

// State is the client's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Failed is terminal: the reconnection attempt ceiling was exceeded.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrClientFailed is returned once the reconnection attempt ceiling has
	// been exceeded.
	ErrClientFailed = errors.New("reconnection attempts exhausted")
	// ErrConnectionLost rejects a call whose request was transmitted but
	// whose connection dropped before the response arrived.
	ErrConnectionLost = errors.New("connection lost before response")
	// ErrClosed is returned from calls outstanding when Close is called.
	ErrClosed = errors.New("client closed")
)

const dialTimeout = 10 * time.Second

const writeTimeout = 10 * time.Second

type pendingCall struct {
	ch   chan callResult
	sent bool
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client maintains the logical connection. Construct with Dial; the
// connection loop starts immediately.
type Client struct {
	log        *zap.SugaredLogger
	url        string
	httpClient *http.Client

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	callTimeout time.Duration

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	queue   []*wire.Message
	pending map[string]*pendingCall
	attempt int

	// writeMu serializes all frame writes so the queued backlog is always
	// flushed ahead of newly issued messages after a reconnect.
	writeMu sync.Mutex

	lmu       sync.Mutex
	listeners map[string][]listenerEntry

	nextID    atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("bridge_client").Sugar()
	}
}

// WithBackoff sets the reconnect backoff base and cap.
func WithBackoff(base, max time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = base
		c.maxDelay = max
	}
}

// WithMaxAttempts sets the reconnection attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.maxAttempts = n
	}
}

// WithCallTimeout sets a default per-call timeout applied to Invoke when the
// caller's context has no deadline of its own. Zero means no timeout, in
// which case a call against a channel nobody answers waits until the
// connection drops or the caller's context is done.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.httpClient = h
	}
}

// Dial constructs a Client for the given WebSocket URL and starts connecting.
// It returns immediately; messages issued before the connection is up are
// queued and flushed once it is.
func Dial(url string, opts ...Option) (*Client, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Client{
		log:         logger.Named("bridge_client").Sugar(),
		url:         url,
		httpClient:  http.DefaultClient,
		baseDelay:   250 * time.Millisecond,
		maxDelay:    30 * time.Second,
		maxAttempts: 10,
		pending:     make(map[string]*pendingCall),
		listeners:   make(map[string][]listenerEntry),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.run()
	return c, nil
}

// RetryDelay returns the reconnect delay after the given attempt:
// min(base * 2^attempt, max).
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt >= 63 {
		return max
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the connection and stops reconnecting. Outstanding calls
// are rejected with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.queue = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "")
		}
	})
	return nil
}

// run is the connection loop: dial, serve, reconnect with backoff, give up at
// the ceiling.
func (c *Client) run() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		c.setState(Connecting)
		dialCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
			HTTPClient:      c.httpClient,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		cancel()
		if err != nil {
			c.log.Debugf("dial error: %s", err)
			if !c.waitRetry() {
				return
			}
			continue
		}

		c.onConnected(conn)
		c.readLoop(conn)
		c.onDisconnected()

		select {
		case <-c.closed:
			return
		default:
		}
		if !c.waitRetry() {
			return
		}
	}
}

// waitRetry sleeps out the backoff delay for the current attempt. It returns
// false once the ceiling is exceeded or the client is closed; the ceiling
// moves the client into the terminal Failed state.
func (c *Client) waitRetry() bool {
	c.mu.Lock()
	attempt := c.attempt
	c.attempt++
	c.mu.Unlock()

	if attempt >= c.maxAttempts {
		c.fail()
		return false
	}

	delay := RetryDelay(c.baseDelay, c.maxDelay, attempt)
	c.log.Debugf("reconnecting in %s (attempt %d of %d)", delay, attempt+1, c.maxAttempts)
	c.setState(Disconnected)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.closed:
		return false
	case <-timer.C:
		return true
	}
}

// fail is the end of the line: reject every pending call and drop whatever
// notifications are still queued.
func (c *Client) fail() {
	c.mu.Lock()
	c.state = Failed
	queue := c.queue
	c.queue = nil
	pend := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	dropped := 0
	for _, m := range queue {
		if len(m.ID) == 0 {
			dropped++
		}
	}
	c.log.Warnf("giving up after %d attempts: rejecting %d pending calls, dropping %d queued notifications", c.maxAttempts, len(pend), dropped)
	for _, pc := range pend {
		pc.ch <- callResult{err: ErrClientFailed}
	}
}

// onConnected flushes the queued backlog in FIFO order. writeMu is held for
// the whole flush, so sends that race the state change line up behind it.
func (c *Client) onConnected(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.state = Connected
	c.attempt = 0
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	c.log.Debugf("connected, flushing %d queued messages", len(queue))
	for i, m := range queue {
		if err := c.writeLocked(conn, m); err != nil {
			c.log.Debugf("flush failed: %s", err)
			c.mu.Lock()
			c.queue = append(queue[i:], c.queue...)
			c.mu.Unlock()
			return
		}
		c.markSent(m)
	}
}

// onDisconnected rejects calls whose requests made it onto the dead
// connection. Calls still sitting in the queue stay pending and ride the next
// reconnect.
func (c *Client) onDisconnected() {
	c.mu.Lock()
	c.conn = nil
	if c.state == Connected {
		c.state = Disconnected
	}
	var lost []*pendingCall
	for key, pc := range c.pending {
		if pc.sent {
			delete(c.pending, key)
			lost = append(lost, pc)
		}
	}
	c.mu.Unlock()

	for _, pc := range lost {
		pc.ch <- callResult{err: ErrConnectionLost}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.log.Debugf("read loop done: %s", err)
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.log.Debugf("discarding malformed frame: %s", err)
			continue
		}
		switch msg.Kind() {
		case wire.KindResponse:
			c.resolve(msg)
		case wire.KindNotification:
			c.fireListeners(msg.Method, msg.Params)
		default:
			c.log.Debugf("discarding unexpected %s frame", msg.Kind())
		}
	}
}

// resolve delivers a response to its pending call. A response with no pending
// call is discarded.
func (c *Client) resolve(msg *wire.Message) {
	key := string(msg.ID)
	c.mu.Lock()
	pc, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debugf("discarding response with no pending call, id %s", key)
		return
	}
	if msg.Error != nil {
		pc.ch <- callResult{err: msg.Error}
		return
	}
	pc.ch <- callResult{result: msg.Result}
}

// Invoke calls channel on the server and waits for its single response. The
// call is queued if the connection is down. Exactly one outcome is delivered:
// the handler's result, the handler's error, or a transport/lifecycle error.
func (c *Client) Invoke(ctx context.Context, channel string, args ...any) (any, error) {
	msg := wire.NewRequest(c.nextID.Add(1), channel, args)
	key := string(msg.ID)
	pc := &pendingCall{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.state == Failed {
		c.mu.Unlock()
		return nil, ErrClientFailed
	}
	c.pending[key] = pc
	c.mu.Unlock()

	if err := c.sendOrQueue(msg); err != nil {
		c.dropPending(key)
		return nil, err
	}

	if c.callTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
	}

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return nil, res.err
		}
		var v any
		if len(res.result) > 0 {
			if err := json.Unmarshal(res.result, &v); err != nil {
				return nil, fmt.Errorf("unmarshaling result: %w", err)
			}
		}
		return v, nil
	case <-ctx.Done():
		c.dropPending(key)
		return nil, ctx.Err()
	case <-c.closed:
		c.dropPending(key)
		return nil, ErrClosed
	}
}

// Notify sends a fire-and-forget notification on channel. It never produces
// an outcome for the caller beyond a queueing error.
func (c *Client) Notify(channel string, args ...any) error {
	return c.sendOrQueue(wire.NewNotification(channel, args))
}

func (c *Client) dropPending(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) sendOrQueue(msg *wire.Message) error {
	c.mu.Lock()
	if c.state == Failed {
		c.mu.Unlock()
		return ErrClientFailed
	}
	if c.state != Connected || c.conn == nil {
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.writeLocked(conn, msg); err != nil {
		// The read loop notices the dead conn and triggers a reconnect; keep
		// the message for the next flush.
		c.log.Debugf("send failed, queuing message: %s", err)
		c.mu.Lock()
		c.queue = append(c.queue, msg)
		c.mu.Unlock()
		return nil
	}
	c.markSent(msg)
	return nil
}

func (c *Client) writeLocked(conn *websocket.Conn, msg *wire.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, msg)
}

func (c *Client) markSent(msg *wire.Message) {
	if len(msg.ID) == 0 {
		return
	}
	c.mu.Lock()
	if pc, ok := c.pending[string(msg.ID)]; ok {
		pc.sent = true
	}
	c.mu.Unlock()
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// WaitForServer polls an HTTP health endpoint on the host until it answers
// 200, using the client's backoff settings. Useful before Dial when the
// hosting server exposes one.
func WaitForServer(ctx context.Context, log *zap.SugaredLogger, url string) error {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: log}

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req = req.WithContext(ctx)

	resp, err := retryClient.Do(req)
	if err != nil {
		return fmt.Errorf("waiting for server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}
