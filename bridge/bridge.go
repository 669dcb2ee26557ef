package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/bridgehub/wsbridge/wire"
)

const readLimit = 1 << 20

const writeTimeout = 10 * time.Second

// Bridge routes frames between connected clients and the application's
// handlers. It is an explicit object rather than a process-wide singleton so
// a process can host several independent bridges and tests get clean
// teardown. Construct one with New and mount it on an HTTP path.
type Bridge struct {
	log *zap.SugaredLogger

	registry *registry
	sessions *sessionTable

	pingInterval   time.Duration
	onConnect      func(clientID string)
	onDisconnect   func(clientID string)
	onFrameFailure func(clientID string, err error)

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(b *Bridge)

func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		b.log = l.Named("bridge").Sugar()
	}
}

// WithPingInterval sets the liveness sweep interval.
func WithPingInterval(d time.Duration) Option {
	return func(b *Bridge) {
		b.pingInterval = d
	}
}

// WithConnectHandler registers a hook invoked with the client id of every
// session that completes the connection handshake.
func WithConnectHandler(f func(clientID string)) Option {
	return func(b *Bridge) {
		b.onConnect = f
	}
}

// WithDisconnectHandler registers a hook invoked with the client id of every
// session whose transport closes, deliberately or via liveness eviction.
func WithDisconnectHandler(f func(clientID string)) Option {
	return func(b *Bridge) {
		b.onDisconnect = f
	}
}

// WithFrameFailureHandler registers a hook invoked whenever an inbound frame
// cannot be dispatched (malformed payload or unrecognizable shape). The
// session stays open regardless.
func WithFrameFailureHandler(f func(clientID string, err error)) Option {
	return func(b *Bridge) {
		b.onFrameFailure = f
	}
}

// New constructs a Bridge and starts its liveness sweep. Call Close to stop
// the sweep and drop all sessions.
func New(opts ...Option) (*Bridge, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	b := &Bridge{
		log:          logger.Named("bridge").Sugar(),
		registry:     newRegistry(),
		sessions:     newSessionTable(),
		pingInterval: 30 * time.Second,
		closed:       make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	go b.runLivenessSweep()
	return b, nil
}

// Handle installs the invoke handler for channel, silently replacing any
// previous one. Only one invoke handler exists per channel at a time.
func (b *Bridge) Handle(channel string, h HandlerFunc) {
	b.registry.setHandler(channel, h, false)
}

// HandleOnce installs an invoke handler that is unregistered after its first
// invocation, successful or failed.
func (b *Bridge) HandleOnce(channel string, h HandlerFunc) {
	b.registry.setHandler(channel, h, true)
}

// RemoveHandler clears the invoke handler for channel.
func (b *Bridge) RemoveHandler(channel string) {
	b.registry.clearHandler(channel)
}

// On appends a listener to the channel's listener set.
func (b *Bridge) On(channel string, fn ListenerFunc) {
	b.registry.addListener(channel, fn, false)
}

// Once appends a listener that removes itself before its first firing.
func (b *Bridge) Once(channel string, fn ListenerFunc) {
	b.registry.addListener(channel, fn, true)
}

// RemoveListener removes the listener registered with the same function as
// fn from channel.
func (b *Bridge) RemoveListener(channel string, fn ListenerFunc) {
	b.registry.removeListener(channel, fn)
}

// RemoveAllListeners clears the listener sets of the named channels, or of
// every channel when called with no arguments.
func (b *Bridge) RemoveAllListeners(channels ...string) {
	b.registry.removeAllListeners(channels...)
}

// GetSession returns the session for clientID, if it is still open.
func (b *Bridge) GetSession(clientID string) (*Session, bool) {
	return b.sessions.get(clientID)
}

// SessionCount returns the number of open sessions.
func (b *Bridge) SessionCount() int {
	return b.sessions.count()
}

// Broadcast sends one notification to every open session.
func (b *Bridge) Broadcast(ctx context.Context, channel string, args ...any) {
	msg := wire.NewNotification(channel, args)
	for _, sess := range b.sessions.list() {
		if err := sess.send(ctx, msg); err != nil {
			sess.log.Debugf("broadcast on %q failed: %s", channel, err)
		}
	}
}

// SendTo sends a notification to exactly one session. Sending to an id with
// no open session is a no-op, observable only in logs.
func (b *Bridge) SendTo(ctx context.Context, clientID, channel string, args ...any) {
	sess, ok := b.sessions.get(clientID)
	if !ok {
		b.log.Debugf("send on %q to unknown session %s dropped", channel, clientID)
		return
	}
	if err := sess.send(ctx, wire.NewNotification(channel, args)); err != nil {
		sess.log.Debugf("send on %q failed: %s", channel, err)
	}
}

// Close stops the liveness sweep, cancels in-flight handlers, and closes
// every open session.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		for _, sess := range b.sessions.list() {
			sess.close(websocket.StatusGoingAway, "server shutting down")
		}
	})
	return nil
}

// ServeHTTP accepts a WebSocket connection, assigns it a client id, and
// serves it until the transport closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-b.closed:
		http.Error(w, "bridge closed", http.StatusServiceUnavailable)
		return
	default:
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		b.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)

	sess := &Session{
		id:   uuid.NewString(),
		conn: wsConn,
	}
	sess.log = b.log.Named("session").With("ClientID", sess.id)
	sess.alive.Store(true)

	b.sessions.add(sess)
	sess.log.Debug("session connected")
	if b.onConnect != nil {
		b.onConnect(sess.id)
	}

	b.serveSession(r.Context(), sess)
}

// serveSession reads frames until the connection dies. Each frame is
// dispatched to completion before the next is read, so a single session never
// has two handlers in flight; different sessions run independently.
func (b *Bridge) serveSession(ctx context.Context, sess *Session) {
	// Handlers get a context that dies with the bridge, so a call in flight
	// during shutdown unblocks instead of pinning the HTTP server.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	defer func() {
		b.sessions.remove(sess.id)
		sess.close(websocket.StatusNormalClosure, "")
		sess.log.Debug("session disconnected")
		if b.onDisconnect != nil {
			b.onDisconnect(sess.id)
		}
	}()

	for {
		_, data, err := sess.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				sess.log.Debug("got normal closure from client")
			} else {
				sess.log.Debugf("session read error: %s", err)
			}
			return
		}
		b.dispatch(ctx, sess, data)
	}
}

// dispatch routes one raw frame. Protocol and handler failures become error
// responses or log lines; they never close the session.
func (b *Bridge) dispatch(ctx context.Context, sess *Session, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		sess.log.Debugf("inbound frame failure: %s", err)
		if b.onFrameFailure != nil {
			b.onFrameFailure(sess.id, err)
		}
		b.reply(ctx, sess, wire.NewError(nil, wire.CodeParseError, err.Error()))
		return
	}

	switch msg.Kind() {
	case wire.KindRequest:
		b.dispatchRequest(ctx, sess, msg)
	case wire.KindNotification:
		b.dispatchNotification(ctx, sess, msg)
	case wire.KindResponse:
		// The server never issues requests, so responses have nothing to
		// correlate with.
		sess.log.Debugf("discarding unexpected response frame with id %s", msg.ID)
	default:
		sess.log.Debugf("inbound frame failure: frame is no known shape")
		if b.onFrameFailure != nil {
			b.onFrameFailure(sess.id, fmt.Errorf("frame is no known shape"))
		}
		b.reply(ctx, sess, wire.NewError(msg.ID, wire.CodeParseError, "frame is no known shape"))
	}
}

func (b *Bridge) dispatchRequest(ctx context.Context, sess *Session, msg *wire.Message) {
	h, ok := b.registry.lookupHandler(msg.Method)
	if !ok {
		b.reply(ctx, sess, wire.NewError(msg.ID, wire.CodeMethodNotFound, fmt.Sprintf("no handler registered for method %q", msg.Method)))
		return
	}

	result, err := b.invoke(ctx, sess, h, msg.Params)
	if ctx.Err() != nil {
		// the session is going away; a response could never be delivered
		sess.log.Debugf("dropping response for %q: %s", msg.Method, ctx.Err())
		return
	}
	if err != nil {
		b.reply(ctx, sess, wire.NewError(msg.ID, wire.CodeInternalError, err.Error()))
		return
	}
	resp, err := wire.NewResult(msg.ID, result)
	if err != nil {
		b.reply(ctx, sess, wire.NewError(msg.ID, wire.CodeInternalError, err.Error()))
		return
	}
	b.reply(ctx, sess, resp)
}

// invoke runs h, converting a panic into an error so a misbehaving handler
// costs its caller one error response instead of the whole session.
func (b *Bridge) invoke(ctx context.Context, sess *Session, h HandlerFunc, params []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, sess, params)
}

func (b *Bridge) dispatchNotification(ctx context.Context, sess *Session, msg *wire.Message) {
	for _, fn := range b.registry.snapshotListeners(msg.Method) {
		b.fire(ctx, sess, msg.Method, fn, msg.Params)
	}
}

// fire runs one listener, logging a panic so one faulty listener cannot block
// the others.
func (b *Bridge) fire(ctx context.Context, sess *Session, channel string, fn ListenerFunc, params []any) {
	defer func() {
		if r := recover(); r != nil {
			sess.log.Debugf("listener on %q panicked: %v", channel, r)
		}
	}()
	fn(ctx, sess, params)
}

func (b *Bridge) reply(ctx context.Context, sess *Session, msg *wire.Message) {
	sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := sess.send(sendCtx, msg); err != nil {
		sess.log.Debugf("error sending response: %s", err)
	}
}
