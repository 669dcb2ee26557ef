package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/bridgehub/wsbridge/wire"
)

// Session is one live client connection plus its generated id. The session
// table owns the mapping from id to connection; handlers only ever see the
// *Session handed to them during dispatch.
type Session struct {
	id   string
	log  *zap.SugaredLogger
	conn *websocket.Conn

	alive atomic.Bool

	closeConnOnce sync.Once
}

// ID returns the client identifier generated for this session. Ids are never
// reused across sessions.
func (s *Session) ID() string { return s.id }

func (s *Session) send(ctx context.Context, msg *wire.Message) error {
	return wsjson.Write(ctx, s.conn, msg)
}

func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeConnOnce.Do(func() {
		err := s.conn.Close(code, reason)
		if err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

type sessionTable struct {
	mu   sync.Mutex
	byID map[string]*Session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*Session)}
}

func (t *sessionTable) add(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[s.id] = s
}

func (t *sessionTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *sessionTable) get(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

func (t *sessionTable) list() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.byID))
	for _, s := range t.byID {
		out = append(out, s)
	}
	return out
}

func (t *sessionTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// runLivenessSweep pings every open session on a fixed interval. A session
// whose alive flag is still down from the previous sweep gets closed; closing
// the conn unblocks its read loop, which removes it from the table. A session
// silent for two full intervals is therefore always reclaimed.
func (b *Bridge) runLivenessSweep() {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.closed:
			return
		case <-ticker.C:
		}
		for _, sess := range b.sessions.list() {
			if !sess.alive.Load() {
				b.log.Debugf("session %s missed liveness probe, evicting", sess.id)
				sess.close(websocket.StatusGoingAway, "liveness timeout")
				continue
			}
			sess.alive.Store(false)
			go b.probe(sess)
		}
	}
}

func (b *Bridge) probe(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), b.pingInterval)
	defer cancel()
	if err := sess.conn.Ping(ctx); err != nil {
		sess.log.Debugf("liveness probe failed: %s", err)
		return
	}
	sess.alive.Store(true)
}
