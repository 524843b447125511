package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cat4igp/cat4igp/internal/domain"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4 << 10
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; the bearer credential authenticates them.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans tunnel-change notifications out to the watch sessions of the
// affected nodes. It satisfies the control plane's Notifier.
type Hub struct {
	mu       sync.RWMutex
	sessions map[int64]map[*session]struct{}
	wg       sync.WaitGroup
	log      *slog.Logger
}

type session struct {
	nodeID           int64
	conn             *websocket.Conn
	writeMu          sync.Mutex
	notify           chan struct{}
	done             chan struct{}
	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

// NewHub returns an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[int64]map[*session]struct{}), log: logger}
}

// TunnelsChanged marks every session of the given nodes as having a
// pending change. It never blocks: pending signals coalesce per session.
func (h *Hub) TunnelsChanged(nodeIDs ...int64) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range nodeIDs {
		set := h.sessions[id]
		if len(set) == 0 {
			h.log.Debug("tunnel change for node without watch session", "node_id", id)
			continue
		}
		for sess := range set {
			sess.signal()
		}
	}
}

// Connected reports how many watch sessions nodeID has open.
func (h *Hub) Connected(nodeID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[nodeID])
}

func (h *Hub) add(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.sessions[sess.nodeID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[sess.nodeID] = set
	}
	set[sess] = struct{}{}
}

func (h *Hub) remove(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[sess.nodeID]
	delete(set, sess)
	if len(set) == 0 {
		delete(h.sessions, sess.nodeID)
	}
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, set := range h.sessions {
		for sess := range set {
			out = append(out, sess)
		}
	}
	return out
}

func (h *Hub) closeAll() {
	for _, sess := range h.snapshot() {
		_ = sess.conn.Close()
	}
}

func newSession(nodeID int64, conn *websocket.Conn) *session {
	sess := &session{
		nodeID: nodeID,
		conn:   conn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sess.touch(time.Now())
	return sess
}

func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		_ = s.conn.Close()
		return err
	}
	defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	err := s.conn.WriteJSON(v)
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, node domain.Node) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "node_id", node.ID, "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)
	sess := newSession(node.ID, conn)
	conn.SetPongHandler(func(string) error {
		sess.touch(time.Now())
		return nil
	})
	s.hub.add(sess)
	s.log.Info("watch connected", "node_id", node.ID)

	// The first event makes the agent sync whatever changed while it was away.
	sess.signal()

	s.hub.wg.Add(2)
	go func() {
		defer s.hub.wg.Done()
		s.writeLoop(sess)
	}()
	go func() {
		defer s.hub.wg.Done()
		s.readLoop(sess)
	}()
}

// readLoop only drains the connection so control frames are processed.
// Agents send nothing but keepalives.
func (s *Server) readLoop(sess *session) {
	defer func() {
		_ = sess.conn.Close()
		s.hub.remove(sess)
		close(sess.done)
		s.log.Info("watch disconnected", "node_id", sess.nodeID)
	}()
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("watch read error", "node_id", sess.nodeID, "err", err)
			}
			return
		}
		sess.touch(time.Now())
	}
}

func (s *Server) writeLoop(sess *session) {
	interval := s.cfg.WatchTimeout / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.done:
			return
		case <-sess.notify:
			evt := domain.Event{Kind: domain.EventTunnelsChanged, At: time.Now().UTC()}
			if err := sess.writeJSON(evt); err != nil {
				s.log.Debug("watch push failed", "node_id", sess.nodeID, "err", err)
				return
			}
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}
