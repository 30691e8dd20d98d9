package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/notify"
)

const writeWait = 10 * time.Second

// StreamMessage is one frame of the state stream.
type StreamMessage struct {
	Type  string       `json:"type"`
	State notify.State `json:"state"`
}

// Stream handles GET /v1/stream. The client receives the current state and
// then every update. Updates the client is too slow to receive are
// coalesced into the newest one.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := newLatestState()
	unsubscribe := h.svc.Subscribe(updates.offer)
	defer unsubscribe()
	updates.offer(h.svc.State())

	// Reads only detect the client going away and answer control frames.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	h.logger.Debug("state stream opened", zap.String("remote", r.RemoteAddr))
	for {
		select {
		case <-closed:
			h.logger.Debug("state stream closed", zap.String("remote", r.RemoteAddr))
			return
		case <-updates.ready:
			st, ok := updates.take()
			if !ok {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(StreamMessage{Type: string(notify.MessageStateUpdate), State: st}); err != nil {
				h.logger.Debug("state stream write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// latestState holds the newest undelivered state. Snapshots older than one
// already seen are dropped.
type latestState struct {
	mu      sync.Mutex
	st      notify.State
	pending bool
	seen    bool
	last    int64
	ready   chan struct{}
}

func newLatestState() *latestState {
	return &latestState{ready: make(chan struct{}, 1)}
}

func (l *latestState) offer(st notify.State) {
	l.mu.Lock()
	if l.seen && st.LastUpdated <= l.last {
		l.mu.Unlock()
		return
	}
	l.st, l.pending, l.seen, l.last = st, true, true, st.LastUpdated
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
}

func (l *latestState) take() (notify.State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.pending {
		return notify.State{}, false
	}
	l.pending = false
	return l.st, true
}
