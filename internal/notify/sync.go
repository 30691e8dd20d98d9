package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/metrics"
)

func (s *Service) broadcast(ctx context.Context, snap State) {
	if s.broadcaster == nil {
		return
	}

	payload, err := json.Marshal(syncMessage{
		Type:              MessageStateUpdate,
		State:             snap,
		Timestamp:         snap.LastUpdated,
		SentNotifications: snap.SentNotifications,
		Origin:            s.origin,
	})
	if err != nil {
		s.logger.Error("failed to encode sync message", zap.Error(err))
		return
	}

	if err := s.broadcaster.Publish(ctx, payload); err != nil {
		metrics.RecordSyncMessage("publish_failed")
		s.logger.Warn("failed to broadcast state", zap.Error(err))
		return
	}
	metrics.RecordSyncMessage("published")
}

// handleSyncPayload adopts a state published by another instance when it is
// strictly newer than the local one. Adopted state is saved to this instance's
// own storage so its dedup set survives a restart, but it is not re-broadcast.
func (s *Service) handleSyncPayload(payload []byte) {
	var msg syncMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.RecordSyncMessage("malformed")
		s.logger.Debug("discarding malformed sync message", zap.Error(err))
		return
	}
	if msg.Type != MessageStateUpdate {
		metrics.RecordSyncMessage("ignored")
		return
	}
	if msg.Origin != "" && msg.Origin == s.origin {
		metrics.RecordSyncMessage("echo")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if msg.Timestamp <= s.state.LastUpdated {
		local := s.state.LastUpdated
		s.mu.Unlock()
		metrics.RecordSyncMessage("stale")
		s.logger.Debug("discarding stale sync message",
			zap.Int64("timestamp", msg.Timestamp),
			zap.Int64("local", local),
		)
		return
	}

	next := msg.State.Clone()
	next.LastUpdated = msg.Timestamp
	next.Version = s.state.Version + 1
	s.sent = keySet(msg.SentNotifications)
	next.SentNotifications = sortedKeys(s.sent)
	s.state = next
	snap := s.state.Clone()
	s.persistLocked(s.baseCtx, snap)
	s.mu.Unlock()

	metrics.RecordSyncMessage("adopted")
	metrics.SetUnread(snap.UnreadCount)
	s.logger.Debug("adopted state from another instance",
		zap.String("origin", msg.Origin),
		zap.Int64("timestamp", msg.Timestamp),
	)
	s.notifySubscribers(snap)
}
