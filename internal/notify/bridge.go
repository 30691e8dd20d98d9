package notify

import (
	"context"

	"go.uber.org/zap"
)

// initWorker registers the background worker and waits for it to become
// active. On failure the fallback presenter serves every display request
// until the next successful initialization.
func (s *Service) initWorker(ctx context.Context) {
	if s.worker == nil {
		s.setUseWorker(false)
		s.logger.Info("no background worker configured, using fallback presenter")
		return
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.WorkerReadyTimeout)
	defer cancel()

	if err := s.worker.Register(rctx, s.cfg.WorkerScope); err != nil {
		s.setUseWorker(false)
		s.logger.Warn("background worker registration failed, using fallback presenter", zap.Error(err))
		return
	}
	if err := s.worker.Ready(rctx); err != nil {
		s.setUseWorker(false)
		s.logger.Warn("background worker not ready, using fallback presenter", zap.Error(err))
		return
	}

	s.setUseWorker(true)
	s.pumpOnce.Do(func() {
		go s.pump(s.worker.Messages())
	})
	s.logger.Debug("background worker active", zap.String("scope", s.cfg.WorkerScope))
}

func (s *Service) setUseWorker(v bool) {
	s.mu.Lock()
	s.useWorker = v
	s.mu.Unlock()
}

func (s *Service) usingWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.useWorker
}

func (s *Service) presenterLocked() Presenter {
	if s.useWorker {
		return s.worker
	}
	return s.fallback
}

// pump forwards worker messages until the service closes.
func (s *Service) pump(msgs <-chan WorkerMessage) {
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			s.handleWorkerMessage(msg)
		}
	}
}

func (s *Service) handleWorkerMessage(msg WorkerMessage) {
	switch msg.Type {
	case MessageNotificationConfirm:
		s.HandleMedicationConfirm(msg.MedicationID)
	default:
		s.logger.Debug("ignoring worker message", zap.String("type", msg.Type))
	}
}
