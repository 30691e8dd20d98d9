package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/catalog"
	"github.com/lalithlochan/tbx/internal/clock"
	"github.com/lalithlochan/tbx/internal/metrics"
)

const sweepTask = "missed_sweep"

// Deps are the collaborators of a Service.
type Deps struct {
	Catalog Catalog
	// Worker is optional. When it is nil or fails to register, notifications
	// go to Fallback.
	Worker   Worker
	Fallback Presenter
	Storage  StateStorage
	// Broadcaster is optional. Without it the instance does not sync.
	Broadcaster TabBroadcaster
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Service is the notification scheduler and state store. Construct it once
// with Open and share the pointer.
type Service struct {
	cfg         Config
	catalog     Catalog
	worker      Worker
	fallback    Presenter
	storage     StateStorage
	broadcaster TabBroadcaster
	clock       clock.Clock
	logger      *zap.Logger
	origin      string

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	state     State
	sent      map[string]struct{}
	inflight  map[string]struct{}
	started   bool
	timers    map[string]clock.Timer
	gen       uint64
	epoch     uint64
	useWorker bool
	closed    bool

	pumpOnce       sync.Once
	unsubBroadcast func()

	subsMu  sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64
}

// Open builds the Service and initializes it: persisted state younger than
// the configured TTL is rehydrated, the broadcaster is subscribed, the
// background worker is registered and, with AutoStart, the reminder
// sequence is armed.
func Open(ctx context.Context, deps Deps, cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid notify config: %w", err)
	}
	if deps.Catalog == nil {
		return nil, errors.New("notify: catalog is required")
	}
	if deps.Fallback == nil {
		return nil, errors.New("notify: fallback presenter is required")
	}
	if deps.Storage == nil {
		return nil, errors.New("notify: state storage is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:         cfg,
		catalog:     deps.Catalog,
		worker:      deps.Worker,
		fallback:    deps.Fallback,
		storage:     deps.Storage,
		broadcaster: deps.Broadcaster,
		clock:       deps.Clock,
		logger:      deps.Logger,
		origin:      uuid.NewString(),
		baseCtx:     baseCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		state:       emptyState(),
		sent:        make(map[string]struct{}),
		inflight:    make(map[string]struct{}),
		timers:      make(map[string]clock.Timer),
		subs:        make(map[uint64]func(State)),
	}

	s.rehydrate(ctx)

	if s.broadcaster != nil {
		unsub, err := s.broadcaster.Subscribe(s.handleSyncPayload)
		if err != nil {
			s.logger.Warn("tab sync unavailable", zap.Error(err))
		} else {
			s.unsubBroadcast = unsub
		}
	}

	s.initWorker(ctx)

	if cfg.AutoStart {
		if err := s.StartBackgroundNotifications(ctx); err != nil {
			s.logger.Error("failed to start reminder sequence", zap.Error(err))
		}
	}

	snap := s.State()
	s.logger.Info("notification service ready",
		zap.String("origin", s.origin),
		zap.Bool("worker", s.usingWorker()),
		zap.Int("pending", len(snap.PendingMedications)),
	)

	return s, nil
}

// Origin identifies this instance in sync messages.
func (s *Service) Origin() string { return s.origin }

// State returns a copy of the current state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Started reports whether the reminder sequence is armed in this lifetime.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// ArmedTasks returns the names of timers that have not fired yet.
func (s *Service) ArmedTasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.timers))
	for name := range s.timers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers fn to be called with a fresh snapshot after every
// state change, local or adopted from another instance. Callbacks run
// synchronously on the goroutine that made the change, after the state
// lock is released.
func (s *Service) Subscribe(fn func(State)) func() {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

// StartBackgroundNotifications arms the reminder sequence. It is a no-op
// when the sequence was already started in this lifetime.
func (s *Service) StartBackgroundNotifications(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		s.logger.Info("background notifications already started")
		return nil
	}
	s.mu.Unlock()

	meds, err := s.catalog.Medications(ctx)
	if err != nil {
		return fmt.Errorf("load medications: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		s.logger.Info("background notifications already started")
		return nil
	}

	s.cancelTimersLocked()
	s.started = true

	for i, slot := range Slots {
		name := s.cfg.ReminderMedications[i]
		med, ok := catalog.FindByName(meds, name)
		if !ok {
			s.logger.Warn("reminder medication not in catalog",
				zap.String("slot", string(slot)),
				zap.String("medication", name),
			)
			continue
		}
		slot := slot
		s.armLocked(reminderTask(slot), s.cfg.ReminderOffsets[i], func(gen uint64) {
			_ = s.remind(s.baseCtx, slot, med, &gen)
		})
	}
	s.armLocked(sweepTask, s.cfg.MissedSweepOffset, func(gen uint64) {
		_ = s.sweep(s.baseCtx, &gen)
	})

	s.logger.Info("background notifications scheduled",
		zap.Int("tasks", len(s.timers)),
		zap.Durations("reminder_offsets", s.cfg.ReminderOffsets),
		zap.Duration("missed_sweep", s.cfg.MissedSweepOffset),
	)
	return nil
}

// Remind displays the reminder for med in slot and moves it to pending.
// A key that was already sent is skipped silently.
func (s *Service) Remind(ctx context.Context, slot Slot, med catalog.Medication) error {
	if !slot.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	return s.remind(ctx, slot, med, nil)
}

// SweepMissed marks the first pending medication without a missed alert as
// missed. It is a no-op when there is none.
func (s *Service) SweepMissed(ctx context.Context) error {
	return s.sweep(ctx, nil)
}

// HandleMedicationConfirm moves the medication to confirmed. A medication
// the sweep already marked missed is confirmed too. It returns false when
// the medication is neither pending nor missed.
func (s *Service) HandleMedicationConfirm(medicationID string) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	var med catalog.Medication
	if i := indexOf(s.state.PendingMedications, medicationID); i >= 0 {
		med = s.state.PendingMedications[i]
		s.state.PendingMedications = removeByID(s.state.PendingMedications, medicationID)
		s.state.MissedMedications = removeByID(s.state.MissedMedications, medicationID)
	} else if i := indexOf(s.state.MissedMedications, medicationID); i >= 0 {
		med = s.state.MissedMedications[i]
		s.state.MissedMedications = removeByID(s.state.MissedMedications, medicationID)
		s.logger.Info("late confirmation overrides missed status", zap.String("medication_id", medicationID))
	} else {
		s.mu.Unlock()
		s.logger.Debug("confirm ignored, medication not pending", zap.String("medication_id", medicationID))
		return false
	}

	med.Status = catalog.StatusConfirmed
	med.ConfirmationTime = s.clock.Now().Format("15:04")
	s.state.ConfirmedMedications = append(removeByID(s.state.ConfirmedMedications, medicationID), med)
	if s.state.UnreadCount > 0 {
		s.state.UnreadCount--
	}

	snap := s.commitLocked(s.baseCtx, true)
	s.mu.Unlock()

	metrics.RecordTransition(string(catalog.StatusConfirmed))
	s.logger.Info("medication confirmed",
		zap.String("medication_id", medicationID),
		zap.String("confirmation_time", med.ConfirmationTime),
	)
	s.fanOut(s.baseCtx, snap)
	return true
}

// Reset cancels every timer, clears the state, the dedup set and the
// persisted copy, closes displayed notifications and re-initializes the
// worker bridge. The sequence is not restarted.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	s.cancelTimersLocked()
	s.epoch++
	s.started = false
	s.sent = make(map[string]struct{})
	s.inflight = make(map[string]struct{})

	prev := s.state
	s.state = emptyState()
	s.state.LastUpdated = prev.LastUpdated
	s.state.Version = prev.Version
	snap := s.commitLocked(ctx, false)

	if err := s.storage.Delete(ctx, s.cfg.StorageKey); err != nil {
		metrics.RecordStorageError("delete")
		s.logger.Warn("failed to clear persisted state", zap.Error(err))
	}
	presenter := s.presenterLocked()
	s.mu.Unlock()

	if err := presenter.CloseAll(ctx); err != nil {
		s.logger.Warn("failed to close displayed notifications", zap.Error(err))
	}

	s.initWorker(ctx)

	s.logger.Info("notification state reset")
	s.fanOut(ctx, snap)
	return nil
}

// Close stops all timers and detaches from the broadcaster and worker.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelTimersLocked()
	s.mu.Unlock()

	if s.unsubBroadcast != nil {
		s.unsubBroadcast()
	}
	close(s.done)
	s.cancel()
	return nil
}

func (s *Service) remind(ctx context.Context, slot Slot, med catalog.Medication, gen *uint64) error {
	key := ReminderKey(slot, med.ID)
	log := s.logger.With(zap.String("key", key), zap.String("medication_id", med.ID))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != nil {
		if *gen != s.gen {
			s.mu.Unlock()
			return nil
		}
		delete(s.timers, reminderTask(slot))
	}
	if s.reservedLocked(key) {
		s.mu.Unlock()
		metrics.RecordNotificationDeduplicated(string(KindReminder))
		log.Debug("reminder already sent")
		return nil
	}
	if status := s.state.StatusOf(med.ID); status.IsTerminal() {
		s.mu.Unlock()
		log.Info("skipping reminder, medication already settled", zap.String("status", string(status)))
		return nil
	}
	s.inflight[key] = struct{}{}
	epoch := s.epoch
	presenter := s.presenterLocked()
	s.mu.Unlock()

	err := presenter.Show(ctx, s.notification(KindReminder, med, key))

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		log.Info("dropping reminder, state was reset while displaying")
		return nil
	}
	delete(s.inflight, key)
	if err != nil {
		s.mu.Unlock()
		metrics.RecordNotificationFailed(string(KindReminder))
		log.Warn("failed to display reminder", zap.Error(err))
		return fmt.Errorf("display reminder %s: %w", key, err)
	}

	s.sent[key] = struct{}{}
	moved := false
	if status := s.state.StatusOf(med.ID); !status.IsTerminal() {
		med.Status = catalog.StatusPending
		med.ConfirmationTime = ""
		med.Date = s.clock.Now().UTC().Format("2006-01-02")
		s.state.PendingMedications = append(removeByID(s.state.PendingMedications, med.ID), med)
		s.state.UnreadCount++
		moved = true
	}
	snap := s.commitLocked(ctx, true)
	s.mu.Unlock()

	metrics.RecordNotificationDisplayed(string(KindReminder))
	if moved {
		metrics.RecordTransition(string(catalog.StatusPending))
	}
	log.Info("reminder sent", zap.String("slot", string(slot)), zap.String("medication", med.Name))
	s.fanOut(ctx, snap)
	return nil
}

func (s *Service) sweep(ctx context.Context, gen *uint64) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if gen != nil {
		if *gen != s.gen {
			s.mu.Unlock()
			return nil
		}
		delete(s.timers, sweepTask)
	}

	var (
		med   catalog.Medication
		found bool
	)
	for _, m := range s.state.PendingMedications {
		if s.reservedLocked(MissedKey(m.ID)) {
			continue
		}
		if indexOf(s.state.ConfirmedMedications, m.ID) >= 0 {
			continue
		}
		med, found = m, true
		break
	}
	if !found {
		s.mu.Unlock()
		s.logger.Debug("missed sweep found nothing to mark")
		return nil
	}

	key := MissedKey(med.ID)
	log := s.logger.With(zap.String("key", key), zap.String("medication_id", med.ID))
	s.inflight[key] = struct{}{}
	epoch := s.epoch
	presenter := s.presenterLocked()
	s.mu.Unlock()

	err := presenter.Show(ctx, s.notification(KindMissed, med, key))

	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		log.Info("dropping missed alert, state was reset while displaying")
		return nil
	}
	delete(s.inflight, key)
	if err != nil {
		s.mu.Unlock()
		metrics.RecordNotificationFailed(string(KindMissed))
		log.Warn("failed to display missed alert", zap.Error(err))
		return fmt.Errorf("display missed alert %s: %w", key, err)
	}

	s.sent[key] = struct{}{}
	moved := false
	if i := indexOf(s.state.PendingMedications, med.ID); i >= 0 {
		m := s.state.PendingMedications[i]
		m.Status = catalog.StatusMissed
		s.state.PendingMedications = removeByID(s.state.PendingMedications, med.ID)
		s.state.MissedMedications = append(removeByID(s.state.MissedMedications, med.ID), m)
		s.state.UnreadCount++
		moved = true
	} else {
		log.Info("medication confirmed while missed alert was displayed")
	}
	snap := s.commitLocked(ctx, true)
	s.mu.Unlock()

	metrics.RecordNotificationDisplayed(string(KindMissed))
	if moved {
		metrics.RecordTransition(string(catalog.StatusMissed))
		log.Info("medication marked missed", zap.String("medication", med.Name))
	}
	s.fanOut(ctx, snap)
	return nil
}

func (s *Service) notification(kind Kind, med catalog.Medication, key string) Notification {
	title, body := "TBX Medication Reminder", fmt.Sprintf("Time to take %s (%s)", med.Name, med.Dosage)
	if kind == KindMissed {
		title, body = "TBX Missed Medication Alert", fmt.Sprintf("Missed dose: %s (%s)", med.Name, med.Dosage)
	}
	return Notification{
		Title: title,
		Body:  body,
		Icon:  s.cfg.Icon,
		Badge: s.cfg.Badge,
		Tag:   key,
		Data: NotificationData{
			MedicationID:   med.ID,
			PatientID:      med.PatientID,
			Type:           kind,
			NotificationID: key,
		},
	}
}

// commitLocked stamps the state with a strictly increasing timestamp and
// version, refreshes the dedup snapshot and optionally persists it. The
// caller must hold s.mu.
func (s *Service) commitLocked(ctx context.Context, persist bool) State {
	now := s.clock.Now().UnixMilli()
	if now <= s.state.LastUpdated {
		now = s.state.LastUpdated + 1
	}
	s.state.LastUpdated = now
	s.state.Version++
	s.state.SentNotifications = sortedKeys(s.sent)
	metrics.SetUnread(s.state.UnreadCount)

	snap := s.state.Clone()
	if persist {
		s.persistLocked(ctx, snap)
	}
	return snap
}

func (s *Service) persistLocked(ctx context.Context, snap State) {
	raw, err := json.Marshal(snap)
	if err != nil {
		metrics.RecordStorageError("encode")
		s.logger.Error("failed to encode state", zap.Error(err))
		return
	}
	if err := s.storage.Save(ctx, s.cfg.StorageKey, raw); err != nil {
		metrics.RecordStorageError("save")
		s.logger.Warn("failed to persist state", zap.Error(err))
	}
}

func (s *Service) rehydrate(ctx context.Context) {
	raw, err := s.storage.Load(ctx, s.cfg.StorageKey)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		metrics.RecordStorageError("load")
		s.logger.Warn("failed to load persisted state", zap.Error(err))
		return
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		metrics.RecordStorageError("decode")
		s.logger.Warn("discarding unreadable persisted state", zap.Error(err))
		return
	}

	age := s.clock.Now().Sub(time.UnixMilli(st.LastUpdated))
	if age >= s.cfg.StateTTL {
		s.logger.Info("persisted state expired", zap.Duration("age", age))
		return
	}

	s.state = st.Clone()
	s.sent = keySet(st.SentNotifications)
	s.logger.Info("rehydrated persisted state",
		zap.Int("pending", len(st.PendingMedications)),
		zap.Int("confirmed", len(st.ConfirmedMedications)),
		zap.Int("missed", len(st.MissedMedications)),
		zap.Int("sent", len(st.SentNotifications)),
	)
}

// fanOut notifies local subscribers and other instances of a new snapshot.
// It must be called without s.mu held.
func (s *Service) fanOut(ctx context.Context, snap State) {
	s.notifySubscribers(snap)
	s.broadcast(ctx, snap)
}

func (s *Service) notifySubscribers(snap State) {
	s.subsMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()

	for _, fn := range fns {
		fn(snap.Clone())
	}
}

func (s *Service) reservedLocked(key string) bool {
	if _, ok := s.sent[key]; ok {
		return true
	}
	_, ok := s.inflight[key]
	return ok
}

func (s *Service) armLocked(name string, d time.Duration, fire func(gen uint64)) {
	gen := s.gen
	s.timers[name] = s.clock.AfterFunc(d, func() { fire(gen) })
}

// cancelTimersLocked stops every armed timer and invalidates callbacks that
// already fired but have not taken the lock yet.
func (s *Service) cancelTimersLocked() {
	for name, t := range s.timers {
		t.Stop()
		delete(s.timers, name)
	}
	s.gen++
}

func reminderTask(slot Slot) string {
	return "reminder_" + string(slot)
}
