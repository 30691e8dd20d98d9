package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/catalog"
	"github.com/lalithlochan/tbx/internal/clock"
	"github.com/lalithlochan/tbx/internal/storage"
)

var testStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fakePresenter struct {
	mu     sync.Mutex
	shown  []Notification
	closed int
	err    error
}

func (p *fakePresenter) Show(ctx context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.shown = append(p.shown, n)
	return nil
}

func (p *fakePresenter) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePresenter) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePresenter) Shown() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Notification(nil), p.shown...)
}

type fakeWorker struct {
	fakePresenter
	registerErr error
	registered  int
	msgs        chan WorkerMessage
}

func newFakeWorker() *fakeWorker {
	return &fakeWorker{msgs: make(chan WorkerMessage, 4)}
}

func (w *fakeWorker) Register(ctx context.Context, scope string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registered++
	return w.registerErr
}

func (w *fakeWorker) Ready(ctx context.Context) error { return nil }

func (w *fakeWorker) Messages() <-chan WorkerMessage { return w.msgs }

type failingStorage struct {
	*storage.Memory
}

func (f *failingStorage) Save(ctx context.Context, key string, value []byte) error {
	return errors.New("quota exceeded")
}

type harness struct {
	svc      *Service
	clock    *clock.Fake
	store    *storage.Memory
	fallback *fakePresenter
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoStart = true
	return cfg
}

func openService(t *testing.T, deps Deps, cfg Config) *Service {
	t.Helper()

	svc, err := Open(context.Background(), deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		clock:    clock.NewFake(testStart),
		store:    storage.NewMemory(),
		fallback: &fakePresenter{},
	}
	h.svc = openService(t, Deps{
		Catalog:  catalog.Default(),
		Fallback: h.fallback,
		Storage:  h.store,
		Clock:    h.clock,
		Logger:   zap.NewNop(),
	}, cfg)
	return h
}

func ids(meds []catalog.Medication) []string {
	out := make([]string, 0, len(meds))
	for _, m := range meds {
		out = append(out, m.ID)
	}
	return out
}

// assertInvariants checks list exclusivity and the unread floor.
func assertInvariants(t *testing.T, st State) {
	t.Helper()

	seen := map[string]string{}
	lists := map[string][]catalog.Medication{
		"pending":   st.PendingMedications,
		"confirmed": st.ConfirmedMedications,
		"missed":    st.MissedMedications,
	}
	for name, meds := range lists {
		for _, m := range meds {
			if other, ok := seen[m.ID]; ok {
				t.Errorf("medication %s in both %s and %s", m.ID, other, name)
			}
			seen[m.ID] = name
		}
	}
	assert.GreaterOrEqual(t, st.UnreadCount, 0)
}

func medByID(t *testing.T, id string) catalog.Medication {
	t.Helper()
	meds, err := catalog.Default().Medications(context.Background())
	require.NoError(t, err)
	m, ok := catalog.FindByID(meds, id)
	require.True(t, ok, "medication %s", id)
	return m
}

func TestFirstReminder(t *testing.T) {
	h := newHarness(t, testConfig())

	assert.Equal(t, []string{"missed_sweep", "reminder_first", "reminder_second", "reminder_third"}, h.svc.ArmedTasks())

	h.clock.Advance(2 * time.Minute)

	st := h.svc.State()
	require.Len(t, st.PendingMedications, 1)
	pending := st.PendingMedications[0]
	assert.Equal(t, "3", pending.ID)
	assert.Equal(t, "Pyrazinamide", pending.Name)
	assert.Equal(t, catalog.StatusPending, pending.Status)
	assert.Equal(t, "2026-03-10", pending.Date)
	assert.Equal(t, 1, st.UnreadCount)
	assert.Equal(t, []string{"reminder_first_3"}, st.SentNotifications)

	shown := h.fallback.Shown()
	require.Len(t, shown, 1)
	assert.Equal(t, "TBX Medication Reminder", shown[0].Title)
	assert.Equal(t, "Time to take Pyrazinamide (1600mg)", shown[0].Body)
	assert.Equal(t, "reminder_first_3", shown[0].Tag)
	assert.Equal(t, "/logo192.png", shown[0].Icon)
	assert.Equal(t, "/logo192.png", shown[0].Badge)
	assert.Equal(t, NotificationData{
		MedicationID:   "3",
		PatientID:      "1",
		Type:           KindReminder,
		NotificationID: "reminder_first_3",
	}, shown[0].Data)
}

func TestConfirmPending(t *testing.T) {
	h := newHarness(t, testConfig())
	h.clock.Advance(2 * time.Minute)

	assert.True(t, h.svc.HandleMedicationConfirm("3"))

	st := h.svc.State()
	assert.Empty(t, st.PendingMedications)
	require.Len(t, st.ConfirmedMedications, 1)
	assert.Equal(t, "3", st.ConfirmedMedications[0].ID)
	assert.Equal(t, catalog.StatusConfirmed, st.ConfirmedMedications[0].Status)
	assert.Equal(t, "09:02", st.ConfirmedMedications[0].ConfirmationTime)
	assert.Equal(t, 0, st.UnreadCount)
}

func TestMissedSweep(t *testing.T) {
	h := newHarness(t, testConfig())

	h.clock.Advance(4 * time.Minute)
	st := h.svc.State()
	assert.Equal(t, []string{"3", "4", "1"}, ids(st.PendingMedications))
	assert.Equal(t, 3, st.UnreadCount)

	h.clock.Advance(time.Minute)
	st = h.svc.State()
	require.Len(t, st.MissedMedications, 1)
	assert.Equal(t, "3", st.MissedMedications[0].ID)
	assert.Equal(t, catalog.StatusMissed, st.MissedMedications[0].Status)
	assert.Equal(t, []string{"4", "1"}, ids(st.PendingMedications))
	assert.Equal(t, 4, st.UnreadCount)
	assertInvariants(t, st)

	shown := h.fallback.Shown()
	require.Len(t, shown, 4)
	assert.Equal(t, "TBX Missed Medication Alert", shown[3].Title)
	assert.Equal(t, "Missed dose: Pyrazinamide (1600mg)", shown[3].Body)
	assert.Equal(t, KindMissed, shown[3].Data.Type)
	assert.Equal(t, "missed_3", shown[3].Tag)
	assert.Empty(t, h.svc.ArmedTasks())
}

func TestMissedSweep_NothingPending(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)

	require.NoError(t, h.svc.SweepMissed(context.Background()))

	assert.Empty(t, h.fallback.Shown())
	assert.Zero(t, h.svc.State().Version)
}

func TestMissedSweep_SkipsAlreadyAlerted(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()

	require.NoError(t, h.svc.Remind(ctx, SlotFirst, medByID(t, "3")))
	require.NoError(t, h.svc.Remind(ctx, SlotSecond, medByID(t, "4")))

	require.NoError(t, h.svc.SweepMissed(ctx))
	require.NoError(t, h.svc.SweepMissed(ctx))
	require.NoError(t, h.svc.SweepMissed(ctx))

	st := h.svc.State()
	assert.Equal(t, []string{"3", "4"}, ids(st.MissedMedications))
	assert.Empty(t, st.PendingMedications)
	assert.Len(t, h.fallback.Shown(), 4)
}

func TestRemind_Idempotent(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	med := medByID(t, "4")

	require.NoError(t, h.svc.Remind(ctx, SlotSecond, med))
	require.NoError(t, h.svc.Remind(ctx, SlotSecond, med))

	st := h.svc.State()
	assert.Len(t, h.fallback.Shown(), 1)
	assert.Equal(t, []string{"4"}, ids(st.PendingMedications))
	assert.Equal(t, 1, st.UnreadCount)
}

func TestRemind_ConcurrentDuplicatesDisplayOnce(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	med := medByID(t, "1")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.svc.Remind(context.Background(), SlotThird, med)
		}()
	}
	wg.Wait()

	assert.Len(t, h.fallback.Shown(), 1)
	assert.Len(t, h.svc.State().PendingMedications, 1)
}

func TestRemind_OtherSlotReplacesPendingRow(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	med := medByID(t, "1")

	require.NoError(t, h.svc.Remind(ctx, SlotFirst, med))
	require.NoError(t, h.svc.Remind(ctx, SlotThird, med))

	st := h.svc.State()
	assert.Equal(t, []string{"1"}, ids(st.PendingMedications))
	assert.Equal(t, 2, st.UnreadCount)
	assert.Len(t, h.fallback.Shown(), 2)
}

func TestRemind_UnknownSlot(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)

	err := h.svc.Remind(context.Background(), Slot("fourth"), medByID(t, "1"))
	assert.ErrorIs(t, err, ErrUnknownSlot)
}

func TestRemind_SettledMedicationIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	med := medByID(t, "3")

	require.NoError(t, h.svc.Remind(ctx, SlotFirst, med))
	require.True(t, h.svc.HandleMedicationConfirm("3"))
	require.NoError(t, h.svc.Remind(ctx, SlotSecond, med))

	st := h.svc.State()
	assert.Empty(t, st.PendingMedications)
	assert.Equal(t, []string{"3"}, ids(st.ConfirmedMedications))
	assert.Len(t, h.fallback.Shown(), 1)
}

func TestRemind_DisplayFailureLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()
	med := medByID(t, "3")

	h.fallback.setErr(errors.New("permission denied"))
	err := h.svc.Remind(ctx, SlotFirst, med)
	require.Error(t, err)

	st := h.svc.State()
	assert.Empty(t, st.PendingMedications)
	assert.Empty(t, st.SentNotifications)
	assert.Zero(t, st.UnreadCount)

	h.fallback.setErr(nil)
	require.NoError(t, h.svc.Remind(ctx, SlotFirst, med))
	assert.Len(t, h.svc.State().PendingMedications, 1)
}

func TestDisplayFailureDoesNotBlockLaterTimers(t *testing.T) {
	h := newHarness(t, testConfig())

	h.fallback.setErr(errors.New("permission denied"))
	h.clock.Advance(2 * time.Minute)
	assert.Empty(t, h.svc.State().PendingMedications)

	h.fallback.setErr(nil)
	h.clock.Advance(time.Minute)

	st := h.svc.State()
	assert.Equal(t, []string{"4"}, ids(st.PendingMedications))
	assert.Equal(t, 1, st.UnreadCount)
}

func TestConfirm_NotPendingIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())

	assert.False(t, h.svc.HandleMedicationConfirm("2"))
	assert.False(t, h.svc.HandleMedicationConfirm("does-not-exist"))

	st := h.svc.State()
	assert.Empty(t, st.ConfirmedMedications)
	assert.Zero(t, st.Version)
}

func TestConfirm_AfterSweepWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.clock.Advance(5 * time.Minute)
	require.Equal(t, []string{"3"}, ids(h.svc.State().MissedMedications))

	assert.True(t, h.svc.HandleMedicationConfirm("3"))

	st := h.svc.State()
	assert.Empty(t, st.MissedMedications)
	assert.Contains(t, ids(st.ConfirmedMedications), "3")
	assert.Equal(t, 3, st.UnreadCount)
	assertInvariants(t, st)

	assert.False(t, h.svc.HandleMedicationConfirm("3"))
	assert.Equal(t, 3, h.svc.State().UnreadCount)
}

func TestConfirm_BeforeSweepWins(t *testing.T) {
	h := newHarness(t, testConfig())
	h.clock.Advance(2 * time.Minute)

	require.True(t, h.svc.HandleMedicationConfirm("3"))
	h.clock.Advance(3 * time.Minute)

	st := h.svc.State()
	assert.Equal(t, []string{"3"}, ids(st.ConfirmedMedications))
	assert.Equal(t, []string{"1"}, ids(st.PendingMedications))
	assert.Equal(t, []string{"4"}, ids(st.MissedMedications))
	assertInvariants(t, st)
}

func TestUnreadFloorAndExclusivity(t *testing.T) {
	h := newHarness(t, testConfig())
	h.svc.Subscribe(func(st State) { assertInvariants(t, st) })

	for _, id := range []string{"3", "3", "4", "1"} {
		h.svc.HandleMedicationConfirm(id)
	}
	h.clock.Advance(2 * time.Minute)
	h.svc.HandleMedicationConfirm("3")
	h.svc.HandleMedicationConfirm("3")
	h.clock.Advance(3 * time.Minute)
	h.svc.HandleMedicationConfirm("4")
	h.svc.HandleMedicationConfirm("1")
	h.svc.HandleMedicationConfirm("1")

	st := h.svc.State()
	assert.Equal(t, 1, st.UnreadCount)
	assert.Equal(t, []string{"3", "4", "1"}, ids(st.ConfirmedMedications))
	assertInvariants(t, st)
}

func TestLastUpdatedStrictlyIncreases(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()

	var stamps []int64
	h.svc.Subscribe(func(st State) { stamps = append(stamps, st.LastUpdated) })

	require.NoError(t, h.svc.Remind(ctx, SlotFirst, medByID(t, "3")))
	require.NoError(t, h.svc.Remind(ctx, SlotSecond, medByID(t, "4")))
	h.svc.HandleMedicationConfirm("3")

	require.Len(t, stamps, 3)
	assert.Equal(t, testStart.UnixMilli(), stamps[0])
	assert.Less(t, stamps[0], stamps[1])
	assert.Less(t, stamps[1], stamps[2])
}

func TestStart_Idempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	require.NoError(t, h.svc.StartBackgroundNotifications(ctx))
	require.NoError(t, h.svc.StartBackgroundNotifications(ctx))
	assert.Len(t, h.svc.ArmedTasks(), 4)

	h.clock.Advance(10 * time.Minute)
	assert.Len(t, h.fallback.Shown(), 4)
}

func TestStart_MissingMedicationIsNotArmed(t *testing.T) {
	cfg := testConfig()
	cfg.ReminderMedications = []string{"Pyrazinamide", "Bedaquiline", "Rifampicin"}
	h := newHarness(t, cfg)

	assert.Equal(t, []string{"missed_sweep", "reminder_first", "reminder_third"}, h.svc.ArmedTasks())
}

func TestReset(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.clock.Advance(5 * time.Minute)
	require.NotEmpty(t, h.svc.State().MissedMedications)

	var last State
	h.svc.Subscribe(func(st State) { last = st })

	require.NoError(t, h.svc.Reset(ctx))

	st := h.svc.State()
	assert.Empty(t, st.PendingMedications)
	assert.Empty(t, st.ConfirmedMedications)
	assert.Empty(t, st.MissedMedications)
	assert.Empty(t, st.SentNotifications)
	assert.Zero(t, st.UnreadCount)
	assert.Equal(t, st, last)
	assert.False(t, h.svc.Started())
	assert.Empty(t, h.svc.ArmedTasks())
	assert.Equal(t, 1, h.fallback.closed)

	_, err := h.store.Load(ctx, DefaultStorageKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, h.svc.StartBackgroundNotifications(ctx))
	assert.Len(t, h.svc.ArmedTasks(), 4)

	h.clock.Advance(2 * time.Minute)
	st = h.svc.State()
	assert.Equal(t, []string{"3"}, ids(st.PendingMedications))
	assert.Equal(t, 1, st.UnreadCount)
	assert.Len(t, h.fallback.Shown(), 5)
}

func TestReset_CancelsOutstandingTimers(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.clock.Advance(time.Minute)
	require.NoError(t, h.svc.Reset(ctx))
	h.clock.Advance(10 * time.Minute)

	assert.Empty(t, h.fallback.Shown())
	assert.Empty(t, h.svc.State().PendingMedications)
	assert.Zero(t, h.clock.Pending())
}

func TestPersistsEveryMutation(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	h.clock.Advance(2 * time.Minute)

	raw, err := h.store.Load(ctx, DefaultStorageKey)
	require.NoError(t, err)

	var persisted map[string]any
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.EqualValues(t, testStart.Add(2*time.Minute).UnixMilli(), persisted["lastUpdated"])
	assert.Equal(t, []any{"reminder_first_3"}, persisted["sentNotifications"])
	assert.EqualValues(t, 1, persisted["unreadCount"])
}

func TestStorageFailureKeepsMemoryAuthoritative(t *testing.T) {
	fallback := &fakePresenter{}
	fc := clock.NewFake(testStart)
	svc := openService(t, Deps{
		Catalog:  catalog.Default(),
		Fallback: fallback,
		Storage:  &failingStorage{Memory: storage.NewMemory()},
		Clock:    fc,
		Logger:   zap.NewNop(),
	}, testConfig())

	fc.Advance(2 * time.Minute)
	require.True(t, svc.HandleMedicationConfirm("3"))

	st := svc.State()
	assert.Equal(t, []string{"3"}, ids(st.ConfirmedMedications))
	assert.Len(t, fallback.Shown(), 1)
}

func TestRehydrate(t *testing.T) {
	persisted := State{
		PendingMedications: []catalog.Medication{
			{ID: "4", PatientID: "1", Name: "Ethambutol", Dosage: "1100mg", Status: catalog.StatusPending, Date: "2026-03-09"},
		},
		ConfirmedMedications: []catalog.Medication{
			{ID: "3", PatientID: "1", Name: "Pyrazinamide", Dosage: "1600mg", Status: catalog.StatusConfirmed, ConfirmationTime: "08:02", Date: "2026-03-09"},
		},
		MissedMedications: []catalog.Medication{},
		UnreadCount:       1,
		SentNotifications: []string{"reminder_first_3", "reminder_second_4"},
		Version:           7,
	}

	tests := []struct {
		name  string
		age   time.Duration
		adopt bool
	}{
		{"fresh", time.Hour, true},
		{"almost expired", 24*time.Hour - time.Minute, true},
		{"expired", 24 * time.Hour, false},
		{"stale", 48 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemory()
			st := persisted
			st.LastUpdated = testStart.Add(-tt.age).UnixMilli()
			raw, err := json.Marshal(st)
			require.NoError(t, err)
			require.NoError(t, store.Save(context.Background(), DefaultStorageKey, raw))

			cfg := testConfig()
			cfg.AutoStart = false
			svc := openService(t, Deps{
				Catalog:  catalog.Default(),
				Fallback: &fakePresenter{},
				Storage:  store,
				Clock:    clock.NewFake(testStart),
				Logger:   zap.NewNop(),
			}, cfg)

			got := svc.State()
			if tt.adopt {
				assert.Equal(t, st, got)
			} else {
				assert.Equal(t, emptyState(), got)
			}
		})
	}
}

func TestRehydrate_DedupSetSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	fc := clock.NewFake(testStart)
	first := &fakePresenter{}

	svc, err := Open(context.Background(), Deps{
		Catalog: catalog.Default(), Fallback: first, Storage: store, Clock: fc, Logger: zap.NewNop(),
	}, testConfig())
	require.NoError(t, err)
	fc.Advance(2 * time.Minute)
	require.NoError(t, svc.Close())

	second := &fakePresenter{}
	restarted := openService(t, Deps{
		Catalog: catalog.Default(), Fallback: second, Storage: store, Clock: fc, Logger: zap.NewNop(),
	}, testConfig())
	fc.Advance(2 * time.Minute)

	assert.Empty(t, second.Shown())
	assert.Equal(t, []string{"3"}, ids(restarted.State().PendingMedications))
	assert.Equal(t, 1, restarted.State().UnreadCount)
}

func TestRehydrate_CorruptStateIgnored(t *testing.T) {
	store := storage.NewMemory()
	require.NoError(t, store.Save(context.Background(), DefaultStorageKey, []byte("{not json")))

	cfg := testConfig()
	cfg.AutoStart = false
	svc := openService(t, Deps{
		Catalog: catalog.Default(), Fallback: &fakePresenter{}, Storage: store,
		Clock: clock.NewFake(testStart), Logger: zap.NewNop(),
	}, cfg)

	assert.Equal(t, emptyState(), svc.State())
}

func TestWorker_UsedWhenRegistered(t *testing.T) {
	fc := clock.NewFake(testStart)
	w := newFakeWorker()
	fallback := &fakePresenter{}
	svc := openService(t, Deps{
		Catalog: catalog.Default(), Worker: w, Fallback: fallback,
		Storage: storage.NewMemory(), Clock: fc, Logger: zap.NewNop(),
	}, testConfig())

	fc.Advance(2 * time.Minute)
	assert.Len(t, w.Shown(), 1)
	assert.Empty(t, fallback.Shown())

	w.msgs <- WorkerMessage{Type: "something_else", MedicationID: "3"}
	w.msgs <- WorkerMessage{Type: MessageNotificationConfirm, MedicationID: "3"}
	assert.Eventually(t, func() bool {
		return len(svc.State().ConfirmedMedications) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Reset(context.Background()))
	assert.Equal(t, 1, w.closed)
	assert.Equal(t, 2, w.registered)
}

func TestWorker_RegistrationFailureFallsBack(t *testing.T) {
	fc := clock.NewFake(testStart)
	w := newFakeWorker()
	w.registerErr = errors.New("worker script failed to install")
	fallback := &fakePresenter{}
	svc := openService(t, Deps{
		Catalog: catalog.Default(), Worker: w, Fallback: fallback,
		Storage: storage.NewMemory(), Clock: fc, Logger: zap.NewNop(),
	}, testConfig())

	fc.Advance(5 * time.Minute)

	assert.Empty(t, w.Shown())
	assert.Len(t, fallback.Shown(), 4)
	st := svc.State()
	assert.Len(t, st.PendingMedications, 2)
	assert.Len(t, st.MissedMedications, 1)
}

func TestClose(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.svc.Close())
	require.NoError(t, h.svc.Close())

	h.clock.Advance(10 * time.Minute)
	assert.Empty(t, h.fallback.Shown())
	assert.False(t, h.svc.HandleMedicationConfirm("3"))
	assert.ErrorIs(t, h.svc.Reset(context.Background()), ErrClosed)
	assert.ErrorIs(t, h.svc.StartBackgroundNotifications(context.Background()), ErrClosed)
}

func TestOpen_RequiresDeps(t *testing.T) {
	_, err := Open(context.Background(), Deps{}, DefaultConfig())
	assert.Error(t, err)

	bad := DefaultConfig()
	bad.ReminderOffsets = nil
	_, err = Open(context.Background(), Deps{
		Catalog: catalog.Default(), Fallback: &fakePresenter{}, Storage: storage.NewMemory(),
	}, bad)
	assert.Error(t, err)
}

// goroutineBroadcaster delivers one payload from its own goroutine as soon as
// a subscriber registers, the way the Redis broadcaster does.
type goroutineBroadcaster struct {
	payload   []byte
	delivered chan struct{}
}

func (b *goroutineBroadcaster) Publish(ctx context.Context, payload []byte) error { return nil }

func (b *goroutineBroadcaster) Subscribe(fn func([]byte)) (func(), error) {
	go func() {
		fn(b.payload)
		close(b.delivered)
	}()
	return func() {}, nil
}

func TestOpen_ConcurrentSyncDelivery(t *testing.T) {
	st := emptyState()
	st.PendingMedications = []catalog.Medication{medByID(t, "3")}
	st.UnreadCount = 1
	ts := testStart.UnixMilli() + 1000

	raw, err := json.Marshal(syncMessage{
		Type:              MessageStateUpdate,
		State:             st,
		Timestamp:         ts,
		SentNotifications: []string{"reminder_first_3"},
		Origin:            "other",
	})
	require.NoError(t, err)

	bc := &goroutineBroadcaster{payload: raw, delivered: make(chan struct{})}
	cfg := testConfig()
	cfg.AutoStart = false
	svc := openService(t, Deps{
		Catalog: catalog.Default(), Fallback: &fakePresenter{}, Storage: storage.NewMemory(),
		Broadcaster: bc, Clock: clock.NewFake(testStart), Logger: zap.NewNop(),
	}, cfg)

	select {
	case <-bc.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("sync payload was not delivered")
	}

	got := svc.State()
	assert.Equal(t, []string{"3"}, ids(got.PendingMedications))
	assert.Equal(t, ts, got.LastUpdated)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	cfg := testConfig()
	cfg.AutoStart = false
	h := newHarness(t, cfg)
	ctx := context.Background()

	calls := 0
	unsub := h.svc.Subscribe(func(State) { calls++ })

	require.NoError(t, h.svc.Remind(ctx, SlotFirst, medByID(t, "3")))
	unsub()
	unsub()
	h.svc.HandleMedicationConfirm("3")

	assert.Equal(t, 1, calls)
}

func TestState_ReturnsCopy(t *testing.T) {
	h := newHarness(t, testConfig())
	h.clock.Advance(2 * time.Minute)

	st := h.svc.State()
	st.PendingMedications[0].Status = catalog.StatusMissed
	st.SentNotifications[0] = "tampered"

	again := h.svc.State()
	assert.Equal(t, catalog.StatusPending, again.PendingMedications[0].Status)
	assert.Equal(t, "reminder_first_3", again.SentNotifications[0])
}
