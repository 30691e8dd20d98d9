package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/clock"
	"github.com/lalithlochan/tbx/internal/notify"
)

var (
	// ErrNotActive is returned when displaying before activation.
	ErrNotActive = errors.New("worker: not active")
	// ErrPermissionDenied is returned when notification permission is not granted.
	ErrPermissionDenied = errors.New("worker: notification permission denied")
	// ErrNotificationNotFound is returned by Click for an unknown id.
	ErrNotificationNotFound = errors.New("worker: notification not found")
)

// Permission is the notification permission granted to the app.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ActionConfirm is the notification action that confirms a dose.
const ActionConfirm = "confirm"

type lifecycle int

const (
	stateNew lifecycle = iota
	stateInstalling
	stateActive
)

func (l lifecycle) String() string {
	switch l {
	case stateInstalling:
		return "installing"
	case stateActive:
		return "activated"
	default:
		return "new"
	}
}

// Config configures a BackgroundWorker.
type Config struct {
	CacheName     string
	Precache      []string
	Permission    Permission
	MessageBuffer int
}

// DefaultConfig returns the worker settings of the demo app.
func DefaultConfig() Config {
	return Config{
		CacheName:     "tbx-mobile-v2",
		Precache:      []string{"/", "/index.html", "/manifest.json", "/logo192.png"},
		Permission:    PermissionGranted,
		MessageBuffer: 16,
	}
}

// Displayed is a notification currently shown by the worker.
type Displayed struct {
	ID           string              `json:"id"`
	Notification notify.Notification `json:"notification"`
	ShownAt      time.Time           `json:"shownAt"`
}

// BackgroundWorker is the installable background script of the app. It
// precaches static assets, answers fetches from its cache, displays
// notifications and relays confirm taps back to the scheduler.
type BackgroundWorker struct {
	cfg     Config
	assets  fs.FS
	caches  *CacheStorage
	clock   clock.Clock
	logger  *zap.Logger
	origin  *originServer
	msgs    chan notify.WorkerMessage
	activeC chan struct{}

	mu        sync.Mutex
	state     lifecycle
	scope     string
	displayed []Displayed
	pushed    map[string]struct{}
}

// New creates a worker serving assets. caches may be shared between worker
// versions so a newer version can clean up after an older one.
func New(cfg Config, assets fs.FS, caches *CacheStorage, clk clock.Clock, logger *zap.Logger) *BackgroundWorker {
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = 16
	}
	if cfg.Permission == "" {
		cfg.Permission = PermissionGranted
	}
	if caches == nil {
		caches = NewCacheStorage()
	}
	if clk == nil {
		clk = clock.Real()
	}

	return &BackgroundWorker{
		cfg:     cfg,
		assets:  assets,
		caches:  caches,
		clock:   clk,
		logger:  logger,
		origin:  newOriginServer(assets),
		msgs:    make(chan notify.WorkerMessage, cfg.MessageBuffer),
		activeC: make(chan struct{}),
		pushed:  make(map[string]struct{}),
	}
}

// Register installs and activates the worker for scope. Registering an
// active worker again is a no-op.
func (w *BackgroundWorker) Register(ctx context.Context, scope string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == stateActive {
		if scope != w.scope {
			w.logger.Info("worker scope updated", zap.String("from", w.scope), zap.String("to", scope))
			w.scope = scope
		}
		return nil
	}

	w.state = stateInstalling
	if err := w.installLocked(ctx); err != nil {
		w.state = stateNew
		return fmt.Errorf("install worker: %w", err)
	}
	w.activateLocked(scope)
	return nil
}

func (w *BackgroundWorker) installLocked(ctx context.Context) error {
	entries := make(map[string]cachedAsset, len(w.cfg.Precache))
	for _, p := range w.cfg.Precache {
		if err := ctx.Err(); err != nil {
			return err
		}
		asset, err := w.origin.load(p)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		entries[p] = asset
	}

	w.caches.put(w.cfg.CacheName, entries)
	w.logger.Info("worker installed",
		zap.String("cache", w.cfg.CacheName),
		zap.Int("assets", len(entries)),
	)
	return nil
}

func (w *BackgroundWorker) activateLocked(scope string) {
	for _, name := range w.caches.Names() {
		if name != w.cfg.CacheName {
			w.caches.delete(name)
			w.logger.Info("deleted stale cache", zap.String("cache", name))
		}
	}

	w.displayed = nil
	w.pushed = make(map[string]struct{})
	w.scope = scope
	w.state = stateActive
	close(w.activeC)

	w.logger.Info("worker activated, claiming clients", zap.String("scope", scope))
}

// Ready blocks until the worker is active or ctx is done.
func (w *BackgroundWorker) Ready(ctx context.Context) error {
	select {
	case <-w.activeC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages delivers confirm taps to the scheduler.
func (w *BackgroundWorker) Messages() <-chan notify.WorkerMessage {
	return w.msgs
}

// Show displays n. A displayed notification with the same tag is replaced.
func (w *BackgroundWorker) Show(ctx context.Context, n notify.Notification) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != stateActive {
		return ErrNotActive
	}
	if w.cfg.Permission != PermissionGranted {
		return ErrPermissionDenied
	}

	if n.Tag != "" {
		kept := w.displayed[:0]
		for _, d := range w.displayed {
			if d.Notification.Tag != n.Tag {
				kept = append(kept, d)
			}
		}
		w.displayed = kept
	}

	d := Displayed{ID: uuid.NewString(), Notification: n, ShownAt: w.clock.Now()}
	w.displayed = append(w.displayed, d)

	w.logger.Info("notification displayed",
		zap.String("id", d.ID),
		zap.String("tag", n.Tag),
		zap.String("title", n.Title),
	)
	return nil
}

// Push handles a push-style display request. Requests are deduplicated per
// notification type and medication until the worker is re-activated. It
// reports whether the notification was displayed.
func (w *BackgroundWorker) Push(ctx context.Context, n notify.Notification) (bool, error) {
	key := string(n.Data.Type) + "_" + n.Data.MedicationID

	w.mu.Lock()
	_, seen := w.pushed[key]
	w.mu.Unlock()
	if seen {
		w.logger.Debug("duplicate push ignored", zap.String("key", key))
		return false, nil
	}

	if err := w.Show(ctx, n); err != nil {
		return false, err
	}

	w.mu.Lock()
	w.pushed[key] = struct{}{}
	w.mu.Unlock()
	return true, nil
}

// CloseAll closes every displayed notification.
func (w *BackgroundWorker) CloseAll(ctx context.Context) error {
	w.mu.Lock()
	n := len(w.displayed)
	w.displayed = nil
	w.mu.Unlock()

	w.logger.Debug("closed displayed notifications", zap.Int("count", n))
	return nil
}

// Notifications returns the displayed notifications, oldest first.
func (w *BackgroundWorker) Notifications() []Displayed {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Displayed, len(w.displayed))
	copy(out, w.displayed)
	return out
}

// Click simulates the user tapping a displayed notification. It closes the
// notification, relays a confirm action to the scheduler and returns the
// page the app should navigate to.
func (w *BackgroundWorker) Click(ctx context.Context, id, action string) (string, error) {
	w.mu.Lock()
	idx := -1
	for i, d := range w.displayed {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		w.mu.Unlock()
		return "", ErrNotificationNotFound
	}
	d := w.displayed[idx]
	w.displayed = append(w.displayed[:idx], w.displayed[idx+1:]...)
	w.mu.Unlock()

	medID := d.Notification.Data.MedicationID
	if action == ActionConfirm {
		msg := notify.WorkerMessage{Type: notify.MessageNotificationConfirm, MedicationID: medID}
		select {
		case w.msgs <- msg:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		w.logger.Info("confirm action relayed", zap.String("medication_id", medID))
	}

	return "/medication/" + medID, nil
}

func assetName(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "index.html"
	}
	return p
}
