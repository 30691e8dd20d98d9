package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/notify"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyMethod    = notifyDest + ".Notify"
	closeMethod     = notifyDest + ".CloseNotification"
	actionSignal    = "ActionInvoked"
	notifyAppName   = "TBX"
	notifyExpiresMs = int32(-1)
)

// busCaller is the part of dbus.BusObject the presenter calls.
type busCaller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// DBusPresenter shows desktop notifications through the freedesktop
// notification service on the session bus.
type DBusPresenter struct {
	conn   *dbus.Conn
	obj    busCaller
	logger *zap.Logger

	mu   sync.Mutex
	ids  map[uint32]desktopEntry
	tags map[string]uint32
}

type desktopEntry struct {
	medicationID string
	tag          string
}

// NewDBusPresenter connects to the session bus.
func NewDBusPresenter(logger *zap.Logger) (*DBusPresenter, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	p := newDBusPresenter(conn.Object(notifyDest, notifyPath), logger)
	p.conn = conn
	return p, nil
}

func newDBusPresenter(obj busCaller, logger *zap.Logger) *DBusPresenter {
	return &DBusPresenter{
		obj:    obj,
		logger: logger,
		ids:    make(map[uint32]desktopEntry),
		tags:   make(map[string]uint32),
	}
}

// Close closes the bus connection.
func (p *DBusPresenter) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Show sends n to the notification daemon with a confirm action. A
// notification still open with the same tag is replaced in place.
func (p *DBusPresenter) Show(ctx context.Context, n notify.Notification) error {
	hints := map[string]dbus.Variant{
		"category": dbus.MakeVariant("reminder"),
	}
	if n.Data.Type == notify.KindMissed {
		hints["urgency"] = dbus.MakeVariant(byte(2))
	}

	var replaces uint32
	if n.Tag != "" {
		p.mu.Lock()
		replaces = p.tags[n.Tag]
		p.mu.Unlock()
	}

	call := p.obj.CallWithContext(ctx, notifyMethod, 0,
		notifyAppName,
		replaces,
		n.Icon,
		n.Title,
		n.Body,
		[]string{ActionConfirm, "Confirm", "dismiss", "Dismiss"},
		hints,
		notifyExpiresMs,
	)
	if call.Err != nil {
		return fmt.Errorf("dbus notify: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("dbus notify reply: %w", err)
	}

	p.mu.Lock()
	if replaces != 0 && replaces != id {
		delete(p.ids, replaces)
	}
	p.ids[id] = desktopEntry{medicationID: n.Data.MedicationID, tag: n.Tag}
	if n.Tag != "" {
		p.tags[n.Tag] = id
	}
	p.mu.Unlock()

	p.logger.Debug("desktop notification sent",
		zap.Uint32("dbus_id", id),
		zap.Uint32("replaces_id", replaces),
		zap.String("tag", n.Tag),
	)
	return nil
}

// CloseAll closes every notification this presenter opened.
func (p *DBusPresenter) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]uint32, 0, len(p.ids))
	for id := range p.ids {
		ids = append(ids, id)
	}
	p.ids = make(map[uint32]desktopEntry)
	p.tags = make(map[string]uint32)
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if call := p.obj.CallWithContext(ctx, closeMethod, 0, id); call.Err != nil && firstErr == nil {
			firstErr = fmt.Errorf("dbus close %d: %w", id, call.Err)
		}
	}
	return firstErr
}

// Listen relays confirm actions clicked on desktop notifications to fn until
// ctx is done.
func (p *DBusPresenter) Listen(ctx context.Context, fn func(notify.WorkerMessage)) error {
	if p.conn == nil {
		return fmt.Errorf("dbus presenter has no connection")
	}
	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyDest),
		dbus.WithMatchMember(actionSignal),
	); err != nil {
		return fmt.Errorf("dbus match signal: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-signals:
			if msg, ok := p.actionMessage(sig); ok {
				fn(msg)
			}
		}
	}
}

func (p *DBusPresenter) actionMessage(sig *dbus.Signal) (notify.WorkerMessage, bool) {
	if sig == nil || sig.Name != notifyDest+"."+actionSignal || len(sig.Body) != 2 {
		return notify.WorkerMessage{}, false
	}
	id, ok := sig.Body[0].(uint32)
	if !ok {
		return notify.WorkerMessage{}, false
	}
	action, ok := sig.Body[1].(string)
	if !ok || action != ActionConfirm {
		return notify.WorkerMessage{}, false
	}

	p.mu.Lock()
	entry, ok := p.ids[id]
	delete(p.ids, id)
	if ok && entry.tag != "" && p.tags[entry.tag] == id {
		delete(p.tags, entry.tag)
	}
	p.mu.Unlock()
	if !ok {
		return notify.WorkerMessage{}, false
	}
	return notify.WorkerMessage{Type: notify.MessageNotificationConfirm, MedicationID: entry.medicationID}, true
}
