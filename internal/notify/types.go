// Package notify is the medication reminder scheduler. A Service owns the
// notification state: it arms the timed reminder sequence, deduplicates
// notification sends, moves medications through pending, confirmed and
// missed, persists the state and keeps other instances in sync.
package notify

import (
	"context"
	"errors"
	"sort"

	"github.com/lalithlochan/tbx/internal/catalog"
	"github.com/lalithlochan/tbx/internal/storage"
)

const (
	// DefaultStorageKey is the key the state is persisted under.
	DefaultStorageKey = "notification-state"
	// ChannelName is the broadcast channel instances sync on.
	ChannelName = "notification-sync"

	MessageStateUpdate         = "state-update"
	MessageNotificationConfirm = "notification_confirm"
)

var (
	// ErrNotFound is returned by StateStorage.Load for a missing key.
	ErrNotFound = storage.ErrNotFound
	// ErrClosed is returned by operations on a closed Service.
	ErrClosed = errors.New("notify: service closed")
	// ErrUnknownSlot is returned for a reminder slot outside first/second/third.
	ErrUnknownSlot = errors.New("notify: unknown reminder slot")
)

// Slot is one of the three timed reminder positions.
type Slot string

const (
	SlotFirst  Slot = "first"
	SlotSecond Slot = "second"
	SlotThird  Slot = "third"
)

// Slots lists the reminder slots in firing order.
var Slots = []Slot{SlotFirst, SlotSecond, SlotThird}

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s == SlotFirst || s == SlotSecond || s == SlotThird
}

// Kind distinguishes reminder and missed-dose notifications.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindMissed   Kind = "missed"
)

// ReminderKey is the dedup key of a slot reminder.
func ReminderKey(slot Slot, medicationID string) string {
	return "reminder_" + string(slot) + "_" + medicationID
}

// MissedKey is the dedup key of a missed-dose alert.
func MissedKey(medicationID string) string {
	return "missed_" + medicationID
}

// NotificationData travels with a displayed notification and comes back
// when the user taps it.
type NotificationData struct {
	MedicationID   string `json:"medicationId"`
	PatientID      string `json:"patientId"`
	Type           Kind   `json:"type"`
	NotificationID string `json:"notificationId"`
}

// Notification is a display request.
type Notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Icon  string           `json:"icon,omitempty"`
	Badge string           `json:"badge,omitempty"`
	Tag   string           `json:"tag,omitempty"`
	Data  NotificationData `json:"data"`
}

// WorkerMessage is sent by the background worker to the scheduler.
type WorkerMessage struct {
	Type         string `json:"type"`
	MedicationID string `json:"medicationId"`
}

// State is a snapshot of the notification state. Values returned by the
// Service are copies; mutating them has no effect on the Service.
type State struct {
	PendingMedications   []catalog.Medication `json:"pendingMedications"`
	ConfirmedMedications []catalog.Medication `json:"confirmedMedications"`
	MissedMedications    []catalog.Medication `json:"missedMedications"`
	UnreadCount          int                  `json:"unreadCount"`
	LastUpdated          int64                `json:"lastUpdated"`
	SentNotifications    []string             `json:"sentNotifications"`
	Version              uint64               `json:"version"`
}

func emptyState() State {
	return State{
		PendingMedications:   []catalog.Medication{},
		ConfirmedMedications: []catalog.Medication{},
		MissedMedications:    []catalog.Medication{},
		SentNotifications:    []string{},
	}
}

// Clone returns a deep copy of s with non-nil slices.
func (s State) Clone() State {
	out := s
	out.PendingMedications = cloneMeds(s.PendingMedications)
	out.ConfirmedMedications = cloneMeds(s.ConfirmedMedications)
	out.MissedMedications = cloneMeds(s.MissedMedications)
	out.SentNotifications = append(make([]string, 0, len(s.SentNotifications)), s.SentNotifications...)
	return out
}

// StatusOf reports which list holds the medication, or StatusEmpty.
func (s State) StatusOf(medicationID string) catalog.Status {
	switch {
	case indexOf(s.PendingMedications, medicationID) >= 0:
		return catalog.StatusPending
	case indexOf(s.ConfirmedMedications, medicationID) >= 0:
		return catalog.StatusConfirmed
	case indexOf(s.MissedMedications, medicationID) >= 0:
		return catalog.StatusMissed
	default:
		return catalog.StatusEmpty
	}
}

// syncMessage is the payload exchanged on the broadcast channel.
type syncMessage struct {
	Type              string   `json:"type"`
	State             State    `json:"state"`
	Timestamp         int64    `json:"timestamp"`
	SentNotifications []string `json:"sentNotifications"`
	Origin            string   `json:"origin,omitempty"`
}

// Catalog supplies the medications reminders are chosen from.
type Catalog interface {
	Medications(ctx context.Context) ([]catalog.Medication, error)
}

// Presenter displays system notifications.
type Presenter interface {
	Show(ctx context.Context, n Notification) error
	CloseAll(ctx context.Context) error
}

// Worker is a background worker that can display notifications and relays
// user taps back as messages.
type Worker interface {
	Presenter
	Register(ctx context.Context, scope string) error
	Ready(ctx context.Context) error
	Messages() <-chan WorkerMessage
}

// StateStorage persists the serialized state.
type StateStorage interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// TabBroadcaster carries state messages between instances. Publishers do not
// receive their own messages.
type TabBroadcaster interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(fn func([]byte)) (func(), error)
}

func cloneMeds(in []catalog.Medication) []catalog.Medication {
	out := make([]catalog.Medication, len(in))
	copy(out, in)
	return out
}

func indexOf(meds []catalog.Medication, id string) int {
	for i, m := range meds {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func removeByID(meds []catalog.Medication, id string) []catalog.Medication {
	out := meds[:0]
	for _, m := range meds {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
