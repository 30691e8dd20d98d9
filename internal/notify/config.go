package notify

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes the reminder sequence.
type Config struct {
	StorageKey string
	// StateTTL bounds the age of persisted state that is rehydrated.
	StateTTL time.Duration
	// ReminderOffsets are the delays of the first, second and third reminder.
	ReminderOffsets []time.Duration
	// MissedSweepOffset is the delay of the missed sweep.
	MissedSweepOffset time.Duration
	// ReminderMedications names the medication targeted by each slot. The
	// first catalog entry with the name is used.
	ReminderMedications []string
	AutoStart           bool
	WorkerScope         string
	WorkerReadyTimeout  time.Duration
	Icon                string
	Badge               string
}

// DefaultConfig returns the demo reminder script.
func DefaultConfig() Config {
	return Config{
		StorageKey:          DefaultStorageKey,
		StateTTL:            24 * time.Hour,
		ReminderOffsets:     []time.Duration{2 * time.Minute, 3 * time.Minute, 4 * time.Minute},
		MissedSweepOffset:   5 * time.Minute,
		ReminderMedications: []string{"Pyrazinamide", "Ethambutol", "Rifampicin"},
		AutoStart:           true,
		WorkerScope:         "/",
		WorkerReadyTimeout:  10 * time.Second,
		Icon:                "/logo192.png",
		Badge:               "/logo192.png",
	}
}

// Validate checks the reminder script is well formed.
func (c Config) Validate() error {
	if c.StorageKey == "" {
		return errors.New("storage key is required")
	}
	if c.StateTTL <= 0 {
		return errors.New("state TTL must be positive")
	}
	if len(c.ReminderOffsets) != len(Slots) {
		return fmt.Errorf("expected %d reminder offsets, got %d", len(Slots), len(c.ReminderOffsets))
	}
	if len(c.ReminderMedications) != len(Slots) {
		return fmt.Errorf("expected %d reminder medications, got %d", len(Slots), len(c.ReminderMedications))
	}

	var prev time.Duration
	for i, d := range c.ReminderOffsets {
		if d <= prev {
			return fmt.Errorf("reminder offset %d (%s) must be positive and after the previous one", i+1, d)
		}
		prev = d
	}
	if c.MissedSweepOffset <= prev {
		return fmt.Errorf("missed sweep offset %s must be after the last reminder", c.MissedSweepOffset)
	}
	if c.WorkerReadyTimeout <= 0 {
		return errors.New("worker ready timeout must be positive")
	}
	return nil
}
