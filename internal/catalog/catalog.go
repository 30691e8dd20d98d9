package catalog

import "context"

// Static is an immutable in-memory medication catalog. All accessors return
// copies so callers can never mutate the catalog's records.
type Static struct {
	meds []Medication
}

// NewStatic builds a catalog from meds. Entries are normalised to the empty
// status the scheduler expects.
func NewStatic(meds []Medication) *Static {
	cp := make([]Medication, len(meds))
	for i, m := range meds {
		m.Status = StatusEmpty
		m.ConfirmationTime = ""
		m.Date = ""
		cp[i] = m
	}
	return &Static{meds: cp}
}

// Default returns the demo catalog.
func Default() *Static {
	return NewStatic(DemoMedications())
}

// Medications returns every catalog entry.
func (s *Static) Medications(ctx context.Context) ([]Medication, error) {
	out := make([]Medication, len(s.meds))
	copy(out, s.meds)
	return out, nil
}

// FindByID returns the entry with the given id.
func FindByID(meds []Medication, id string) (Medication, bool) {
	for _, m := range meds {
		if m.ID == id {
			return m, true
		}
	}
	return Medication{}, false
}

// FindByName returns the first entry called name, mirroring how the demo
// script picks its reminder drugs.
func FindByName(meds []Medication, name string) (Medication, bool) {
	for _, m := range meds {
		if m.Name == name {
			return m, true
		}
	}
	return Medication{}, false
}

// VisibleTo filters meds down to the ones u may see.
func VisibleTo(meds []Medication, u User) []Medication {
	out := make([]Medication, 0, len(meds))
	for _, m := range meds {
		if u.CanView(m.PatientID) {
			out = append(out, m)
		}
	}
	return out
}
