// Package catalog holds the medication records and demo users that feed the
// reminder scheduler.
package catalog

// Status is the lifecycle state of one medication occurrence.
//
// State transitions:
//
//	empty -> pending:      a reminder fired for the medication
//	pending -> confirmed:  the user confirmed the dose
//	pending -> missed:     the missed sweep found it unconfirmed
type Status string

const (
	StatusEmpty     Status = "empty"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusMissed    Status = "missed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusEmpty, StatusPending, StatusConfirmed, StatusMissed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusMissed
}

// Medication is one prescribed dose. The catalog owns the descriptive fields;
// the scheduler owns Status, ConfirmationTime and Date once a reminder fired.
type Medication struct {
	ID               string `json:"id"`
	PatientID        string `json:"patientId"`
	Name             string `json:"name"`
	Dosage           string `json:"dosage"`
	Time             string `json:"time"`
	Frequency        string `json:"frequency"`
	Status           Status `json:"status"`
	ConfirmationTime string `json:"confirmationTime,omitempty"`
	Date             string `json:"date,omitempty"`
}

// Role is the kind of app user.
type Role string

const (
	RolePatient   Role = "patient"
	RoleCaregiver Role = "caregiver"
	RoleFamily    Role = "family"
)

// User is a demo account. Passwords are stored in plaintext.
type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Password string   `json:"-"`
	Name     string   `json:"name"`
	Role     Role     `json:"role"`
	Patients []string `json:"patients,omitempty"`
}

// CanView reports whether u may see records belonging to patientID.
func (u User) CanView(patientID string) bool {
	switch u.Role {
	case RolePatient:
		return u.ID == patientID
	case RoleCaregiver, RoleFamily:
		for _, p := range u.Patients {
			if p == patientID {
				return true
			}
		}
	}
	return false
}
