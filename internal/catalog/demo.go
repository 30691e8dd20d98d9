package catalog

const demoPassword = "password123"

// DemoUsers returns the fixed demo accounts.
func DemoUsers() []User {
	return []User{
		{ID: "1", Username: "patient1", Password: demoPassword, Name: "John Doe", Role: RolePatient},
		{ID: "2", Username: "caregiver1", Password: demoPassword, Name: "Sarah Johnson", Role: RoleCaregiver, Patients: []string{"1", "3"}},
		{ID: "3", Username: "patient2", Password: demoPassword, Name: "Michael Smith", Role: RolePatient},
		{ID: "4", Username: "family1", Password: demoPassword, Name: "Emily Doe", Role: RoleFamily, Patients: []string{"1"}},
	}
}

// DemoMedications returns the fixed demo medication table.
func DemoMedications() []Medication {
	return []Medication{
		{ID: "1", PatientID: "1", Name: "Rifampicin", Dosage: "600mg", Time: "08:00", Frequency: "Daily"},
		{ID: "2", PatientID: "1", Name: "Isoniazid", Dosage: "300mg", Time: "08:00", Frequency: "Daily"},
		{ID: "3", PatientID: "1", Name: "Pyrazinamide", Dosage: "1600mg", Time: "12:00", Frequency: "Daily"},
		{ID: "4", PatientID: "1", Name: "Ethambutol", Dosage: "1100mg", Time: "12:00", Frequency: "Daily"},
		{ID: "5", PatientID: "1", Name: "Rifampicin", Dosage: "600mg", Time: "08:00", Frequency: "Daily"},
		{ID: "6", PatientID: "1", Name: "Isoniazid", Dosage: "300mg", Time: "08:00", Frequency: "Daily"},
		{ID: "7", PatientID: "1", Name: "Rifampicin", Dosage: "600mg", Time: "08:00", Frequency: "Daily"},
		{ID: "8", PatientID: "3", Name: "Rifampicin", Dosage: "450mg", Time: "09:00", Frequency: "Daily"},
		{ID: "9", PatientID: "3", Name: "Isoniazid", Dosage: "225mg", Time: "09:00", Frequency: "Daily"},
		{ID: "10", PatientID: "3", Name: "Pyrazinamide", Dosage: "1200mg", Time: "13:00", Frequency: "Daily"},
	}
}
