package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/tbx/internal/catalog"
)

// Catalog serves medications and demo accounts stored in Postgres.
type Catalog struct {
	db     *DB
	logger *zap.Logger
}

// NewCatalog creates a catalog reader.
func NewCatalog(db *DB, logger *zap.Logger) *Catalog {
	return &Catalog{db: db, logger: logger}
}

// Medications returns the catalog in display order. Status fields are
// empty; the scheduler owns them.
func (c *Catalog) Medications(ctx context.Context) ([]catalog.Medication, error) {
	query := `
		SELECT id, patient_id, name, dosage, dose_time, frequency
		FROM medications
		ORDER BY position, id
	`

	rows, err := c.db.pool.Query(ctx, query)
	if err != nil {
		c.logger.Error("failed to query medications", zap.Error(err))
		return nil, fmt.Errorf("query medications: %w", err)
	}

	meds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Medication, error) {
		var m catalog.Medication
		err := row.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Time, &m.Frequency)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan medications: %w", err)
	}

	c.logger.Debug("medications loaded", zap.Int("count", len(meds)))
	return meds, nil
}

// Users returns the accounts stored in the users table.
func (c *Catalog) Users(ctx context.Context) ([]catalog.User, error) {
	query := `
		SELECT id, username, password, name, role, patients
		FROM users
		ORDER BY id
	`

	rows, err := c.db.pool.Query(ctx, query)
	if err != nil {
		c.logger.Error("failed to query users", zap.Error(err))
		return nil, fmt.Errorf("query users: %w", err)
	}

	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.User, error) {
		var (
			u    catalog.User
			role string
		)
		err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Name, &role, &u.Patients)
		u.Role = catalog.Role(role)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan users: %w", err)
	}
	return users, nil
}
