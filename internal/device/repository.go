package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Repository defines the interface for device snapshot persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// List retrieves all persisted device snapshots.
	// An empty store yields an empty slice, not an error.
	List(ctx context.Context) ([]Snapshot, error)

	// SaveAll overwrites the store with the given snapshots.
	SaveAll(ctx context.Context, snapshots []Snapshot) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the devices
// table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// List retrieves all persisted device snapshots ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Snapshot, error) {
	query := `
		SELECT id, subscribers, notification_title, notification_body,
			box_number, check_interval, last_emptied, history,
			created_at, updated_at
		FROM devices
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return snapshots, nil
}

// SaveAll overwrites the devices table with the given snapshots in one
// transaction, matching the registry's overwrite-the-snapshot semantics.
func (r *SQLiteRepository) SaveAll(ctx context.Context, snapshots []Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("clearing devices: %w", err)
	}

	insert := `
		INSERT INTO devices (id, subscribers, notification_title, notification_body,
			box_number, check_interval, last_emptied, history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range snapshots {
		subscribers, err := json.Marshal(emptyIfNil(s.Subscribers))
		if err != nil {
			return fmt.Errorf("marshaling subscribers for %s: %w", s.ID, err)
		}
		history, err := json.Marshal(emptyReadingsIfNil(s.History))
		if err != nil {
			return fmt.Errorf("marshaling history for %s: %w", s.ID, err)
		}

		var boxNumber any
		if s.BoxNumber != nil {
			boxNumber = *s.BoxNumber
		}
		var lastEmptied any
		if s.LastEmptied != nil {
			lastEmptied = s.LastEmptied.UTC().Format(time.RFC3339Nano)
		}

		_, err = stmt.ExecContext(ctx,
			s.ID, string(subscribers), s.NotificationTitle, s.NotificationBody,
			boxNumber, string(s.CheckInterval), lastEmptied, string(history),
			s.CreatedAt.UTC().Format(time.RFC3339Nano),
			s.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("inserting device %s: %w", s.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing devices: %w", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

// scanSnapshot reads one devices row into a Snapshot.
func scanSnapshot(row scanner) (Snapshot, error) {
	var (
		s               Snapshot
		subscribersJSON string
		historyJSON     string
		boxNumber       sql.NullInt64
		lastEmptied     sql.NullString
		createdAt       string
		updatedAt       string
		checkInterval   string
	)

	err := row.Scan(&s.ID, &subscribersJSON, &s.NotificationTitle, &s.NotificationBody,
		&boxNumber, &checkInterval, &lastEmptied, &historyJSON, &createdAt, &updatedAt)
	if err != nil {
		return Snapshot{}, fmt.Errorf("scanning device row: %w", err)
	}

	if err := json.Unmarshal([]byte(subscribersJSON), &s.Subscribers); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling subscribers for %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(historyJSON), &s.History); err != nil {
		return Snapshot{}, fmt.Errorf("unmarshaling history for %s: %w", s.ID, err)
	}

	s.CheckInterval = CheckInterval(checkInterval)

	if boxNumber.Valid {
		n := int(boxNumber.Int64)
		s.BoxNumber = &n
	}
	if lastEmptied.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastEmptied.String)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parsing last_emptied for %s: %w", s.ID, err)
		}
		s.LastEmptied = &t
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Snapshot{}, fmt.Errorf("parsing created_at for %s: %w", s.ID, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Snapshot{}, fmt.Errorf("parsing updated_at for %s: %w", s.ID, err)
	}

	return s, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyReadingsIfNil(r []Reading) []Reading {
	if r == nil {
		return []Reading{}
	}
	return r
}
