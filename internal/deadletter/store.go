// Package deadletter archives dead-lettered messages into PostgreSQL so they
// can be inspected after the dead-letter stream's retention has passed.
package deadletter

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one archived dead letter.
type Record struct {
	StreamSeq       uint64 // sequence in the dead-letter stream
	MessageID       string
	RecipientID     string
	SenderID        string
	Reason          string
	OriginalSubject string
	Payload         []byte // opaque; never decoded beyond the sender id
	DeadLetteredAt  time.Time
	ArchivedAt      time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: ping: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("deadletter: migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("deadletter: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("deadletter: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("deadletter: migrate up: %w", err)
	}
	return nil
}

// Store reads and writes the dead_letters table.
type Store struct {
	db *sql.DB
}

// NewStore returns a Store on db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert archives r. Re-archiving the same stream sequence is a no-op, so
// redelivered entries are safe.
func (s *Store) Insert(ctx context.Context, r Record) error {
	const query = `
		INSERT INTO dead_letters
			(stream_seq, message_id, recipient_id, sender_id, reason, original_subject, payload, dead_lettered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (stream_seq) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		int64(r.StreamSeq),
		r.MessageID,
		r.RecipientID,
		r.SenderID,
		r.Reason,
		r.OriginalSubject,
		r.Payload,
		r.DeadLetteredAt,
	)
	if err != nil {
		return fmt.Errorf("deadletter: insert seq %d: %w", r.StreamSeq, err)
	}
	return nil
}

const selectColumns = `
	SELECT stream_seq, message_id, recipient_id, sender_id, reason, original_subject,
	       payload, dead_lettered_at, archived_at
	FROM dead_letters`

// Recent returns the newest limit entries.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		ORDER BY dead_lettered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: recent: %w", err)
	}
	return scanRecords(rows)
}

// ForRecipient returns the newest limit entries addressed to recipientID.
func (s *Store) ForRecipient(ctx context.Context, recipientID string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE recipient_id = $1
		ORDER BY dead_lettered_at DESC
		LIMIT $2`, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("deadletter: for recipient: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var seq int64
		if err := rows.Scan(&seq, &r.MessageID, &r.RecipientID, &r.SenderID, &r.Reason,
			&r.OriginalSubject, &r.Payload, &r.DeadLetteredAt, &r.ArchivedAt); err != nil {
			return nil, fmt.Errorf("deadletter: scan: %w", err)
		}
		r.StreamSeq = uint64(seq)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: rows: %w", err)
	}
	return out, nil
}
