package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/sessionsync/internal/archive"
)

// ErrSessionNotFound is returned when a history lookup yields no row.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one row of session history.
type SessionRecord struct {
	ID          uuid.UUID
	Game        string
	Session     string
	Players     int
	ActivatedAt time.Time
	// EndedAt, EndReason and FinalClock are nil while the session is running.
	EndedAt    *time.Time
	EndReason  *string
	FinalClock *float64
}

// SessionRepository stores session history. It implements archive.Store.
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a SessionRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewSessionRepository(db *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{db: db}
}

// RecordStart inserts a history row. Recording the same id twice is a no-op.
func (r *SessionRepository) RecordStart(ctx context.Context, s archive.Start) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO session_history (id, game, session, players, activated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, s.Game, s.Session, s.Players, s.ActivatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session history: %w", err)
	}
	return nil
}

// RecordEnd completes the row for e.ID.
//
// Postcondition: Returns ErrSessionNotFound if no start was recorded for e.ID.
func (r *SessionRepository) RecordEnd(ctx context.Context, e archive.End) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE session_history
		 SET ended_at = $2, end_reason = $3, final_clock = $4
		 WHERE id = $1`,
		e.ID, e.EndedAt, e.Reason, e.Clock,
	)
	if err != nil {
		return fmt.Errorf("updating session history: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

const selectSession = `SELECT id, game, session, players, activated_at, ended_at, end_reason, final_clock
	FROM session_history`

func scanSession(row pgx.Row) (SessionRecord, error) {
	var rec SessionRecord
	err := row.Scan(&rec.ID, &rec.Game, &rec.Session, &rec.Players, &rec.ActivatedAt,
		&rec.EndedAt, &rec.EndReason, &rec.FinalClock)
	return rec, err
}

// Get returns the history row for id.
//
// Postcondition: Returns ErrSessionNotFound if there is none.
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (SessionRecord, error) {
	rec, err := scanSession(r.db.QueryRow(ctx, selectSession+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("querying session history: %w", err)
	}
	return rec, nil
}

// Recent returns up to limit rows for game, newest first.
func (r *SessionRepository) Recent(ctx context.Context, game string, limit int) ([]SessionRecord, error) {
	rows, err := r.db.Query(ctx,
		selectSession+` WHERE game = $1 ORDER BY activated_at DESC LIMIT $2`,
		game, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session history: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session history: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session history: %w", err)
	}
	return out, nil
}
