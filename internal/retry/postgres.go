package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/bus_relay/internal/bus"
)

const entryColumns = `kind, entity_id, event_type, attempt, generation, next_attempt_at,
	snapshot, COALESCE(last_error, ''), created_at, updated_at`

// PGStore keeps entries in busrelay.retry_entries.
type PGStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool, now: time.Now}
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e         Entry
		kind      string
		eventType string
	)
	err := row.Scan(&kind, &e.EntityID, &eventType, &e.Attempt, &e.Generation, &e.NextAttemptAt,
		&e.Snapshot, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	e.Kind = bus.Kind(kind)
	e.EventType = bus.EventType(eventType)
	return e, nil
}

func (s *PGStore) Upsert(ctx context.Context, u Upsert) (Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var prev *Entry
	row := tx.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM busrelay.retry_entries
		WHERE kind=$1 AND entity_id=$2
		FOR UPDATE`, string(u.Kind), u.EntityID)
	existing, err := scanEntry(row)
	switch {
	case err == nil:
		prev = &existing
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return Entry{}, fmt.Errorf("load retry entry: %w", err)
	}

	next := apply(prev, u, s.now())
	_, err = tx.Exec(ctx, `
		INSERT INTO busrelay.retry_entries
			(kind, entity_id, event_type, attempt, generation, next_attempt_at, snapshot, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10)
		ON CONFLICT (kind, entity_id) DO UPDATE SET
			event_type=EXCLUDED.event_type,
			attempt=EXCLUDED.attempt,
			generation=EXCLUDED.generation,
			next_attempt_at=EXCLUDED.next_attempt_at,
			snapshot=EXCLUDED.snapshot,
			last_error=EXCLUDED.last_error,
			updated_at=EXCLUDED.updated_at`,
		string(next.Kind), next.EntityID, string(next.EventType), next.Attempt, next.Generation,
		next.NextAttemptAt, next.Snapshot, next.LastError, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("write retry entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("commit retry entry: %w", err)
	}
	return next, nil
}

func (s *PGStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryColumns+`
		FROM busrelay.retry_entries WHERE kind=$1 AND entity_id=$2`, string(key.Kind), key.EntityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *PGStore) Delete(ctx context.Context, key Key, generation int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM busrelay.retry_entries
		WHERE kind=$1 AND entity_id=$2 AND ($3::bigint = 0 OR generation = $3::bigint)`,
		string(key.Kind), key.EntityID, generation)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PGStore) Claim(ctx context.Context, dueBefore, leaseUntil time.Time, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE busrelay.retry_entries SET next_attempt_at=$2, updated_at=now()
		WHERE (kind, entity_id) IN (
			SELECT kind, entity_id FROM busrelay.retry_entries
			WHERE next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+entryColumns, dueBefore, leaseUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due entries: %w", err)
	}
	return collectEntries(rows)
}

func (s *PGStore) List(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+`
		FROM busrelay.retry_entries
		ORDER BY next_attempt_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM busrelay.retry_entries`).Scan(&n)
	return n, err
}

func (s *PGStore) Bury(ctx context.Context, dl DeadLetter) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin bury: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	e := dl.Entry
	if _, err := tx.Exec(ctx, `
		INSERT INTO busrelay.dead_letters(id, kind, entity_id, event_type, attempt, reason, last_error, snapshot)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8)`,
		dl.ID, string(e.Kind), e.EntityID, string(e.EventType), e.Attempt, dl.Reason, e.LastError, e.Snapshot); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM busrelay.retry_entries WHERE kind=$1 AND entity_id=$2 AND generation=$3`,
		string(e.Kind), e.EntityID, e.Generation); err != nil {
		return fmt.Errorf("remove buried entry: %w", err)
	}
	return tx.Commit(ctx)
}
