package retrystate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by Postgres.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	createTableSQL = `
		CREATE TABLE IF NOT EXISTS taskhawk_retry_state (
			queue      TEXT        NOT NULL,
			message_id TEXT        NOT NULL,
			count      INTEGER     NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (queue, message_id)
		)`

	incrementSQL = `
		INSERT INTO taskhawk_retry_state (queue, message_id, count, expires_at)
		VALUES ($1, $2, 1, now() + make_interval(secs => $3))
		ON CONFLICT (queue, message_id) DO UPDATE
		SET count = CASE
				WHEN taskhawk_retry_state.expires_at < now() THEN 1
				ELSE taskhawk_retry_state.count + 1
			END,
			expires_at = EXCLUDED.expires_at
		RETURNING count`

	deleteSQL = `DELETE FROM taskhawk_retry_state WHERE queue=$1 AND message_id=$2`

	purgeSQL = `DELETE FROM taskhawk_retry_state WHERE expires_at < now()`
)

// Postgres is a Store backed by a table, for deployments that already run
// Postgres but not Redis. Expired rows are reset on the next increment and
// removed by Purge.
type Postgres struct {
	db       DB
	maxTries int
	ttl      time.Duration
}

// NewPostgres creates the counter table if needed.
func NewPostgres(ctx context.Context, db DB, maxTries int, ttl time.Duration) (*Postgres, error) {
	if err := checkLimits(maxTries, ttl); err != nil {
		return nil, err
	}
	if _, err := db.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("retrystate: create table: %w", err)
	}
	return &Postgres{db: db, maxTries: maxTries, ttl: ttl}, nil
}

func (p *Postgres) Increment(ctx context.Context, messageID, queue string) error {
	var count int
	if err := p.db.QueryRow(ctx, incrementSQL, queue, messageID, p.ttl.Seconds()).Scan(&count); err != nil {
		return fmt.Errorf("retrystate: increment %s/%s: %w", queue, messageID, err)
	}
	if count >= p.maxTries {
		if _, err := p.db.Exec(ctx, deleteSQL, queue, messageID); err != nil {
			return errors.Join(ErrMaxRetriesExceeded, fmt.Errorf("retrystate: clear %s/%s: %w", queue, messageID, err))
		}
		return ErrMaxRetriesExceeded
	}
	return nil
}

// Purge deletes expired counters and returns how many were removed.
func (p *Postgres) Purge(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, purgeSQL)
	if err != nil {
		return 0, fmt.Errorf("retrystate: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
