// Package postgres stores conversation history in PostgreSQL.
//
// It is an alternative to the tutor service's HTTP history endpoint for
// deployments that keep transcripts locally. The schema is created on open.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/mathvox/internal/history"
)

// Compile-time interface assertion.
var _ history.Sink = (*Sink)(nil)

const ddlConversationHistory = `
CREATE TABLE IF NOT EXISTS conversation_history (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    user_id       TEXT         NOT NULL DEFAULT '',
    user_message  TEXT         NOT NULL,
    bot_message   TEXT         NOT NULL,
    message_ids   TEXT[]       NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_history_session
    ON conversation_history (session_id, created_at);
`

// Sink is a [history.Sink] backed by a pgx connection pool. It is safe for
// concurrent use.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, pings the server and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: migrate: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Migrate creates the conversation_history table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlConversationHistory); err != nil {
		return fmt.Errorf("create conversation_history: %w", err)
	}
	return nil
}

// Save implements [history.Sink].
func (s *Sink) Save(ctx context.Context, rec history.Record) error {
	const q = `
		INSERT INTO conversation_history
		    (session_id, user_id, user_message, bot_message, message_ids, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ids := rec.MessageIDs
	if ids == nil {
		ids = []string{}
	}
	if _, err := s.pool.Exec(ctx, q, rec.SessionID, rec.UserID, rec.UserMessage, rec.BotMessage, ids, ts); err != nil {
		return fmt.Errorf("history postgres: save: %w", err)
	}
	return nil
}

// Recent returns up to limit records of sessionID, oldest first.
func (s *Sink) Recent(ctx context.Context, sessionID string, limit int) ([]history.Record, error) {
	const q = `
		SELECT session_id, user_id, user_message, bot_message, message_ids, created_at
		FROM (
		    SELECT * FROM conversation_history
		    WHERE  session_id = $1
		    ORDER  BY created_at DESC, id DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history postgres: recent: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Record, error) {
		var r history.Record
		err := row.Scan(&r.SessionID, &r.UserID, &r.UserMessage, &r.BotMessage, &r.MessageIDs, &r.Timestamp)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: recent: %w", err)
	}
	return recs, nil
}

// Ping checks that the database is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}
