package history

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS conversation_turns (
    id            BIGSERIAL    PRIMARY KEY,
    conversation  TEXT         NOT NULL,
    user_text     TEXT         NOT NULL,
    reply_text    TEXT         NOT NULL,
    emotion       TEXT         NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_turns_conversation_id
    ON conversation_turns (conversation, id DESC);
`

// Postgres is a [Store] backed by a conversation_turns table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn, verifies the connection and runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the schema if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (p *Postgres) Append(ctx context.Context, conversation string, turn Turn) error {
	const q = `
		INSERT INTO conversation_turns (conversation, user_text, reply_text, emotion, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	if turn.At.IsZero() {
		turn.At = time.Now()
	}
	if _, err := p.pool.Exec(ctx, q, conversation, turn.User, turn.Assistant, turn.Emotion, turn.At); err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (p *Postgres) Recent(ctx context.Context, conversation string, n int) ([]Turn, error) {
	const q = `
		SELECT user_text, reply_text, emotion, created_at
		FROM   conversation_turns
		WHERE  conversation = $1
		ORDER  BY id DESC
		LIMIT  $2`

	if n <= 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, q, conversation, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Turn, error) {
		var t Turn
		err := row.Scan(&t.User, &t.Assistant, &t.Emotion, &t.At)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	slices.Reverse(turns)
	return turns, nil
}

// Ping reports whether the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close implements [Store].
func (p *Postgres) Close() {
	p.pool.Close()
}
