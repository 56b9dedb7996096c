package snapshot

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgKV stores session state in PostgreSQL using pgx/v5. Expiry is enforced
// on read; a periodic DELETE of expired rows is left to an external job.
//
// Schema:
//
//	CREATE TABLE intake_session_state (
//	    session_key TEXT        NOT NULL,
//	    field       TEXT        NOT NULL,
//	    value       BYTEA       NOT NULL,
//	    expires_at  TIMESTAMPTZ,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (session_key, field)
//	);
type pgKV struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a PostgreSQL-backed session state store.
func NewPgStore(pool *pgxpool.Pool, ttls TTLs) Store {
	return newKVStore(&pgKV{pool: pool}, ttls)
}

func (p *pgKV) put(ctx context.Context, field, key string, value []byte, ttl time.Duration) error {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO intake_session_state (session_key, field, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_key, field) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()`,
		key, field, value, expiresAt,
	)
	return err
}

func (p *pgKV) get(ctx context.Context, field, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `
		SELECT value FROM intake_session_state
		WHERE session_key = $1 AND field = $2
		  AND (expires_at IS NULL OR expires_at > now())`,
		key, field,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *pgKV) del(ctx context.Context, field, key string) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM intake_session_state
		WHERE session_key = $1 AND field = $2`,
		key, field,
	)
	return err
}
