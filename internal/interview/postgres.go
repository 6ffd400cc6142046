package interview

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ent0n29/callbridge/internal/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists interview records in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkCalling(ctx context.Context, id, callID, phoneNumber string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO interviews (id, status, call_id, phone_number)
		 VALUES ($1, 'calling', $2, $3)
		 ON CONFLICT (id) DO UPDATE
		 SET status = 'calling', call_id = EXCLUDED.call_id, phone_number = EXCLUDED.phone_number, updated_at = now()
		 WHERE interviews.status <> 'completed'`,
		id, callID, phoneNumber,
	)
	if err != nil {
		return fmt.Errorf("mark interview calling: %w", err)
	}
	return nil
}

func (s *PostgresStore) Complete(ctx context.Context, id string, t Transcript) (string, bool, error) {
	turns, err := sonic.Marshal(nonNil(t.Turns))
	if err != nil {
		return "", false, fmt.Errorf("encode transcript: %w", err)
	}
	raw, err := sonic.Marshal(nonNil(t.Fragments))
	if err != nil {
		return "", false, fmt.Errorf("encode raw transcript: %w", err)
	}

	var updated string
	err = s.pool.QueryRow(ctx,
		`UPDATE interviews
		 SET status = 'completed', transcript = $2::jsonb, raw_transcript = $3::jsonb,
		     completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status <> 'completed'
		 RETURNING id`,
		id, string(turns), string(raw),
	).Scan(&updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("complete interview: %w", err)
	}
	return updated, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	var (
		r        Record
		status   string
		turns    []byte
		rawTurns []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, call_id, phone_number, transcript, raw_transcript, created_at, updated_at, completed_at
		 FROM interviews WHERE id = $1`,
		id,
	).Scan(&r.ID, &status, &r.CallID, &r.PhoneNumber, &turns, &rawTurns, &r.CreatedAt, &r.UpdatedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get interview: %w", err)
	}
	r.Status = Status(status)
	if len(turns) > 0 {
		if err := sonic.Unmarshal(turns, &r.Transcript); err != nil {
			return Record{}, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(rawTurns) > 0 {
		if err := sonic.Unmarshal(rawTurns, &r.RawTranscript); err != nil {
			return Record{}, fmt.Errorf("decode raw transcript: %w", err)
		}
	}
	return r, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func nonNil(in []session.Fragment) []session.Fragment {
	if in == nil {
		return []session.Fragment{}
	}
	return in
}
