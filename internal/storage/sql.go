package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore keeps client state in the client_state table of a SQL database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return NewMigrator(s.db, migrationsFS, s.dialect).Up(ctx)
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf(`SELECT payload FROM client_state WHERE state_key = %s`, s.dialect.arg(1))
	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, key).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select client_state: %w", err)
	}
	return payload, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	query := fmt.Sprintf(`INSERT INTO client_state (state_key, payload, updated_at) VALUES (%s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (state_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		s.dialect.arg(1), s.dialect.arg(2))
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("upsert client_state: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM client_state WHERE state_key = %s`, s.dialect.arg(1))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete client_state: %w", err)
	}
	return nil
}

func (s *SQLStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}
