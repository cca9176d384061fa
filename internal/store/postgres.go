package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/mserban/vatra/config"
)

// PostgresStore keeps sessions in a single table as JSONB documents.
type PostgresStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPostgresStore(cfg config.PostgresConfig, logger *log.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sessions table: %w", err)
	}
	return &PostgresStore{db: db, logger: logger}, nil
}

func (p *PostgresStore) Create(ctx context.Context) (*Session, error) {
	sess := NewSession()
	if err := p.Put(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM chat_sessions WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("parsing session %s: %w", id, err)
	}
	return &sess, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM chat_sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			p.logger.Printf("skipping unreadable session row: %v", err)
			continue
		}
		if sess.Empty() {
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Put(ctx context.Context, id string, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, doc, created_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		id, data, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PostgresStore) Cleanup(ctx context.Context) (int, error) {
	sessions, err := p.allSessions(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if !sess.Empty() {
			continue
		}
		if err := p.Delete(ctx, sess.ID); err == nil {
			removed++
		}
	}
	if removed > 0 {
		p.logger.Printf("cleanup removed %d empty sessions", removed)
	}
	return removed, nil
}

func (p *PostgresStore) allSessions(ctx context.Context) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM chat_sessions`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
