// Package store persists chat sessions as JSON documents keyed by session id.
// Three backends are supported: a directory of files (default), Redis, and
// Postgres. All backends are wrapped with per-key write serialization.
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mserban/vatra/config"
)

var ErrSessionNotFound = errors.New("session not found")

// Message is one committed entry in a session's history.
type Message struct {
	Sender        string    `json:"sender"`
	Text          string    `json:"text"`
	ToolID        string    `json:"tool_id,omitempty"`
	ForAgent      string    `json:"for_agent,omitempty"`
	ViaSupervisor bool      `json:"via_supervisor,omitempty"`
	Error         bool      `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolBinding attaches a tool to an agent in a manual plan. Option is only
// meaningful for the knowledgebase tool, where it names a sub-document key.
type ToolBinding struct {
	ToolID string `json:"tool_id"`
	Option string `json:"option,omitempty"`
}

// AgentSetting is one entry of a session's manual pipeline.
type AgentSetting struct {
	AgentID string        `json:"agent_id"`
	Enabled bool          `json:"enabled"`
	Tools   []ToolBinding `json:"tools,omitempty"`
}

// Session is the persisted conversation document.
type Session struct {
	ID             string         `json:"id"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	History        []Message      `json:"history"`
	AgentSequence  []AgentSetting `json:"agent_sequence"`
	SupervisorMode bool           `json:"supervisor_mode"`
}

// Empty reports whether the session qualifies for cleanup: no messages and no
// enabled agents.
func (s *Session) Empty() bool {
	if len(s.History) > 0 {
		return false
	}
	for _, a := range s.AgentSequence {
		if a.Enabled {
			return false
		}
	}
	return true
}

// Store is the session persistence contract. List returns only non-empty
// sessions; Cleanup deletes the rest and reports how many it removed.
type Store interface {
	Create(ctx context.Context) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Put(ctx context.Context, id string, sess *Session) error
	Delete(ctx context.Context, id string) error
	Cleanup(ctx context.Context) (int, error)
	Close() error
}

// New builds the configured backend wrapped with per-key locking.
func New(cfg config.SessionsConfig, logger *log.Logger) (Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORE] ", log.LstdFlags)
	}
	var (
		backend Store
		err     error
	)
	switch cfg.Backend {
	case "file":
		backend, err = NewFileStore(cfg.Path, logger)
	case "redis":
		backend, err = NewRedisStore(cfg.Redis, logger)
	case "postgres":
		backend, err = NewPostgresStore(cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unsupported sessions backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return WithKeyLocks(backend), nil
}

// NewSession initializes a session document with a fresh unguessable id.
func NewSession() *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		History:   []Message{},
	}
}

// lockedStore serializes writes per session id. Readers and writers on
// different ids proceed in parallel; there are no cross-session transactions.
type lockedStore struct {
	inner Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// WithKeyLocks wraps a backend with per-key write serialization.
func WithKeyLocks(inner Store) Store {
	return &lockedStore{inner: inner, locks: make(map[string]*sync.Mutex)}
}

func (l *lockedStore) keyLock(id string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	return m
}

func (l *lockedStore) Create(ctx context.Context) (*Session, error) {
	return l.inner.Create(ctx)
}

func (l *lockedStore) Get(ctx context.Context, id string) (*Session, error) {
	return l.inner.Get(ctx, id)
}

func (l *lockedStore) List(ctx context.Context) ([]*Session, error) {
	sessions, err := l.inner.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (l *lockedStore) Put(ctx context.Context, id string, sess *Session) error {
	m := l.keyLock(id)
	m.Lock()
	defer m.Unlock()
	return l.inner.Put(ctx, id, sess)
}

func (l *lockedStore) Delete(ctx context.Context, id string) error {
	m := l.keyLock(id)
	m.Lock()
	defer m.Unlock()
	if err := l.inner.Delete(ctx, id); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.locks, id)
	l.mu.Unlock()
	return nil
}

func (l *lockedStore) Cleanup(ctx context.Context) (int, error) {
	return l.inner.Cleanup(ctx)
}

func (l *lockedStore) Close() error {
	return l.inner.Close()
}
