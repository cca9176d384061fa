package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps one JSON document per session under a directory.
type FileStore struct {
	dir    string
	logger *log.Logger
}

func NewFileStore(dir string, logger *log.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("sessions path not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) Create(ctx context.Context) (*Session, error) {
	sess := NewSession()
	if err := f.Put(ctx, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (f *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(id))
	if err != nil {
		if os.IsNotExist(err) {
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

func (f *FileStore) List(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("listing sessions dir: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := f.Get(ctx, id)
		if err != nil {
			f.logger.Printf("skipping unreadable session %s: %v", id, err)
			continue
		}
		if sess.Empty() {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (f *FileStore) Put(ctx context.Context, id string, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", id, err)
	}
	// Write-then-rename so readers never see a torn document.
	tmp := f.path(id) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session %s: %w", id, err)
	}
	if err := os.Rename(tmp, f.path(id)); err != nil {
		return fmt.Errorf("committing session %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(f.path(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) Cleanup(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, fmt.Errorf("listing sessions dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		sess, err := f.Get(ctx, id)
		if err != nil {
			continue
		}
		if !sess.Empty() {
			continue
		}
		if err := f.Delete(ctx, id); err == nil {
			removed++
		}
	}
	if removed > 0 {
		f.logger.Printf("cleanup removed %d empty sessions", removed)
	}
	return removed, nil
}

func (f *FileStore) Close() error { return nil }
