package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

// SessionStore persists session records keyed by id.
type SessionStore interface {
	// Put atomically writes s, replacing any prior record with the same id.
	Put(ctx context.Context, s *models.Session) error
	// Get returns the record for id or an error wrapping [shared.ErrSessionNotFound].
	Get(ctx context.Context, id string) (*models.Session, error)
	// List enumerates every readable record. Each call starts a fresh enumeration.
	List(ctx context.Context) iter.Seq2[*models.Session, error]
	// Delete removes the record for id. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// Update applies fn to the current record for id under the per-key lock and stores the result.
	Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error)
	Close() error
}

// Open builds the store selected by cfg.Storage.Backend under the configured storage directory.
func Open(ctx context.Context, cfg *shared.Config, logger *log.Logger) (SessionStore, error) {
	dir := cfg.StorageDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %v", shared.ErrStorage, err)
	}

	key, err := LoadKey(cfg.Storage.EncryptionKey, dir, logger)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(key)
	if err != nil {
		return nil, err
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		return NewSQLiteStore(ctx, SQLiteOptions{
			Path:         filepath.Join(dir, "sessions.db"),
			Sealer:       sealer,
			Logger:       logger,
			MaxOpenConns: cfg.Storage.MaxOpenConns,
			MaxIdleConns: cfg.Storage.MaxIdleConns,
		})
	case "file", "":
		return NewFileStore(dir, sealer, logger)
	default:
		return nil, fmt.Errorf("%w: unknown storage backend %q", shared.ErrInvalidConfig, cfg.Storage.Backend)
	}
}

// codec turns sessions into sealed payloads and back.
type codec struct {
	sealer *Sealer
}

func (c codec) encode(aad string, s *models.Session) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return c.sealer.Seal(aad, data), nil
}

// decode opens and parses payload. Every failure wraps [shared.ErrCorrupted].
func (c codec) decode(aad string, payload []byte) (*models.Session, error) {
	data, err := c.sealer.Open(aad, payload)
	if err != nil {
		return nil, err
	}

	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCorrupted, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrCorrupted, err)
	}
	return &s, nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", shared.ErrSessionNotFound, id)
}

// discarded reports a corrupted record as not found while keeping the cause inspectable.
func discarded(id string, cause error) error {
	return fmt.Errorf("%w: %s: %w", shared.ErrSessionNotFound, id, cause)
}
