package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const sessionExt = ".session"

// FileStore keeps one sealed file per session in a single directory.
//
// File names are the hex SHA-256 of the session id, which is also the additional data the record is sealed with.
type FileStore struct {
	dir    string
	codec  codec
	locks  *shared.KeyedMutex
	logger *log.Logger
}

// NewFileStore creates a [FileStore] rooted at dir, creating it with owner-only permissions.
func NewFileStore(dir string, sealer *Sealer, logger *log.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create storage dir: %v", shared.ErrStorage, err)
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &FileStore{
		dir:    dir,
		codec:  codec{sealer: sealer},
		locks:  shared.NewKeyedMutex(),
		logger: logger,
	}, nil
}

func fileKey(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+sessionExt)
}

// Put implements [SessionStore].
func (s *FileStore) Put(ctx context.Context, sess *models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(sess.ID)
	defer unlock()
	return s.write(sess)
}

// Get implements [SessionStore].
func (s *FileStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.load(id)
}

// List implements [SessionStore].
func (s *FileStore) List(ctx context.Context) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		entries, err := os.ReadDir(s.dir)
		if err != nil {
			yield(nil, fmt.Errorf("%w: read storage dir: %v", shared.ErrStorage, err))
			return
		}

		for _, entry := range entries {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, sessionExt) {
				continue
			}
			key := strings.TrimSuffix(name, sessionExt)

			data, err := os.ReadFile(filepath.Join(s.dir, name))
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				if !yield(nil, fmt.Errorf("%w: read %s: %v", shared.ErrStorage, name, err)) {
					return
				}
				continue
			}

			sess, err := s.codec.decode(key, data)
			if err == nil && fileKey(sess.ID) != key {
				err = fmt.Errorf("%w: record id does not match file name", shared.ErrCorrupted)
			}
			if err != nil {
				s.logger.Warn("skipping unreadable session record", "file", name, "error", err)
				continue
			}

			if !yield(sess, nil) {
				return
			}
		}
	}
}

// Delete implements [SessionStore].
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.remove(fileKey(id))
}

// Update implements [SessionStore].
func (s *FileStore) Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if sess.ID != id {
		return nil, fmt.Errorf("%w: update may not change the session id", shared.ErrInvalidInput)
	}
	if err := s.write(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close implements [SessionStore].
func (s *FileStore) Close() error { return nil }

// load reads the record for id. The caller holds the key lock.
func (s *FileStore) load(id string) (*models.Session, error) {
	key := fileKey(id)
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read session: %v", shared.ErrStorage, err)
	}

	sess, err := s.codec.decode(key, data)
	if err == nil && sess.ID != id {
		err = fmt.Errorf("%w: record id does not match", shared.ErrCorrupted)
	}
	if err != nil {
		s.logger.Warn("discarding corrupted session record", "session", id, "error", err)
		if rmErr := s.remove(key); rmErr != nil {
			s.logger.Error("failed to remove corrupted session record", "session", id, "error", rmErr)
		}
		return nil, discarded(id, err)
	}
	return sess, nil
}

// write seals sess into a temp file in the same directory and renames it over the record.
func (s *FileStore) write(sess *models.Session) error {
	key := fileKey(sess.ID)
	payload, err := s.codec.encode(key, sess)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+key[:8]+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", shared.ErrStorage, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod temp file: %v", shared.ErrStorage, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file: %v", shared.ErrStorage, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp file: %v", shared.ErrStorage, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file: %v", shared.ErrStorage, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("%w: rename session file: %v", shared.ErrStorage, err)
	}
	committed = true

	if d, err := os.Open(s.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

func (s *FileStore) remove(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove session: %v", shared.ErrStorage, err)
	}
	return nil
}
