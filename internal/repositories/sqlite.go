package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const fingerprintKey = "sealer_fingerprint"

// SQLiteOptions configures [NewSQLiteStore].
type SQLiteOptions struct {
	Path         string // ":memory:" for tests
	Sealer       *Sealer
	Logger       *log.Logger
	MaxOpenConns int
	MaxIdleConns int
}

// SQLiteStore keeps sealed session rows in the migrated sessions table.
//
// Rows are sealed with the session id as additional data, so a payload copied to another id fails to open.
type SQLiteStore struct {
	db     *sql.DB
	codec  codec
	locks  *shared.KeyedMutex
	logger *log.Logger
}

// NewSQLiteStore opens the database, applies pending migrations and checks the sealing key fingerprint.
func NewSQLiteStore(ctx context.Context, opts SQLiteOptions) (*SQLiteStore, error) {
	db, err := shared.NewDatabase(ctx, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrStorage, err)
	}

	if opts.Path == ":memory:" {
		shared.ConfigureDatabase(db, 1, 1)
	} else {
		shared.ConfigureDatabase(db, opts.MaxOpenConns, opts.MaxIdleConns)
	}

	if err := shared.RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", shared.ErrStorage, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	s := &SQLiteStore{
		db:     db,
		codec:  codec{sealer: opts.Sealer},
		locks:  shared.NewKeyedMutex(),
		logger: logger,
	}
	if err := s.checkFingerprint(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// checkFingerprint records the sealing key fingerprint and warns when it changed since the last run.
func (s *SQLiteStore) checkFingerprint(ctx context.Context) error {
	fp := s.codec.sealer.Fingerprint()

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM storage_meta WHERE key = ?", fingerprintKey).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("%w: read storage meta: %v", shared.ErrStorage, err)
	case stored == fp:
		return nil
	default:
		s.logger.Warn("storage encryption key changed; existing sessions will be discarded on read", "previous", stored, "current", fp)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO storage_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fingerprintKey, fp)
	if err != nil {
		return fmt.Errorf("%w: write storage meta: %v", shared.ErrStorage, err)
	}
	return nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Put implements [SessionStore].
func (s *SQLiteStore) Put(ctx context.Context, sess *models.Session) error {
	unlock := s.locks.Lock(sess.ID)
	defer unlock()
	return s.write(ctx, sess)
}

// Get implements [SessionStore].
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.load(ctx, id)
}

type sqliteRow struct {
	id      string
	payload []byte
}

// List implements [SessionStore].
//
// Rows are buffered before decoding so the iterator never holds a connection while the caller runs.
func (s *SQLiteStore) List(ctx context.Context) iter.Seq2[*models.Session, error] {
	return func(yield func(*models.Session, error) bool) {
		rows, err := s.db.QueryContext(ctx, "SELECT id, payload FROM sessions ORDER BY updated_at DESC, id")
		if err != nil {
			yield(nil, fmt.Errorf("%w: list sessions: %v", shared.ErrStorage, err))
			return
		}

		var buffered []sqliteRow
		for rows.Next() {
			var r sqliteRow
			if err := rows.Scan(&r.id, &r.payload); err != nil {
				rows.Close()
				yield(nil, fmt.Errorf("%w: scan session: %v", shared.ErrStorage, err))
				return
			}
			buffered = append(buffered, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			yield(nil, fmt.Errorf("%w: list sessions: %v", shared.ErrStorage, err))
			return
		}

		for _, r := range buffered {
			sess, err := s.codec.decode(r.id, r.payload)
			if err != nil {
				s.logger.Warn("skipping unreadable session record", "session", r.id, "error", err)
				continue
			}
			if !yield(sess, nil) {
				return
			}
		}
	}
}

// Delete implements [SessionStore].
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.remove(ctx, id)
}

// Update implements [SessionStore].
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	sess, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if sess.ID != id {
		return nil, fmt.Errorf("%w: update may not change the session id", shared.ErrInvalidInput)
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Close implements [SessionStore].
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) load(ctx context.Context, id string) (*models.Session, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM sessions WHERE id = ?", id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: get session: %v", shared.ErrStorage, err)
	}

	sess, err := s.codec.decode(id, payload)
	if err == nil && sess.ID != id {
		err = fmt.Errorf("%w: record id does not match", shared.ErrCorrupted)
	}
	if err != nil {
		s.logger.Warn("discarding corrupted session record", "session", id, "error", err)
		if rmErr := s.remove(ctx, id); rmErr != nil {
			s.logger.Error("failed to remove corrupted session record", "session", id, "error", rmErr)
		}
		return nil, discarded(id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) write(ctx context.Context, sess *models.Session) error {
	payload, err := s.codec.encode(sess.ID, sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, sess.ID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: put session: %v", shared.ErrStorage, err)
	}
	return nil
}

func (s *SQLiteStore) remove(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id); err != nil {
		return fmt.Errorf("%w: delete session: %v", shared.ErrStorage, err)
	}
	return nil
}
