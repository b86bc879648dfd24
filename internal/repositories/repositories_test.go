package repositories

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}
	return sealer
}

func quietLogger() *log.Logger {
	return shared.NewLogger(&bytes.Buffer{})
}

type storeFactory struct {
	name string
	open func(t *testing.T) SessionStore
}

func backends() []storeFactory {
	return []storeFactory{
		{"FileStore", func(t *testing.T) SessionStore {
			store, err := NewFileStore(t.TempDir(), testSealer(t), quietLogger())
			if err != nil {
				t.Fatalf("failed to create file store: %v", err)
			}
			return store
		}},
		{"SQLiteStore", func(t *testing.T) SessionStore {
			store, err := NewSQLiteStore(context.Background(), SQLiteOptions{
				Path:   ":memory:",
				Sealer: testSealer(t),
				Logger: quietLogger(),
			})
			if err != nil {
				t.Fatalf("failed to create sqlite store: %v", err)
			}
			return store
		}},
	}
}

func authorizedSession(id string) *models.Session {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := models.NewPendingSession(id, "https://example.com/done", models.DeviceGrant{
		DeviceCode:      "device",
		UserCode:        "ABCD",
		VerificationURL: "https://link.tidal.com/ABCD",
		ExpiresIn:       time.Minute,
		Interval:        time.Second,
	}, now, 10*time.Second)
	s.Authorize(&models.TokenBundle{
		AccessToken:  "access-\x00-bytes",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       now.Add(time.Hour),
	}, now.Add(5*time.Second))
	s.Identity = &models.Identity{UserID: "42", Username: "listener", CountryCode: "US"}
	return s
}

func pendingSession(id string) *models.Session {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.NewPendingSession(id, "", models.DeviceGrant{
		DeviceCode:      "device-" + id,
		UserCode:        "CODE",
		VerificationURL: "https://link.tidal.com/CODE",
		ExpiresIn:       time.Minute,
		Interval:        time.Second,
	}, now, 10*time.Second)
}

func collect(t *testing.T, store SessionStore) map[string]*models.Session {
	t.Helper()
	out := map[string]*models.Session{}
	for s, err := range store.List(context.Background()) {
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		out[s.ID] = s
	}
	return out
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()

	for _, backend := range backends() {
		t.Run(backend.name, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				for _, s := range []*models.Session{authorizedSession("auth"), pendingSession("pend")} {
					if err := store.Put(ctx, s); err != nil {
						t.Fatalf("failed to put: %v", err)
					}
					got, err := store.Get(ctx, s.ID)
					if err != nil {
						t.Fatalf("failed to get: %v", err)
					}
					if !reflect.DeepEqual(got, s) {
						t.Errorf("round trip mismatch\n got: %+v\nwant: %+v", got, s)
					}
				}
			})

			t.Run("unknown id", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				_, err := store.Get(ctx, "missing")
				if !errors.Is(err, shared.ErrSessionNotFound) {
					t.Errorf("expected ErrSessionNotFound, got %v", err)
				}
			})

			t.Run("put overwrites", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				if err := store.Put(ctx, pendingSession("s1")); err != nil {
					t.Fatal(err)
				}
				if err := store.Put(ctx, authorizedSession("s1")); err != nil {
					t.Fatal(err)
				}

				got, err := store.Get(ctx, "s1")
				if err != nil {
					t.Fatal(err)
				}
				if got.State != models.StateAuthorized {
					t.Errorf("expected authorized, got %s", got.State)
				}
			})

			t.Run("put rejects invalid session", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				bad := pendingSession("bad")
				bad.Token = &models.TokenBundle{AccessToken: "x"}
				if err := store.Put(ctx, bad); !errors.Is(err, shared.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
			})

			t.Run("list and delete", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				for i := range 3 {
					if err := store.Put(ctx, pendingSession(fmt.Sprintf("s%d", i))); err != nil {
						t.Fatal(err)
					}
				}

				if got := collect(t, store); len(got) != 3 {
					t.Fatalf("expected 3 sessions, got %d", len(got))
				}

				if err := store.Delete(ctx, "s1"); err != nil {
					t.Fatal(err)
				}
				if err := store.Delete(ctx, "s1"); err != nil {
					t.Errorf("deleting twice should be a no-op: %v", err)
				}

				got := collect(t, store)
				if len(got) != 2 || got["s1"] != nil {
					t.Errorf("unexpected sessions after delete: %v", got)
				}
			})

			t.Run("list stops early", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				for i := range 3 {
					if err := store.Put(ctx, pendingSession(fmt.Sprintf("s%d", i))); err != nil {
						t.Fatal(err)
					}
				}

				seen := 0
				for range store.List(ctx) {
					seen++
					break
				}
				if seen != 1 {
					t.Errorf("expected iteration to stop after one, got %d", seen)
				}
			})

			t.Run("update", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				if err := store.Put(ctx, authorizedSession("s1")); err != nil {
					t.Fatal(err)
				}

				updated, err := store.Update(ctx, "s1", func(s *models.Session) error {
					s.Token.AccessToken = "rotated"
					return nil
				})
				if err != nil {
					t.Fatalf("update failed: %v", err)
				}
				if updated.Token.AccessToken != "rotated" {
					t.Errorf("expected returned session to carry update")
				}

				got, _ := store.Get(ctx, "s1")
				if got.Token.AccessToken != "rotated" {
					t.Errorf("expected update to persist, got %s", got.Token.AccessToken)
				}

				sentinel := errors.New("stop")
				if _, err := store.Update(ctx, "s1", func(s *models.Session) error {
					s.Token.AccessToken = "discarded"
					return sentinel
				}); !errors.Is(err, sentinel) {
					t.Errorf("expected fn error, got %v", err)
				}
				got, _ = store.Get(ctx, "s1")
				if got.Token.AccessToken != "rotated" {
					t.Error("failed update should not persist")
				}

				if _, err := store.Update(ctx, "missing", func(*models.Session) error { return nil }); !errors.Is(err, shared.ErrSessionNotFound) {
					t.Errorf("expected ErrSessionNotFound, got %v", err)
				}
			})

			t.Run("concurrent updates are serialized", func(t *testing.T) {
				store := backend.open(t)
				defer store.Close()

				if err := store.Put(ctx, authorizedSession("s1")); err != nil {
					t.Fatal(err)
				}

				var wg sync.WaitGroup
				for range 20 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := store.Update(ctx, "s1", func(s *models.Session) error {
							s.Token.RefreshToken += "x"
							return nil
						})
						if err != nil {
							t.Errorf("update failed: %v", err)
						}
					}()
				}
				wg.Wait()

				got, err := store.Get(ctx, "s1")
				if err != nil {
					t.Fatal(err)
				}
				if want := "refresh" + "xxxxxxxxxxxxxxxxxxxx"; got.Token.RefreshToken != want {
					t.Errorf("lost updates: got %q", got.Token.RefreshToken)
				}
			})
		})
	}
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupted record reads as not found", func(t *testing.T) {
		dir := t.TempDir()
		store, err := NewFileStore(dir, testSealer(t), quietLogger())
		if err != nil {
			t.Fatal(err)
		}

		if err := store.Put(ctx, authorizedSession("s1")); err != nil {
			t.Fatal(err)
		}
		path := store.path(fileKey("s1"))
		if err := os.WriteFile(path, []byte("garbage that will not decrypt"), 0o600); err != nil {
			t.Fatal(err)
		}

		_, err = store.Get(ctx, "s1")
		if !errors.Is(err, shared.ErrSessionNotFound) || !errors.Is(err, shared.ErrCorrupted) {
			t.Errorf("expected not found caused by corruption, got %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("corrupted file should be removed")
		}

		if err := store.Put(ctx, pendingSession("s1")); err != nil {
			t.Errorf("fresh put after corruption should succeed: %v", err)
		}
	})

	t.Run("wrong key reads as not found", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewFileStore(dir, testSealer(t), quietLogger())
		if err := store.Put(ctx, authorizedSession("s1")); err != nil {
			t.Fatal(err)
		}

		other, _ := NewSealer(bytes.Repeat([]byte{9}, 32))
		store2, _ := NewFileStore(dir, other, quietLogger())
		if _, err := store2.Get(ctx, "s1"); !errors.Is(err, shared.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("list skips corrupted and foreign files", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewFileStore(dir, testSealer(t), quietLogger())
		if err := store.Put(ctx, pendingSession("good")); err != nil {
			t.Fatal(err)
		}
		os.WriteFile(filepath.Join(dir, fileKey("bad")+sessionExt), []byte("nope"), 0o600)
		os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600)

		got := collect(t, store)
		if len(got) != 1 || got["good"] == nil {
			t.Errorf("expected only the good session, got %v", got)
		}
	})

	t.Run("swapped files are rejected", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewFileStore(dir, testSealer(t), quietLogger())
		store.Put(ctx, authorizedSession("a"))
		store.Put(ctx, pendingSession("b"))

		data, _ := os.ReadFile(store.path(fileKey("a")))
		os.WriteFile(store.path(fileKey("b")), data, 0o600)

		if _, err := store.Get(ctx, "b"); !errors.Is(err, shared.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("permissions and no temp leftovers", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "sessions")
		store, err := NewFileStore(dir, testSealer(t), quietLogger())
		if err != nil {
			t.Fatal(err)
		}
		store.Put(ctx, pendingSession("s1"))

		info, err := os.Stat(dir)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o700 {
			t.Errorf("expected dir mode 0700, got %v", info.Mode().Perm())
		}

		entries, _ := os.ReadDir(dir)
		if len(entries) != 1 {
			t.Fatalf("expected exactly one file, got %d", len(entries))
		}
		fi, _ := entries[0].Info()
		if fi.Mode().Perm() != 0o600 {
			t.Errorf("expected file mode 0600, got %v", fi.Mode().Perm())
		}
	})

	t.Run("payload is encrypted", func(t *testing.T) {
		dir := t.TempDir()
		store, _ := NewFileStore(dir, testSealer(t), quietLogger())
		store.Put(ctx, authorizedSession("s1"))

		data, _ := os.ReadFile(store.path(fileKey("s1")))
		if bytes.Contains(data, []byte("refresh")) || bytes.Contains(data, []byte("Bearer")) {
			t.Error("token material is visible on disk")
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()

	t.Run("corrupted row reads as not found", func(t *testing.T) {
		store, err := NewSQLiteStore(ctx, SQLiteOptions{Path: ":memory:", Sealer: testSealer(t), Logger: quietLogger()})
		if err != nil {
			t.Fatal(err)
		}
		defer store.Close()

		if err := store.Put(ctx, authorizedSession("s1")); err != nil {
			t.Fatal(err)
		}
		if _, err := store.DB().ExecContext(ctx, "UPDATE sessions SET payload = ? WHERE id = ?", []byte("broken"), "s1"); err != nil {
			t.Fatal(err)
		}

		if _, err := store.Get(ctx, "s1"); !errors.Is(err, shared.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}

		var count int
		store.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count)
		if count != 0 {
			t.Errorf("corrupted row should be removed, %d remain", count)
		}
	})

	t.Run("key rotation is detected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sessions.db")
		var logs bytes.Buffer

		first, err := NewSQLiteStore(ctx, SQLiteOptions{Path: path, Sealer: testSealer(t), Logger: quietLogger()})
		if err != nil {
			t.Fatal(err)
		}
		first.Put(ctx, pendingSession("s1"))
		first.Close()

		other, _ := NewSealer(bytes.Repeat([]byte{1}, 32))
		second, err := NewSQLiteStore(ctx, SQLiteOptions{Path: path, Sealer: other, Logger: shared.NewLogger(&logs)})
		if err != nil {
			t.Fatal(err)
		}
		defer second.Close()

		if !bytes.Contains(logs.Bytes(), []byte("encryption key changed")) {
			t.Errorf("expected key change warning, got %q", logs.String())
		}
		if _, err := second.Get(ctx, "s1"); !errors.Is(err, shared.ErrSessionNotFound) {
			t.Errorf("expected ErrSessionNotFound, got %v", err)
		}
	})
}

func TestSealer(t *testing.T) {
	t.Run("additional data is bound", func(t *testing.T) {
		sealer := testSealer(t)
		sealed := sealer.Seal("a", []byte("secret"))

		if _, err := sealer.Open("b", sealed); !errors.Is(err, shared.ErrCorrupted) {
			t.Errorf("expected ErrCorrupted, got %v", err)
		}
		got, err := sealer.Open("a", sealed)
		if err != nil || string(got) != "secret" {
			t.Errorf("unexpected open result %q %v", got, err)
		}
	})

	t.Run("short payload", func(t *testing.T) {
		if _, err := testSealer(t).Open("a", []byte{1, 2}); !errors.Is(err, shared.ErrCorrupted) {
			t.Errorf("expected ErrCorrupted, got %v", err)
		}
	})

	t.Run("bad key size", func(t *testing.T) {
		if _, err := NewSealer([]byte("short")); !errors.Is(err, shared.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("LoadKey", func(t *testing.T) {
		dir := t.TempDir()
		var logs bytes.Buffer
		logger := shared.NewLogger(&logs)

		generated, err := LoadKey("", dir, logger)
		if err != nil {
			t.Fatalf("failed to generate key: %v", err)
		}
		if !bytes.Contains(logs.Bytes(), []byte("generated storage encryption key")) {
			t.Error("expected a warning when generating a key")
		}

		info, err := os.Stat(filepath.Join(dir, KeyFileName))
		if err != nil {
			t.Fatalf("key file missing: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("expected key file mode 0600, got %v", info.Mode().Perm())
		}

		again, err := LoadKey("", dir, logger)
		if err != nil || !bytes.Equal(again, generated) {
			t.Errorf("expected stored key to be reused")
		}

		configured := bytes.Repeat([]byte{3}, 32)
		got, err := LoadKey(EncodeKey(configured), dir, logger)
		if err != nil || !bytes.Equal(got, configured) {
			t.Errorf("configured key should win, got %v %v", got, err)
		}

		if _, err := LoadKey("!!!", dir, logger); !errors.Is(err, shared.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig for bad base64, got %v", err)
		}
		if _, err := LoadKey(EncodeKey([]byte("short")), dir, logger); !errors.Is(err, shared.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig for short key, got %v", err)
		}
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := shared.DefaultConfig()
			cfg.Storage.Backend = backend
			cfg.Storage.Dir = filepath.Join(t.TempDir(), "store")
			cfg.Storage.EncryptionKey = EncodeKey(bytes.Repeat([]byte{5}, 32))

			store, err := Open(ctx, cfg, quietLogger())
			if err != nil {
				t.Fatalf("failed to open %s store: %v", backend, err)
			}
			defer store.Close()

			if err := store.Put(ctx, pendingSession("s1")); err != nil {
				t.Fatal(err)
			}
			if _, err := store.Get(ctx, "s1"); err != nil {
				t.Fatal(err)
			}
		})
	}

	t.Run("unknown backend", func(t *testing.T) {
		cfg := shared.DefaultConfig()
		cfg.Storage.Backend = "redis"
		cfg.Storage.Dir = t.TempDir()
		cfg.Storage.EncryptionKey = EncodeKey(bytes.Repeat([]byte{5}, 32))

		if _, err := Open(ctx, cfg, quietLogger()); !errors.Is(err, shared.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
