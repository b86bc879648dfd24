package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	tu "github.com/stevedimarzio/tidal-mcp/internal/testing"
	"golang.org/x/oauth2"
)

func track(id int, title string) map[string]any {
	return map[string]any{
		"id":       id,
		"title":    title,
		"duration": 215,
		"artist":   map[string]any{"id": 7, "name": "Artist"},
		"album":    map[string]any{"id": 9, "title": "Album"},
	}
}

func newTestCatalog(t *testing.T, handler http.HandlerFunc) (*TidalService, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer at" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if r.URL.Query().Get("countryCode") != "NO" {
			t.Errorf("expected countryCode NO, got %q", r.URL.RawQuery)
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	tokens := &tu.FakeTokens{
		Tokens:     map[string]*oauth2.Token{"s1": {AccessToken: "at", TokenType: "Bearer"}},
		Identities: map[string]*models.Identity{"s1": {UserID: "1001", CountryCode: "NO"}},
	}
	svc := NewTidalService(tokens,
		shared.TidalConfig{APIURL: server.URL + "/v1"},
		shared.CatalogConfig{CountryCode: "US"},
		server.Client(), shared.NewLogger(io.Discard))
	return svc, &hits
}

func TestTidalService(t *testing.T) {
	ctx := context.Background()

	t.Run("Auth Required", func(t *testing.T) {
		svc, hits := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {})

		if _, err := svc.FavoriteTracks(ctx, "unknown", 10); !errors.Is(err, shared.ErrAuthRequired) {
			t.Errorf("expected ErrAuthRequired, got %v", err)
		}
		if _, err := svc.Search(ctx, "unknown", "q", nil, 10); !errors.Is(err, shared.ErrAuthRequired) {
			t.Errorf("expected ErrAuthRequired, got %v", err)
		}
		if hits.Load() != 0 {
			t.Errorf("no request should reach TIDAL without a token, got %d", hits.Load())
		}
	})

	t.Run("Token Rejected", func(t *testing.T) {
		svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		if _, err := svc.Recommendations(ctx, "s1", "1", 10); !errors.Is(err, shared.ErrAuthRequired) {
			t.Errorf("expected ErrAuthRequired, got %v", err)
		}
	})

	t.Run("FavoriteTracks", func(t *testing.T) {
		svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/users/1001/favorites/tracks" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			q := r.URL.Query()
			if q.Get("order") != "DATE" || q.Get("orderDirection") != "DESC" || q.Get("limit") != "50" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"items": []any{
					map[string]any{"created": "2024-01-01T00:00:00.000+0000", "item": track(1, "Newest")},
					map[string]any{"created": "2023-01-01T00:00:00.000+0000", "item": track(2, "Older")},
				},
			})
		})

		tracks, err := svc.FavoriteTracks(ctx, "s1", 80)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := models.Track{
			ID: "1", Title: "Newest", Artist: "Artist", Album: "Album", Duration: 215,
			URL: "https://tidal.com/browse/track/1?u",
		}
		if len(tracks) != 2 || tracks[0] != want {
			t.Errorf("unexpected tracks %+v", tracks)
		}
	})

	t.Run("Recommendations", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/tracks/42/radio" || r.URL.Query().Get("limit") != "20" {
					t.Errorf("unexpected request %s", r.URL)
				}
				writeJSON(w, http.StatusOK, map[string]any{"items": []any{track(3, "Radio")}})
			})

			tracks, err := svc.Recommendations(ctx, "s1", "42", 0)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(tracks) != 1 || tracks[0].ID != "3" {
				t.Errorf("unexpected tracks %+v", tracks)
			}
		})

		t.Run("Not Found", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})
			_, err := svc.Recommendations(ctx, "s1", "42", 10)
			if !errors.Is(err, shared.ErrTrackNotFound) || !IsNotFound(err) {
				t.Errorf("expected ErrTrackNotFound, got %v", err)
			}
		})

		t.Run("Missing Track ID", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {})
			if _, err := svc.Recommendations(ctx, "s1", " ", 10); !errors.Is(err, shared.ErrMissingArgument) {
				t.Errorf("expected ErrMissingArgument, got %v", err)
			}
		})
	})

	t.Run("Search", func(t *testing.T) {
		svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("types") != "TRACKS,ARTISTS" {
				t.Errorf("unexpected types %q", r.URL.Query().Get("types"))
			}
			if r.URL.Query().Get("query") != "queen" {
				t.Errorf("unexpected query %q", r.URL.Query().Get("query"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"tracks":  map[string]any{"items": []any{track(1, "Bohemian Rhapsody")}},
				"albums":  map[string]any{"items": []any{map[string]any{"id": 5, "title": "Ignored"}}},
				"artists": map[string]any{"items": []any{map[string]any{"id": 8, "name": "Queen"}}},
			})
		})

		results, err := svc.Search(ctx, "s1", "queen", []SearchType{SearchTracks, SearchArtists}, 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results.Tracks) != 1 || len(results.Albums) != 0 || len(results.Artists) != 1 {
			t.Errorf("unexpected results %+v", results)
		}
		if results.Artists[0].URL != "https://tidal.com/browse/artist/8?u" {
			t.Errorf("unexpected artist url %s", results.Artists[0].URL)
		}

		if _, err := svc.Search(ctx, "s1", "", nil, 10); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("Playlists", func(t *testing.T) {
		svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/users/1001/playlists" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": []any{
				map[string]any{"uuid": "old", "title": "Old", "lastUpdated": "2022-05-01T10:00:00.000+0000", "numberOfTracks": 3},
				map[string]any{"uuid": "new", "title": "New", "lastUpdated": "2024-05-01T10:00:00.000+0000", "numberOfTracks": 1},
				map[string]any{"uuid": "never", "title": "Never"},
			}})
		})

		playlists, err := svc.Playlists(ctx, "s1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var ids []string
		for _, p := range playlists {
			ids = append(ids, p.ID)
		}
		if !slices.Equal(ids, []string{"new", "old", "never"}) {
			t.Errorf("expected newest first, got %v", ids)
		}
		if playlists[0].URL != "https://tidal.com/playlist/new" {
			t.Errorf("unexpected url %s", playlists[0].URL)
		}
		if want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC); !playlists[0].LastUpdated.Equal(want) {
			t.Errorf("unexpected last updated %v", playlists[0].LastUpdated)
		}
	})

	t.Run("PlaylistTracks", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/playlists/abc/items" || r.URL.Query().Get("limit") != "100" {
					t.Errorf("unexpected request %s", r.URL)
				}
				writeJSON(w, http.StatusOK, map[string]any{"items": []any{
					map[string]any{"type": "track", "item": track(1, "One")},
					map[string]any{"type": "video", "item": track(2, "Video")},
				}})
			})

			tracks, err := svc.PlaylistTracks(ctx, "s1", "abc", 500)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(tracks) != 1 || tracks[0].Title != "One" {
				t.Errorf("unexpected tracks %+v", tracks)
			}
		})

		t.Run("Not Found", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})
			if _, err := svc.PlaylistTracks(ctx, "s1", "abc", 10); !errors.Is(err, shared.ErrPlaylistNotFound) {
				t.Errorf("expected ErrPlaylistNotFound, got %v", err)
			}
		})
	})

	t.Run("CreatePlaylist", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			var added atomic.Bool
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/v1/users/1001/playlists":
					if r.FormValue("title") != "Mix" || r.FormValue("description") != "desc" {
						t.Errorf("unexpected form %v", r.Form)
					}
					writeJSON(w, http.StatusCreated, map[string]any{"uuid": "p1", "title": "Mix", "description": "desc"})
				case r.Method == http.MethodGet && r.URL.Path == "/v1/playlists/p1":
					w.Header().Set("ETag", `"17"`)
					writeJSON(w, http.StatusOK, map[string]any{"uuid": "p1"})
				case r.Method == http.MethodPost && r.URL.Path == "/v1/playlists/p1/items":
					if r.Header.Get("If-None-Match") != `"17"` {
						t.Errorf("expected etag precondition, got %q", r.Header.Get("If-None-Match"))
					}
					if r.FormValue("trackIds") != "1,2" {
						t.Errorf("unexpected track ids %q", r.FormValue("trackIds"))
					}
					added.Store(true)
					writeJSON(w, http.StatusOK, map[string]any{})
				default:
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
			})

			p, err := svc.CreatePlaylist(ctx, "s1", "  Mix ", "desc", []string{"1", "2"})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !added.Load() {
				t.Error("tracks were not added")
			}
			if p.ID != "p1" || p.TrackCount != 2 || p.URL != "https://tidal.com/playlist/p1" {
				t.Errorf("unexpected playlist %+v", p)
			}
		})

		t.Run("Validation", func(t *testing.T) {
			svc, hits := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {})
			tests := []struct {
				name   string
				title  string
				tracks []string
			}{
				{"empty title", "   ", []string{"1"}},
				{"no tracks", "Mix", nil},
			}
			for _, tt := range tests {
				if _, err := svc.CreatePlaylist(ctx, "s1", tt.title, "", tt.tracks); !errors.Is(err, shared.ErrInvalidInput) {
					t.Errorf("%s: expected ErrInvalidInput, got %v", tt.name, err)
				}
			}
			if hits.Load() != 0 {
				t.Error("invalid input should not reach TIDAL")
			}
		})
	})

	t.Run("DeletePlaylist", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/v1/playlists/p1" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(http.StatusNoContent)
			})
			if err := svc.DeletePlaylist(ctx, "s1", "p1"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})

		t.Run("Not Found", func(t *testing.T) {
			svc, _ := newTestCatalog(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			})
			if err := svc.DeletePlaylist(ctx, "s1", "p1"); !errors.Is(err, shared.ErrPlaylistNotFound) {
				t.Errorf("expected ErrPlaylistNotFound, got %v", err)
			}
		})
	})
}

func TestHelpers(t *testing.T) {
	t.Run("BoundLimit", func(t *testing.T) {
		tests := []struct {
			n, maxN, want int
		}{
			{0, MaxLimit, 20},
			{-5, MaxLimit, 20},
			{10, MaxLimit, 10},
			{80, MaxLimit, 50},
			{500, MaxPlaylistTracks, 100},
			{0, 10, 10},
		}
		for _, tt := range tests {
			if got := BoundLimit(tt.n, tt.maxN); got != tt.want {
				t.Errorf("BoundLimit(%d, %d) = %d, want %d", tt.n, tt.maxN, got, tt.want)
			}
		}
	})

	t.Run("ParseSearchTypes", func(t *testing.T) {
		all, err := ParseSearchTypes("")
		if err != nil || len(all) != 3 {
			t.Errorf("empty string should select all types, got %v %v", all, err)
		}

		got, err := ParseSearchTypes(" Tracks, albums ,tracks")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !slices.Equal(got, []SearchType{SearchTracks, SearchAlbums}) {
			t.Errorf("unexpected types %v", got)
		}

		if _, err := ParseSearchTypes("videos"); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := ParseSearchTypes(" , "); !errors.Is(err, shared.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}
