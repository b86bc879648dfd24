package formatter

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	th "github.com/stevedimarzio/tidal-mcp/internal/testing"
)

func sampleTracks() []models.Track {
	return []models.Track{
		{ID: "track1", Title: "Song One", Artist: "Artist One", Album: "Album One", Duration: 180, URL: models.TrackURL("track1")},
		{ID: "track2", Title: "Song, Two", Artist: "Artist Two", Duration: 240, SourceTrackID: "seed"},
	}
}

func samplePlaylists() []models.Playlist {
	return []models.Playlist{
		{ID: "p1", Title: "Morning", TrackCount: 12, Duration: 3000, LastUpdated: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), URL: models.PlaylistURL("p1")},
		{ID: "p2", Title: "Empty"},
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
	}{
		{"", Text},
		{"txt", Text},
		{"Markdown", Markdown},
		{"md", Markdown},
		{"csv", CSV},
		{" json ", JSON},
	}

	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if err != nil {
			t.Errorf("ParseFormat(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := ParseFormat("xml"); !errors.Is(err, shared.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestTracks(t *testing.T) {
	t.Run("CSV", func(t *testing.T) {
		data, err := Tracks(CSV, "Favorites", sampleTracks())
		if err != nil {
			t.Fatalf("Tracks failed: %v", err)
		}

		records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		if err != nil {
			t.Fatalf("output is not valid CSV: %v", err)
		}
		if len(records) != 3 {
			t.Fatalf("expected header and 2 rows, got %d", len(records))
		}
		if strings.Join(records[0], ",") != "ID,Title,Artist,Album,Duration,URL,Source Track" {
			t.Errorf("unexpected headers %v", records[0])
		}
		if records[2][1] != "Song, Two" || records[2][4] != "240" || records[2][6] != "seed" {
			t.Errorf("unexpected row %v", records[2])
		}
	})

	t.Run("Markdown", func(t *testing.T) {
		data, err := Tracks(Markdown, "Favorites", sampleTracks())
		if err != nil {
			t.Fatalf("Tracks failed: %v", err)
		}

		output := string(data)
		for _, want := range []string{
			"# Favorites",
			"**Tracks**: 2",
			"1. Artist One - [Song One](https://tidal.com/browse/track/track1?u) (Album One) [3:00]",
			"2. Artist Two - Song, Two [4:00]",
		} {
			if !strings.Contains(output, want) {
				t.Errorf("Markdown missing %q, got:\n%s", want, output)
			}
		}
	})

	t.Run("Text", func(t *testing.T) {
		data, err := Tracks(Text, "Favorites", sampleTracks())
		if err != nil {
			t.Fatalf("Tracks failed: %v", err)
		}

		output := string(data)
		if !strings.Contains(output, "Tracks: 2") || !strings.Contains(output, "1. Artist One - Song One [3:00] (id track1)") {
			t.Errorf("unexpected text output:\n%s", output)
		}
	})

	t.Run("JSON Empty List", func(t *testing.T) {
		data, err := Tracks(JSON, "Nothing", nil)
		if err != nil {
			t.Fatalf("Tracks failed: %v", err)
		}

		var got struct {
			Tracks []models.Track `json:"tracks"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.Tracks == nil || !strings.Contains(string(data), `"tracks": []`) {
			t.Errorf("expected an empty array, got %s", data)
		}
	})
}

func TestPlaylists(t *testing.T) {
	t.Run("Text", func(t *testing.T) {
		data, err := Playlists(Text, samplePlaylists())
		if err != nil {
			t.Fatalf("Playlists failed: %v", err)
		}

		output := string(data)
		if !strings.Contains(output, "p1  Morning (12 tracks, updated 2024-05-01)") {
			t.Errorf("missing first playlist, got:\n%s", output)
		}
		if !strings.Contains(output, "p2  Empty (0 tracks, updated never)") {
			t.Errorf("missing second playlist, got:\n%s", output)
		}
	})

	t.Run("Markdown", func(t *testing.T) {
		data, err := Playlists(Markdown, samplePlaylists())
		if err != nil {
			t.Fatalf("Playlists failed: %v", err)
		}

		if !strings.Contains(string(data), "| [Morning](https://tidal.com/playlist/p1) | 12 | 50:00 | 2024-05-01 |") {
			t.Errorf("unexpected markdown:\n%s", data)
		}
	})

	t.Run("CSV", func(t *testing.T) {
		data, err := Playlists(CSV, samplePlaylists())
		if err != nil {
			t.Fatalf("Playlists failed: %v", err)
		}

		records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
		if err != nil || len(records) != 3 {
			t.Fatalf("expected 3 CSV records, got %d (%v)", len(records), err)
		}
	})
}

func TestSearch(t *testing.T) {
	results := &models.SearchResults{
		Tracks:  sampleTracks()[:1],
		Albums:  []models.Album{{ID: "a1", Title: "Album One", Artist: "Artist One", NumTracks: 10}},
		Artists: []models.Artist{},
	}

	t.Run("Groups By Type", func(t *testing.T) {
		data, err := Search(Markdown, "one", results)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}

		output := string(data)
		for _, want := range []string{"# Search: one", "## Tracks (1)", "## Albums (1)", "1. Artist One - Album One (10 tracks) (id a1)"} {
			if !strings.Contains(output, want) {
				t.Errorf("missing %q, got:\n%s", want, output)
			}
		}
		if strings.Contains(output, "Artists") {
			t.Errorf("empty group should be omitted, got:\n%s", output)
		}
	})

	t.Run("No Results", func(t *testing.T) {
		data, err := Search(Text, "zzz", &models.SearchResults{})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if !strings.Contains(string(data), "No results.") {
			t.Errorf("expected no results message, got:\n%s", data)
		}
	})

	t.Run("CSV", func(t *testing.T) {
		data, err := Search(CSV, "one", results)
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if !strings.Contains(string(data), "album,a1,Album One,Artist One,") {
			t.Errorf("unexpected CSV:\n%s", data)
		}
	})
}

func TestSessionsAndStatus(t *testing.T) {
	t.Run("Sessions Empty", func(t *testing.T) {
		data, err := Sessions(Text, nil)
		if err != nil {
			t.Fatalf("Sessions failed: %v", err)
		}
		if string(data) != "No sessions.\n" {
			t.Errorf("unexpected output %q", data)
		}
	})

	t.Run("Sessions Text", func(t *testing.T) {
		data, err := Sessions(Text, []sessions.SessionSummary{
			{SessionID: "alice", State: models.StateAuthorized, Username: "al"},
			{SessionID: "bob", State: models.StatePending},
		})
		if err != nil {
			t.Fatalf("Sessions failed: %v", err)
		}

		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 || !strings.Contains(lines[0], "authorized") || !strings.Contains(lines[1], " - ") {
			t.Errorf("unexpected output:\n%s", data)
		}
	})

	t.Run("Pending Status", func(t *testing.T) {
		data, err := Status(Text, &sessions.StatusResult{
			SessionID: "s1",
			State:     models.StatePending,
			AuthURL:   "https://link.tidal.com/ABCDE",
			UserCode:  "ABCDE",
			ExpiresIn: 90,
		})
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if !strings.Contains(string(data), "Open https://link.tidal.com/ABCDE and enter code ABCDE (1:30 left)") {
			t.Errorf("unexpected output:\n%s", data)
		}
	})

	t.Run("Authorized Status", func(t *testing.T) {
		data, err := Status(Text, &sessions.StatusResult{
			SessionID:  "s1",
			State:      models.StateAuthorized,
			Authorized: true,
			Identity:   &models.Identity{UserID: "1001", Username: "listener", Email: "l@example.com"},
		})
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}

		output := string(data)
		if !strings.Contains(output, "User: listener (1001)") || !strings.Contains(output, "Email: l@example.com") {
			t.Errorf("unexpected output:\n%s", output)
		}
		if strings.Contains(output, "enter code") {
			t.Errorf("authorized status should not show the code:\n%s", output)
		}
	})
}

func TestWritePlaylistExport(t *testing.T) {
	playlist := samplePlaylists()[0]

	t.Run("Default Path", func(t *testing.T) {
		t.Chdir(t.TempDir())

		result, err := WritePlaylistExport(CSV, playlist, sampleTracks(), "")
		if err != nil {
			t.Fatalf("WritePlaylistExport failed: %v", err)
		}
		if result.TracksFile != "p1_tracks.csv" || result.MetadataFile != "p1_metadata.json" {
			t.Errorf("unexpected files %+v", result)
		}

		th.AssertFileExists(t, result.TracksFile)
		th.AssertFileExists(t, result.MetadataFile)

		if content := th.MustReadFile(t, result.MetadataFile); !strings.Contains(content, `"title": "Morning"`) {
			t.Errorf("metadata missing title, got:\n%s", content)
		}
	})

	t.Run("Nested Path", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "exports", "morning")

		result, err := WritePlaylistExport(Markdown, playlist, sampleTracks(), base)
		if err != nil {
			t.Fatalf("WritePlaylistExport failed: %v", err)
		}
		if result.TracksFile != base+"_tracks.md" {
			t.Errorf("unexpected tracks file %s", result.TracksFile)
		}
		if content := th.MustReadFile(t, result.TracksFile); !strings.Contains(content, "# Morning") {
			t.Errorf("unexpected markdown:\n%s", content)
		}
	})
}
