// package formatter renders catalog and session data as plain text, Markdown, CSV or JSON
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

// Format selects an output representation.
type Format string

const (
	Text     Format = "text"
	Markdown Format = "markdown"
	CSV      Format = "csv"
	JSON     Format = "json"
)

// ParseFormat parses a format name. "md" and "txt" are accepted as aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "txt":
		return Text, nil
	case "markdown", "md":
		return Markdown, nil
	case "csv":
		return CSV, nil
	case "json":
		return JSON, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (use text, markdown, csv or json)", shared.ErrInvalidArgument, s)
	}
}

// Ext returns the file extension used for f.
func (f Format) Ext() string {
	switch f {
	case Markdown:
		return ".md"
	case CSV:
		return ".csv"
	case JSON:
		return ".json"
	default:
		return ".txt"
	}
}

func writeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// Tracks renders a titled track list.
func Tracks(f Format, title string, tracks []models.Track) ([]byte, error) {
	switch f {
	case JSON:
		return shared.MarshalJSON(map[string]any{"title": title, "tracks": nonNil(tracks)}, true)
	case CSV:
		rows := make([][]string, 0, len(tracks))
		for _, t := range tracks {
			rows = append(rows, []string{t.ID, t.Title, t.Artist, t.Album, strconv.Itoa(t.Duration), t.URL, t.SourceTrackID})
		}
		return writeCSV([]string{"ID", "Title", "Artist", "Album", "Duration", "URL", "Source Track"}, rows)
	case Markdown:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "# %s\n\n", title)
		fmt.Fprintf(&buf, "**Tracks**: %d\n\n", len(tracks))
		for i, t := range tracks {
			name := t.Title
			if t.URL != "" {
				name = fmt.Sprintf("[%s](%s)", t.Title, t.URL)
			}
			albumPart := ""
			if t.Album != "" {
				albumPart = fmt.Sprintf(" (%s)", t.Album)
			}
			fmt.Fprintf(&buf, "%d. %s - %s%s [%s]\n", i+1, t.Artist, name, albumPart, shared.FormatDuration(t.Duration))
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "%s\n", title)
		fmt.Fprintf(&buf, "Tracks: %d\n\n", len(tracks))
		for i, t := range tracks {
			fmt.Fprintf(&buf, "%d. %s - %s [%s] (id %s)\n", i+1, t.Artist, t.Title, shared.FormatDuration(t.Duration), t.ID)
		}
		return buf.Bytes(), nil
	}
}

func updated(p models.Playlist) string {
	if p.LastUpdated.IsZero() {
		return "never"
	}
	return p.LastUpdated.Format(time.DateOnly)
}

// Playlists renders a playlist index.
func Playlists(f Format, playlists []models.Playlist) ([]byte, error) {
	switch f {
	case JSON:
		return shared.MarshalJSON(map[string]any{"playlists": nonNil(playlists)}, true)
	case CSV:
		rows := make([][]string, 0, len(playlists))
		for _, p := range playlists {
			rows = append(rows, []string{p.ID, p.Title, p.Description, strconv.Itoa(p.TrackCount), strconv.Itoa(p.Duration), updated(p), p.URL})
		}
		return writeCSV([]string{"ID", "Title", "Description", "Tracks", "Duration", "Last Updated", "URL"}, rows)
	case Markdown:
		var buf bytes.Buffer
		buf.WriteString("# Playlists\n\n")
		buf.WriteString("| Title | Tracks | Duration | Last Updated |\n|---|---|---|---|\n")
		for _, p := range playlists {
			fmt.Fprintf(&buf, "| [%s](%s) | %d | %s | %s |\n", p.Title, p.URL, p.TrackCount, shared.FormatDuration(p.Duration), updated(p))
		}
		return buf.Bytes(), nil
	default:
		var buf bytes.Buffer
		fmt.Fprintf(&buf, "Playlists: %d\n\n", len(playlists))
		for _, p := range playlists {
			fmt.Fprintf(&buf, "%s  %s (%d tracks, updated %s)\n", p.ID, p.Title, p.TrackCount, updated(p))
		}
		return buf.Bytes(), nil
	}
}

// Search renders search results grouped by type.
func Search(f Format, query string, results *models.SearchResults) ([]byte, error) {
	if f == JSON {
		return shared.MarshalJSON(map[string]any{"query": query, "results": results}, true)
	}
	if f == CSV {
		var rows [][]string
		for _, t := range results.Tracks {
			rows = append(rows, []string{"track", t.ID, t.Title, t.Artist, t.URL})
		}
		for _, a := range results.Albums {
			rows = append(rows, []string{"album", a.ID, a.Title, a.Artist, a.URL})
		}
		for _, a := range results.Artists {
			rows = append(rows, []string{"artist", a.ID, a.Name, "", a.URL})
		}
		return writeCSV([]string{"Type", "ID", "Name", "Artist", "URL"}, rows)
	}

	heading := func(buf *bytes.Buffer, s string) {
		if f == Markdown {
			fmt.Fprintf(buf, "## %s\n\n", s)
		} else {
			fmt.Fprintf(buf, "%s\n", s)
		}
	}

	var buf bytes.Buffer
	if f == Markdown {
		fmt.Fprintf(&buf, "# Search: %s\n\n", query)
	} else {
		fmt.Fprintf(&buf, "Search: %s\n\n", query)
	}

	if len(results.Tracks) > 0 {
		heading(&buf, fmt.Sprintf("Tracks (%d)", len(results.Tracks)))
		for i, t := range results.Tracks {
			fmt.Fprintf(&buf, "%d. %s - %s [%s] (id %s)\n", i+1, t.Artist, t.Title, shared.FormatDuration(t.Duration), t.ID)
		}
		buf.WriteString("\n")
	}
	if len(results.Albums) > 0 {
		heading(&buf, fmt.Sprintf("Albums (%d)", len(results.Albums)))
		for i, a := range results.Albums {
			fmt.Fprintf(&buf, "%d. %s - %s (%d tracks) (id %s)\n", i+1, a.Artist, a.Title, a.NumTracks, a.ID)
		}
		buf.WriteString("\n")
	}
	if len(results.Artists) > 0 {
		heading(&buf, fmt.Sprintf("Artists (%d)", len(results.Artists)))
		for i, a := range results.Artists {
			fmt.Fprintf(&buf, "%d. %s (id %s)\n", i+1, a.Name, a.ID)
		}
		buf.WriteString("\n")
	}
	if len(results.Tracks)+len(results.Albums)+len(results.Artists) == 0 {
		buf.WriteString("No results.\n")
	}
	return buf.Bytes(), nil
}

// Sessions renders the session index.
func Sessions(f Format, list []sessions.SessionSummary) ([]byte, error) {
	switch f {
	case JSON:
		return shared.MarshalJSON(map[string]any{"sessions": nonNil(list)}, true)
	case CSV:
		rows := make([][]string, 0, len(list))
		for _, s := range list {
			rows = append(rows, []string{s.SessionID, string(s.State), s.Username, s.CreatedAt.Format(time.RFC3339), s.LastUsedAt.Format(time.RFC3339)})
		}
		return writeCSV([]string{"Session", "State", "Username", "Created", "Last Used"}, rows)
	default:
		var buf bytes.Buffer
		if len(list) == 0 {
			buf.WriteString("No sessions.\n")
			return buf.Bytes(), nil
		}
		for _, s := range list {
			user := s.Username
			if user == "" {
				user = "-"
			}
			fmt.Fprintf(&buf, "%-36s  %-10s  %-16s  last used %s\n", s.SessionID, s.State, user, s.LastUsedAt.Local().Format(time.DateTime))
		}
		return buf.Bytes(), nil
	}
}

// Status renders one session status.
func Status(f Format, st *sessions.StatusResult) ([]byte, error) {
	if f == JSON || f == CSV {
		return shared.MarshalJSON(st, true)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Session: %s\n", st.SessionID)
	fmt.Fprintf(&buf, "State: %s\n", st.State)
	if st.Identity != nil {
		fmt.Fprintf(&buf, "User: %s (%s)\n", st.Identity.Username, st.Identity.UserID)
		if st.Identity.Email != "" {
			fmt.Fprintf(&buf, "Email: %s\n", st.Identity.Email)
		}
	}
	if st.State == models.StatePending {
		fmt.Fprintf(&buf, "Open %s and enter code %s (%s left)\n", st.AuthURL, st.UserCode, shared.FormatDuration(st.ExpiresIn))
	}
	if st.Error != "" {
		fmt.Fprintf(&buf, "Error: %s\n", st.Error)
	}
	if !st.LastUsedAt.IsZero() {
		fmt.Fprintf(&buf, "Last used: %s\n", st.LastUsedAt.Local().Format(time.DateTime))
	}
	return buf.Bytes(), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// ExportResult contains the paths of files created by [WritePlaylistExport].
type ExportResult struct {
	TracksFile   string
	MetadataFile string
}

// WritePlaylistExport writes the tracks of a playlist in format f with an accompanying metadata JSON file.
//
// Defaults to the playlist ID as the base path & creates {base}_tracks{ext} and {base}_metadata.json
func WritePlaylistExport(f Format, playlist models.Playlist, tracks []models.Track, basePath string) (*ExportResult, error) {
	if basePath == "" {
		basePath = playlist.ID
	}
	if dir := filepath.Dir(basePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	data, err := Tracks(f, playlist.Title, tracks)
	if err != nil {
		return nil, fmt.Errorf("failed to render tracks: %w", err)
	}

	tracksFile := basePath + "_tracks" + f.Ext()
	if err := os.WriteFile(tracksFile, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write tracks file: %w", err)
	}

	metadata, err := shared.MarshalJSON(playlist, true)
	if err != nil {
		return nil, fmt.Errorf("failed to generate metadata JSON: %w", err)
	}

	metadataFile := basePath + "_metadata.json"
	if err := os.WriteFile(metadataFile, metadata, 0644); err != nil {
		return nil, fmt.Errorf("failed to write metadata file: %w", err)
	}

	return &ExportResult{TracksFile: tracksFile, MetadataFile: metadataFile}, nil
}
