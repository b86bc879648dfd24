package models

import (
	"fmt"
	"time"
)

const tidalBaseURL = "https://tidal.com"

// TrackURL returns the browse URL of a track.
func TrackURL(id string) string { return fmt.Sprintf("%s/browse/track/%s?u", tidalBaseURL, id) }

// AlbumURL returns the browse URL of an album.
func AlbumURL(id string) string { return fmt.Sprintf("%s/browse/album/%s?u", tidalBaseURL, id) }

// ArtistURL returns the browse URL of an artist.
func ArtistURL(id string) string { return fmt.Sprintf("%s/browse/artist/%s?u", tidalBaseURL, id) }

// PlaylistURL returns the URL of a playlist.
func PlaylistURL(id string) string { return fmt.Sprintf("%s/playlist/%s", tidalBaseURL, id) }

// Track represents a catalog track.
//
// SourceTrackID is set on recommendations and names the track they were derived from.
type Track struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Artist        string `json:"artist"`
	Album         string `json:"album"`
	Duration      int    `json:"duration"` // seconds
	URL           string `json:"url,omitempty"`
	SourceTrackID string `json:"source_track_id,omitempty"`
}

// Album represents a catalog album.
type Album struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	ReleaseDate string `json:"release_date,omitempty"`
	Duration    int    `json:"duration"`
	NumTracks   int    `json:"num_tracks"`
	URL         string `json:"url,omitempty"`
}

// Artist represents a catalog artist.
type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Playlist represents a user playlist.
type Playlist struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Created     time.Time `json:"created,omitzero"`
	LastUpdated time.Time `json:"last_updated,omitzero"`
	TrackCount  int       `json:"track_count"`
	Duration    int       `json:"duration"`
	URL         string    `json:"url,omitempty"`
}

// SearchResults groups search hits by type.
type SearchResults struct {
	Tracks  []Track  `json:"tracks"`
	Albums  []Album  `json:"albums"`
	Artists []Artist `json:"artists"`
}
