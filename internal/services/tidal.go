// TIDAL v1 catalog implementation of [Catalog]
package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/time/rate"
)

type tidalArtist struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type tidalAlbumRef struct {
	ID    json.Number `json:"id"`
	Title string      `json:"title"`
}

// TidalTrack is a track as returned by the v1 API.
type TidalTrack struct {
	ID       json.Number   `json:"id"`
	Title    string        `json:"title"`
	Duration int           `json:"duration"`
	Artist   *tidalArtist  `json:"artist"`
	Artists  []tidalArtist `json:"artists"`
	Album    tidalAlbumRef `json:"album"`
}

// TidalAlbum is an album as returned by the v1 API.
type TidalAlbum struct {
	ID             json.Number   `json:"id"`
	Title          string        `json:"title"`
	Artist         *tidalArtist  `json:"artist"`
	Artists        []tidalArtist `json:"artists"`
	ReleaseDate    string        `json:"releaseDate"`
	Duration       int           `json:"duration"`
	NumberOfTracks int           `json:"numberOfTracks"`
}

// TidalPlaylist is a playlist as returned by the v1 API.
type TidalPlaylist struct {
	UUID           string    `json:"uuid"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Created        tidalTime `json:"created"`
	LastUpdated    tidalTime `json:"lastUpdated"`
	NumberOfTracks int       `json:"numberOfTracks"`
	Duration       int       `json:"duration"`
}

type itemsPage[T any] struct {
	Items              []T `json:"items"`
	TotalNumberOfItems int `json:"totalNumberOfItems"`
}

type wrappedItem[T any] struct {
	Item T      `json:"item"`
	Type string `json:"type"`
}

type searchResponse struct {
	Tracks  itemsPage[TidalTrack]  `json:"tracks"`
	Albums  itemsPage[TidalAlbum]  `json:"albums"`
	Artists itemsPage[tidalArtist] `json:"artists"`
}

// tidalTime parses the "2006-01-02T15:04:05.000-0700" timestamps of the v1 API.
type tidalTime struct {
	time.Time
}

var tidalTimeLayouts = []string{"2006-01-02T15:04:05.000-0700", "2006-01-02T15:04:05-0700", time.RFC3339Nano}

func (t *tidalTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		return nil
	}
	for _, layout := range tidalTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func artistName(primary *tidalArtist, all []tidalArtist) string {
	if primary != nil && primary.Name != "" {
		return primary.Name
	}
	if len(all) > 0 {
		return all[0].Name
	}
	return "Unknown Artist"
}

func (t TidalTrack) toModel() models.Track {
	id := t.ID.String()
	return models.Track{
		ID:       id,
		Title:    t.Title,
		Artist:   artistName(t.Artist, t.Artists),
		Album:    cmp.Or(t.Album.Title, "Unknown Album"),
		Duration: t.Duration,
		URL:      models.TrackURL(id),
	}
}

func (a TidalAlbum) toModel() models.Album {
	id := a.ID.String()
	return models.Album{
		ID:          id,
		Title:       a.Title,
		Artist:      artistName(a.Artist, a.Artists),
		ReleaseDate: a.ReleaseDate,
		Duration:    a.Duration,
		NumTracks:   a.NumberOfTracks,
		URL:         models.AlbumURL(id),
	}
}

func (a tidalArtist) toModel() models.Artist {
	id := a.ID.String()
	return models.Artist{ID: id, Name: a.Name, URL: models.ArtistURL(id)}
}

func (p TidalPlaylist) toModel() models.Playlist {
	return models.Playlist{
		ID:          p.UUID,
		Title:       p.Title,
		Description: p.Description,
		Created:     p.Created.Time,
		LastUpdated: p.LastUpdated.Time,
		TrackCount:  p.NumberOfTracks,
		Duration:    p.Duration,
		URL:         models.PlaylistURL(p.UUID),
	}
}

// TidalService implements [Catalog] against the TIDAL v1 API.
type TidalService struct {
	tokens      TokenProvider
	apiURL      string
	countryCode string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *log.Logger
}

// NewTidalService creates a catalog client that authenticates every call through tokens.
func NewTidalService(tokens TokenProvider, tidal shared.TidalConfig, catalog shared.CatalogConfig, client *http.Client, logger *log.Logger) *TidalService {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	limit := rate.Inf
	burst := 1
	if catalog.RateLimit > 0 {
		limit = rate.Limit(catalog.RateLimit)
		burst = max(1, int(catalog.RateLimit))
	}

	return &TidalService{
		tokens:      tokens,
		apiURL:      strings.TrimRight(tidal.APIURL, "/"),
		countryCode: cmp.Or(catalog.CountryCode, defaultCountryCode),
		httpClient:  client,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}
}

type apiRequest struct {
	method  string
	path    string
	query   url.Values
	form    url.Values
	headers map[string]string
}

// do performs an authenticated request for sessionID and decodes a JSON body into result when non-nil.
func (s *TidalService) do(ctx context.Context, sessionID string, r apiRequest, result any) (http.Header, int, error) {
	tok, err := s.tokens.ValidToken(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	q := url.Values{}
	for k, v := range r.query {
		q[k] = v
	}
	q.Set("countryCode", s.country(ctx, sessionID))

	var body io.Reader
	if r.form != nil {
		body = strings.NewReader(r.form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, r.method, s.apiURL+r.path+"?"+q.Encode(), body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	tok.SetAuthHeader(req)
	if r.form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, resp.StatusCode, fmt.Errorf("%w: token rejected by TIDAL, please log in again", shared.ErrAuthRequired)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Debug("catalog request failed", "method", r.method, "path", r.path, "status", resp.StatusCode)
		return nil, resp.StatusCode, fmt.Errorf("%w: %s %s returned %d", shared.ErrAPIRequest, r.method, r.path, resp.StatusCode)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return nil, resp.StatusCode, fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
		}
	}
	return resp.Header, resp.StatusCode, nil
}

func (s *TidalService) country(ctx context.Context, sessionID string) string {
	if id, err := s.tokens.Identity(ctx, sessionID); err == nil && id.CountryCode != "" {
		return id.CountryCode
	}
	return s.countryCode
}

func (s *TidalService) userID(ctx context.Context, sessionID string) (string, error) {
	id, err := s.tokens.Identity(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

func notFoundAs(status int, err, sentinel error, id string) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}

// FavoriteTracks returns the user's favorite tracks, newest first.
func (s *TidalService) FavoriteTracks(ctx context.Context, sessionID string, limit int) ([]models.Track, error) {
	uid, err := s.userID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var page itemsPage[wrappedItem[TidalTrack]]
	_, _, err = s.do(ctx, sessionID, apiRequest{
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(uid) + "/favorites/tracks",
		query: url.Values{
			"limit":          {strconv.Itoa(BoundLimit(limit, MaxLimit))},
			"order":          {"DATE"},
			"orderDirection": {"DESC"},
		},
	}, &page)
	if err != nil {
		return nil, err
	}

	tracks := make([]models.Track, 0, len(page.Items))
	for _, it := range page.Items {
		tracks = append(tracks, it.Item.toModel())
	}
	return tracks, nil
}

// Recommendations returns the track radio for trackID.
func (s *TidalService) Recommendations(ctx context.Context, sessionID, trackID string, limit int) ([]models.Track, error) {
	if strings.TrimSpace(trackID) == "" {
		return nil, fmt.Errorf("%w: track id", shared.ErrMissingArgument)
	}

	var page itemsPage[TidalTrack]
	_, status, err := s.do(ctx, sessionID, apiRequest{
		method: http.MethodGet,
		path:   "/tracks/" + url.PathEscape(trackID) + "/radio",
		query:  url.Values{"limit": {strconv.Itoa(BoundLimit(limit, MaxLimit))}},
	}, &page)
	if err != nil {
		return nil, notFoundAs(status, err, shared.ErrTrackNotFound, trackID)
	}

	tracks := make([]models.Track, 0, len(page.Items))
	for _, t := range page.Items {
		tracks = append(tracks, t.toModel())
	}
	return tracks, nil
}

// Search looks up query across the selected types.
func (s *TidalService) Search(ctx context.Context, sessionID, query string, types []SearchType, limit int) (*models.SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query", shared.ErrMissingArgument)
	}
	if len(types) == 0 {
		types = []SearchType{SearchTracks, SearchAlbums, SearchArtists}
	}

	upper := make([]string, len(types))
	for i, t := range types {
		upper[i] = strings.ToUpper(string(t))
	}

	var resp searchResponse
	_, _, err := s.do(ctx, sessionID, apiRequest{
		method: http.MethodGet,
		path:   "/search",
		query: url.Values{
			"query": {query},
			"limit": {strconv.Itoa(BoundLimit(limit, MaxLimit))},
			"types": {strings.Join(upper, ",")},
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	results := &models.SearchResults{Tracks: []models.Track{}, Albums: []models.Album{}, Artists: []models.Artist{}}
	if slices.Contains(types, SearchTracks) {
		for _, t := range resp.Tracks.Items {
			results.Tracks = append(results.Tracks, t.toModel())
		}
	}
	if slices.Contains(types, SearchAlbums) {
		for _, a := range resp.Albums.Items {
			results.Albums = append(results.Albums, a.toModel())
		}
	}
	if slices.Contains(types, SearchArtists) {
		for _, a := range resp.Artists.Items {
			results.Artists = append(results.Artists, a.toModel())
		}
	}
	return results, nil
}

// Playlists returns the user's playlists, most recently updated first.
func (s *TidalService) Playlists(ctx context.Context, sessionID string) ([]models.Playlist, error) {
	uid, err := s.userID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var page itemsPage[TidalPlaylist]
	_, _, err = s.do(ctx, sessionID, apiRequest{
		method: http.MethodGet,
		path:   "/users/" + url.PathEscape(uid) + "/playlists",
		query:  url.Values{"limit": {"50"}},
	}, &page)
	if err != nil {
		return nil, err
	}

	playlists := make([]models.Playlist, 0, len(page.Items))
	for _, p := range page.Items {
		playlists = append(playlists, p.toModel())
	}
	slices.SortStableFunc(playlists, func(a, b models.Playlist) int {
		return b.LastUpdated.Compare(a.LastUpdated)
	})
	return playlists, nil
}

// PlaylistTracks returns up to limit tracks of a playlist.
func (s *TidalService) PlaylistTracks(ctx context.Context, sessionID, playlistID string, limit int) ([]models.Track, error) {
	if strings.TrimSpace(playlistID) == "" {
		return nil, fmt.Errorf("%w: playlist id", shared.ErrMissingArgument)
	}

	var page itemsPage[wrappedItem[TidalTrack]]
	_, status, err := s.do(ctx, sessionID, apiRequest{
		method: http.MethodGet,
		path:   "/playlists/" + url.PathEscape(playlistID) + "/items",
		query:  url.Values{"limit": {strconv.Itoa(BoundLimit(limit, MaxPlaylistTracks))}},
	}, &page)
	if err != nil {
		return nil, notFoundAs(status, err, shared.ErrPlaylistNotFound, playlistID)
	}

	tracks := make([]models.Track, 0, len(page.Items))
	for _, it := range page.Items {
		if it.Type != "" && it.Type != "track" {
			continue
		}
		tracks = append(tracks, it.Item.toModel())
	}
	return tracks, nil
}

// CreatePlaylist creates a playlist and adds trackIDs to it.
func (s *TidalService) CreatePlaylist(ctx context.Context, sessionID, title, description string, trackIDs []string) (*models.Playlist, error) {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return nil, fmt.Errorf("%w: title cannot be empty", shared.ErrInvalidInput)
	case len(title) > 200:
		return nil, fmt.Errorf("%w: title is longer than 200 characters", shared.ErrInvalidInput)
	case len(description) > 1000:
		return nil, fmt.Errorf("%w: description is longer than 1000 characters", shared.ErrInvalidInput)
	case len(trackIDs) == 0:
		return nil, fmt.Errorf("%w: at least one track id is required", shared.ErrInvalidInput)
	}

	uid, err := s.userID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var created TidalPlaylist
	_, _, err = s.do(ctx, sessionID, apiRequest{
		method: http.MethodPost,
		path:   "/users/" + url.PathEscape(uid) + "/playlists",
		form:   url.Values{"title": {title}, "description": {description}},
	}, &created)
	if err != nil {
		return nil, err
	}
	if created.UUID == "" {
		return nil, fmt.Errorf("%w: created playlist has no id", shared.ErrAPIRequest)
	}

	path := "/playlists/" + url.PathEscape(created.UUID)
	headers, _, err := s.do(ctx, sessionID, apiRequest{method: http.MethodGet, path: path}, nil)
	if err != nil {
		return nil, err
	}

	_, _, err = s.do(ctx, sessionID, apiRequest{
		method:  http.MethodPost,
		path:    path + "/items",
		form:    url.Values{"trackIds": {strings.Join(trackIDs, ",")}, "onDupes": {"FAIL"}},
		headers: map[string]string{"If-None-Match": headers.Get("ETag")},
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("playlist %s created but adding tracks failed: %w", created.UUID, err)
	}

	p := created.toModel()
	p.TrackCount = len(trackIDs)
	return &p, nil
}

// DeletePlaylist removes a playlist owned by the user.
func (s *TidalService) DeletePlaylist(ctx context.Context, sessionID, playlistID string) error {
	if strings.TrimSpace(playlistID) == "" {
		return fmt.Errorf("%w: playlist id", shared.ErrMissingArgument)
	}

	_, status, err := s.do(ctx, sessionID, apiRequest{
		method: http.MethodDelete,
		path:   "/playlists/" + url.PathEscape(playlistID),
	}, nil)
	if err != nil {
		return notFoundAs(status, err, shared.ErrPlaylistNotFound, playlistID)
	}
	return nil
}

// IsNotFound reports whether err names a missing catalog item.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrPlaylistNotFound) || errors.Is(err, shared.ErrTrackNotFound)
}
