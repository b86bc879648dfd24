package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/stevedimarzio/tidal-mcp/internal/tasks"
)

// BatchRecommender merges recommendations for many seed tracks. Implemented by [tasks.RecommendationEngine].
type BatchRecommender interface {
	Batch(ctx context.Context, progress chan<- tasks.ProgressUpdate, sessionID string, trackIDs []string, opts tasks.BatchOpts) (*tasks.BatchResult, error)
}

// CatalogHandler forwards catalog requests for the caller's session to a [services.Catalog].
type CatalogHandler struct {
	catalog  services.Catalog
	batch    BatchRecommender
	sessions SessionManager
	logger   *log.Logger
}

// NewCatalogHandler creates a [CatalogHandler]. The session id of each request is resolved through manager.
func NewCatalogHandler(catalog services.Catalog, batch BatchRecommender, manager SessionManager, logger *log.Logger) *CatalogHandler {
	return &CatalogHandler{catalog: catalog, batch: batch, sessions: manager, logger: logger}
}

func (h *CatalogHandler) Routes() []string {
	return []string{
		"GET /tracks/favorites",
		"GET /tracks/{id}/recommendations",
		"POST /recommendations/batch",
		"GET /search",
		"GET /search/{type}",
		"GET /playlists",
		"POST /playlists",
		"GET /playlists/{id}/tracks",
		"DELETE /playlists/{id}",
	}
}

func (h *CatalogHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, h.sessions)
	if id == "" {
		writeError(w, h.logger, fmt.Errorf("%w: no session id in request", shared.ErrAuthRequired))
		return
	}

	var (
		body any
		err  error
	)
	switch r.Pattern {
	case "GET /tracks/favorites":
		body, err = h.favorites(r, id)
	case "GET /tracks/{id}/recommendations":
		body, err = h.recommendations(r, id)
	case "POST /recommendations/batch":
		body, err = h.batchRecommendations(r, id)
	case "GET /search":
		body, err = h.search(r, id, r.URL.Query().Get("types"))
	case "GET /search/{type}":
		body, err = h.search(r, id, r.PathValue("type"))
	case "GET /playlists":
		body, err = h.playlists(r, id)
	case "POST /playlists":
		body, err = h.createPlaylist(r, id)
	case "GET /playlists/{id}/tracks":
		body, err = h.playlistTracks(r, id)
	case "DELETE /playlists/{id}":
		body, err = h.deletePlaylist(r, id)
	default:
		http.NotFound(w, r)
		return
	}

	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// queryLimit reads the limit query parameter. A missing value is 0, which the catalog bounds to its default.
func queryLimit(r *http.Request) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get("limit"))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be an integer, got %q", shared.ErrInvalidArgument, v)
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *CatalogHandler) favorites(r *http.Request, id string) (any, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	tracks, err := h.catalog.FavoriteTracks(r.Context(), id, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tracks": nonNil(tracks)}, nil
}

func (h *CatalogHandler) recommendations(r *http.Request, id string) (any, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	trackID := r.PathValue("id")
	tracks, err := h.catalog.Recommendations(r.Context(), id, trackID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"track_id": trackID, "recommendations": nonNil(tracks)}, nil
}

type batchRequest struct {
	TrackIDs         []string `json:"track_ids"`
	LimitPerTrack    int      `json:"limit_per_track"`
	RemoveDuplicates *bool    `json:"remove_duplicates"`
}

type seedView struct {
	TrackID string `json:"track_id"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

func (h *CatalogHandler) batchRecommendations(r *http.Request, id string) (any, error) {
	if h.batch == nil {
		return nil, fmt.Errorf("%w: batch recommendations not configured", shared.ErrServiceUnavailable)
	}

	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if len(req.TrackIDs) == 0 {
		return nil, fmt.Errorf("%w: track_ids cannot be empty", shared.ErrInvalidInput)
	}

	opts := tasks.BatchOpts{LimitPerTrack: req.LimitPerTrack, RemoveDuplicates: true}
	if req.RemoveDuplicates != nil {
		opts.RemoveDuplicates = *req.RemoveDuplicates
	}

	res, err := h.batch.Batch(r.Context(), nil, id, req.TrackIDs, opts)
	if err != nil {
		return nil, err
	}

	seeds := make([]seedView, 0, len(res.Seeds))
	for _, s := range res.Seeds {
		v := seedView{TrackID: s.TrackID, Count: s.Count}
		if s.Error != nil {
			v.Error = s.Error.Error()
		}
		seeds = append(seeds, v)
	}
	return map[string]any{
		"recommendations": nonNil(res.Recommendations),
		"total_count":     len(res.Recommendations),
		"seeds":           seeds,
		"duplicates":      res.Duplicates,
		"failed":          res.Failed,
	}, nil
}

func (h *CatalogHandler) search(r *http.Request, id, rawTypes string) (any, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	types, err := services.ParseSearchTypes(rawTypes)
	if err != nil {
		return nil, err
	}

	query := r.URL.Query().Get("query")
	res, err := h.catalog.Search(r.Context(), id, query, types, limit)
	if err != nil {
		return nil, err
	}
	res.Tracks = nonNil(res.Tracks)
	res.Albums = nonNil(res.Albums)
	res.Artists = nonNil(res.Artists)

	return map[string]any{
		"query":         query,
		"results":       res,
		"total_tracks":  len(res.Tracks),
		"total_albums":  len(res.Albums),
		"total_artists": len(res.Artists),
	}, nil
}

func (h *CatalogHandler) playlists(r *http.Request, id string) (any, error) {
	lists, err := h.catalog.Playlists(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"playlists": nonNil(lists)}, nil
}

func (h *CatalogHandler) playlistTracks(r *http.Request, id string) (any, error) {
	limit, err := queryLimit(r)
	if err != nil {
		return nil, err
	}
	playlistID := r.PathValue("id")
	tracks, err := h.catalog.PlaylistTracks(r.Context(), id, playlistID, limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"playlist_id":  playlistID,
		"tracks":       nonNil(tracks),
		"total_tracks": len(tracks),
	}, nil
}

type createPlaylistRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	TrackIDs    []string `json:"track_ids"`
}

func (h *CatalogHandler) createPlaylist(r *http.Request, id string) (any, error) {
	var req createPlaylistRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}

	playlist, err := h.catalog.CreatePlaylist(r.Context(), id, req.Title, req.Description, req.TrackIDs)
	if err != nil {
		return nil, err
	}
	return struct {
		Status   string           `json:"status"`
		Message  string           `json:"message"`
		Playlist *models.Playlist `json:"playlist"`
	}{
		Status:   "success",
		Message:  fmt.Sprintf("Playlist '%s' created with %d tracks", playlist.Title, len(req.TrackIDs)),
		Playlist: playlist,
	}, nil
}

func (h *CatalogHandler) deletePlaylist(r *http.Request, id string) (any, error) {
	playlistID := r.PathValue("id")
	if err := h.catalog.DeletePlaylist(r.Context(), id, playlistID); err != nil {
		return nil, err
	}
	return map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Playlist with ID %s was successfully deleted", playlistID),
	}, nil
}
