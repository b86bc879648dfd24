package main

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"github.com/stevedimarzio/tidal-mcp/internal/formatter"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/stevedimarzio/tidal-mcp/internal/tasks"
	"github.com/stevedimarzio/tidal-mcp/internal/ui"
	"github.com/urfave/cli/v3"
)

// catalogSession opens the local store and resolves the session catalog calls run as.
func (r *Runner) catalogSession(ctx context.Context, cmd *cli.Command) (string, error) {
	if cmd.String("server") != "" {
		return "", fmt.Errorf("%w: catalog commands read the local session store, use `api get` to query a server", shared.ErrInvalidArgument)
	}
	if err := r.open(ctx); err != nil {
		return "", err
	}
	return r.requireSession(cmd)
}

// Search searches the catalog for the query argument.
func (r *Runner) Search(ctx context.Context, cmd *cli.Command) error {
	query := strings.TrimSpace(cmd.StringArg("query"))
	if query == "" {
		return fmt.Errorf("%w: query", shared.ErrMissingArgument)
	}
	types, err := services.ParseSearchTypes(cmd.String("types"))
	if err != nil {
		return err
	}

	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	results, err := r.catalog.Search(ctx, id, query, types, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Search(f, query, results) })
}

// Favorites lists the favorite tracks of the session user.
func (r *Runner) Favorites(ctx context.Context, cmd *cli.Command) error {
	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	tracks, err := r.catalog.FavoriteTracks(ctx, id, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Tracks(f, "Favorite tracks", tracks) })
}

// PlaylistsList lists the playlists of the session user.
func (r *Runner) PlaylistsList(ctx context.Context, cmd *cli.Command) error {
	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	playlists, err := r.catalog.Playlists(ctx, id)
	if err != nil {
		return err
	}
	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Playlists(f, playlists) })
}

// PlaylistTracks prints the tracks of a playlist, or exports them to files when --output is set.
func (r *Runner) PlaylistTracks(ctx context.Context, cmd *cli.Command) error {
	playlistID := strings.TrimSpace(cmd.StringArg("id"))
	if playlistID == "" {
		return fmt.Errorf("%w: playlist id", shared.ErrMissingArgument)
	}
	f, err := r.format(cmd)
	if err != nil {
		return err
	}

	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	tracks, err := r.catalog.PlaylistTracks(ctx, id, playlistID, int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	playlist := r.findPlaylist(ctx, id, playlistID)
	output := cmd.String("output")
	if output == "" {
		return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Tracks(f, playlist.Title, tracks) })
	}

	res, err := formatter.WritePlaylistExport(f, playlist, tracks, output)
	if err != nil {
		return err
	}
	r.logger.Info("playlist exported", "playlist", playlistID, "tracks", len(tracks))
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("✓ Exported %d tracks", len(tracks))))
	r.writePlain("  %s\n  %s\n", res.TracksFile, res.MetadataFile)
	return nil
}

// findPlaylist looks up playlist metadata for titles and exports. A failed lookup falls back to the bare id.
func (r *Runner) findPlaylist(ctx context.Context, sessionID, playlistID string) models.Playlist {
	playlists, err := r.catalog.Playlists(ctx, sessionID)
	if err != nil {
		r.logger.Debug("playlist lookup failed", "playlist", playlistID, "error", err)
	}
	for _, p := range playlists {
		if p.ID == playlistID {
			return p
		}
	}
	return models.Playlist{ID: playlistID, Title: playlistID, URL: models.PlaylistURL(playlistID)}
}

// PlaylistCreate creates a playlist, optionally seeded with tracks.
func (r *Runner) PlaylistCreate(ctx context.Context, cmd *cli.Command) error {
	title := strings.TrimSpace(cmd.StringArg("title"))
	if title == "" {
		return fmt.Errorf("%w: title", shared.ErrMissingArgument)
	}

	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	trackIDs := splitIDs(cmd.StringSlice("tracks"))
	playlist, err := r.catalog.CreatePlaylist(ctx, id, title, cmd.String("description"), trackIDs)
	if err != nil {
		return err
	}

	if f, _ := r.format(cmd); f == formatter.JSON {
		return r.writeJSON(playlist, true)
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("✓ Playlist '%s' created with %d tracks", playlist.Title, len(trackIDs))))
	r.writePlain("  %s\n", playlist.URL)
	return nil
}

// PlaylistDelete deletes a playlist owned by the session user.
func (r *Runner) PlaylistDelete(ctx context.Context, cmd *cli.Command) error {
	playlistID := strings.TrimSpace(cmd.StringArg("id"))
	if playlistID == "" {
		return fmt.Errorf("%w: playlist id", shared.ErrMissingArgument)
	}

	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}

	if err := r.catalog.DeletePlaylist(ctx, id, playlistID); err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("✓ Playlist with ID %s was successfully deleted", playlistID)))
	return nil
}

// Recommend prints the track radio of one seed, or the merged recommendations of several.
func (r *Runner) Recommend(ctx context.Context, cmd *cli.Command) error {
	seeds := splitIDs(cmd.Args().Slice())
	if len(seeds) == 0 {
		return fmt.Errorf("%w: at least one track id", shared.ErrMissingArgument)
	}

	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}
	limit := int(cmd.Int("limit"))

	if len(seeds) == 1 {
		tracks, err := r.catalog.Recommendations(ctx, id, seeds[0], limit)
		if err != nil {
			return err
		}
		title := "Recommendations for " + seeds[0]
		return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Tracks(f, title, tracks) })
	}

	progress := make(chan tasks.ProgressUpdate, len(seeds)+2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for update := range progress {
			r.logger.Info(update.Message, "phase", update.Phase, "step", update.Step, "total", update.Total)
		}
	}()

	res, err := r.engine.Batch(ctx, progress, id, seeds, tasks.BatchOpts{
		LimitPerTrack:    limit,
		RemoveDuplicates: !cmd.Bool("keep-duplicates"),
		NumWorkers:       cmp.Or(int(cmd.Int("workers")), r.config.Catalog.Workers),
		RateLimit:        r.config.Catalog.RateLimit,
	})
	close(progress)
	<-done
	if err != nil {
		return err
	}

	for _, seed := range res.Seeds {
		if seed.Error != nil {
			r.logger.Warn("seed skipped", "track", seed.TrackID, "error", seed.Error)
		}
	}
	r.logger.Info("recommendations merged", "tracks", len(res.Recommendations), "duplicates", res.Duplicates, "failed", res.Failed)

	title := fmt.Sprintf("Recommendations for %d tracks", len(seeds))
	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Tracks(f, title, res.Recommendations) })
}

// Browse opens the playlist browser for the session.
func (r *Runner) Browse(ctx context.Context, cmd *cli.Command) error {
	id, err := r.catalogSession(ctx, cmd)
	if err != nil {
		return err
	}
	if _, err := r.manager.ValidToken(ctx, id); err != nil {
		return err
	}

	defer r.logToFile()()
	_, err = ui.Run(ctx, ui.Options{
		SessionID: id,
		Poller:    r.manager,
		Catalog:   r.catalog,
		Launcher:  r.launcher,
	})
	return err
}

// splitIDs flattens comma separated ids and drops blanks.
func splitIDs(values []string) []string {
	var ids []string
	for _, v := range values {
		for id := range strings.SplitSeq(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
