// package services defines the upstream TIDAL integrations: the device authorization provider and the catalog client
package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/oauth2"
)

const (
	DefaultLimit       = 20
	MaxLimit           = 50
	MaxPlaylistTracks  = 100
	defaultCountryCode = "US"
)

// DeviceAuthProvider is the upstream side of an OAuth2 device authorization flow.
type DeviceAuthProvider interface {
	// DeviceAuth requests a new device grant. Failures wrap [shared.ErrDeviceFlow].
	DeviceAuth(ctx context.Context) (*models.DeviceGrant, error)

	// WaitForToken blocks until the user approves the grant, the provider rejects it, or ctx ends.
	WaitForToken(ctx context.Context, grant models.DeviceGrant) (*oauth2.Token, error)

	// Refresh exchanges the refresh token of tok for a new token. Failures wrap [shared.ErrRefreshFailed].
	Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error)

	// Identify resolves the user behind tok.
	Identify(ctx context.Context, tok *oauth2.Token) (*models.Identity, error)
}

// TokenProvider hands out credentials for a session. Implemented by the session manager.
type TokenProvider interface {
	// ValidToken returns a usable token or an error wrapping [shared.ErrAuthRequired].
	ValidToken(ctx context.Context, sessionID string) (*oauth2.Token, error)
	Identity(ctx context.Context, sessionID string) (*models.Identity, error)
}

// Catalog defines the catalog operations exposed to callers once a session is authorized.
type Catalog interface {
	FavoriteTracks(ctx context.Context, sessionID string, limit int) ([]models.Track, error)
	Recommendations(ctx context.Context, sessionID, trackID string, limit int) ([]models.Track, error)
	Search(ctx context.Context, sessionID, query string, types []SearchType, limit int) (*models.SearchResults, error)
	Playlists(ctx context.Context, sessionID string) ([]models.Playlist, error)
	PlaylistTracks(ctx context.Context, sessionID, playlistID string, limit int) ([]models.Track, error)
	CreatePlaylist(ctx context.Context, sessionID, title, description string, trackIDs []string) (*models.Playlist, error)
	DeletePlaylist(ctx context.Context, sessionID, playlistID string) error
}

// SearchType selects which kinds of catalog items a search returns.
type SearchType string

const (
	SearchTracks  SearchType = "tracks"
	SearchAlbums  SearchType = "albums"
	SearchArtists SearchType = "artists"
)

// ParseSearchTypes parses a comma separated list such as "tracks,albums".
// An empty string selects every type.
func ParseSearchTypes(s string) ([]SearchType, error) {
	if strings.TrimSpace(s) == "" {
		return []SearchType{SearchTracks, SearchAlbums, SearchArtists}, nil
	}

	var types []SearchType
	seen := map[SearchType]bool{}
	for _, part := range strings.Split(s, ",") {
		st := SearchType(strings.ToLower(strings.TrimSpace(part)))
		switch st {
		case SearchTracks, SearchAlbums, SearchArtists:
			if !seen[st] {
				seen[st] = true
				types = append(types, st)
			}
		case "":
		default:
			return nil, fmt.Errorf("%w: unknown search type %q", shared.ErrInvalidInput, part)
		}
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: must include at least one of tracks, albums, artists", shared.ErrInvalidInput)
	}
	return types, nil
}

// BoundLimit clamps n to [1, maxN], using [DefaultLimit] (or maxN when smaller) for non-positive values.
func BoundLimit(n, maxN int) int {
	if n <= 0 {
		return min(DefaultLimit, maxN)
	}
	return min(n, maxN)
}
