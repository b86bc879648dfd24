package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgStatusPolled MsgKind = iota
	MsgPlaylistsFetched
	MsgTracksFetched
	MsgPollTick
)

type statusPolled struct {
	status *sessions.StatusResult
	err    error
}

type playlistsFetched struct {
	playlists []models.Playlist
	err       error
}

type tracksFetched struct {
	playlist models.Playlist
	tracks   []models.Track
	err      error
}

// statusPolledMsg is the constructor for [MsgStatusPolled]
func statusPolledMsg(status *sessions.StatusResult, err error) Msg {
	return Msg{kind: MsgStatusPolled, data: statusPolled{status, err}}
}

// playlistsFetchedMsg is the constructor for [MsgPlaylistsFetched]
func playlistsFetchedMsg(playlists []models.Playlist, err error) Msg {
	return Msg{kind: MsgPlaylistsFetched, data: playlistsFetched{playlists, err}}
}

// tracksFetchedMsg is the constructor for [MsgTracksFetched]
func tracksFetchedMsg(playlist models.Playlist, tracks []models.Track, err error) Msg {
	return Msg{kind: MsgTracksFetched, data: tracksFetched{playlist, tracks, err}}
}

// pollTickMsg is the constructor for [MsgPollTick]
func pollTickMsg() Msg {
	return Msg{kind: MsgPollTick}
}
