package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const defaultPollInterval = time.Second

// ViewState represents the current view in the TUI.
type ViewState int

const (
	WaitView ViewState = iota
	PlaylistListView
	TrackListView
	DoneView
)

// StatusPoller reports session status. Implemented by [sessions.Manager].
type StatusPoller interface {
	Status(ctx context.Context, id string) (*sessions.StatusResult, error)
}

// PlaylistBrowser is the part of [services.Catalog] the playlist views need.
type PlaylistBrowser interface {
	Playlists(ctx context.Context, sessionID string) ([]models.Playlist, error)
	PlaylistTracks(ctx context.Context, sessionID, playlistID string, limit int) ([]models.Track, error)
}

// Options configures a [Model].
type Options struct {
	SessionID string
	Login     *sessions.LoginResult // When set, the model waits for this attempt to finish first
	Poller    StatusPoller
	Catalog   PlaylistBrowser // When set, playlists are shown once the session is authorized
	Launcher  shared.Launcher // Used by the open browser key
	Interval  time.Duration   // Status poll interval
}

// Model represents the TUI application state.
type Model struct {
	ctx          context.Context
	opts         Options
	view         ViewState
	width        int
	height       int
	spinner      spinner.Model
	status       *sessions.StatusResult
	playlistList list.Model
	trackList    list.Model
	selected     *models.Playlist
	err          error
	help         help.Model
	keys         keyMap
}

// NewModel creates a new TUI model with the provided dependencies.
func NewModel(ctx context.Context, opts Options) *Model {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.Launcher == nil {
		opts.Launcher = shared.NoopLauncher{}
	}

	view := WaitView
	if opts.Login == nil && opts.Catalog != nil {
		view = PlaylistListView
	}

	return &Model{
		ctx:          ctx,
		opts:         opts,
		view:         view,
		spinner:      spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.title.UnsetMarginBottom())),
		playlistList: list.New(nil, list.NewDefaultDelegate(), 0, 0),
		trackList:    list.New(nil, list.NewDefaultDelegate(), 0, 0),
		help:         help.New(),
		keys:         newKeyMap(),
	}
}

// Status returns the last observed session status, or nil if none was seen.
func (m *Model) Status() *sessions.StatusResult { return m.status }

// Err returns the error that stopped the model, if any.
func (m *Model) Err() error { return m.err }

// ViewState returns the current view.
func (m *Model) ViewState() ViewState { return m.view }

// Init starts polling for the login outcome, or fetches playlists when there is nothing to wait for.
func (m *Model) Init() tea.Cmd {
	if m.view == PlaylistListView {
		return m.fetchPlaylists()
	}
	return tea.Batch(m.spinner.Tick, m.poll())
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLists()
		return m, nil

	case tea.KeyMsg:
		switch m.view {
		case WaitView:
			return m.handleWaitKeys(msg)
		case PlaylistListView:
			return m.handlePlaylistListKeys(msg)
		case TrackListView:
			return m.handleTrackListKeys(msg)
		case DoneView:
			return m, tea.Quit
		}

	case spinner.TickMsg:
		if m.view != WaitView {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case Msg:
		return m.handleMsg(msg)
	}

	return m.updateLists(msg)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgPollTick:
		return m, m.poll()

	case MsgStatusPolled:
		data := msg.data.(statusPolled)
		if data.err != nil {
			m.err = data.err
			m.view = DoneView
			return m, tea.Quit
		}
		m.status = data.status
		switch {
		case data.status.State == models.StatePending:
			return m, tea.Tick(m.opts.Interval, func(time.Time) tea.Msg { return pollTickMsg() })
		case data.status.Authorized && m.opts.Catalog != nil:
			m.view = PlaylistListView
			return m, m.fetchPlaylists()
		default:
			m.view = DoneView
			return m, tea.Quit
		}

	case MsgPlaylistsFetched:
		data := msg.data.(playlistsFetched)
		if data.err != nil {
			m.err = data.err
			m.view = DoneView
			return m, tea.Quit
		}
		items := make([]list.Item, len(data.playlists))
		for i, pl := range data.playlists {
			items[i] = playlistItem{playlist: pl}
		}
		m.playlistList = list.New(items, list.NewDefaultDelegate(), 0, 0)
		m.playlistList.Title = "TIDAL Playlists"
		m.resizeLists()
		return m, nil

	case MsgTracksFetched:
		data := msg.data.(tracksFetched)
		if data.err != nil {
			m.err = data.err
			m.view = PlaylistListView
			return m, nil
		}
		m.err = nil
		m.selected = &data.playlist
		items := make([]list.Item, len(data.tracks))
		for i, track := range data.tracks {
			items[i] = trackItem{track: track}
		}
		m.trackList = list.New(items, list.NewDefaultDelegate(), 0, 0)
		m.trackList.Title = fmt.Sprintf("Tracks in '%s'", data.playlist.Title)
		m.resizeLists()
		m.view = TrackListView
		return m, nil
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case WaitView:
		return m.renderWait()
	case PlaylistListView:
		return m.renderPlaylistList()
	case TrackListView:
		return m.renderTrackList()
	case DoneView:
		return m.renderDone()
	default:
		return ""
	}
}

func (m *Model) resizeLists() {
	if m.width == 0 {
		return
	}
	m.playlistList.SetSize(m.width-4, m.height-8)
	m.trackList.SetSize(m.width-4, m.height-8)
}

func (m *Model) handleWaitKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.open):
		if m.opts.Login != nil {
			if err := m.opts.Launcher.Open(m.opts.Login.AuthURL); err != nil {
				m.err = err
			}
		}
	}
	return m, nil
}

func (m *Model) handlePlaylistListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.playlistList.FilterState() != list.Filtering {
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "enter":
			if pl, ok := m.playlistList.SelectedItem().(playlistItem); ok {
				return m, m.fetchTracks(pl.playlist)
			}
		}
	}

	var cmd tea.Cmd
	m.playlistList, cmd = m.playlistList.Update(msg)
	return m, cmd
}

func (m *Model) handleTrackListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.trackList.FilterState() != list.Filtering {
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "esc":
			m.view = PlaylistListView
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.trackList, cmd = m.trackList.Update(msg)
	return m, cmd
}

func (m *Model) updateLists(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch m.view {
	case PlaylistListView:
		m.playlistList, cmd = m.playlistList.Update(msg)
	case TrackListView:
		m.trackList, cmd = m.trackList.Update(msg)
	}
	return m, cmd
}

func (m *Model) poll() tea.Cmd {
	return func() tea.Msg {
		status, err := m.opts.Poller.Status(m.ctx, m.opts.SessionID)
		return statusPolledMsg(status, err)
	}
}

func (m *Model) fetchPlaylists() tea.Cmd {
	return func() tea.Msg {
		playlists, err := m.opts.Catalog.Playlists(m.ctx, m.opts.SessionID)
		return playlistsFetchedMsg(playlists, err)
	}
}

func (m *Model) fetchTracks(playlist models.Playlist) tea.Cmd {
	return func() tea.Msg {
		tracks, err := m.opts.Catalog.PlaylistTracks(m.ctx, m.opts.SessionID, playlist.ID, services.MaxPlaylistTracks)
		return tracksFetchedMsg(playlist, tracks, err)
	}
}

func (m *Model) renderWait() string {
	login := m.opts.Login
	if login == nil {
		return fmt.Sprintf("%s Checking session %s...", m.spinner.View(), m.opts.SessionID)
	}

	remaining := login.ExpiresIn
	if m.status != nil {
		remaining = m.status.ExpiresIn
	}

	title := styles.title.Render("Log in to TIDAL")
	info := fmt.Sprintf("Open %s and enter the code:\n\n%s\n", login.AuthURL, styles.code.Render(login.UserCode))
	wait := fmt.Sprintf("%s Waiting for approval (%s left)", m.spinner.View(), shared.FormatDuration(remaining))

	var hint string
	if login.BrowserHint != "" {
		hint = "\n" + styles.warn.Render(login.BrowserHint)
	}
	if m.err != nil {
		hint += "\n" + styles.err.Render(m.err.Error())
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.open, m.keys.quit})
	return fmt.Sprintf("%s\n%s\n%s%s\n\n%s", title, info, wait, hint, helpView)
}

func (m *Model) renderPlaylistList() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n" + m.playlistList.View()
	}
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.enter, m.keys.quit})
	return fmt.Sprintf("%s\n\n%s", m.playlistList.View(), helpView)
}

func (m *Model) renderTrackList() string {
	helpView := m.help.ShortHelpView([]key.Binding{m.keys.back, m.keys.quit})
	return fmt.Sprintf("%s\n\n%s", m.trackList.View(), helpView)
}

func (m *Model) renderDone() string {
	if m.err != nil {
		return styles.err.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	}
	if m.status == nil {
		return ""
	}

	switch m.status.State {
	case models.StateAuthorized:
		who := m.status.SessionID
		if m.status.Identity != nil && m.status.Identity.Username != "" {
			who = m.status.Identity.Username
		}
		return styles.ok.Render(fmt.Sprintf("✓ Authorized as %s", who)) + "\n"
	case models.StateExpired:
		return styles.warn.Render("Login expired before it was approved. Run login again.") + "\n"
	default:
		msg := "Login failed."
		if m.status.Error != "" {
			msg = fmt.Sprintf("Login failed: %s", m.status.Error)
		}
		return styles.err.Render(msg) + "\n"
	}
}

// Run runs the model as a full screen program when it browses playlists, inline otherwise,
// and returns the model in its final state.
func Run(ctx context.Context, opts Options) (*Model, error) {
	m := NewModel(ctx, opts)

	progOpts := []tea.ProgramOption{tea.WithContext(ctx)}
	if opts.Catalog != nil {
		progOpts = append(progOpts, tea.WithAltScreen())
	}

	if _, err := tea.NewProgram(m, progOpts...).Run(); err != nil {
		return m, fmt.Errorf("error running TUI: %w", err)
	}
	return m, m.err
}
