package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/stevedimarzio/tidal-mcp/internal/formatter"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"github.com/stevedimarzio/tidal-mcp/internal/ui"
	"github.com/urfave/cli/v3"
)

// sessionBackend is what the session commands need, served locally by [sessions.Manager]
// or remotely by a running server.
type sessionBackend interface {
	ui.StatusPoller
	Login(ctx context.Context, req sessions.LoginRequest) (*sessions.LoginResult, error)
	List(ctx context.Context) ([]sessions.SessionSummary, error)
	Logout(ctx context.Context, id string) error
}

var (
	_ sessionBackend = (*sessions.Manager)(nil)
	_ sessionBackend = (*remoteSessions)(nil)
)

// backend picks the remote server when --server is set and the local store otherwise.
//
// Locally, pending logins left by an earlier run are resumed first so they can be rejoined.
func (r *Runner) backend(ctx context.Context, cmd *cli.Command) (sessionBackend, error) {
	if api := r.remote(cmd); api != nil {
		return &remoteSessions{api: api}, nil
	}
	if err := r.open(ctx); err != nil {
		return nil, err
	}
	if _, _, err := r.manager.Resume(ctx); err != nil {
		r.logger.Warn("failed to resume pending logins", "error", err)
	}
	return r.manager, nil
}

// Login starts a device login, or rejoins the one in flight, and prints where to approve it.
func (r *Runner) Login(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("no-browser") {
		r.config.Sessions.OpenBrowser = false
	}

	backend, err := r.backend(ctx, cmd)
	if err != nil {
		return err
	}

	res, err := backend.Login(ctx, sessions.LoginRequest{
		SessionID:   cmd.String("session"),
		CallbackURL: cmd.String("callback-url"),
	})
	if err != nil {
		return err
	}
	r.logger.Debug("login started", "session", res.SessionID, "rejoined", res.Rejoined)

	if cmd.Bool("wait") {
		return r.wait(ctx, cmd, backend, res)
	}

	f, err := r.format(cmd)
	if err != nil {
		return err
	}
	if f == formatter.JSON {
		return r.writeJSON(res, true)
	}

	r.writePlain("%s\n", ui.Title("Log in to TIDAL"))
	if res.Rejoined {
		r.writePlain("%s\n", ui.Hint("A login for this session is already in progress."))
	}
	r.writePlain("Session:  %s\n", res.SessionID)
	r.writePlain("Open:     %s\n", res.AuthURL)
	r.writePlain("Code:     %s\n", res.UserCode)
	r.writePlain("Expires:  %s\n", shared.FormatDuration(res.ExpiresIn))
	if res.BrowserHint != "" {
		r.writePlain("%s\n", ui.Warning(res.BrowserHint))
	}
	r.writePlainln("Check progress with: tidal-mcp status --session %s --wait", res.SessionID)
	return nil
}

// Status prints the state of a session, optionally waiting while it is pending.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	backend, err := r.backend(ctx, cmd)
	if err != nil {
		return err
	}
	id, err := r.requireSession(cmd)
	if err != nil {
		return err
	}

	st, err := backend.Status(ctx, id)
	if err != nil {
		return err
	}

	if cmd.Bool("wait") && st.State == models.StatePending {
		return r.wait(ctx, cmd, backend, &sessions.LoginResult{
			SessionID: st.SessionID,
			State:     st.State,
			AuthURL:   st.AuthURL,
			UserCode:  st.UserCode,
			ExpiresIn: st.ExpiresIn,
			Rejoined:  true,
		})
	}

	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Status(f, st) })
}

// wait shows the device code with a spinner until the login leaves pending.
func (r *Runner) wait(ctx context.Context, cmd *cli.Command, poller ui.StatusPoller, login *sessions.LoginResult) error {
	restore := r.logToFile()
	m, err := ui.Run(ctx, ui.Options{
		SessionID: login.SessionID,
		Login:     login,
		Poller:    poller,
		Launcher:  r.launcher,
	})
	restore()
	if err != nil {
		return err
	}

	st := m.Status()
	if st == nil {
		return fmt.Errorf("%w: no status observed for %s", shared.ErrLoginCancelled, login.SessionID)
	}
	if f, _ := r.format(cmd); f == formatter.JSON {
		if err := r.writeJSON(st, true); err != nil {
			return err
		}
	}
	if st.State == models.StatePending {
		return fmt.Errorf("%w: session %s is still pending", shared.ErrLoginCancelled, st.SessionID)
	}
	if !st.Authorized {
		return fmt.Errorf("%w: login %s", shared.ErrAuthRequired, st.State)
	}
	return nil
}

// Sessions lists every stored session.
func (r *Runner) Sessions(ctx context.Context, cmd *cli.Command) error {
	backend, err := r.backend(ctx, cmd)
	if err != nil {
		return err
	}

	list, err := backend.List(ctx)
	if err != nil {
		return err
	}
	return r.emit(cmd, func(f formatter.Format) ([]byte, error) { return formatter.Sessions(f, list) })
}

// Logout removes a session and its tokens.
func (r *Runner) Logout(ctx context.Context, cmd *cli.Command) error {
	backend, err := r.backend(ctx, cmd)
	if err != nil {
		return err
	}
	id, err := r.requireSession(cmd)
	if err != nil {
		return err
	}

	if err := backend.Logout(ctx, id); err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("✓ Session %s removed", id)))
	return nil
}

// Health probes GET /health of the server given by --server, or of the configured address.
func (r *Runner) Health(ctx context.Context, cmd *cli.Command) error {
	status, err := r.apiFor(cmd).Health(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", shared.ErrServiceUnavailable, err)
	}

	if f, _ := r.format(cmd); f == formatter.JSON {
		return r.writeJSON(status, true)
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("✓ %s is %s", status.Service, status.Status)))
	return nil
}

// remoteSessions runs the session commands against a running server.
type remoteSessions struct {
	api apiClient
}

func (s *remoteSessions) Login(ctx context.Context, req sessions.LoginRequest) (*sessions.LoginResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode login request: %w", err)
	}

	var res sessions.LoginResult
	if err := s.call(ctx, http.MethodPost, "/auth/login", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *remoteSessions) Status(ctx context.Context, id string) (*sessions.StatusResult, error) {
	var res sessions.StatusResult
	if err := s.call(ctx, http.MethodGet, "/auth/status?"+sessionQuery(id), nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *remoteSessions) List(ctx context.Context) ([]sessions.SessionSummary, error) {
	var res struct {
		Sessions []sessions.SessionSummary `json:"sessions"`
	}
	if err := s.call(ctx, http.MethodGet, "/auth/sessions", nil, &res); err != nil {
		return nil, err
	}
	return res.Sessions, nil
}

func (s *remoteSessions) Logout(ctx context.Context, id string) error {
	return s.call(ctx, http.MethodDelete, "/auth/session?"+sessionQuery(id), nil, nil)
}

func (s *remoteSessions) call(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := send(ctx, s.api, method, path, body)
	if err != nil {
		return err
	}
	if err := responseError(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("%w: failed to decode response from %s: %v", shared.ErrAPIRequest, path, err)
	}
	return nil
}

func sessionQuery(id string) string {
	return url.Values{"session_id": {id}}.Encode()
}
