package server

import (
	"cmp"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/sessions"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const (
	SessionCookie = "tidal_session_id"
	cookieMaxAge  = 30 * 24 * time.Hour
)

var successPage = template.Must(template.New("success").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Authorization Successful</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center; height: 100vh;
               margin: 0; background: #f5f5f5; }
        .container { text-align: center; background: white; padding: 2rem;
                     border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { color: #00a6a6; margin: 0 0 1rem 0; }
        p { color: #666; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        <h1>✓ Authorization Successful</h1>
        <p>{{if .}}Signed in as {{.}}. {{end}}You can close this window and return to your client.</p>
    </div>
</body>
</html>
`))

// AuthHandler serves login, status, logout and the post-authorization callback.
type AuthHandler struct {
	manager      SessionManager
	logger       *log.Logger
	secureCookie bool
}

// NewAuthHandler creates an [AuthHandler]. When secureCookie is set the session cookie is only sent over HTTPS.
func NewAuthHandler(manager SessionManager, logger *log.Logger, secureCookie bool) *AuthHandler {
	return &AuthHandler{manager: manager, logger: logger, secureCookie: secureCookie}
}

func (h *AuthHandler) Routes() []string {
	return []string{
		"GET /health",
		"POST /auth/login",
		"GET /auth/status",
		"GET /auth/sessions",
		"DELETE /auth/session",
		"GET /auth/callback",
	}
}

func (h *AuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Pattern {
	case "GET /health":
		writeJSON(w, http.StatusOK, h.manager.Health())
	case "POST /auth/login":
		h.login(w, r)
	case "GET /auth/status":
		h.status(w, r)
	case "GET /auth/sessions":
		h.sessions(w, r)
	case "DELETE /auth/session":
		h.logout(w, r)
	case "GET /auth/callback":
		h.callback(w, r)
	default:
		http.NotFound(w, r)
	}
}

// sessionID reads the session id from the query, then the cookie, then the manager default.
func sessionID(r *http.Request, manager SessionManager) string {
	if id := strings.TrimSpace(r.URL.Query().Get("session_id")); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value)
	}
	return manager.ResolveID("")
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) login(w http.ResponseWriter, r *http.Request) {
	var req sessions.LoginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			req.SessionID = c.Value
		}
	}

	res, err := h.manager.Login(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	h.setCookie(w, res.SessionID)
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) status(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, h.manager)
	if id == "" {
		writeError(w, h.logger, fmt.Errorf("%w: session_id", shared.ErrMissingArgument))
		return
	}

	res, err := h.manager.Status(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *AuthHandler) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.manager.List(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []sessions.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (h *AuthHandler) logout(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, h.manager)
	if id == "" {
		writeError(w, h.logger, fmt.Errorf("%w: session_id", shared.ErrMissingArgument))
		return
	}

	if err := h.manager.Logout(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "success",
		"message":    "Session removed",
		"session_id": id,
	})
}

// callback is where a browser lands after approving the device grant.
//
// Authorized sessions with a callback URL are redirected there; without one the status is returned,
// as HTML when the client asks for it. Anything still pending gets 202.
func (h *AuthHandler) callback(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r, h.manager)
	if id == "" {
		writeError(w, h.logger, fmt.Errorf("%w: session_id", shared.ErrMissingArgument))
		return
	}

	res, err := h.manager.Status(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	switch {
	case res.State == models.StatePending:
		writeJSON(w, http.StatusAccepted, res)
	case !res.Authorized:
		writeJSON(w, http.StatusConflict, errorBody{
			Error:   string(res.State),
			Message: cmp.Or(res.Error, "authorization did not complete, start a new login"),
		})
	case res.CallbackURL != "":
		http.Redirect(w, r, res.CallbackURL, http.StatusFound)
	case strings.Contains(r.Header.Get("Accept"), "text/html"):
		username := ""
		if res.Identity != nil {
			username = res.Identity.Username
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := successPage.Execute(w, username); err != nil {
			h.logger.Warn("failed to render callback page", "error", err)
		}
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
