package sessions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/repositories"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/oauth2"
)

const (
	ServiceName = "tidal-mcp"

	refreshMargin = time.Minute
	touchInterval = time.Minute
	enrichTimeout = 15 * time.Second
)

// errUnchanged aborts a store update without writing.
var errUnchanged = errors.New("unchanged")

// Options configures a [Manager].
type Options struct {
	Store    repositories.SessionStore
	Provider services.DeviceAuthProvider
	Launcher shared.Launcher // defaults to [shared.NoopLauncher]
	Logger   *log.Logger
	Config   shared.SessionsConfig
	Now      func() time.Time // defaults to time.Now in UTC
	// RetryDelay is the first pause before a failed outcome write is retried. Defaults to 500ms.
	RetryDelay time.Duration
}

// LoginRequest starts or rejoins an attempt. An empty SessionID falls back to the configured default, then to a new id.
type LoginRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	CallbackURL string `json:"callback_url,omitempty"`
}

// LoginResult is what a caller needs to complete the device flow.
type LoginResult struct {
	SessionID   string       `json:"session_id"`
	State       models.State `json:"state"`
	AuthURL     string       `json:"auth_url"`
	UserCode    string       `json:"user_code"`
	ExpiresIn   int          `json:"expires_in"`
	BrowserHint string       `json:"browser_hint,omitempty"`
	Rejoined    bool         `json:"rejoined"`
}

// StatusResult is a point-in-time view of one session.
type StatusResult struct {
	SessionID   string           `json:"session_id"`
	State       models.State     `json:"state"`
	Authorized  bool             `json:"authorized"`
	Identity    *models.Identity `json:"identity,omitempty"`
	Error       string           `json:"error,omitempty"`
	AuthURL     string           `json:"auth_url,omitempty"`
	UserCode    string           `json:"user_code,omitempty"`
	ExpiresIn   int              `json:"expires_in,omitempty"`
	CallbackURL string           `json:"callback_url,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	LastUsedAt  time.Time        `json:"last_used_at"`
}

// SessionSummary is one entry of [Manager.List].
type SessionSummary struct {
	SessionID  string       `json:"session_id"`
	State      models.State `json:"state"`
	Username   string       `json:"username,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	LastUsedAt time.Time    `json:"last_used_at"`
}

// Manager is the entry point for logins, status polls and token hand-out across many sessions.
type Manager struct {
	deps
	defaultID string
	registry  *Registry

	base context.Context
	stop context.CancelFunc

	enrichLocks *shared.KeyedMutex
	mu          sync.Mutex
	enriching   map[string]bool
	background  sync.WaitGroup
}

// NewManager creates a manager. Background flows live until [Manager.Shutdown].
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = shared.NoopLauncher{}
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	base, stop := context.WithCancel(context.Background())
	return &Manager{
		deps: deps{
			store:       opts.Store,
			provider:    opts.Provider,
			launcher:    launcher,
			logger:      logger,
			now:         now,
			grace:       opts.Config.GraceMargin,
			retryDelay:  opts.RetryDelay,
			openBrowser: opts.Config.OpenBrowser,
		},
		defaultID:   strings.TrimSpace(opts.Config.DefaultID),
		registry:    NewRegistry(opts.Config.Retention),
		base:        base,
		stop:        stop,
		enrichLocks: shared.NewKeyedMutex(),
		enriching:   make(map[string]bool),
	}
}

// ResolveID applies the default id policy to id.
func (m *Manager) ResolveID(id string) string {
	return cmp.Or(strings.TrimSpace(id), m.defaultID)
}

// Login starts a device flow for the session, or rejoins the one already in flight.
//
// A finished attempt for the same id, whatever its outcome, is superseded by a fresh one.
// Login never waits for the user; poll [Manager.Status] for the outcome.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := m.base.Err(); err != nil {
		return nil, fmt.Errorf("%w: session manager is shut down", shared.ErrServiceUnavailable)
	}

	callbackURL, err := checkCallbackURL(req.CallbackURL)
	if err != nil {
		return nil, err
	}

	id := m.ResolveID(req.SessionID)
	if id == "" {
		id = shared.GenerateID()
	}

	c, created, err := m.registry.Acquire(id, func() (*Coordinator, error) {
		c := newCoordinator(m.deps, id)
		if err := c.start(ctx, m.base, callbackURL); err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		m.logger.Warn("login failed", "session", id, "error", err)
		return nil, err
	}

	snap := c.Snapshot()
	return &LoginResult{
		SessionID:   id,
		State:       snap.State,
		AuthURL:     snap.AuthURL,
		UserCode:    snap.UserCode,
		ExpiresIn:   m.remaining(snap),
		BrowserHint: c.BrowserHint(),
		Rejoined:    !created,
	}, nil
}

// checkCallbackURL accepts an empty value or an absolute http(s) URL.
func checkCallbackURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: callback_url must be an absolute http or https URL", shared.ErrInvalidInput)
	}
	return raw, nil
}

func (m *Manager) remaining(s *models.Session) int {
	if s.State != models.StatePending {
		return 0
	}
	return max(0, int(s.Deadline.Sub(m.now()).Seconds()))
}

// lookup returns the freshest view of id: the coordinator snapshot when one is registered, else the store record.
func (m *Manager) lookup(ctx context.Context, id string) (*models.Session, error) {
	if c, ok := m.registry.Get(id); ok {
		return c.Snapshot(), nil
	}
	return m.store.Get(ctx, id)
}

// Status reports the state of a session without waiting on anything upstream.
//
// The first time an authorized session without an identity is observed, identity
// lookup starts in the background.
func (m *Manager) Status(ctx context.Context, id string) (*StatusResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: session id", shared.ErrMissingArgument)
	}

	sess, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	m.settle(sess)

	if sess.State == models.StateAuthorized && sess.Identity == nil {
		m.enrichAsync(id)
	}
	return m.toStatus(sess), nil
}

// settle reports a pending record as expired when no flow can complete it anymore.
func (m *Manager) settle(sess *models.Session) {
	if sess.State == models.StatePending && sess.PastDeadline(m.now()) && !m.registry.Live(sess.ID) {
		_ = sess.Expire(sess.Deadline)
	}
}

func (m *Manager) toStatus(s *models.Session) *StatusResult {
	res := &StatusResult{
		SessionID:   s.ID,
		State:       s.State,
		Authorized:  s.State == models.StateAuthorized,
		Error:       s.ErrorMessage,
		CallbackURL: s.CallbackURL,
		CreatedAt:   s.CreatedAt,
		LastUsedAt:  s.LastUsedAt,
	}
	if s.Identity != nil {
		ident := *s.Identity
		res.Identity = &ident
	}
	if s.State == models.StatePending {
		res.AuthURL = s.AuthURL
		res.UserCode = s.UserCode
		res.ExpiresIn = m.remaining(s)
	}
	return res
}

// List merges the persisted sessions with those known to this process, most recently used first.
func (m *Manager) List(ctx context.Context) ([]SessionSummary, error) {
	byID := make(map[string]*models.Session)
	for sess, err := range m.store.List(ctx) {
		if err != nil {
			return nil, err
		}
		byID[sess.ID] = sess
	}
	for _, c := range m.registry.Active() {
		snap := c.Snapshot()
		if stored, ok := byID[snap.ID]; ok && stored.CreatedAt.After(snap.CreatedAt) {
			continue
		}
		byID[snap.ID] = snap
	}

	out := make([]SessionSummary, 0, len(byID))
	for _, sess := range byID {
		m.settle(sess)
		sum := SessionSummary{
			SessionID:  sess.ID,
			State:      sess.State,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
		}
		if sess.Identity != nil {
			sum.Username = sess.Identity.Username
		}
		out = append(out, sum)
	}

	slices.SortFunc(out, func(a, b SessionSummary) int {
		return cmp.Or(b.LastUsedAt.Compare(a.LastUsedAt), strings.Compare(a.SessionID, b.SessionID))
	})
	return out, nil
}

// Logout cancels any attempt in flight for id and deletes its record.
func (m *Manager) Logout(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: session id", shared.ErrMissingArgument)
	}

	err := m.registry.Remove(id, func(c *Coordinator) error {
		if c == nil {
			if _, err := m.store.Get(ctx, id); err != nil {
				return err
			}
		} else {
			c.Cancel()
			select {
			case <-c.Wait():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return m.store.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	m.logger.Info("logged out", "session", id)
	return nil
}

// ValidToken returns a usable access token for id, refreshing it when it is about to expire.
//
// Any failure to produce one wraps [shared.ErrAuthRequired], except infrastructure errors from the store.
func (m *Manager) ValidToken(ctx context.Context, id string) (*oauth2.Token, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: no session id given, please log in", shared.ErrAuthRequired)
	}

	var tok *oauth2.Token
	var touched time.Time
	_, err := m.store.Update(ctx, id, func(s *models.Session) error {
		if s.State != models.StateAuthorized || s.Token == nil {
			return fmt.Errorf("%w: session %s is %s, please log in", shared.ErrAuthRequired, id, s.State)
		}

		now := m.now()
		changed := false
		if s.Token.ExpiresWithin(now, refreshMargin) {
			if s.Token.RefreshToken == "" {
				return fmt.Errorf("%w: token for session %s expired, please log in again", shared.ErrAuthRequired, id)
			}
			fresh, err := m.provider.Refresh(ctx, s.Token.OAuth2())
			if err != nil {
				return fmt.Errorf("%w: %w", shared.ErrAuthRequired, err)
			}
			bundle := models.TokenFromOAuth2(fresh)
			bundle.RefreshToken = cmp.Or(bundle.RefreshToken, s.Token.RefreshToken)
			s.Token = bundle
			changed = true
			m.logger.Debug("refreshed access token", "session", id)
		}
		if now.Sub(s.LastUsedAt) >= touchInterval {
			s.LastUsedAt = now
			touched = now
			changed = true
		}

		tok = s.Token.OAuth2()
		if !changed {
			return errUnchanged
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errUnchanged):
	case errors.Is(err, shared.ErrSessionNotFound):
		return nil, fmt.Errorf("%w: %w", shared.ErrAuthRequired, err)
	default:
		return nil, err
	}

	if !touched.IsZero() {
		if c, ok := m.registry.Get(id); ok {
			c.touch(touched)
		}
	}
	return tok, nil
}

// Identity returns the profile behind an authorized session, looking it up on first use.
func (m *Manager) Identity(ctx context.Context, id string) (*models.Identity, error) {
	return m.enrich(ctx, strings.TrimSpace(id))
}

func (m *Manager) enrichAsync(id string) {
	m.mu.Lock()
	if m.enriching[id] || m.base.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.enriching[id] = true
	m.background.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.background.Done()
		defer func() {
			m.mu.Lock()
			delete(m.enriching, id)
			m.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(m.base, enrichTimeout)
		defer cancel()
		if _, err := m.enrich(ctx, id); err != nil {
			m.logger.Debug("identity lookup failed", "session", id, "error", err)
		}
	}()
}

// enrich resolves and caches the identity of id. Lookups for the same id are serialized and
// the cached value is reused.
func (m *Manager) enrich(ctx context.Context, id string) (*models.Identity, error) {
	unlock := m.enrichLocks.Lock(id)
	defer unlock()

	sess, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %w", shared.ErrAuthRequired, err)
		}
		return nil, err
	}
	if sess.State != models.StateAuthorized {
		return nil, fmt.Errorf("%w: session %s is %s, please log in", shared.ErrAuthRequired, id, sess.State)
	}
	if sess.Identity != nil {
		return sess.Identity, nil
	}

	tok, err := m.ValidToken(ctx, id)
	if err != nil {
		return nil, err
	}
	ident, err := m.provider.Identify(ctx, tok)
	if err != nil {
		return nil, err
	}

	if _, err := m.store.Update(ctx, id, func(s *models.Session) error {
		if s.State != models.StateAuthorized {
			return fmt.Errorf("%w: session %s is %s", shared.ErrAuthRequired, id, s.State)
		}
		cached := *ident
		s.Identity = &cached
		return nil
	}); err != nil {
		return nil, err
	}

	if c, ok := m.registry.Get(id); ok {
		c.setIdentity(ident)
	}
	m.logger.Debug("cached session identity", "session", id, "user", ident.UserID)
	return ident, nil
}

// Resume restarts polling for pending records left behind by a previous process and expires
// the ones that can no longer complete.
func (m *Manager) Resume(ctx context.Context) (resumed, expired int, err error) {
	var pending []*models.Session
	for sess, err := range m.store.List(ctx) {
		if err != nil {
			return 0, 0, err
		}
		if sess.State == models.StatePending && !m.registry.Live(sess.ID) {
			pending = append(pending, sess)
		}
	}

	now := m.now()
	for _, sess := range pending {
		if !sess.Resumable(now) {
			_, err := m.store.Update(ctx, sess.ID, func(s *models.Session) error {
				if s.State != models.StatePending || !s.CreatedAt.Equal(sess.CreatedAt) {
					return errUnchanged
				}
				return s.Expire(now)
			})
			switch {
			case err == nil:
				expired++
			case errors.Is(err, errUnchanged), errors.Is(err, shared.ErrSessionNotFound):
			default:
				return resumed, expired, err
			}
			continue
		}

		_, created, err := m.registry.Acquire(sess.ID, func() (*Coordinator, error) {
			c := newCoordinator(m.deps, sess.ID)
			c.resume(m.base, sess)
			return c, nil
		})
		if err != nil {
			return resumed, expired, err
		}
		if created {
			resumed++
		}
	}

	if resumed+expired > 0 {
		m.logger.Info("resumed pending logins", "resumed", resumed, "expired", expired)
	}
	return resumed, expired, nil
}

// Shutdown stops every background flow and waits for them to exit or for ctx to end.
// Interrupted attempts stay pending in the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()
	defer m.registry.Close()

	done := make(chan struct{})
	go func() {
		for _, c := range m.registry.InFlight() {
			<-c.Wait()
		}
		m.background.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown: %w", shared.ErrTimeout, ctx.Err())
	}
}

// Health reports liveness. It never touches credentials or the store.
func (m *Manager) Health() services.HealthStatus {
	return services.HealthStatus{Status: "healthy", Service: ServiceName}
}
