package sessions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/repositories"
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
)

const (
	commitTimeout     = 10 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
)

// deps are the collaborators shared by every coordinator of a [Manager].
type deps struct {
	store       repositories.SessionStore
	provider    services.DeviceAuthProvider
	launcher    shared.Launcher
	logger      *log.Logger
	now         func() time.Time
	grace       time.Duration
	retryDelay  time.Duration
	openBrowser bool
}

// Coordinator drives a single authorization attempt from pending to a terminal state.
//
// It is the only writer of its session record until the attempt ends.
type Coordinator struct {
	id string
	deps

	mu      sync.Mutex
	session *models.Session
	hint    string
	cancel  context.CancelCauseFunc
	done    chan struct{}
}

func newCoordinator(d deps, id string) *Coordinator {
	d.logger = shared.WithLogger(d.logger, "session", id)
	return &Coordinator{
		id:   id,
		deps: d,
		done: make(chan struct{}),
	}
}

// start requests a device grant, persists the pending record and spawns the background flow.
//
// It returns as soon as the flow is running. ctx only bounds the grant request and the first write;
// the flow itself lives until the deadline or until base is cancelled.
func (c *Coordinator) start(ctx, base context.Context, callbackURL string) error {
	grant, err := c.provider.DeviceAuth(ctx)
	if err != nil {
		if !errors.Is(err, shared.ErrDeviceFlow) {
			err = fmt.Errorf("%w: %w", shared.ErrDeviceFlow, err)
		}
		return err
	}

	sess := models.NewPendingSession(c.id, callbackURL, *grant, c.now(), c.grace)
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("%w: unusable grant: %w", shared.ErrDeviceFlow, err)
	}
	if err := c.store.Put(ctx, sess); err != nil {
		return err
	}

	hint := c.launch(sess)
	c.mu.Lock()
	c.session = sess.Clone()
	c.hint = hint
	c.mu.Unlock()

	c.logger.Info("login started", "user_code", sess.UserCode, "deadline", sess.Deadline.Format(time.RFC3339))
	c.spawn(base, *grant, sess.Deadline)
	return nil
}

// resume continues polling for a pending record that was persisted by an earlier process.
func (c *Coordinator) resume(base context.Context, sess *models.Session) {
	c.mu.Lock()
	c.session = sess.Clone()
	c.mu.Unlock()

	c.logger.Info("resuming login", "user_code", sess.UserCode, "deadline", sess.Deadline.Format(time.RFC3339))
	c.spawn(base, sess.Grant(c.now()), sess.Deadline)
}

func (c *Coordinator) spawn(base context.Context, grant models.DeviceGrant, deadline time.Time) {
	attempt, cancel := context.WithCancelCause(base)
	ctx, stop := context.WithDeadline(attempt, deadline)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx, attempt, grant, func() {
		stop()
		cancel(nil)
	})
}

// run waits for the provider and commits exactly one terminal state, unless the attempt is stopped first.
//
// ctx carries the deadline; attempt ends on cancel or shutdown.
func (c *Coordinator) run(ctx, attempt context.Context, grant models.DeviceGrant, release func()) {
	defer close(c.done)
	defer release()

	tok, err := c.provider.WaitForToken(ctx, grant)
	if err == nil && (tok == nil || tok.AccessToken == "") {
		err = fmt.Errorf("%w: provider returned an empty token", shared.ErrUpstreamProtocol)
	}
	now := c.now()

	var transition func(*models.Session) error
	switch {
	case err == nil:
		bundle := models.TokenFromOAuth2(tok)
		transition = func(s *models.Session) error { return s.Authorize(bundle, now) }
	case errors.Is(context.Cause(ctx), shared.ErrLoginCancelled):
		transition = func(s *models.Session) error { return s.Fail("login cancelled", now) }
	case errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		transition = func(s *models.Session) error { return s.Expire(now) }
	case attempt.Err() != nil:
		c.logger.Info("login interrupted by shutdown; session stays pending")
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, shared.ErrTimeout):
		transition = func(s *models.Session) error { return s.Expire(now) }
	default:
		transition = func(s *models.Session) error { return s.Fail(err.Error(), now) }
	}

	c.commit(attempt, transition)
}

// commit persists the terminal record, retrying with backoff until the write succeeds or attempt ends.
//
// The snapshot only moves to the terminal state once the store holds it. If attempt ends first,
// both stay pending and the record can be resumed or superseded later.
func (c *Coordinator) commit(attempt context.Context, transition func(*models.Session) error) {
	next := c.Snapshot()
	if err := transition(next); err != nil {
		c.logger.Error("invalid session transition", "error", err)
		return
	}

	delay := cmp.Or(c.retryDelay, defaultRetryDelay)
	for {
		err := c.put(next)
		if err == nil {
			break
		}
		c.logger.Error("failed to persist login outcome", "state", next.State, "retry_in", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-attempt.Done():
			c.logger.Warn("login outcome not persisted; session stays pending", "state", next.State)
			return
		}
		delay = min(delay*2, maxRetryDelay)
	}

	c.mu.Lock()
	c.session = next
	c.mu.Unlock()
	c.logger.Info("login finished", "state", next.State)
}

func (c *Coordinator) put(sess *models.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	return c.store.Put(ctx, sess)
}

func (c *Coordinator) launch(sess *models.Session) string {
	manual := fmt.Sprintf("Open %s and enter code %s to authorize.", sess.AuthURL, sess.UserCode)
	if !c.openBrowser {
		return manual
	}
	if err := c.launcher.Open(sess.AuthURL); err != nil {
		c.logger.Warn("could not open browser", "error", err)
		return "Could not open a browser automatically. " + manual
	}
	return ""
}

// ID returns the session id this coordinator drives.
func (c *Coordinator) ID() string { return c.id }

// Snapshot returns a copy of the current record.
func (c *Coordinator) Snapshot() *models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// BrowserHint is empty when the browser was opened, otherwise it tells the user where to go.
func (c *Coordinator) BrowserHint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hint
}

// Cancel stops the attempt. The record is committed as failed with "login cancelled".
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(shared.ErrLoginCancelled)
	}
}

// Wait returns a channel that is closed once the background flow has exited.
func (c *Coordinator) Wait() <-chan struct{} {
	return c.done
}

// Finished reports whether the background flow has exited.
func (c *Coordinator) Finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// setIdentity records enrichment on a terminal authorized snapshot.
func (c *Coordinator) setIdentity(id *models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.State == models.StateAuthorized {
		ident := *id
		c.session.Identity = &ident
	}
}

// touch mirrors a LastUsedAt update made through the store.
func (c *Coordinator) touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && at.After(c.session.LastUsedAt) {
		c.session.LastUsedAt = at
	}
}
