package models

import (
	"fmt"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/oauth2"
)

// State is the lifecycle position of a [Session].
type State string

const (
	StatePending    State = "pending"
	StateAuthorized State = "authorized"
	StateExpired    State = "expired"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateAuthorized || s == StateExpired || s == StateFailed
}

func (s State) valid() bool {
	return s == StatePending || s.Terminal()
}

// DeviceGrant is a device authorization grant as issued by the upstream provider.
type DeviceGrant struct {
	DeviceCode      string        `json:"device_code"`
	UserCode        string        `json:"user_code"`
	VerificationURL string        `json:"verification_url"`
	ExpiresIn       time.Duration `json:"expires_in"`
	Interval        time.Duration `json:"interval"`
}

// TokenBundle holds the credentials of an authorized session.
type TokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// TokenFromOAuth2 copies the fields of an [oauth2.Token] into a [TokenBundle].
func TokenFromOAuth2(t *oauth2.Token) *TokenBundle {
	if t == nil {
		return nil
	}
	b := &TokenBundle{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if !t.Expiry.IsZero() {
		b.Expiry = t.Expiry.UTC()
	}
	return b
}

// OAuth2 converts the bundle back into an [oauth2.Token].
func (b *TokenBundle) OAuth2() *oauth2.Token {
	if b == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		TokenType:    b.TokenType,
		Expiry:       b.Expiry,
	}
}

// ExpiresWithin reports whether the access token expires within d of now.
// A zero expiry never expires.
func (b *TokenBundle) ExpiresWithin(now time.Time, d time.Duration) bool {
	if b.Expiry.IsZero() {
		return false
	}
	return !now.Add(d).Before(b.Expiry)
}

// Identity is the user profile behind an authorized session.
type Identity struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	CountryCode string `json:"country_code,omitempty"`
}

// Session is the persisted record of one authorization attempt.
type Session struct {
	ID    string `json:"id"`
	State State  `json:"state"`

	AuthURL     string        `json:"auth_url,omitempty"`
	UserCode    string        `json:"user_code,omitempty"`
	DeviceCode  string        `json:"device_code,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	CallbackURL string        `json:"callback_url,omitempty"`

	Deadline   time.Time `json:"deadline"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`

	Token        *TokenBundle `json:"token,omitempty"`
	Identity     *Identity    `json:"identity,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// NewPendingSession builds the record for a fresh attempt from grant.
//
// The deadline is the grant lifetime plus grace, measured from now.
func NewPendingSession(id, callbackURL string, grant DeviceGrant, now time.Time, grace time.Duration) *Session {
	return &Session{
		ID:          id,
		State:       StatePending,
		AuthURL:     grant.VerificationURL,
		UserCode:    grant.UserCode,
		DeviceCode:  grant.DeviceCode,
		Interval:    grant.Interval,
		CallbackURL: callbackURL,
		Deadline:    now.Add(grant.ExpiresIn + grace),
		CreatedAt:   now,
		LastUsedAt:  now,
	}
}

// Validate checks the record invariants.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: session id is required", shared.ErrInvalidInput)
	}
	if !s.State.valid() {
		return fmt.Errorf("%w: unknown state %q", shared.ErrInvalidInput, s.State)
	}
	if !s.Deadline.After(s.CreatedAt) {
		return fmt.Errorf("%w: deadline must be after creation", shared.ErrInvalidInput)
	}
	if (s.Token != nil) != (s.State == StateAuthorized) {
		return fmt.Errorf("%w: token must be present exactly when authorized", shared.ErrInvalidInput)
	}
	if s.State != StatePending && (s.AuthURL != "" || s.UserCode != "" || s.DeviceCode != "") {
		return fmt.Errorf("%w: grant fields are only kept while pending", shared.ErrInvalidInput)
	}
	if (s.ErrorMessage != "") != (s.State == StateFailed) {
		return fmt.Errorf("%w: error message must be present exactly when failed", shared.ErrInvalidInput)
	}
	if s.Identity != nil && s.State != StateAuthorized {
		return fmt.Errorf("%w: identity is only kept when authorized", shared.ErrInvalidInput)
	}
	return nil
}

// Authorize moves a pending session to [StateAuthorized].
func (s *Session) Authorize(token *TokenBundle, now time.Time) error {
	if token == nil {
		return fmt.Errorf("%w: nil token", shared.ErrInvalidInput)
	}
	if err := s.leavePending(StateAuthorized, now); err != nil {
		return err
	}
	s.Token = token
	return nil
}

// Expire moves a pending session to [StateExpired].
func (s *Session) Expire(now time.Time) error {
	return s.leavePending(StateExpired, now)
}

// Fail moves a pending session to [StateFailed] with msg as the reason.
func (s *Session) Fail(msg string, now time.Time) error {
	if msg == "" {
		msg = "authorization failed"
	}
	if err := s.leavePending(StateFailed, now); err != nil {
		return err
	}
	s.ErrorMessage = msg
	return nil
}

func (s *Session) leavePending(to State, now time.Time) error {
	if s.State != StatePending {
		return fmt.Errorf("%w: %s -> %s", shared.ErrInvalidTransition, s.State, to)
	}
	s.State = to
	s.AuthURL = ""
	s.UserCode = ""
	s.DeviceCode = ""
	s.Interval = 0
	if now.After(s.CreatedAt) {
		s.LastUsedAt = now
	}
	return nil
}

// PastDeadline reports whether a pending session can no longer complete.
func (s *Session) PastDeadline(now time.Time) bool {
	return s.State == StatePending && !now.Before(s.Deadline)
}

// Resumable reports whether a pending record still carries what is needed to keep polling.
func (s *Session) Resumable(now time.Time) bool {
	return s.State == StatePending && s.DeviceCode != "" && !s.PastDeadline(now)
}

// Grant rebuilds the device grant of a pending session, with the remaining lifetime as ExpiresIn.
func (s *Session) Grant(now time.Time) DeviceGrant {
	return DeviceGrant{
		DeviceCode:      s.DeviceCode,
		UserCode:        s.UserCode,
		VerificationURL: s.AuthURL,
		ExpiresIn:       s.Deadline.Sub(now),
		Interval:        s.Interval,
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Token != nil {
		t := *s.Token
		c.Token = &t
	}
	if s.Identity != nil {
		id := *s.Identity
		c.Identity = &id
	}
	return &c
}
