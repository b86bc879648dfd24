// package testing contains shared testing utilities
package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/oauth2"
)

type outcome struct {
	tok *oauth2.Token
	err error
}

// FakeProvider is a test double for [services.DeviceAuthProvider].
//
// Every grant stays pending until the test calls [FakeProvider.Complete] or [FakeProvider.Reject]
// with its user code, or the waiting context ends.
type FakeProvider struct {
	ExpiresIn     time.Duration
	Interval      time.Duration
	DeviceAuthErr error
	// DeviceAuthDelay simulates upstream latency for each grant request.
	DeviceAuthDelay time.Duration
	RefreshFunc     func(*oauth2.Token) (*oauth2.Token, error)
	IdentifyFunc    func(*oauth2.Token) (*models.Identity, error)

	mu            sync.Mutex
	deviceAuths   int
	refreshes     int
	identifies    int
	waiters       map[string]chan outcome
	waiting       map[string]int
	lastGrantCode string
}

// NewFakeProvider creates a [FakeProvider] whose grants live for expiresIn.
func NewFakeProvider(expiresIn time.Duration) *FakeProvider {
	return &FakeProvider{
		ExpiresIn: expiresIn,
		Interval:  time.Second,
		waiters:   make(map[string]chan outcome),
		waiting:   make(map[string]int),
	}
}

func (p *FakeProvider) waiter(userCode string) chan outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[userCode]
	if !ok {
		ch = make(chan outcome, 1)
		p.waiters[userCode] = ch
	}
	return ch
}

func (p *FakeProvider) DeviceAuth(ctx context.Context) (*models.DeviceGrant, error) {
	if p.DeviceAuthDelay > 0 {
		select {
		case <-time.After(p.DeviceAuthDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	p.deviceAuths++
	n := p.deviceAuths
	err := p.DeviceAuthErr
	p.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDeviceFlow, err)
	}

	userCode := fmt.Sprintf("USER-%d", n)
	p.waiter(userCode)

	p.mu.Lock()
	p.lastGrantCode = userCode
	p.mu.Unlock()

	return &models.DeviceGrant{
		DeviceCode:      "device-" + userCode,
		UserCode:        userCode,
		VerificationURL: "https://link.tidal.com/" + userCode,
		ExpiresIn:       p.ExpiresIn,
		Interval:        p.Interval,
	}, nil
}

func (p *FakeProvider) WaitForToken(ctx context.Context, grant models.DeviceGrant) (*oauth2.Token, error) {
	ch := p.waiter(grant.UserCode)

	p.mu.Lock()
	p.waiting[grant.UserCode]++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.waiting[grant.UserCode]--
		p.mu.Unlock()
	}()

	select {
	case o := <-ch:
		return o.tok, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *FakeProvider) Refresh(_ context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	p.mu.Lock()
	p.refreshes++
	fn := p.RefreshFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(tok)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", shared.ErrRefreshFailed)
	}
	return &oauth2.Token{
		AccessToken:  tok.AccessToken + "-refreshed",
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC(),
	}, nil
}

func (p *FakeProvider) Identify(_ context.Context, tok *oauth2.Token) (*models.Identity, error) {
	p.mu.Lock()
	p.identifies++
	fn := p.IdentifyFunc
	p.mu.Unlock()

	if fn != nil {
		return fn(tok)
	}
	return &models.Identity{UserID: "1001", Username: "listener", Email: "listener@example.com", CountryCode: "US"}, nil
}

// Complete makes the grant with userCode succeed with tok.
func (p *FakeProvider) Complete(userCode string, tok *oauth2.Token) {
	p.waiter(userCode) <- outcome{tok: tok}
}

// Reject makes the grant with userCode fail with err.
func (p *FakeProvider) Reject(userCode string, err error) {
	p.waiter(userCode) <- outcome{err: err}
}

// DeviceAuthCalls reports how many grants were requested.
func (p *FakeProvider) DeviceAuthCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceAuths
}

// RefreshCalls reports how many refreshes were requested.
func (p *FakeProvider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshes
}

// IdentifyCalls reports how many identity lookups were requested.
func (p *FakeProvider) IdentifyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.identifies
}

// LastUserCode returns the user code of the most recent grant.
func (p *FakeProvider) LastUserCode() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastGrantCode
}

// Waiting reports how many flows are currently blocked on userCode.
func (p *FakeProvider) Waiting(userCode string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiting[userCode]
}

// FakeLauncher records opened URLs and optionally fails.
type FakeLauncher struct {
	Err error

	mu   sync.Mutex
	urls []string
}

func (l *FakeLauncher) Open(url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, url)
	return l.Err
}

// URLs returns the URLs passed to Open so far.
func (l *FakeLauncher) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

// FakeTokens is a test double for [services.TokenProvider].
type FakeTokens struct {
	Tokens     map[string]*oauth2.Token
	Identities map[string]*models.Identity
}

func (f *FakeTokens) ValidToken(_ context.Context, sessionID string) (*oauth2.Token, error) {
	tok, ok := f.Tokens[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", shared.ErrAuthRequired, sessionID)
	}
	return tok, nil
}

func (f *FakeTokens) Identity(_ context.Context, sessionID string) (*models.Identity, error) {
	id, ok := f.Identities[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: session %s", shared.ErrAuthRequired, sessionID)
	}
	return id, nil
}

// Eventually polls cond every few milliseconds until it holds or timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

// FCloser simulates a failure when reading response body
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

var _ io.ReadCloser = (*FCloser)(nil)

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
