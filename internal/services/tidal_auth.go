package services

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stevedimarzio/tidal-mcp/internal/models"
	"github.com/stevedimarzio/tidal-mcp/internal/shared"
	"golang.org/x/oauth2"
)

// TidalAuth implements [DeviceAuthProvider] for TIDAL using the [oauth2] device flow.
type TidalAuth struct {
	config     *oauth2.Config
	apiURL     string
	httpClient *http.Client
}

// NewTidalAuth creates a [TidalAuth] from the configured client credentials and endpoints.
func NewTidalAuth(cfg shared.TidalConfig, client *http.Client) (*TidalAuth, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("%w: tidal.client_id", shared.ErrMissingCredentials)
	}
	if cfg.DeviceAuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("%w: tidal device_auth_url and token_url are required", shared.ErrMissingConfig)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	return &TidalAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceAuthURL,
				TokenURL:      cfg.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		httpClient: client,
	}, nil
}

func (a *TidalAuth) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// deviceAuthResponse accepts both the camelCase fields TIDAL sends and the RFC 8628 names.
type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int64  `json:"expiresIn"`
	Interval                int64  `json:"interval"`

	RFCDeviceCode              string `json:"device_code"`
	RFCUserCode                string `json:"user_code"`
	RFCVerificationURI         string `json:"verification_uri"`
	RFCVerificationURIComplete string `json:"verification_uri_complete"`
	RFCExpiresIn               int64  `json:"expires_in"`
}

func (r *deviceAuthResponse) normalize() {
	r.DeviceCode = cmp.Or(r.DeviceCode, r.RFCDeviceCode)
	r.UserCode = cmp.Or(r.UserCode, r.RFCUserCode)
	r.VerificationURI = cmp.Or(r.VerificationURI, r.RFCVerificationURI)
	r.VerificationURIComplete = cmp.Or(r.VerificationURIComplete, r.RFCVerificationURIComplete)
	r.ExpiresIn = cmp.Or(r.ExpiresIn, r.RFCExpiresIn)
}

// DeviceAuth implements [DeviceAuthProvider].
func (a *TidalAuth) DeviceAuth(ctx context.Context) (*models.DeviceGrant, error) {
	form := url.Values{"client_id": {a.config.ClientID}}
	if len(a.config.Scopes) > 0 {
		form.Set("scope", strings.Join(a.config.Scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.Endpoint.DeviceAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", shared.ErrDeviceFlow, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrDeviceFlow, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", shared.ErrDeviceFlow, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var da deviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&da); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", shared.ErrDeviceFlow, err)
	}
	da.normalize()

	if da.DeviceCode == "" {
		return nil, fmt.Errorf("%w: response carried no device code", shared.ErrDeviceFlow)
	}
	link := cmp.Or(da.VerificationURIComplete, da.VerificationURI)
	if link == "" {
		return nil, fmt.Errorf("%w: response carried no verification url", shared.ErrDeviceFlow)
	}
	if da.ExpiresIn <= 0 {
		return nil, fmt.Errorf("%w: grant has no lifetime", shared.ErrDeviceFlow)
	}

	return &models.DeviceGrant{
		DeviceCode:      da.DeviceCode,
		UserCode:        da.UserCode,
		VerificationURL: NormalizeVerificationURL(link),
		ExpiresIn:       time.Duration(da.ExpiresIn) * time.Second,
		Interval:        time.Duration(da.Interval) * time.Second,
	}, nil
}

// NormalizeVerificationURL adds an https scheme to links such as "link.tidal.com/ABCDE".
func NormalizeVerificationURL(link string) string {
	link = strings.TrimSpace(link)
	if link == "" || strings.Contains(link, "://") {
		return link
	}
	return "https://" + link
}

// WaitForToken implements [DeviceAuthProvider].
//
// The wait is bounded by ctx only; callers attach the attempt deadline to it.
func (a *TidalAuth) WaitForToken(ctx context.Context, grant models.DeviceGrant) (*oauth2.Token, error) {
	da := &oauth2.DeviceAuthResponse{
		DeviceCode:      grant.DeviceCode,
		UserCode:        grant.UserCode,
		VerificationURI: grant.VerificationURL,
		Interval:        int64(grant.Interval / time.Second),
	}

	tok, err := a.config.DeviceAccessToken(a.withClient(ctx), da)
	if err == nil {
		return tok, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "expired_token":
			return nil, fmt.Errorf("%w: device code expired", shared.ErrTimeout)
		case "access_denied":
			return nil, fmt.Errorf("%w: authorization denied by user", shared.ErrUpstreamProtocol)
		case "":
			return nil, fmt.Errorf("%w: token endpoint returned %d", shared.ErrUpstreamProtocol, re.Response.StatusCode)
		default:
			msg := re.ErrorCode
			if re.ErrorDescription != "" {
				msg += ": " + re.ErrorDescription
			}
			return nil, fmt.Errorf("%w: %s", shared.ErrUpstreamProtocol, msg)
		}
	}
	return nil, fmt.Errorf("%w: %v", shared.ErrUpstreamProtocol, err)
}

// Refresh implements [DeviceAuthProvider].
func (a *TidalAuth) Refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", shared.ErrRefreshFailed)
	}

	fresh, err := a.config.TokenSource(a.withClient(ctx), &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrRefreshFailed, err)
	}
	return fresh, nil
}

type tidalSession struct {
	UserID      json.Number `json:"userId"`
	CountryCode string      `json:"countryCode"`
}

type tidalUser struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
	Email    string      `json:"email"`
}

// Identify implements [DeviceAuthProvider].
func (a *TidalAuth) Identify(ctx context.Context, tok *oauth2.Token) (*models.Identity, error) {
	var sess tidalSession
	if err := a.get(ctx, tok, "/sessions", nil, &sess); err != nil {
		return nil, err
	}
	if sess.UserID == "" {
		return nil, fmt.Errorf("%w: session response carried no user id", shared.ErrAPIRequest)
	}

	identity := &models.Identity{UserID: sess.UserID.String(), CountryCode: sess.CountryCode}

	var user tidalUser
	q := url.Values{"countryCode": {sess.CountryCode}}
	if err := a.get(ctx, tok, "/users/"+url.PathEscape(identity.UserID), q, &user); err != nil {
		return nil, err
	}
	identity.Username = user.Username
	identity.Email = user.Email
	return identity, nil
}

func (a *TidalAuth) get(ctx context.Context, tok *oauth2.Token, path string, q url.Values, result any) error {
	u := a.apiURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	tok.SetAuthHeader(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: token rejected", shared.ErrAuthRequired)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: GET %s returned %d", shared.ErrAPIRequest, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
	}
	return nil
}
