package shared

import "fmt"

var (
	// Configuration errors
	ErrMissingConfig      = fmt.Errorf("configuration not found")
	ErrInvalidConfig      = fmt.Errorf("invalid configuration")
	ErrMissingCredentials = fmt.Errorf("missing credentials")

	// Session errors
	ErrSessionNotFound   = fmt.Errorf("session not found")
	ErrCorrupted         = fmt.Errorf("session record corrupted")
	ErrInvalidTransition = fmt.Errorf("invalid session state transition")
	ErrStorage           = fmt.Errorf("session storage failure")

	// Authorization flow errors
	ErrDeviceFlow       = fmt.Errorf("device authorization request failed")
	ErrBrowserLaunch    = fmt.Errorf("could not open browser")
	ErrTimeout          = fmt.Errorf("authorization timed out")
	ErrUpstreamProtocol = fmt.Errorf("upstream authorization error")
	ErrLoginCancelled   = fmt.Errorf("login cancelled")
	ErrAuthRequired     = fmt.Errorf("authentication required")
	ErrRefreshFailed    = fmt.Errorf("token refresh failed")

	// API and service errors
	ErrAPIRequest         = fmt.Errorf("API request failed")
	ErrServiceUnavailable = fmt.Errorf("service unavailable")
	ErrPlaylistNotFound   = fmt.Errorf("playlist not found")
	ErrTrackNotFound      = fmt.Errorf("track not found")

	// Input validation errors
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrMissingArgument = fmt.Errorf("missing required argument")
	ErrInvalidArgument = fmt.Errorf("invalid argument")
)
