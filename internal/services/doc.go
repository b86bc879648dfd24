// Package services talks to TIDAL.
//
// # Device Authorization
//
// [TidalAuth] implements [DeviceAuthProvider] on top of the [oauth2] device flow:
// it requests grants, polls the token endpoint until the user approves, refreshes tokens
// and resolves the user identity behind a token. Verification URLs without a scheme are
// normalised to https.
//
// # Catalog
//
// [TidalService] implements [Catalog] against the TIDAL v1 API. It never drives the
// authorization flow itself: it asks a [TokenProvider] for a token on every call and
// surfaces [shared.ErrAuthRequired] when there is none. Requests are paced with a
// [rate.Limiter] shared by every session.
//
// # Error Handling
//
// Services use typed errors from shared package:
//   - [shared.ErrDeviceFlow] : The grant request was rejected
//   - [shared.ErrTimeout] : The grant expired before approval
//   - [shared.ErrUpstreamProtocol] : Any other polling failure
//   - [shared.ErrAuthRequired] : No usable token for the session
//   - [shared.ErrAPIRequest] : A catalog request failed
//   - [shared.ErrPlaylistNotFound], [shared.ErrTrackNotFound] : Missing catalog items
//
// [APIService] is a small client for a running tidal-mcp HTTP server, used by the CLI health check.
package services
