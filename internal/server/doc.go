// Package server exposes the session manager and catalog client over HTTP JSON.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] internally, so routes are method-qualified patterns
// such as "GET /playlists/{id}/tracks".
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
// Handlers dispatch on [http.Request.Pattern].
//
// # Sessions
//
// [AuthHandler] starts logins, reports status, lists and removes sessions. The session id comes from the
// session_id query parameter, then the tidal_session_id cookie, then the configured default.
// Login sets the cookie so a browser client keeps talking to the same session.
//
// GET /auth/callback is where a browser lands after approving the device grant: it redirects to the
// callback URL given at login once the session is authorized.
//
// # Catalog
//
// [CatalogHandler] forwards to a [services.Catalog] on behalf of the request's session.
// A session that is not authorized yields 401 and the client is expected to start a login.
package server
