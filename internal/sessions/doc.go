// Package sessions runs OAuth2 device authorization attempts for many independent sessions.
//
// # Components
//
// A [Coordinator] owns one attempt. It requests the device grant, persists a pending record,
// and then waits for the provider in its own goroutine until the grant deadline passes. Exactly
// one terminal state (authorized, expired or failed) is written per attempt. When the process
// shuts down mid-wait the record is left pending so that [Manager.Resume] can pick it up again.
//
// The [Registry] maps session ids to coordinators. Concurrent logins for the same id share one
// attempt; logins for different ids never wait on each other. Finished coordinators are kept for
// a short retention period to answer status polls without decrypting the store.
//
// The [Manager] is the facade used by the HTTP server, the CLI and the catalog client:
//   - [Manager.Login] starts or rejoins an attempt and returns immediately
//   - [Manager.Status] and [Manager.List] are reads that never wait on the provider
//   - [Manager.ValidToken] hands out access tokens, refreshing them under the store's per-key lock
//   - [Manager.Logout] cancels and deletes
package sessions
