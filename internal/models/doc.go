// Package models defines the session record and catalog entities shared by the tidal-mcp packages.
//
// The package contains two categories of types:
//
// 1. Session state: the persisted authorization record and its parts
//   - [Session] : One authorization attempt or outcome for a caller identifier
//   - [TokenBundle] : Credentials issued when a session is authorized
//   - [Identity] : Cached user profile for an authorized session
//   - [DeviceGrant] : Device authorization grant returned by the provider
//
// 2. Data Transfer Objects (DTOs): Lightweight structs representing TIDAL catalog data
//   - [Track], [Album], [Artist] : Catalog items with browse URLs
//   - [Playlist] : User playlist metadata
//   - [SearchResults] : Grouped search hits
//
// [Session] enforces its invariants through [Session.Validate] and only moves out of
// [StatePending] through [Session.Authorize], [Session.Expire] and [Session.Fail].
package models
