// Package repositories implements encrypted, durable persistence for session records.
//
// Every record is sealed with a [Sealer] before it reaches disk and is addressed by its session id.
// Two backends implement [SessionStore]:
//   - [FileStore] : One sealed file per session, written to a temp file and renamed into place
//   - [SQLiteStore] : One sealed row per session in a migrated SQLite database
//
// Writes for the same id are serialized through a per-key lock while writes for different ids never contend.
// A record that fails to decrypt or decode is logged, discarded and reported as [shared.ErrSessionNotFound],
// so callers can always start a fresh attempt.
package repositories
