// Package ui implements the interactive terminal views using bubbletea's Elm architecture.
//
// The [Model] covers two workflows:
//  1. [WaitView] : Show the verification URL and user code of a login and poll until it is approved, rejected or expired
//  2. [PlaylistListView] and [TrackListView] : Browse the playlists of an authorized session
//
// The model never blocks on the session manager: status is polled on a tick, so the device flow keeps running
// in the background and quitting the wait leaves the login in flight.
//
// Keyboard navigation uses vim-style bindings (j/k, enter, esc, o, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
