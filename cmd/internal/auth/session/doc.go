// Package session owns the client's authenticated session.
//
// A Manager holds the session state machine (Initializing, Anonymous,
// Pending, Authenticated), is the only writer of the persisted session keys
// and the only caller of the HTTP client's SetAuthHeader. Every change is
// published to subscribers as a Transition after the in-memory state, the
// store and the auth header have all been updated.
//
// Tokens are opaque: the manager never parses them and never logs them.
package session
