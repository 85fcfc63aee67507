// Package wagate manages per-user WhatsApp sessions.
//
// Each user owns one Session with an explicit state machine
// (disconnected, awaiting-qr, connected). An admission gate bounds how many
// sessions may be mid-handshake at once so a fleet restart does not hammer
// the backend. Credentials are persisted per user and reloaded on startup,
// so ordinary restarts resume without a new QR pairing.
//
// # Reconnects
//
// A link closed with a logged-out reason is terminal: the credential is
// backed up and invalidated, and nothing reconnects until an explicit reset.
// Any other close reconnects through the admission gate with exponential
// backoff, reset to the base delay after one successful connect.
//
// # Transport
//
// The wire protocol is behind the Transport and Link interfaces; the manager
// only deals in dial/send/logout plus the QR, connected, credential and
// closed events.
package wagate
