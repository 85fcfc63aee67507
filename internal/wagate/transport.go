package wagate

import "context"

// CloseReason classifies why a link went away. LoggedOut is terminal for the
// session; anything else is treated as transient.
type CloseReason int

const (
	CloseUnknown CloseReason = iota
	CloseTransient
	CloseLoggedOut
)

func (r CloseReason) String() string {
	switch r {
	case CloseTransient:
		return "transient"
	case CloseLoggedOut:
		return "logged-out"
	}
	return "unknown"
}

// Event is one asynchronous notification from a live link.
type Event struct {
	// Kind discriminates the payload fields below.
	Kind EventKind

	// QR carries the current pairing code for EventQR.
	QR string

	// Credential carries the serialized session credential for
	// EventConnected and EventCredential.
	Credential []byte

	// Reason carries the close classification for EventClosed.
	Reason CloseReason
}

type EventKind int

const (
	// EventQR: a pairing code is available and a scan is required.
	EventQR EventKind = iota
	// EventConnected: the link is authenticated and usable. Credential holds
	// the current serialized credential.
	EventConnected
	// EventCredential: the remote rotated the credential on a live link.
	EventCredential
	// EventClosed: the link is gone. Reason classifies the cause.
	EventClosed
)

// Transport dials the messaging backend. Implementations are expected to be
// safe for concurrent Dial calls for distinct users.
type Transport interface {
	// Dial opens a link for the given client identity. credential is the last
	// persisted credential, or nil to force a fresh pairing. Events for the
	// returned link are delivered on the returned channel until the link
	// closes, after which the channel is closed.
	Dial(ctx context.Context, clientID string, credential []byte) (Link, <-chan Event, error)
}

// Link is one live connection to the backend.
type Link interface {
	// Send delivers text to the destination JID and returns the remote ack ID.
	Send(ctx context.Context, destination, text string) (string, error)
	// Logout invalidates the credential on the remote side and closes.
	Logout(ctx context.Context) error
	// Close tears the link down without touching the remote credential.
	Close() error
}
