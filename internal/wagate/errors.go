package wagate

import "errors"

var (
	// ErrNotConnected is returned by Send when the target session is not in
	// the connected state. Messages are never queued.
	ErrNotConnected = errors.New("wagate: session not connected")

	// ErrAdmissionTimeout is returned when a connect request waited past the
	// configured bound for an admission token. The caller may retry later.
	ErrAdmissionTimeout = errors.New("wagate: admission wait timed out")

	// ErrNoSession is returned for a user the manager has never seen.
	ErrNoSession = errors.New("wagate: no session for user")

	// ErrLoggedOut marks a session terminated by the remote side. The session
	// will not reconnect until explicitly reset.
	ErrLoggedOut = errors.New("wagate: session logged out")

	// ErrQRNotAvailable is returned by QR when no pairing code is pending.
	ErrQRNotAvailable = errors.New("wagate: no pairing code available")
)
