package client

import "errors"

var (
	// ErrDaemonNotRunning means nothing is listening on the control socket.
	ErrDaemonNotRunning = errors.New("daemon not running")

	// ErrPermissionDenied means the socket exists but refused this user.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound maps a 404 from the daemon API onto a sentinel the
	// commands can test against.
	ErrNotFound = errors.New("404 not found")
)
