package term

import "errors"

var (
	// ErrSessionLimit is returned by CreateSession once the configured
	// maximum concurrent-session count is reached. Distinguishable from a
	// generic spawn failure so callers can show a specific message.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrSessionNotFound marks a stale session reference. Non-fatal;
	// callers drop the reference locally.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSpawnFailed wraps OS-level spawn failures.
	ErrSpawnFailed = errors.New("failed to spawn shell process")

	// ErrShellNotFound means no usable shell binary exists on the host.
	ErrShellNotFound = errors.New("no usable shell found")
)
