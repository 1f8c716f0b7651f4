package session

import (
	"errors"

	"github.com/go-authgate/session-guard/tokenstore"
)

// Failure taxonomy. Callers match with errors.Is.
var (
	// ErrUnauthorized is returned when a request is still rejected after the
	// session was recovered. It is never retried a second time.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRefreshFailed means the backend rejected the refresh token and no
	// interactive prompt could take over.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrNetworkUnavailable means the backend could not be reached. It never
	// ends the session.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrReauthCancelled means the user abandoned the credential prompt.
	ErrReauthCancelled = errors.New("reauthentication cancelled")

	// ErrStorageFailure means the token store could not be read or written.
	ErrStorageFailure = tokenstore.ErrStorage

	// ErrQueueTimeout means a caller waited too long for a recovery cycle.
	ErrQueueTimeout = errors.New("timed out waiting for session recovery")

	// ErrSessionEnded means the session was purged (logout here or in another
	// tab) while the caller was waiting.
	ErrSessionEnded = errors.New("session ended")

	// ErrNoSession is the prompt cause when there is no refresh token to try.
	ErrNoSession = errors.New("no stored session")

	errCycleOver = errors.New("recovery cycle already finished")
)

// IsTerminal reports whether err means the user is now signed out.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrReauthCancelled) ||
		errors.Is(err, ErrRefreshFailed) ||
		errors.Is(err, ErrSessionEnded)
}
