package tui

import (
	"time"

	"github.com/go-authgate/session-guard/reauth"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionFound signals that a stored session was found.
type MsgSessionFound struct {
	Preview   string
	ExpiresIn time.Duration
}

// MsgNoSession signals that no session is stored (starting fresh).
type MsgNoSession struct{}

// MsgCredentialsRequired asks the user to sign in again.
type MsgCredentialsRequired struct{ Prompt *reauth.Prompt }

// MsgSignedIn signals that the session is usable.
type MsgSignedIn struct{ Identity string }

// MsgCallOK signals that a protected call succeeded.
type MsgCallOK struct {
	Name    string
	Status  int
	Elapsed time.Duration
}

// MsgCallFailed signals that a protected call failed.
type MsgCallFailed struct {
	Name string
	Err  error
}

// MsgSignedOut signals that the session was purged.
type MsgSignedOut struct{}

// MsgLog carries a log line into the status log.
type MsgLog struct {
	Warn bool
	Text string
}

// MsgDone signals that the demo finished.
type MsgDone struct {
	Preview   string
	TokenType string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the run.
type MsgFatal struct{ Err error }

// authResultMsg reports the outcome of one sign-in attempt.
type authResultMsg struct {
	prompt *reauth.Prompt
	err    error
}

// promptSettledMsg fires when a prompt is settled from anywhere.
type promptSettledMsg struct{ prompt *reauth.Prompt }
