package tui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/tokenstore"
)

// maxAttempts bounds how many wrong passwords a plain prompt accepts.
const maxAttempts = 3

const signInTimeout = 15 * time.Second

// Authenticator exchanges the user's secret for a token pair.
type Authenticator func(ctx context.Context, secret string) (*tokenstore.Token, error)

// Displayer abstracts all output of the session demo.
type Displayer interface {
	Banner()
	SessionFound(preview string, expiresIn time.Duration)
	NoSession()
	// Prompt collects credentials for p. It must not block; it is called as a
	// reauth.Bus handler.
	Prompt(p *reauth.Prompt)
	SignedIn(identity string)
	CallOK(name string, status int, elapsed time.Duration)
	CallFailed(name string, err error)
	SignedOut()
	Log(warn bool, text string)
	Done(preview, tokenType string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w and reads secrets from in.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w        io.Writer
	in       *bufio.Reader
	identity string
	auth     Authenticator

	// one prompt reads from in at a time
	promptMu sync.Mutex
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer, in io.Reader, identity string, auth Authenticator) *PlainDisplayer {
	return &PlainDisplayer{w: w, in: bufio.NewReader(in), identity: identity, auth: auth}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Session Guard Demo ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(preview string, expiresIn time.Duration) {
	fmt.Fprintf(p.w, "Found stored session (%s..., expires in %s)\n", preview, expiresIn.Round(time.Second))
}

func (p *PlainDisplayer) NoSession() {
	fmt.Fprintln(p.w, "No stored session, signing in...")
}

func (p *PlainDisplayer) Prompt(pr *reauth.Prompt) {
	go p.collect(pr)
}

func (p *PlainDisplayer) collect(pr *reauth.Prompt) {
	p.promptMu.Lock()
	defer p.promptMu.Unlock()

	if pr.Cause != nil {
		fmt.Fprintf(p.w, "Sign-in required: %v\n", pr.Cause)
	}

	for range maxAttempts {
		if pr.Outcome() != reauth.Pending {
			return
		}
		fmt.Fprintf(p.w, "Password for %s (empty to cancel): ", p.identity)
		line, err := p.in.ReadString('\n')
		if pr.Outcome() != reauth.Pending {
			fmt.Fprintln(p.w, "\nSession restored elsewhere, prompt closed.")
			return
		}
		secret := strings.TrimSpace(line)
		if secret == "" {
			if err != nil && !errors.Is(err, io.EOF) {
				fmt.Fprintf(p.w, "\nFailed to read password: %v\n", err)
			}
			pr.Cancel()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), signInTimeout)
		tok, err := p.auth(ctx, secret)
		if err == nil {
			err = pr.Resolve(ctx, tok)
		}
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, reauth.ErrSettled) {
			return
		}
		fmt.Fprintf(p.w, "Sign-in failed: %v\n", err)
	}
	fmt.Fprintln(p.w, "Too many failed attempts.")
	pr.Cancel()
}

func (p *PlainDisplayer) SignedIn(identity string) {
	fmt.Fprintf(p.w, "Signed in as %s\n", identity)
}

func (p *PlainDisplayer) CallOK(name string, status int, elapsed time.Duration) {
	fmt.Fprintf(p.w, "%s: %d (%s)\n", name, status, elapsed.Round(time.Millisecond))
}

func (p *PlainDisplayer) CallFailed(name string, err error) {
	fmt.Fprintf(p.w, "%s failed: %v\n", name, err)
}

func (p *PlainDisplayer) SignedOut() {
	fmt.Fprintln(p.w, "You have been signed out.")
}

func (p *PlainDisplayer) Log(warn bool, text string) {
	if warn {
		fmt.Fprintf(p.w, "Warning: %s\n", text)
		return
	}
	fmt.Fprintln(p.w, text)
}

func (p *PlainDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Token Type: %s\n", tokenType)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests. It cancels every
// prompt since nobody can answer it.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                                 {}
func (NoopDisplayer) SessionFound(_ string, _ time.Duration)  {}
func (NoopDisplayer) NoSession()                              {}
func (NoopDisplayer) Prompt(p *reauth.Prompt)                 { p.Cancel() }
func (NoopDisplayer) SignedIn(_ string)                       {}
func (NoopDisplayer) CallOK(_ string, _ int, _ time.Duration) {}
func (NoopDisplayer) CallFailed(_ string, _ error)            {}
func (NoopDisplayer) SignedOut()                              {}
func (NoopDisplayer) Log(_ bool, _ string)                    {}
func (NoopDisplayer) Done(_, _ string, _ time.Duration)       {}
func (NoopDisplayer) Fatal(_ error)                           {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionFound(preview string, expiresIn time.Duration) {
	t.p.Send(MsgSessionFound{Preview: preview, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) NoSession() {
	t.p.Send(MsgNoSession{})
}

func (t *ProgramDisplayer) Prompt(p *reauth.Prompt) {
	// Send blocks until the program reads the message; keep the bus free.
	go t.p.Send(MsgCredentialsRequired{Prompt: p})
}

func (t *ProgramDisplayer) SignedIn(identity string) {
	t.p.Send(MsgSignedIn{Identity: identity})
}

func (t *ProgramDisplayer) CallOK(name string, status int, elapsed time.Duration) {
	t.p.Send(MsgCallOK{Name: name, Status: status, Elapsed: elapsed})
}

func (t *ProgramDisplayer) CallFailed(name string, err error) {
	t.p.Send(MsgCallFailed{Name: name, Err: err})
}

func (t *ProgramDisplayer) SignedOut() {
	t.p.Send(MsgSignedOut{})
}

func (t *ProgramDisplayer) Log(warn bool, text string) {
	t.p.Send(MsgLog{Warn: warn, Text: text})
}

func (t *ProgramDisplayer) Done(preview, tokenType string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, TokenType: tokenType, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
