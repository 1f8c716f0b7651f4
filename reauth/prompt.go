// Package reauth lets the networking layer ask whatever UI is attached to
// collect credentials, without either side importing the other.
package reauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-authgate/session-guard/tokenstore"
)

// ErrSettled is returned when resolving a prompt that was already resolved,
// cancelled or dismissed.
var ErrSettled = errors.New("reauth: prompt already settled")

// Outcome is how a prompt ended.
type Outcome int

const (
	Pending Outcome = iota
	Resolved
	Cancelled
	// Dismissed means the prompt became moot, e.g. another tab restored the
	// session or the user logged out.
	Dismissed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case Cancelled:
		return "cancelled"
	case Dismissed:
		return "dismissed"
	}
	return "unknown"
}

// Resolver installs a token obtained by the UI. It is supplied by the party
// that publishes the prompt.
type Resolver func(ctx context.Context, tok *tokenstore.Token) error

// Prompt is one request for interactive credentials.
type Prompt struct {
	ID       string
	Cause    error
	IssuedAt time.Time

	resolver Resolver

	mu      sync.Mutex
	outcome Outcome
	done    chan struct{}
}

// NewPrompt creates a pending prompt. cause explains why silent recovery was
// not possible.
func NewPrompt(cause error, resolver Resolver) *Prompt {
	return &Prompt{
		ID:       uuid.NewString(),
		Cause:    cause,
		IssuedAt: time.Now(),
		resolver: resolver,
		done:     make(chan struct{}),
	}
}

// Resolve hands a freshly obtained token back to the publisher. The prompt
// settles only if the resolver accepts the token; otherwise it stays pending
// so the UI can show the error and let the user try again.
func (p *Prompt) Resolve(ctx context.Context, tok *tokenstore.Token) error {
	if err := tok.Validate(); err != nil {
		return err
	}
	if p.Outcome() != Pending {
		return ErrSettled
	}
	if p.resolver != nil {
		if err := p.resolver(ctx, tok); err != nil {
			return err
		}
	}
	p.settle(Resolved)
	return nil
}

// Cancel records that the user abandoned the prompt. It reports whether this
// call settled the prompt.
func (p *Prompt) Cancel() bool {
	return p.settle(Cancelled)
}

// Dismiss closes the prompt without a user decision.
func (p *Prompt) Dismiss() bool {
	return p.settle(Dismissed)
}

// Done is closed once the prompt is settled.
func (p *Prompt) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the current outcome.
func (p *Prompt) Outcome() Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome
}

func (p *Prompt) settle(o Outcome) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcome != Pending {
		return false
	}
	p.outcome = o
	close(p.done)
	return true
}
