package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-guard/authapi"
	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

// State is the coordinator state.
type State int

const (
	StateIdle State = iota
	// StateRefreshing means a silent refresh or an interactive prompt is
	// outstanding.
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "REFRESHING"
	}
	return "IDLE"
}

const broadcastTimeout = 2 * time.Second

// Refresher mints a new token pair from a refresh token. Rejections must
// wrap authapi.ErrInvalidGrant; anything else counts as a network failure.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*tokenstore.Token, error)
}

// result is what a waiter receives when its cycle ends.
type result struct {
	tok *tokenstore.Token
	err error
	// turn is closed once the previous waiter in the queue has issued its
	// replay; nil for the head of the queue.
	turn <-chan struct{}
}

// waiter is a caller suspended until the current cycle resolves.
type waiter struct {
	res    chan result
	issued chan struct{}
	once   sync.Once
}

func newWaiter() *waiter {
	return &waiter{
		res:    make(chan result, 1),
		issued: make(chan struct{}),
	}
}

func (w *waiter) release() {
	w.once.Do(func() { close(w.issued) })
}

// cycle is one refresh or reauth attempt.
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	prompt *reauth.Prompt
	// stale is the access token the cycle replaces; empty without a session.
	stale string
}

// Coordinator serializes session recovery: however many callers observe an
// expired session, at most one refresh call and one credential prompt are
// outstanding. Everyone else waits in a FIFO queue for the shared outcome.
type Coordinator struct {
	store     tokenstore.Store
	refresher Refresher
	bus       *reauth.Bus
	sync      tabsync.Channel
	clock     clockwork.Clock
	log       logrus.FieldLogger

	queueTimeout  time.Duration
	reauthTimeout time.Duration

	// purge ends the session; local skips the backend call and the broadcast.
	purge func(ctx context.Context, local bool) error

	mu    sync.Mutex
	state State
	cycle *cycle
	queue []*waiter
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of suspended callers.
func (c *Coordinator) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Recover returns a usable token for a caller whose request was rejected
// while carrying staleAccess. If the stored token has already moved on, it is
// returned right away; otherwise the caller joins the current recovery cycle,
// starting one if none is running. An empty staleAccess with no stored
// session starts an interactive sign-in.
func (c *Coordinator) Recover(ctx context.Context, staleAccess string) (*tokenstore.Token, error) {
	tok, release, err := c.recover(ctx, staleAccess)
	release()
	return tok, err
}

// recover is Recover for callers that replay a request. release must be
// called once the replay has been written to the wire; the next caller in the
// queue does not get its token before that. Calling it more than once is safe.
func (c *Coordinator) recover(ctx context.Context, staleAccess string) (*tokenstore.Token, func(), error) {
	c.mu.Lock()
	if c.state == StateIdle {
		current, err := c.store.Get(ctx)
		if err != nil {
			c.mu.Unlock()
			return nil, noop, err
		}
		if current != nil && current.AccessToken != "" && current.AccessToken != staleAccess {
			c.mu.Unlock()
			return current, noop, nil
		}
		c.startLocked(current)
	}
	w := newWaiter()
	c.queue = append(c.queue, w)
	c.mu.Unlock()

	return c.wait(ctx, w)
}

func noop() {}

func (c *Coordinator) wait(ctx context.Context, w *waiter) (*tokenstore.Token, func(), error) {
	timer := c.clock.NewTimer(c.queueTimeout)
	defer timer.Stop()
	expired := timer.Chan()

	for {
		select {
		case r := <-w.res:
			if r.err != nil {
				w.release()
				return nil, noop, r.err
			}
			if r.turn != nil {
				select {
				case <-r.turn:
				case <-ctx.Done():
					w.release()
					return nil, noop, ctx.Err()
				}
			}
			return r.tok, w.release, nil

		case <-ctx.Done():
			c.dequeue(w)
			w.release()
			return nil, noop, ctx.Err()

		case <-expired:
			if c.awaitingCredentials() {
				// an open prompt is bounded by the reauth timeout instead
				expired = nil
				continue
			}
			c.dequeue(w)
			w.release()
			return nil, noop, ErrQueueTimeout
		}
	}
}

// awaitingCredentials reports whether the running cycle has a prompt open.
func (c *Coordinator) awaitingCredentials() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycle != nil && c.cycle.prompt != nil
}

// dequeue removes w without touching the rest of the queue.
func (c *Coordinator) dequeue(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, q := range c.queue {
		if q == w {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) startLocked(current *tokenstore.Token) {
	ctx, cancel := context.WithCancel(context.Background())
	cy := &cycle{ctx: ctx, cancel: cancel}
	if current != nil {
		cy.stale = current.AccessToken
	}
	c.state = StateRefreshing
	c.cycle = cy
	go c.run(cy, current)
}

// takeLocked ends the current cycle and hands back its queue.
func (c *Coordinator) takeLocked() []*waiter {
	q := c.queue
	c.queue = nil
	c.cycle = nil
	c.state = StateIdle
	return q
}

func (c *Coordinator) run(cy *cycle, current *tokenstore.Token) {
	defer cy.cancel()

	if current == nil || current.RefreshToken == "" {
		c.log.Info("No refresh token available, requesting credentials")
		c.interactive(cy, ErrNoSession)
		return
	}

	c.log.Debugf("Refreshing session (access token %s)", current.Preview(8))
	tok, err := c.refresher.Refresh(cy.ctx, current.RefreshToken)
	switch {
	case err == nil:
		if err := c.complete(cy.ctx, cy, tok); err != nil && !errors.Is(err, errCycleOver) {
			c.log.WithError(err).Error("Failed to store refreshed token")
		}
	case cy.ctx.Err() != nil:
		// the cycle was taken over by a purge or another tab
	case errors.Is(err, authapi.ErrInvalidGrant):
		c.log.WithError(err).Warn("Refresh token rejected, requesting credentials")
		c.interactive(cy, fmt.Errorf("%w: %w", ErrRefreshFailed, err))
	default:
		c.log.WithError(err).Warn("Refresh failed, backend unreachable")
		c.terminate(cy, fmt.Errorf("%w: %w", ErrNetworkUnavailable, err), false)
	}
}

// interactive publishes a credential prompt and waits for it to settle.
func (c *Coordinator) interactive(cy *cycle, cause error) {
	p := reauth.NewPrompt(cause, func(ctx context.Context, tok *tokenstore.Token) error {
		return c.complete(ctx, cy, tok)
	})

	c.mu.Lock()
	if c.cycle != cy {
		c.mu.Unlock()
		return
	}
	cy.prompt = p
	c.mu.Unlock()

	if c.bus.Publish(p) == 0 {
		c.log.Warn("Nobody can collect credentials, ending session")
		p.Dismiss()
		err := cause
		if errors.Is(cause, ErrNoSession) {
			err = fmt.Errorf("%w: %w", ErrRefreshFailed, cause)
		}
		c.terminate(cy, err, true)
		return
	}

	timer := c.clock.NewTimer(c.reauthTimeout)
	defer timer.Stop()

	for {
		select {
		case <-p.Done():
			if p.Outcome() == reauth.Cancelled {
				c.log.Info("Credential prompt cancelled, ending session")
				c.terminate(cy, ErrReauthCancelled, true)
			}
			return
		case <-cy.ctx.Done():
			p.Dismiss()
			return
		case <-timer.Chan():
			c.log.Warn("Credential prompt timed out")
			p.Cancel()
		}
	}
}

// complete installs tok as the outcome of cy and resumes every waiter.
func (c *Coordinator) complete(ctx context.Context, cy *cycle, tok *tokenstore.Token) error {
	c.mu.Lock()
	if c.cycle != cy {
		c.mu.Unlock()
		return errCycleOver
	}
	// The write happens under the lock so a concurrent purge either runs
	// after it or makes this cycle stale; it can never be undone by it.
	if err := c.store.Set(ctx, tok); err != nil {
		if cy.prompt != nil {
			c.mu.Unlock()
			return err
		}
		q := c.takeLocked()
		c.mu.Unlock()
		cy.cancel()
		c.reject(q, err)
		return err
	}
	q := c.takeLocked()
	c.mu.Unlock()

	c.log.WithField("waiters", len(q)).Info("Session recovered")
	c.drain(q, tok)
	c.broadcast(tabsync.SessionRevived)
	return nil
}

// terminate ends cy with err. When purge is set the session is purged before
// the waiters learn about it, so they never observe a half-cleared session.
func (c *Coordinator) terminate(cy *cycle, err error, purge bool) {
	c.mu.Lock()
	if c.cycle != cy {
		c.mu.Unlock()
		return
	}
	q := c.takeLocked()
	c.mu.Unlock()
	cy.cancel()

	if purge && c.purge != nil {
		// the purger logs its own failures
		_ = c.purge(context.Background(), false)
	}
	c.reject(q, err)
}

// detach abandons any running cycle and returns its queue for the caller to
// reject.
func (c *Coordinator) detach() []*waiter {
	c.mu.Lock()
	cy := c.cycle
	if cy == nil {
		q := c.queue
		c.queue = nil
		c.mu.Unlock()
		return q
	}
	p := cy.prompt
	q := c.takeLocked()
	c.mu.Unlock()

	cy.cancel()
	if p != nil {
		p.Dismiss()
	}
	return q
}

// adopt resumes a cycle with the token another tab has just stored.
func (c *Coordinator) adopt(ctx context.Context) {
	c.mu.Lock()
	cy := c.cycle
	if cy == nil {
		c.mu.Unlock()
		return
	}
	tok, err := c.store.Get(ctx)
	if err != nil || tok.Validate() != nil {
		c.mu.Unlock()
		c.log.WithError(err).Debug("Peer revived the session but no usable token is stored")
		return
	}
	// A late or duplicate message can arrive while the store still holds
	// the rejected pair; the cycle keeps running in that case.
	if tok.AccessToken == cy.stale {
		c.mu.Unlock()
		c.log.Debug("Peer revived the session but the stored token is the one being replaced")
		return
	}
	p := cy.prompt
	q := c.takeLocked()
	c.mu.Unlock()

	cy.cancel()
	if p != nil {
		p.Dismiss()
	}
	c.log.WithField("waiters", len(q)).Info("Session revived by another tab")
	c.drain(q, tok)
}

// drain resumes waiters in arrival order. Each one may replay only after its
// predecessor has issued its own replay.
func (c *Coordinator) drain(q []*waiter, tok *tokenstore.Token) {
	var prev <-chan struct{}
	for _, w := range q {
		w.res <- result{tok: tok.Clone(), turn: prev}
		prev = w.issued
	}
}

func (c *Coordinator) reject(q []*waiter, err error) {
	for _, w := range q {
		w.res <- result{err: err}
	}
}

func (c *Coordinator) broadcast(kind tabsync.Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), broadcastTimeout)
	defer cancel()
	if err := c.sync.Broadcast(ctx, tabsync.Message{Kind: kind}); err != nil {
		c.log.WithError(err).Warnf("Failed to broadcast %s", kind)
	}
}
