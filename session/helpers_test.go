package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-guard/authapi"
	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

// plainDoer sends requests once, without retries.
type plainDoer struct{ c *http.Client }

func (d plainDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.c.Do(req.WithContext(ctx))
}

// fakeBackend is an in-memory auth service.
type fakeBackend struct {
	refresh   func(ctx context.Context, refreshToken string) (*tokenstore.Token, error)
	refreshes atomic.Int32
	logouts   atomic.Int32
}

func (b *fakeBackend) Refresh(ctx context.Context, refreshToken string) (*tokenstore.Token, error) {
	b.refreshes.Add(1)
	return b.refresh(ctx, refreshToken)
}

func (b *fakeBackend) Logout(context.Context, *tokenstore.Token) error {
	b.logouts.Add(1)
	return nil
}

func (b *fakeBackend) IsAuthPath(path string) bool {
	return strings.HasPrefix(path, "/auth/")
}

func refreshTo(access string) func(context.Context, string) (*tokenstore.Token, error) {
	return func(context.Context, string) (*tokenstore.Token, error) {
		return pair(access), nil
	}
}

func rejectRefresh(context.Context, string) (*tokenstore.Token, error) {
	return nil, fmt.Errorf("%w: refresh token revoked", authapi.ErrInvalidGrant)
}

func pair(access string) *tokenstore.Token {
	return &tokenstore.Token{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		TokenType:    "Bearer",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

func seed(t *testing.T, store tokenstore.Store, tok *tokenstore.Token) {
	t.Helper()
	require.NoError(t, store.Set(context.Background(), tok))
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	if cfg.Store == nil {
		cfg.Store = tokenstore.NewMemory()
	}
	if cfg.Doer == nil {
		cfg.Doer = plainDoer{c: http.DefaultClient}
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// capturePrompts subscribes to bus and returns the published prompts.
func capturePrompts(bus *reauth.Bus) <-chan *reauth.Prompt {
	ch := make(chan *reauth.Prompt, 8)
	bus.Subscribe(func(p *reauth.Prompt) { ch <- p })
	return ch
}

func nextPrompt(t *testing.T, ch <-chan *reauth.Prompt) *reauth.Prompt {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no credential prompt published")
		return nil
	}
}

type outcome struct {
	tok *tokenstore.Token
	err error
}

// recoverAsync runs Recover in the background.
func recoverAsync(ctx context.Context, c *Coordinator, stale string) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		tok, err := c.Recover(ctx, stale)
		ch <- outcome{tok: tok, err: err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(3 * time.Second):
		t.Fatal("recovery did not finish")
		return outcome{}
	}
}

func waitQueued(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.QueueLen() == n }, 2*time.Second, 5*time.Millisecond)
}

// peer is a sibling tab that only records what it hears.
type peer struct {
	mu   sync.Mutex
	seen []tabsync.Kind
}

func listen(t *testing.T, hub *tabsync.Hub) *peer {
	t.Helper()
	ch := hub.Join(nil)
	t.Cleanup(func() { _ = ch.Close() })
	p := &peer{}
	ch.OnMessage(func(msg tabsync.Message) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.seen = append(p.seen, msg.Kind)
	})
	return p
}

func (p *peer) heard(kind tabsync.Kind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.seen {
		if k == kind {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
