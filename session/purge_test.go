package session

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/session-guard/querycache"
	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

func TestPurge_Idempotent(t *testing.T) {
	ctx := context.Background()
	cache, err := querycache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	require.NoError(t, cache.Put("/api/v1/funds/watchlist", []byte(`[]`)))

	jar, err := NewCookieJar()
	require.NoError(t, err)
	u, _ := url.Parse("https://api.example.com/")
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc"}})

	navigations := 0
	hub := tabsync.NewHub()
	sibling := listen(t, hub)
	backend := &fakeBackend{refresh: refreshTo("never")}
	s := newTestSession(t, Config{
		Backend:  backend,
		Sync:     hub.Join(nil),
		Caches:   []Cache{cache},
		Jar:      jar,
		Navigate: func() { navigations++ },
	})
	seed(t, s.client.store, pair("access"))

	for range 2 {
		require.NoError(t, s.Logout(ctx))

		stored, err := s.client.store.Get(ctx)
		require.NoError(t, err)
		require.Nil(t, stored)
		_, err = cache.Get("/api/v1/funds/watchlist")
		require.True(t, trace.IsNotFound(err))
		require.Empty(t, jar.Cookies(u))
		require.Equal(t, StateIdle, s.Coordinator().State())
	}

	require.Equal(t, 2, navigations)
	require.EqualValues(t, 1, backend.logouts.Load(), "nothing to log out the second time")
	require.Eventually(t, func() bool { return sibling.heard(tabsync.SessionEnded) }, time.Second, 5*time.Millisecond)
}

func TestPurge_LogoutWhileQueued(t *testing.T) {
	ctx := context.Background()
	unblock := make(chan struct{})
	backend := &fakeBackend{refresh: func(context.Context, string) (*tokenstore.Token, error) {
		// ignores cancellation so the late answer reaches the coordinator
		<-unblock
		return pair("late-access"), nil
	}}
	s := newTestSession(t, Config{Backend: backend})
	seed(t, s.client.store, pair("old-access"))
	c := s.Coordinator()

	first := recoverAsync(ctx, c, "old-access")
	second := recoverAsync(ctx, c, "old-access")
	waitQueued(t, c, 2)

	require.NoError(t, s.Logout(ctx))

	for _, ch := range []<-chan outcome{first, second} {
		require.ErrorIs(t, await(t, ch).err, ErrSessionEnded)
	}
	close(unblock)

	require.Never(t, func() bool {
		tok, err := s.client.store.Get(ctx)
		return err != nil || tok != nil
	}, 200*time.Millisecond, 10*time.Millisecond, "a late refresh must not resurrect the session")
	require.Equal(t, StateIdle, c.State())
}

func TestPurge_DismissesOpenPrompt(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, Config{Backend: &fakeBackend{refresh: rejectRefresh}})
	seed(t, s.client.store, pair("old-access"))
	prompts := capturePrompts(s.Bus())

	res := recoverAsync(ctx, s.Coordinator(), "old-access")
	p := nextPrompt(t, prompts)

	require.NoError(t, s.Logout(ctx))
	require.ErrorIs(t, await(t, res).err, ErrSessionEnded)
	require.Equal(t, reauth.Dismissed, p.Outcome())
}

func TestPurge_PeerLogoutPurgesLocally(t *testing.T) {
	ctx := context.Background()
	store := tokenstore.NewMemory()
	hub := tabsync.NewHub()
	cacheB, err := querycache.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cacheB.Put("k", []byte("v")))

	backendA := &fakeBackend{refresh: refreshTo("never")}
	backendB := &fakeBackend{refresh: refreshTo("never")}
	signedOut := make(chan struct{}, 1)
	tabA := newTestSession(t, Config{Backend: backendA, Store: store, Sync: hub.Join(nil)})
	newTestSession(t, Config{
		Backend:  backendB,
		Store:    store,
		Sync:     hub.Join(nil),
		Caches:   []Cache{cacheB},
		Navigate: func() { signedOut <- struct{}{} },
	})
	seed(t, store, pair("access"))

	require.NoError(t, tabA.Logout(ctx))

	select {
	case <-signedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling tab did not sign out")
	}
	require.Zero(t, cacheB.Len())
	require.EqualValues(t, 1, backendA.logouts.Load())
	require.Zero(t, backendB.logouts.Load(), "only the tab that logged out calls the backend")
}

func TestPurge_ReportsLocalFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t, Config{
		Backend: &fakeBackend{refresh: refreshTo("never")},
		Caches:  []Cache{failingCache{}},
	})
	seed(t, s.client.store, pair("access"))

	err := s.Logout(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, errCacheBroken)

	// the token is gone even though a cache could not be cleared
	stored, err := s.client.store.Get(ctx)
	require.NoError(t, err)
	require.Nil(t, stored)
}

var errCacheBroken = errors.New("cache broken")

type failingCache struct{}

func (failingCache) Purge() error { return errCacheBroken }

func TestCookieJar_Reset(t *testing.T) {
	jar, err := NewCookieJar()
	require.NoError(t, err)
	u, _ := url.Parse("https://app.example.com/")
	jar.SetCookies(u, []*http.Cookie{{Name: "csrf", Value: "1"}})
	require.Len(t, jar.Cookies(u), 1)

	jar.Reset()
	require.Empty(t, jar.Cookies(u))

	jar.SetCookies(u, []*http.Cookie{{Name: "csrf", Value: "2"}})
	require.Equal(t, "2", jar.Cookies(u)[0].Value)
}
