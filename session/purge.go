package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

const logoutTimeout = 5 * time.Second

// Cache is user data kept outside the token store that must not outlive the
// session. querycache.Cache satisfies it.
type Cache interface {
	Purge() error
}

// Logouter notifies the backend that a session is over.
type Logouter interface {
	Logout(ctx context.Context, tok *tokenstore.Token) error
}

// Purger wipes every trace of the session.
type Purger struct {
	coord    *Coordinator
	store    tokenstore.Store
	caches   []Cache
	jar      *CookieJar
	backend  Logouter
	navigate func()
	log      logrus.FieldLogger

	mu sync.Mutex
}

// Purge ends the session: queued callers are rejected with ErrSessionEnded,
// caches, the token store and cookies are cleared, the backend is told
// (best-effort), other tabs are notified and the navigator is invoked.
// It is safe to call repeatedly; the returned error joins local failures only.
func (p *Purger) Purge(ctx context.Context) error {
	return p.purge(ctx, false)
}

func (p *Purger) purge(ctx context.Context, local bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	q := p.coord.detach()

	tok, err := p.store.Get(ctx)
	if err != nil {
		p.log.WithError(err).Warn("Could not read session before purge")
	}

	var errs []error
	for _, c := range p.caches {
		if err := c.Purge(); err != nil {
			errs = append(errs, fmt.Errorf("clearing cache: %w", err))
		}
	}
	if err := p.store.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clearing token store: %w", err))
	}
	if p.jar != nil {
		p.jar.Reset()
	}
	p.coord.reject(q, ErrSessionEnded)

	if !local {
		if tok != nil && p.backend != nil {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
			if err := p.backend.Logout(lctx, tok); err != nil {
				p.log.WithError(err).Warn("Backend logout failed, local session cleared anyway")
			}
			cancel()
		}
		p.coord.broadcast(tabsync.SessionEnded)
	}

	if p.navigate != nil {
		p.navigate()
	}

	err = errors.Join(errs...)
	if err != nil {
		p.log.WithError(err).Error("Session purge incomplete")
	} else {
		p.log.WithField("local", local).Info("Session purged")
	}
	return err
}
