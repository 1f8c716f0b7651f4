// Package session keeps an authenticated session alive across concurrent
// requests: it attaches tokens, recovers from 401s through a single-flight
// coordinator, falls back to an interactive prompt and purges everything when
// the session cannot be saved.
package session

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-guard/authapi"
	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

// Defaults for Config.
const (
	DefaultRefreshSkew   = 60 * time.Second
	DefaultQueueTimeout  = 2 * time.Minute
	DefaultReauthTimeout = 5 * time.Minute
)

// Backend is the part of the authentication service the session needs.
// *authapi.Client satisfies it.
type Backend interface {
	Refresher
	Logouter
	IsAuthPath(path string) bool
}

// Config wires a Session.
type Config struct {
	Store   tokenstore.Store
	Backend Backend
	// Doer sends protected requests, typically a go-httpretry client.
	Doer authapi.Doer

	// Bus receives credential prompts. Defaults to a bus with no subscribers,
	// which makes every rejected refresh terminal.
	Bus *reauth.Bus
	// Sync reaches sibling tabs. Defaults to tabsync.Noop.
	Sync tabsync.Channel

	Caches []Cache
	Jar    *CookieJar
	// Navigate is called last during a purge to show the signed-out state.
	Navigate func()

	RefreshSkew time.Duration

	// QueueTimeout bounds a caller's wait while no credential prompt is
	// open. Once a prompt is up, ReauthTimeout applies instead.
	QueueTimeout  time.Duration
	ReauthTimeout time.Duration

	Clock clockwork.Clock
	Log   logrus.FieldLogger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing token store")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing auth backend")
	}
	if c.Doer == nil {
		return trace.BadParameter("missing HTTP doer")
	}
	if c.Bus == nil {
		c.Bus = reauth.NewBus()
	}
	if c.Sync == nil {
		c.Sync = tabsync.Noop{}
	}
	if c.RefreshSkew <= 0 {
		c.RefreshSkew = DefaultRefreshSkew
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.ReauthTimeout <= 0 {
		c.ReauthTimeout = DefaultReauthTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	return nil
}

// Session bundles the interceptor, the coordinator and the purger of one
// browsing context.
type Session struct {
	client *Client
	coord  *Coordinator
	purger *Purger
	bus    *reauth.Bus

	unsubscribe func()
}

// New wires a session and starts listening to sibling tabs.
func New(cfg Config) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	coord := &Coordinator{
		store:         cfg.Store,
		refresher:     cfg.Backend,
		bus:           cfg.Bus,
		sync:          cfg.Sync,
		clock:         cfg.Clock,
		log:           cfg.Log.WithField("component", "coordinator"),
		queueTimeout:  cfg.QueueTimeout,
		reauthTimeout: cfg.ReauthTimeout,
	}
	purger := &Purger{
		coord:    coord,
		store:    cfg.Store,
		caches:   cfg.Caches,
		jar:      cfg.Jar,
		backend:  cfg.Backend,
		navigate: cfg.Navigate,
		log:      cfg.Log.WithField("component", "purge"),
	}
	coord.purge = purger.purge

	s := &Session{
		client: &Client{
			doer:       cfg.Doer,
			store:      cfg.Store,
			coord:      coord,
			isAuthPath: cfg.Backend.IsAuthPath,
			skew:       cfg.RefreshSkew,
			clock:      cfg.Clock,
			log:        cfg.Log.WithField("component", "interceptor"),
		},
		coord:  coord,
		purger: purger,
		bus:    cfg.Bus,
	}
	s.unsubscribe = cfg.Sync.OnMessage(s.onPeerMessage)
	return s, nil
}

func (s *Session) onPeerMessage(msg tabsync.Message) {
	ctx := context.Background()
	switch msg.Kind {
	case tabsync.SessionRevived:
		s.coord.adopt(ctx)
	case tabsync.SessionEnded:
		if err := s.purger.purge(ctx, true); err != nil {
			s.coord.log.WithError(err).Warn("Local purge after peer logout incomplete")
		}
	}
}

// Client returns the request interceptor.
func (s *Session) Client() *Client { return s.client }

// Coordinator returns the refresh coordinator.
func (s *Session) Coordinator() *Coordinator { return s.coord }

// Bus returns the bus credential prompts are published on.
func (s *Session) Bus() *reauth.Bus { return s.bus }

// SignIn returns the stored token, prompting for credentials when there is
// none.
func (s *Session) SignIn(ctx context.Context) (*tokenstore.Token, error) {
	return s.coord.Recover(ctx, "")
}

// Logout purges the session.
func (s *Session) Logout(ctx context.Context) error {
	return s.purger.Purge(ctx)
}

// Close stops listening to sibling tabs. The tab channel itself belongs to
// the caller.
func (s *Session) Close() error {
	s.unsubscribe()
	return nil
}
