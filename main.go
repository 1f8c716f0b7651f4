package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-guard/authapi"
	"github.com/go-authgate/session-guard/querycache"
	"github.com/go-authgate/session-guard/reauth"
	"github.com/go-authgate/session-guard/session"
	"github.com/go-authgate/session-guard/tokenstore"
	"github.com/go-authgate/session-guard/tui"
)

var (
	serverURL     string
	identity      string
	profile       string
	tokenStore    string
	tokenFile     string
	redisAddr     string
	syncMode      string
	cacheDir      string
	logLevel      logrus.Level
	refreshSkew   time.Duration
	queueTimeout  time.Duration
	reauthTimeout time.Duration
	calls         []string
	logoutAfter   bool
	interval      time.Duration

	flagConfig        *string
	flagServerURL     *string
	flagUser          *string
	flagProfile       *string
	flagTokenStore    *string
	flagTokenFile     *string
	flagRedisAddr     *string
	flagSync          *string
	flagCacheDir      *string
	flagLogLevel      *string
	flagRefreshSkew   *string
	flagQueueTimeout  *string
	flagReauthTimeout *string
	flagCalls         *string
	flagLogout        *bool
	flagInterval      *time.Duration
	configInitialized bool
	retryClient       *retry.Client
	cookieJar         *session.CookieJar
)

// Timeout configuration for different operations
const (
	callTimeout     = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	maxParallel     = 4
)

func init() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flagConfig = flag.String("config", "", "TOML config file (or CONFIG_FILE env)")
	flagServerURL = flag.String(
		"server-url",
		"",
		"API base URL (default: http://localhost:8000/api/v1 or SERVER_URL env)",
	)
	flagUser = flag.String("user", "", "Account to sign in as (or SESSION_USER env)")
	flagProfile = flag.String(
		"profile",
		"",
		"Session profile; contexts sharing a profile share one session (default: user)",
	)
	flagTokenStore = flag.String(
		"token-store",
		"",
		"Token store: memory, file, keyring or redis (default: file or TOKEN_STORE env)",
	)
	flagTokenFile = flag.String(
		"token-file",
		"",
		"Token storage file (default: .session-guard-tokens.json or TOKEN_FILE env)",
	)
	flagRedisAddr = flag.String("redis-addr", "", "Redis address (default: localhost:6379 or REDIS_ADDR env)")
	flagSync = flag.String("sync", "", "Sibling context sync: none or redis (default: none or SYNC env)")
	flagCacheDir = flag.String(
		"cache-dir",
		"",
		"Response cache directory (default: .session-guard-cache or CACHE_DIR env)",
	)
	flagLogLevel = flag.String("log-level", "", "Log level (default: info or LOG_LEVEL env)")
	flagRefreshSkew = flag.String("refresh-skew", "", "Refresh tokens expiring within this window before use")
	flagQueueTimeout = flag.String("queue-timeout", "", "Longest a request waits for a refresh cycle")
	flagReauthTimeout = flag.String("reauth-timeout", "", "Longest a credential prompt stays open")
	flagCalls = flag.String(
		"calls",
		"",
		"Comma separated API paths to call (default: /me,/dashboard,/notifications or CALLS env)",
	)
	flagLogout = flag.Bool("logout", false, "Sign out after the calls complete")
	flagInterval = flag.Duration("interval", 0, "Repeat the calls at this interval until interrupted")
}

// initConfig parses flags and initializes configuration
// Separated from init() to avoid conflicts with test flag parsing
func initConfig() {
	if configInitialized {
		return
	}
	configInitialized = true

	flag.Parse()

	fc, err := loadFileConfig(getConfig(*flagConfig, "CONFIG_FILE", ""))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Priority: flag > env > config file > default
	serverURL = getConfig(*flagServerURL, "SERVER_URL", orDefault(fc.ServerURL, "http://localhost:8000/api/v1"))
	identity = getConfig(*flagUser, "SESSION_USER", fc.User)
	profile = getConfig(*flagProfile, "SESSION_PROFILE", orDefault(fc.Profile, identity))
	tokenStore = getConfig(*flagTokenStore, "TOKEN_STORE", orDefault(fc.TokenStore, storeFile))
	tokenFile = getConfig(*flagTokenFile, "TOKEN_FILE", orDefault(fc.TokenFile, ".session-guard-tokens.json"))
	redisAddr = getConfig(*flagRedisAddr, "REDIS_ADDR", orDefault(fc.RedisAddr, "localhost:6379"))
	syncMode = getConfig(*flagSync, "SYNC", orDefault(fc.Sync, syncNone))
	cacheDir = getConfig(*flagCacheDir, "CACHE_DIR", orDefault(fc.CacheDir, ".session-guard-cache"))
	calls = splitList(getConfig(*flagCalls, "CALLS", orDefault(
		strings.Join(fc.Calls, ","), "/me,/dashboard,/notifications",
	)))
	logoutAfter = *flagLogout
	interval = *flagInterval

	logLevel, err = logrus.ParseLevel(getConfig(*flagLogLevel, "LOG_LEVEL", orDefault(fc.LogLevel, "info")))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, d := range []struct {
		name, raw string
		def       time.Duration
		dst       *time.Duration
	}{
		{"refresh skew", getConfig(*flagRefreshSkew, "REFRESH_SKEW", fc.RefreshSkew), session.DefaultRefreshSkew, &refreshSkew},
		{"queue timeout", getConfig(*flagQueueTimeout, "QUEUE_TIMEOUT", fc.QueueTimeout), session.DefaultQueueTimeout, &queueTimeout},
		{"reauth timeout", getConfig(*flagReauthTimeout, "REAUTH_TIMEOUT", fc.ReauthTimeout), session.DefaultReauthTimeout, &reauthTimeout},
	} {
		if *d.dst, err = parseDuration(d.name, d.raw, d.def); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	// Validate SERVER_URL format
	if err := validateServerURL(serverURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Invalid SERVER_URL: %v\n", err)
		os.Exit(1)
	}

	// Warn if using HTTP instead of HTTPS
	if strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		fmt.Fprintln(
			os.Stderr,
			"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
		)
		fmt.Fprintln(
			os.Stderr,
			"⚠️  This is only safe for local development. Use HTTPS in production.",
		)
		fmt.Fprintln(os.Stderr)
	}

	if identity == "" {
		fmt.Println("Error: SESSION_USER not set. Please provide it via:")
		fmt.Println("  1. Command line flag: -user=<email>")
		fmt.Println("  2. Environment variable: SESSION_USER=<email>")
		fmt.Println("  3. .env file: SESSION_USER=<email>")
		fmt.Println("  4. Config file: user = \"<email>\"")
		os.Exit(1)
	}

	cookieJar, err = session.NewCookieJar()
	if err != nil {
		panic(fmt.Sprintf("failed to create cookie jar: %v", err))
	}

	// Initialize HTTP client with retry support
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
		Jar: cookieJar,
	}

	// Wrap with retry logic using go-httpretry
	retryClient, err = retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create retry client: %v", err))
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logLevel)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return log
}

func main() {
	initConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := authapi.New(serverURL, retryClient)
	auth := func(ctx context.Context, secret string) (*tokenstore.Token, error) {
		res, err := api.Login(ctx, identity, secret)
		if err != nil {
			return nil, err
		}
		return res.Token, nil
	}
	log := newLogger()

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted. Keyboard
		// input stays enabled for the credential prompt.
		m := tui.NewModel(identity, auth, stop)
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		// Log lines go to the status log instead of tearing through the TUI.
		log.SetOutput(io.Discard)
		log.AddHook(tui.NewLogHook(d, logrus.WarnLevel))

		d.Banner()
		runErr := run(ctx, d, api, log)
		p.Quit()
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		d := tui.NewPlainDisplayer(os.Stderr, os.Stdin, identity, auth)
		d.Banner()
		if err := run(ctx, d, api, log); err != nil {
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, d tui.Displayer, api *authapi.Client, log *logrus.Logger) error {
	if err := validateStoreSync(tokenStore, syncMode); err != nil {
		d.Fatal(err)
		return err
	}

	var rdb redis.UniversalClient
	if needsRedis(tokenStore, syncMode) {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
	}

	store, err := openStore(tokenStore, tokenFile, profile, rdb)
	if err != nil {
		d.Fatal(err)
		return err
	}
	peers, err := openSync(ctx, syncMode, profile, rdb, log.WithField("component", "tabsync"))
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer peers.Close()

	cache, err := querycache.New(cacheDir)
	if err != nil {
		d.Fatal(err)
		return err
	}

	bus := reauth.NewBus()
	unsubscribe := bus.Subscribe(d.Prompt)
	defer unsubscribe()

	sess, err := session.New(session.Config{
		Store:         store,
		Backend:       api,
		Doer:          retryClient,
		Bus:           bus,
		Sync:          peers,
		Caches:        []session.Cache{cache},
		Jar:           cookieJar,
		Navigate:      d.SignedOut,
		RefreshSkew:   refreshSkew,
		QueueTimeout:  queueTimeout,
		ReauthTimeout: reauthTimeout,
		Log:           log.WithField("profile", profile),
	})
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer sess.Close()

	// Try to load an existing session
	if tok, err := store.Get(ctx); err == nil && tok != nil {
		d.SessionFound(tok.Preview(10), time.Until(tok.ExpiresAt))
	} else {
		if err != nil {
			log.WithError(err).Warn("Failed to read stored session")
		}
		d.NoSession()
	}

	if _, err := sess.SignIn(ctx); err != nil {
		d.Fatal(err)
		return err
	}
	d.SignedIn(identity)

	for {
		if err := runCalls(ctx, sess, cache, d); err != nil {
			if errors.Is(err, session.ErrSessionEnded) {
				return nil
			}
			d.Fatal(err)
			return err
		}
		if interval <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}

	if logoutAfter {
		// The caller's context may already be cancelled; sign out regardless.
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := sess.Logout(logoutCtx); err != nil {
			log.WithError(err).Warn("Sign-out incomplete")
		}
		return nil
	}

	tok, err := store.Get(ctx)
	if err != nil || tok == nil {
		return nil
	}
	d.Done(tok.Preview(50), tok.TokenType, time.Until(tok.ExpiresAt).Round(time.Second))
	return nil
}

// runCalls issues every configured call concurrently through the session and
// caches successful bodies. It only fails when the session itself is gone.
func runCalls(ctx context.Context, sess *session.Session, cache *querycache.Cache, d tui.Displayer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, path := range calls {
		g.Go(func() error {
			err := call(gctx, sess.Client(), cache, path, d)
			if session.IsTerminal(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func call(ctx context.Context, c *session.Client, cache *querycache.Cache, path string, d tui.Displayer) error {
	reqCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, serverURL+path, nil)
	if err != nil {
		d.CallFailed(path, err)
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := c.Send(reqCtx, req)
	if err != nil {
		d.CallFailed(path, err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.CallFailed(path, err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %d", resp.StatusCode)
		d.CallFailed(path, err)
		return err
	}
	if err := cache.Put(path, body); err != nil {
		d.CallFailed(path, err)
		return err
	}
	d.CallOK(path, resp.StatusCode, time.Since(start))
	return nil
}
