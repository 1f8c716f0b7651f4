package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/go-authgate/session-guard/tabsync"
	"github.com/go-authgate/session-guard/tokenstore"
)

// fileConfig mirrors the optional TOML config file. Every key can also be set
// through a flag or an environment variable, which take precedence.
type fileConfig struct {
	ServerURL     string   `toml:"server_url"`
	User          string   `toml:"user"`
	Profile       string   `toml:"profile"`
	TokenStore    string   `toml:"token_store"`
	TokenFile     string   `toml:"token_file"`
	RedisAddr     string   `toml:"redis_addr"`
	Sync          string   `toml:"sync"`
	CacheDir      string   `toml:"cache_dir"`
	LogLevel      string   `toml:"log_level"`
	RefreshSkew   string   `toml:"refresh_skew"`
	QueueTimeout  string   `toml:"queue_timeout"`
	ReauthTimeout string   `toml:"reauth_timeout"`
	Calls         []string `toml:"calls"`
}

// loadFileConfig reads path. An empty path yields an empty config.
func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// orDefault lets a config file value stand in for the built-in default.
func orDefault(fileValue, defaultValue string) string {
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}

// parseDuration parses raw, falling back to def when raw is empty.
func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %s", name, raw)
	}
	return d, nil
}

// splitList splits a comma separated list, dropping empty items.
func splitList(raw string) []string {
	var out []string
	for item := range strings.SplitSeq(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// Token store backends selectable with -token-store.
const (
	storeMemory  = "memory"
	storeFile    = "file"
	storeKeyring = "keyring"
	storeRedis   = "redis"
)

// Tab sync transports selectable with -sync.
const (
	syncNone  = "none"
	syncRedis = "redis"
)

// needsRedis reports whether the chosen store or sync transport talks to redis.
func needsRedis(store, sync string) bool {
	return store == storeRedis || sync == syncRedis
}

// validateStoreSync rejects a sync transport whose peers cannot see the
// tokens this process stores.
func validateStoreSync(store, sync string) error {
	if store == storeMemory && sync != syncNone {
		return fmt.Errorf("sync transport %q needs a shared token store, not %q", sync, store)
	}
	return nil
}

// openStore builds the token store named by kind.
func openStore(kind, file, profile string, rdb redis.UniversalClient) (tokenstore.Store, error) {
	switch kind {
	case storeMemory:
		return tokenstore.NewMemory(), nil
	case storeFile:
		return tokenstore.NewFile(file, profile)
	case storeKeyring:
		return tokenstore.NewKeyring(tokenstore.DefaultKeyringService, profile)
	case storeRedis:
		return tokenstore.NewRedis(rdb, "", profile)
	}
	return nil, fmt.Errorf("unknown token store %q (want memory, file, keyring or redis)", kind)
}

// openSync builds the sibling tab channel named by kind.
func openSync(
	ctx context.Context,
	kind, profile string,
	rdb redis.UniversalClient,
	log logrus.FieldLogger,
) (tabsync.Channel, error) {
	switch kind {
	case syncNone, "":
		return tabsync.Noop{}, nil
	case syncRedis:
		return tabsync.NewRedis(ctx, rdb, tabsync.DefaultChannelName+":"+profile, log)
	}
	return nil, fmt.Errorf("unknown sync transport %q (want none or redis)", kind)
}
