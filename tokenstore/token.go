// Package tokenstore holds the current access/refresh token pair.
//
// Every backend persists the pair as a single record, so a failed write can
// never leave a refresh token without its access token or the other way round.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/oauth2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrStorage marks failures of the underlying storage medium.
var ErrStorage = errors.New("token storage failure")

// Token is the session token pair plus the access token expiry.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Store is the get/set/clear contract shared by all storage media.
// Get returns (nil, nil) when no session is stored.
type Store interface {
	Get(ctx context.Context) (*Token, error)
	Set(ctx context.Context, tok *Token) error
	Clear(ctx context.Context) error
}

// FromOAuth2 converts an oauth2 token into a Token.
func FromOAuth2(t *oauth2.Token) *Token {
	if t == nil {
		return nil
	}
	return &Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.Type(),
		ExpiresAt:    t.Expiry,
	}
}

// Validate rejects partial token pairs.
func (t *Token) Validate() error {
	switch {
	case t == nil:
		return trace.BadParameter("token is nil")
	case t.AccessToken == "":
		return trace.BadParameter("token does not contain an access token")
	case t.RefreshToken == "":
		return trace.BadParameter("token does not contain a refresh token")
	}
	return nil
}

// ExpiresWithin reports whether the access token expires within d of now.
// A zero expiry is treated as unknown and never reported as expiring.
func (t *Token) ExpiresWithin(d time.Duration, now time.Time) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresAt)
}

// Clone returns a copy so callers never share a mutable record with a store.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Preview returns a shortened access token suitable for display.
func (t *Token) Preview(n int) string {
	if t == nil {
		return ""
	}
	if len(t.AccessToken) > n {
		return t.AccessToken[:n]
	}
	return t.AccessToken
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
