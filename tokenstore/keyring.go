package tokenstore

import (
	"context"
	"errors"

	"github.com/gravitational/trace"
	"github.com/zalando/go-keyring"
)

// DefaultKeyringService is the keyring service name used when none is given.
const DefaultKeyringService = "session-guard"

// Keyring stores the token pair in the platform keystore as a single JSON
// secret, so the pair is written or rejected as a whole.
type Keyring struct {
	service string
	profile string
}

// NewKeyring returns a keystore-backed store for profile.
func NewKeyring(service, profile string) (*Keyring, error) {
	if profile == "" {
		return nil, trace.BadParameter("profile is empty")
	}
	if service == "" {
		service = DefaultKeyringService
	}
	return &Keyring{service: service, profile: profile}, nil
}

func (k *Keyring) Get(_ context.Context) (*Token, error) {
	secret, err := keyring.Get(k.service, k.profile)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError("read keyring", err)
	}
	var tok Token
	if err := json.Unmarshal([]byte(secret), &tok); err != nil {
		return nil, storageError("decode keyring secret", err)
	}
	if tok.Validate() != nil {
		return nil, nil
	}
	return &tok, nil
}

func (k *Keyring) Set(_ context.Context, tok *Token) error {
	if err := tok.Validate(); err != nil {
		return trace.Wrap(err)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return storageError("encode keyring secret", err)
	}
	if err := keyring.Set(k.service, k.profile, string(data)); err != nil {
		return storageError("write keyring", err)
	}
	return nil
}

func (k *Keyring) Clear(_ context.Context) error {
	err := keyring.Delete(k.service, k.profile)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return storageError("delete keyring secret", err)
	}
	return nil
}
