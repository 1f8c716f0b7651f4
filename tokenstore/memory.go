package tokenstore

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Memory keeps the token in process memory only.
type Memory struct {
	mu  sync.RWMutex
	tok *Token
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Get(_ context.Context) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tok.Clone(), nil
}

func (m *Memory) Set(_ context.Context, tok *Token) error {
	if err := tok.Validate(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	m.tok = tok.Clone()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.tok = nil
	m.mu.Unlock()
	return nil
}
