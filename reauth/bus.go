package reauth

import "github.com/go-authgate/session-guard/internal/fanout"

// Handler is called with every published prompt. It must not block; a UI
// that needs time to collect credentials should hand the prompt off.
type Handler func(*Prompt)

// Bus fans prompts out to subscribers.
type Bus struct {
	subs fanout.Registry[*Prompt]
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers h. The returned function removes it and may be called
// more than once.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	return b.subs.Add(h)
}

// Publish delivers p to every subscriber in subscription order and returns
// how many received it. Zero means nobody can answer the prompt.
func (b *Bus) Publish(p *Prompt) int {
	return b.subs.Dispatch(p)
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	return b.subs.Len()
}
