// Package tabsync propagates session revival and logout between sibling
// contexts (tabs, windows, processes) of the same profile.
//
// Delivery is best-effort: a context that misses a message re-derives its
// state from the shared token store on next access.
package tabsync

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/go-authgate/session-guard/internal/fanout"
)

// DefaultChannelName is the broadcast channel scoped to the application.
const DefaultChannelName = "auth_sync"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind is the message variant.
type Kind string

const (
	SessionRevived Kind = "SESSION_REVIVED"
	SessionEnded   Kind = "SESSION_ENDED"
)

// Message is the only payload carried on the channel.
type Message struct {
	Kind Kind `json:"type"`
	// Origin identifies the sending context so it can skip its own echo.
	Origin string `json:"origin,omitempty"`
}

// Handler receives messages sent by other contexts.
type Handler func(Message)

// Channel is a fan-out notification channel.
type Channel interface {
	// Broadcast sends msg to every other context; it never blocks on receivers.
	Broadcast(ctx context.Context, msg Message) error
	// OnMessage registers h and returns a function that removes it.
	OnMessage(h Handler) (unsubscribe func())
	Close() error
}

// handlers is the subscriber list shared by the implementations.
type handlers = fanout.Registry[Message]

// Encode serializes a message for transports that carry bytes.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses a message produced by Encode.
func Decode(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Noop is the channel for single-context platforms: broadcasts go nowhere and
// handlers are never called.
type Noop struct{}

func (Noop) Broadcast(context.Context, Message) error { return nil }
func (Noop) OnMessage(Handler) func()                 { return func() {} }
func (Noop) Close() error                             { return nil }
