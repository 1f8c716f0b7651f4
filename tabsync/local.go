package tabsync

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// inboxSize bounds how many undelivered messages a member buffers before
// dropping new ones.
const inboxSize = 16

// ErrClosed is returned when broadcasting on a closed channel.
var ErrClosed = errors.New("tabsync: channel closed")

// Hub connects contexts living in the same process, the in-process analogue
// of a named browser broadcast channel.
type Hub struct {
	mu      sync.RWMutex
	members map[*Local]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[*Local]struct{})}
}

// Join attaches a new context to the hub.
func (h *Hub) Join(log logrus.FieldLogger) *Local {
	if log == nil {
		log = logrus.StandardLogger()
	}
	l := &Local{
		hub:    h,
		origin: uuid.NewString(),
		inbox:  make(chan Message, inboxSize),
		done:   make(chan struct{}),
	}
	l.log = log.WithFields(logrus.Fields{"component": "tabsync", "origin": l.origin})

	h.mu.Lock()
	h.members[l] = struct{}{}
	h.mu.Unlock()

	go l.run()
	return l
}

// Local is one member of a Hub.
type Local struct {
	hub      *Hub
	origin   string
	handlers handlers
	inbox    chan Message
	done     chan struct{}
	once     sync.Once
	log      logrus.FieldLogger
}

// Origin returns the identifier stamped on this member's broadcasts.
func (l *Local) Origin() string { return l.origin }

func (l *Local) Broadcast(_ context.Context, msg Message) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	msg.Origin = l.origin

	l.hub.mu.RLock()
	defer l.hub.mu.RUnlock()
	for m := range l.hub.members {
		if m == l {
			continue
		}
		select {
		case m.inbox <- msg:
		default:
			l.log.WithField("peer", m.origin).Warnf("Dropping %s, peer inbox full", msg.Kind)
		}
	}
	return nil
}

func (l *Local) OnMessage(h Handler) func() {
	return l.handlers.Add(h)
}

func (l *Local) Close() error {
	l.once.Do(func() {
		l.hub.mu.Lock()
		delete(l.hub.members, l)
		l.hub.mu.Unlock()
		close(l.done)
	})
	return nil
}

func (l *Local) run() {
	for {
		select {
		case <-l.done:
			return
		case msg := <-l.inbox:
			l.log.Debugf("Received %s from %s", msg.Kind, msg.Origin)
			l.handlers.Dispatch(msg)
		}
	}
}
