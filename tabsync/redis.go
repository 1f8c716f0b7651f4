package tabsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis carries messages over a redis pub/sub channel, reaching every
// process of the profile that talks to the same server.
type Redis struct {
	rdb      redis.UniversalClient
	name     string
	origin   string
	pubsub   *redis.PubSub
	handlers handlers
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	log      logrus.FieldLogger
}

// NewRedis subscribes to the named channel and starts delivering messages.
// It returns once the subscription is confirmed by the server.
func NewRedis(ctx context.Context, rdb redis.UniversalClient, name string, log logrus.FieldLogger) (*Redis, error) {
	if rdb == nil {
		return nil, trace.BadParameter("redis client is nil")
	}
	if name == "" {
		name = DefaultChannelName
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := &Redis{
		rdb:    rdb,
		name:   name,
		origin: uuid.NewString(),
	}
	r.log = log.WithFields(logrus.Fields{"component": "tabsync", "channel": name, "origin": r.origin})

	r.pubsub = rdb.Subscribe(ctx, name)
	if _, err := r.pubsub.Receive(ctx); err != nil {
		_ = r.pubsub.Close()
		return nil, trace.Wrap(err, "subscribing to %q", name)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.run(runCtx)
	return r, nil
}

// Origin returns the identifier stamped on this context's broadcasts.
func (r *Redis) Origin() string { return r.origin }

func (r *Redis) Broadcast(ctx context.Context, msg Message) error {
	msg.Origin = r.origin
	payload, err := Encode(msg)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(r.rdb.Publish(ctx, r.name, payload).Err())
}

func (r *Redis) OnMessage(h Handler) func() {
	return r.handlers.Add(h)
}

func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		err = r.pubsub.Close()
		r.wg.Wait()
	})
	return trace.Wrap(err)
}

func (r *Redis) run(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := Decode([]byte(m.Payload))
			if err != nil {
				r.log.WithError(err).Warn("Ignoring malformed message")
				continue
			}
			if msg.Origin == r.origin {
				continue
			}
			r.log.Debugf("Received %s from %s", msg.Kind, msg.Origin)
			r.handlers.Dispatch(msg)
		}
	}
}
