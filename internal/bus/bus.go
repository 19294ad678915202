// Package bus connects the gateway to the administrative notification
// channels.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/karelia-iot/mqtt-gateway/internal/leader"
	"github.com/karelia-iot/mqtt-gateway/internal/queue"
)

// Channels carrying catalog change notifications. Each message payload
// is the affected topic string; delivery is at-least-once.
const (
	ChannelSubscribe   = "subscribe"
	ChannelUnsubscribe = "unsubscribe"
)

const (
	ctrlLockPrefix = "ctl:"
	ctrlLockTTL    = time.Second
)

// Notifier broadcasts catalog change events. The gateway core only
// consumes notifications; Notifier exists for the admin side of the
// contract and for tests.
type Notifier struct {
	rdb redis.Cmdable
}

// NewNotifier returns a notifier over rdb.
func NewNotifier(rdb redis.Cmdable) *Notifier { return &Notifier{rdb: rdb} }

// Notify publishes topic on the named channel.
func (n *Notifier) Notify(ctx context.Context, channel, topic string) error {
	if err := n.rdb.Publish(ctx, channel, topic).Err(); err != nil {
		return fmt.Errorf("notify %s %s: %w", channel, topic, err)
	}
	return nil
}

// Listener consumes subscribe/unsubscribe notifications and enqueues
// them as high-priority control events.
type Listener struct {
	rdb *redis.Client
	q   *queue.Queue
	lg  zerolog.Logger
}

// NewListener returns a listener feeding q.
func NewListener(rdb *redis.Client, q *queue.Queue, lg zerolog.Logger) *Listener {
	return &Listener{rdb: rdb, q: q, lg: lg}
}

// Run subscribes to both control channels and blocks until ctx is
// cancelled. Messages are not guaranteed unique; the worker stage
// applies them idempotently.
func (l *Listener) Run(ctx context.Context) error {
	sub := l.rdb.Subscribe(ctx, ChannelSubscribe, ChannelUnsubscribe)
	defer sub.Close()

	// confirm the subscription before reporting ready
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("control channel subscribe: %w", err)
	}
	l.lg.Info().Msg("listening on control channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("control channel closed")
			}
			l.handle(ctx, msg.Channel, msg.Payload)
		}
	}
}

// handle enqueues one control event under a short per-topic lease,
// serializing producers racing on the same topic. The lease expires on
// its own after a second if a holder dies mid-enqueue, and worker
// idempotence covers duplicate delivery either way.
func (l *Listener) handle(ctx context.Context, channel, topic string) {
	if topic == "" {
		l.lg.Warn().Str("channel", channel).Msg("control message without topic")
		return
	}

	lock := leader.NewLease(l.rdb, ctrlLockPrefix+topic, ctrlLockTTL)
	if err := l.acquire(ctx, lock); err != nil {
		l.lg.Warn().Err(err).Str("topic", topic).Msg("control lock unavailable")
	}

	l.q.EnqueueControl(queue.ControlEvent{Cmd: channel, Topic: topic})
	l.lg.Debug().Str("cmd", channel).Str("topic", topic).Msg("control event queued")

	if err := lock.Release(ctx); err != nil {
		l.lg.Warn().Err(err).Str("topic", topic).Msg("control lock release failed")
	}
}

// acquire polls for the per-topic lease for at most its own lease
// duration; waiting longer than the lease is pointless since redis
// expires the holder by then.
func (l *Listener) acquire(ctx context.Context, lock *leader.Lease) error {
	deadline := time.Now().Add(ctrlLockTTL)
	for {
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
