package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karelia-iot/mqtt-gateway/internal/logger"
	"github.com/karelia-iot/mqtt-gateway/internal/queue"
)

func startListener(t *testing.T) (*Notifier, *queue.Queue) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.New(16)
	listener := NewListener(client, q, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// give the subscription a moment to settle
	time.Sleep(50 * time.Millisecond)
	return NewNotifier(client), q
}

func dequeue(t *testing.T, q *queue.Queue) queue.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return ev
}

func TestSubscribeNotificationEnqueuesControlEvent(t *testing.T) {
	notifier, q := startListener(t)

	require.NoError(t, notifier.Notify(context.Background(), ChannelSubscribe, "room/1"))

	ev := dequeue(t, q)
	assert.Equal(t, queue.ControlEvent{Cmd: queue.CmdSubscribe, Topic: "room/1"}, ev)
}

func TestUnsubscribeNotificationEnqueuesControlEvent(t *testing.T) {
	notifier, q := startListener(t)

	require.NoError(t, notifier.Notify(context.Background(), ChannelUnsubscribe, "room/2"))

	ev := dequeue(t, q)
	assert.Equal(t, queue.ControlEvent{Cmd: queue.CmdUnsubscribe, Topic: "room/2"}, ev)
}

func TestNotificationsKeepChannelOrder(t *testing.T) {
	notifier, q := startListener(t)
	ctx := context.Background()

	require.NoError(t, notifier.Notify(ctx, ChannelSubscribe, "room/1"))
	require.NoError(t, notifier.Notify(ctx, ChannelSubscribe, "room/2"))

	assert.Equal(t, "room/1", dequeue(t, q).(queue.ControlEvent).Topic)
	assert.Equal(t, "room/2", dequeue(t, q).(queue.ControlEvent).Topic)
}

func TestEmptyTopicIsDiscarded(t *testing.T) {
	notifier, q := startListener(t)

	require.NoError(t, notifier.Notify(context.Background(), ChannelSubscribe, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
