// Package gateway implements the message-dispatch core: the MQTT
// listener, the worker pool and their supervision under a leadership
// lease.
package gateway

import (
	"context"
	"fmt"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/karelia-iot/mqtt-gateway/internal/orion"
	"github.com/karelia-iot/mqtt-gateway/internal/queue"
	"github.com/karelia-iot/mqtt-gateway/internal/store"
)

const disconnectWait = 250 // waiting time for client disconnect in ms

// TopicSource lists the topics the gateway must be subscribed to.
type TopicSource interface {
	ListTopics(ctx context.Context) ([]string, error)
}

// RuleSource resolves topics to datapoint rules.
type RuleSource interface {
	Get(ctx context.Context, topic string) ([]store.Datapoint, error)
	Invalidate(ctx context.Context, topic string) error
	Reset(ctx context.Context) error
}

// Dispatcher delivers attribute updates to the context broker.
type Dispatcher interface {
	UpdateAttributes(ctx context.Context, entityID, entityType string, upd orion.Update) error
}

// controller mutates the live MQTT subscription set. Subscriptions
// belong to the listener's connection, so control operations act on
// that same connection. The per-topic lease taken by the control
// listener serializes their enqueue per topic; workers may then run
// them concurrently, relying on their idempotence.
type controller interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Gateway runs the dispatch core while its instance holds leadership.
type Gateway struct {
	cfg    *Config
	lg     zerolog.Logger
	q      *queue.Queue
	topics TopicSource
	rules  RuleSource

	// newDispatcher builds the private per-worker broker session.
	newDispatcher func() Dispatcher
}

// New returns a gateway core wired to its collaborators.
func New(cfg *Config, q *queue.Queue, topics TopicSource, rules RuleSource, newDispatcher func() Dispatcher, lg zerolog.Logger) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:           cfg,
		lg:            lg,
		q:             q,
		topics:        topics,
		rules:         rules,
		newDispatcher: newDispatcher,
	}, nil
}

// Run drives the core until ctx is cancelled. Broker connection
// failures are retriable: the session is torn down and rebuilt after
// the reconnect delay.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.rules.Reset(ctx); err != nil {
		g.lg.Warn().Err(err).Msg("cache reset failed")
	}

	for {
		err := g.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.lg.Warn().Err(err).Dur("reconnect_in", g.cfg.reconnectDelay()).Msg("broker session ended")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.cfg.reconnectDelay()):
		}
	}
}

// runSession connects the subscriber handle, subscribes the current
// topic set and drains the queue with the worker pool until the
// context is cancelled or the session dies.
func (g *Gateway) runSession(ctx context.Context) error {
	conn := newConn(g.cfg, g.lg, g.q, g.topics)
	if err := conn.connect(ctx); err != nil {
		return err
	}
	defer conn.close()

	eg, gctx := errgroup.WithContext(ctx)
	for i := 0; i < g.cfg.workers(); i++ {
		w := &worker{
			id:                 i,
			lg:                 g.lg.With().Int("worker", i).Logger(),
			q:                  g.q,
			ctrl:               conn,
			rules:              g.rules,
			disp:               g.newDispatcher(),
			fallbackEntityType: g.cfg.fallbackEntityType(),
		}
		eg.Go(func() error { return w.run(gctx) })
	}
	// a lost broker connection ends the session with a retriable
	// error, cancelling the workers via the errgroup
	eg.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-conn.lost:
			return fmt.Errorf("broker connection lost: %w", err)
		}
	})
	return eg.Wait()
}

// conn owns the subscriber connection. Telemetry flows through its
// message handler into the queue; workers reuse it for control
// operations.
type conn struct {
	cfg    *Config
	lg     zerolog.Logger
	q      *queue.Queue
	topics TopicSource

	client MQTT.Client
	lost   chan error
}

func newConn(cfg *Config, lg zerolog.Logger, q *queue.Queue, topics TopicSource) *conn {
	return &conn{cfg: cfg, lg: lg, q: q, topics: topics, lost: make(chan error, 1)}
}

func (c *conn) connect(ctx context.Context) error {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", c.cfg.Addr))
	opts.SetClientID(fmt.Sprintf("%s-%s", c.cfg.ClientID, uuid.NewString()[:8]))
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetCleanSession(true)
	// reconnection is owned by Run's fixed-delay loop, which rebuilds
	// the session and resubscribes the current topic set; paho's own
	// reconnect would bypass it
	opts.SetAutoReconnect(false)
	opts.SetOnConnectHandler(func(client MQTT.Client) {
		if err := c.subscribeAll(ctx); err != nil {
			c.lg.Error().Err(err).Msg("topic subscription failed")
		}
	})
	opts.SetConnectionLostHandler(func(client MQTT.Client, err error) {
		c.lg.Warn().Err(err).Msg("broker connection lost")
		select {
		case c.lost <- err:
		default:
		}
	})

	c.client = MQTT.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect broker %s: %w", c.cfg.Addr, token.Error())
	}
	c.lg.Info().Str("broker", c.cfg.Addr).Msg("connected to broker")
	return nil
}

// subscribeAll subscribes the full topic set from the catalog.
func (c *conn) subscribeAll(ctx context.Context) error {
	topics, err := c.topics.ListTopics(ctx)
	if err != nil {
		return err
	}
	if len(topics) == 0 {
		c.lg.Info().Msg("no topics in catalog")
		return nil
	}

	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = c.cfg.QoS
	}
	if token := c.client.SubscribeMultiple(filters, c.onMessage); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %d topics: %w", len(topics), token.Error())
	}
	c.lg.Info().Int("topics", len(topics)).Msg("subscribed to catalog topics")
	return nil
}

func (c *conn) onMessage(client MQTT.Client, msg MQTT.Message) {
	c.q.EnqueueData(queue.DataEvent{Topic: msg.Topic(), Payload: msg.Payload()})
}

// Subscribe adds topic to the live subscription set. Idempotent.
func (c *conn) Subscribe(topic string) error {
	if token := c.client.Subscribe(topic, c.cfg.QoS, c.onMessage); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Unsubscribe removes topic from the live subscription set. Idempotent.
func (c *conn) Unsubscribe(topic string) error {
	if token := c.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *conn) close() {
	c.lg.Info().Str("broker", c.cfg.Addr).Msg("disconnect from broker")
	c.client.Disconnect(disconnectWait)
}
