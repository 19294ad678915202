package gateway

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/karelia-iot/mqtt-gateway/internal/orion"
	"github.com/karelia-iot/mqtt-gateway/internal/queue"
	"github.com/karelia-iot/mqtt-gateway/internal/rules"
)

// worker drains the queue. Each worker owns a private dispatcher
// session; control operations go through the shared serialized
// controller.
type worker struct {
	id                 int
	lg                 zerolog.Logger
	q                  *queue.Queue
	ctrl               controller
	rules              RuleSource
	disp               Dispatcher
	fallbackEntityType string
}

func (w *worker) run(ctx context.Context) error {
	for {
		ev, err := w.q.Dequeue(ctx)
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case queue.ControlEvent:
			w.handleControl(ctx, e)
		case queue.DataEvent:
			w.handleData(ctx, e)
		}
	}
}

// handleControl applies a subscription change. Both commands are
// idempotent against the broker, so duplicate delivery is harmless.
func (w *worker) handleControl(ctx context.Context, ev queue.ControlEvent) {
	switch ev.Cmd {
	case queue.CmdSubscribe:
		if err := w.ctrl.Subscribe(ev.Topic); err != nil {
			w.lg.Error().Err(err).Str("topic", ev.Topic).Msg("subscribe failed")
			return
		}
		w.lg.Info().Str("topic", ev.Topic).Msg("subscribed")
	case queue.CmdUnsubscribe:
		if err := w.ctrl.Unsubscribe(ev.Topic); err != nil {
			w.lg.Error().Err(err).Str("topic", ev.Topic).Msg("unsubscribe failed")
			return
		}
		if err := w.rules.Invalidate(ctx, ev.Topic); err != nil {
			w.lg.Warn().Err(err).Str("topic", ev.Topic).Msg("cache invalidate failed")
		}
		w.lg.Info().Str("topic", ev.Topic).Msg("unsubscribed")
	default:
		w.lg.Error().Str("cmd", ev.Cmd).Str("topic", ev.Topic).Msg("unknown control command")
	}
}

// handleData resolves the topic's rules and dispatches one attribute
// update per matching rule. Failures affect only the rule at hand.
func (w *worker) handleData(ctx context.Context, ev queue.DataEvent) {
	ruleSet, err := w.rules.Get(ctx, ev.Topic)
	if err != nil {
		w.lg.Error().Err(err).Str("topic", ev.Topic).Msg("rule lookup failed")
		return
	}
	if len(ruleSet) == 0 {
		w.lg.Debug().Str("topic", ev.Topic).Msg("no rules for topic")
		return
	}

	doc, err := rules.ParsePayload(ev.Payload)
	if err != nil {
		w.lg.Warn().Err(err).Str("topic", ev.Topic).Msg("malformed payload")
		return
	}

	for _, rule := range ruleSet {
		value, found, err := rules.Extract(doc, rule.JSONPath)
		if err != nil {
			w.lg.Warn().Err(err).Str("object_id", rule.ObjectID).Msg("path evaluation failed")
			continue
		}
		if !found || rules.SkipValue(value) {
			continue
		}

		entityType := rule.EntityType
		if entityType == "" {
			entityType = w.fallbackEntityType
		}

		err = w.disp.UpdateAttributes(ctx, rule.EntityID, entityType, orion.NumberUpdate(rule.AttributeName, value))
		switch {
		case errors.Is(err, orion.ErrEntityNotFound):
			w.lg.Warn().Str("entity_id", rule.EntityID).Str("object_id", rule.ObjectID).Msg("target entity does not exist")
		case err != nil:
			w.lg.Error().Err(err).Str("entity_id", rule.EntityID).Str("object_id", rule.ObjectID).Msg("update dispatch failed")
		default:
			w.lg.Debug().Str("entity_id", rule.EntityID).Str("attribute", rule.AttributeName).Msg("update dispatched")
		}
	}
}
