// Package queue provides the two-band work queue feeding the worker
// pool.
package queue

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "gateway_queue_dropped_total",
	Help: "Data events dropped on queue overflow.",
})

// Control commands carried on the notification bus.
const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// Event is a unit of work for the worker pool. It is a tagged variant:
// exactly ControlEvent and DataEvent implement it.
type Event interface{ isEvent() }

// ControlEvent mutates the MQTT subscription set.
type ControlEvent struct {
	Cmd   string
	Topic string
}

// DataEvent is an inbound telemetry message.
type DataEvent struct {
	Topic   string
	Payload []byte
}

func (ControlEvent) isEvent() {}
func (DataEvent) isEvent()    {}

const ctrlChanSize = 1024

// Queue is a two-band priority queue. Control events occupy the high
// band and are never dropped; data events occupy the low band, which
// is capped and drops its oldest entry on overflow. Within a band,
// ordering is FIFO.
type Queue struct {
	ctrl chan ControlEvent
	data chan DataEvent
}

// New returns a queue whose data band holds at most dataCap events.
func New(dataCap int) *Queue {
	if dataCap <= 0 {
		dataCap = 4096
	}
	return &Queue{
		ctrl: make(chan ControlEvent, ctrlChanSize),
		data: make(chan DataEvent, dataCap),
	}
}

// EnqueueControl adds a control event to the high band. Control events
// are never dropped; if the band is saturated the call blocks until a
// worker drains it.
func (q *Queue) EnqueueControl(ev ControlEvent) {
	q.ctrl <- ev
}

// EnqueueData adds a data event to the low band without blocking. On
// overflow the oldest pending data event is discarded and counted.
func (q *Queue) EnqueueData(ev DataEvent) {
	for {
		select {
		case q.data <- ev:
			return
		default:
		}
		select {
		case <-q.data:
			droppedTotal.Inc()
		default:
		}
	}
}

// Dequeue returns the next event, always preferring pending control
// events over data events. It blocks until an event is available or
// the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Event, error) {
	// drain the high band first
	select {
	case ev := <-q.ctrl:
		return ev, nil
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-q.ctrl:
		return ev, nil
	case ev := <-q.data:
		return ev, nil
	}
}

// Len returns the number of pending events per band.
func (q *Queue) Len() (control, data int) { return len(q.ctrl), len(q.data) }
