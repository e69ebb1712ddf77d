package crisola

import (
	"log/slog"
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"
)

type delivery struct {
	subs    []subscription
	payload []byte
}

// dispatcher hands deliveries from the event loop to subscribers.
//
// In inline mode, subscribers run on the event loop. Otherwise, a bounded
// queue feeds a fixed set of workers and the loop never waits for them: a
// delivery which does not fit in the queue is dropped.
//
// `dispatch` and `close` must only be called by the event loop.
type dispatcher struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	inline bool
	queue  chan delivery
	wg     sync.WaitGroup
}

func newDispatcher(cfg *config, logger *slog.Logger, msink metrics.MetricSink) *dispatcher {
	d := &dispatcher{
		logger: logger,
		msink:  msink,
		labels: cfg.metricLabels,
		inline: cfg.inline,
	}
	if d.inline {
		return d
	}

	d.queue = make(chan delivery, cfg.dispatchQueue)
	for i := 0; i < cfg.dispatchWorkers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// dispatch may retain neither subs nor payload beyond the call in inline
// mode. Otherwise payload is copied once, and shared by all subscribers.
func (d *dispatcher) dispatch(subs []subscription, payload []byte) {
	if d.inline {
		d.run(delivery{subs: subs, payload: payload})
		return
	}

	dl := delivery{
		subs:    subs,
		payload: append([]byte(nil), payload...),
	}
	select {
	case d.queue <- dl:
	default:
		d.msink.IncrCounterWithLabels(MetricCrisolaDispatchDropCount, 1.0, d.labels)
		d.logger.Warn("dispatch queue is full, dropping datagram",
			LabelLength.L(len(payload)),
			"subscribers", len(subs),
		)
	}
}

func (d *dispatcher) worker() {
	defer d.wg.Done()
	for dl := range d.queue {
		d.run(dl)
	}
}

func (d *dispatcher) run(dl delivery) {
	for _, s := range dl.subs {
		d.invoke(s, dl.payload)
	}
}

func (d *dispatcher) invoke(s subscription, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.msink.IncrCounterWithLabels(
				MetricCrisolaSubscriberPanicCount,
				1.0,
				withLabels(d.labels, LabelChannel.M(strconv.Itoa(int(s.cid)))),
			)
			d.logger.Error("subscriber panicked", LabelChannel.L(s.cid), "panic", r)
		}
	}()
	s.sub.Deliver(s.cid, payload)
}

// close lets the workers run what is already queued, then waits for them.
func (d *dispatcher) close() {
	if d.inline {
		return
	}
	close(d.queue)
	d.wg.Wait()
}
