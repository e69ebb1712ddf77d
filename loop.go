package crisola

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/ipv4"
)

// receiveBufferSize fits any UDP datagram.
const receiveBufferSize = 1 << 16

// eventLoop is the only goroutine reading and writing the socket, and the
// only one touching the registry, the sequence counters and the
// dispatcher.
type eventLoop struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	conn  *groupConn
	queue *commandQueue
	waker *waker

	reg  *registry
	seqs map[ChannelID]uint64
	disp *dispatcher
	msgs []ipv4.Message
}

func newEventLoop(
	cfg *config,
	logger *slog.Logger,
	msink metrics.MetricSink,
	conn *groupConn,
	queue *commandQueue,
	waker *waker,
) *eventLoop {
	msgs := make([]ipv4.Message, cfg.maxBatch)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, receiveBufferSize)}
	}

	return &eventLoop{
		cfg:    cfg,
		logger: logger,
		msink:  msink,
		conn:   conn,
		queue:  queue,
		waker:  waker,
		reg:    newRegistry(),
		seqs:   make(map[ChannelID]uint64),
		disp:   newDispatcher(cfg, logger, msink),
		msgs:   msgs,
	}
}

// run returns nil once a stop command is applied, or the first fatal
// socket error.
func (l *eventLoop) run() (err error) {
	start := time.Now()
	l.logger.Info("event loop started")
	defer func() {
		l.waker.close()
		l.conn.Close()
		l.disp.close()
		if err != nil {
			l.logger.Error("event loop crashed", LabelError.L(err), LabelDuration.L(time.Since(start)))
		} else {
			l.logger.Info("event loop stopped", LabelDuration.L(time.Since(start)))
		}
	}()

	for {
		// Arm the wait before looking at the wake signal: a wake racing
		// with us either is seen below, or moves this deadline back.
		if err := l.conn.SetReadDeadline(time.Now().Add(l.cfg.pollInterval)); err != nil {
			return fmt.Errorf("%w: %w", ErrReceive, err)
		}

		if l.waker.pending() {
			stop, err := l.drainCommands()
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}

		n, err := l.conn.readBatch(l.msgs)
		if err != nil {
			if isTimeout(err) || isInterrupted(err) {
				continue
			}
			l.msink.IncrCounterWithLabels(
				MetricCrisolaDatagramInErrorCount,
				1.0,
				withLabels(l.cfg.metricLabels, LabelError.M("read")),
			)
			return fmt.Errorf("%w: %w", ErrReceive, err)
		}

		for i := 0; i < n; i++ {
			msg := &l.msgs[i]
			l.deliver(msg.Buffers[0][:msg.N], msg.Addr)
		}
	}
}

func (l *eventLoop) drainCommands() (stop bool, err error) {
	for {
		cmd := l.queue.pop()
		if cmd == nil {
			return false, nil
		}

		l.msink.IncrCounterWithLabels(
			MetricCrisolaCommandCount,
			1.0,
			withLabels(l.cfg.metricLabels, LabelCommand.M(cmd.kind.String())),
		)

		switch cmd.kind {
		case cmdSubscribe:
			l.reg.add(cmd.cid, cmd.subscriber)
			l.msink.SetGaugeWithLabels(MetricCrisolaSubscribers, float32(l.reg.len()), l.cfg.metricLabels)
			l.logger.Debug("subscribed", LabelChannel.L(cmd.cid))
		case cmdUnsubscribe:
			removed := l.reg.remove(cmd.cid)
			l.msink.SetGaugeWithLabels(MetricCrisolaSubscribers, float32(l.reg.len()), l.cfg.metricLabels)
			l.logger.Debug("unsubscribed", LabelChannel.L(cmd.cid), "removed", removed)
		case cmdPublish:
			if err := l.publish(cmd.cid, cmd.msg); err != nil {
				return false, err
			}
		case cmdStop:
			l.logger.Debug("stop requested")
			return true, nil
		default:
			panic(fmt.Sprintf("unreachable: unknown command kind %d", cmd.kind))
		}
	}
}

func (l *eventLoop) publish(cid ChannelID, msg *Message) error {
	seq := l.seqs[cid] + 1
	frame, err := msg.pack(cid, seq)
	if err != nil {
		// Publish seals the message, so it cannot be queued twice.
		l.logger.Error("dropping message", LabelChannel.L(cid), LabelError.L(err))
		return nil
	}
	l.seqs[cid] = seq

	mLabels := withLabels(l.cfg.metricLabels, LabelChannel.M(strconv.Itoa(int(cid))))
	_, err = l.conn.send(frame)
	if err != nil {
		l.msink.IncrCounterWithLabels(MetricCrisolaDatagramOutErrorCount, 1.0, mLabels)
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	l.msink.IncrCounterWithLabels(MetricCrisolaDatagramOutBytes, float32(len(frame)), mLabels)
	l.logger.Debug("published", LabelChannel.L(cid), LabelSeq.L(seq), LabelLength.L(len(frame)-HeaderLen))
	return nil
}

func (l *eventLoop) deliver(datagram []byte, from net.Addr) {
	l.msink.IncrCounterWithLabels(MetricCrisolaDatagramInBytes, float32(len(datagram)), l.cfg.metricLabels)
	l.msink.IncrCounterWithLabels(MetricCrisolaDatagramInCount, 1.0, l.cfg.metricLabels)

	payload := datagram
	var cid ChannelID
	filter := l.cfg.mode == DeliverByChannel
	if filter {
		frame, err := ParseFrame(datagram)
		if err != nil {
			l.msink.IncrCounterWithLabels(
				MetricCrisolaDatagramInErrorCount,
				1.0,
				withLabels(l.cfg.metricLabels, LabelError.M("too_short")),
			)
			l.logger.Debug("dropping runt datagram", LabelFrom.L(from), LabelLength.L(len(datagram)))
			return
		}
		cid = frame.Channel
		payload = frame.Payload
	}

	subs := l.reg.snapshot(cid, filter)
	if len(subs) == 0 {
		return
	}
	l.disp.dispatch(subs, payload)
}
