package crisola

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPollInterval      = 1 * time.Second
	defaultMaxBatch          = 16
	defaultDispatchQueue     = 1024
)

// DeliveryMode controls which subscribers receive an inbound datagram.
type DeliveryMode uint8

const (
	// DeliverBroadcast hands every datagram, header included, to every
	// registered subscriber whatever the channel id it carries. Each
	// subscriber is called with the channel id it subscribed with.
	DeliverBroadcast DeliveryMode = iota

	// DeliverByChannel parses the frame header and only calls the
	// subscribers of the channel id it carries, with the header stripped.
	// Datagrams shorter than `HeaderLen` are dropped.
	DeliverByChannel
)

func (mode DeliveryMode) String() string {
	switch mode {
	case DeliverBroadcast:
		return "broadcast"
	case DeliverByChannel:
		return "by_channel"
	default:
		return "unknown"
	}
}

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	// socket
	iface             *net.Interface
	loopback          bool
	bufferSize        int
	enforceBufferSize bool

	// event loop
	pollInterval time.Duration
	maxBatch     int

	// delivery
	mode            DeliveryMode
	inline          bool
	workersSet      bool
	dispatchWorkers int
	dispatchQueue   int
}

func defaultConfig() config {
	return config{
		bufferSize:      defaultUDPBufferSize,
		pollInterval:    defaultPollInterval,
		maxBatch:        defaultMaxBatch,
		mode:            DeliverBroadcast,
		dispatchWorkers: 1,
		dispatchQueue:   defaultDispatchQueue,
	}
}

// Option to pass to `NewPeer`.
type Option func(*config) error

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the peer.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the peer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithPollInterval bounds how long the event loop waits when nothing
// happens. It is also the worst-case latency to notice a `Shutdown` when
// the wake signal cannot be delivered.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return errors.New("poll interval must be positive")
		}
		if interval == 0 {
			interval = defaultPollInterval
		}
		c.pollInterval = interval
		return nil
	}
}

// WithMulticastLoopback controls whether datagrams sent by this host are
// delivered back to the sockets of this host. It is disabled by default,
// you need it to run several peers of the same group on one machine.
func WithMulticastLoopback(enabled bool) Option {
	return func(c *config) error {
		c.loopback = enabled
		return nil
	}
}

// WithInterface joins the group on the named network interface instead of
// letting the kernel pick the default one.
func WithInterface(name string) Option {
	return func(c *config) error {
		if name == "" {
			c.iface = nil
			return nil
		}
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return err
		}
		c.iface = iface
		return nil
	}
}

// WithBufferSize sets the requested kernel read buffer. The peer divides it
// by 2 until the kernel accepts it, unless `WithEnforceBufferSize` is set.
func WithBufferSize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("buffer size must be positive")
		}
		if size == 0 {
			size = defaultUDPBufferSize
		}
		c.bufferSize = size
		return nil
	}
}

// WithEnforceBufferSize fails `NewPeer` if the kernel does not allocate the
// requested read buffer.
func WithEnforceBufferSize() Option {
	return func(c *config) error {
		c.enforceBufferSize = true
		return nil
	}
}

// WithMaxBatch sets how many datagrams are read per receive call.
func WithMaxBatch(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errors.New("batch size must be at least 1")
		}
		c.maxBatch = n
		return nil
	}
}

// WithDeliveryMode selects how inbound datagrams are routed to
// subscribers. Default is `DeliverBroadcast`.
func WithDeliveryMode(mode DeliveryMode) Option {
	return func(c *config) error {
		if mode != DeliverBroadcast && mode != DeliverByChannel {
			return errors.New("unknown delivery mode")
		}
		c.mode = mode
		return nil
	}
}

// WithDispatchWorkers sets how many goroutines invoke subscribers. With
// more than one worker, deliveries may be observed out of order.
// It cannot be combined with `WithInlineDelivery`.
func WithDispatchWorkers(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return errors.New("dispatch needs at least one worker")
		}
		c.dispatchWorkers = n
		c.workersSet = true
		return nil
	}
}

// WithDispatchQueue sets how many deliveries can wait for a worker. When
// the queue is full, deliveries are dropped rather than stalling the
// event loop.
func WithDispatchQueue(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return errors.New("dispatch queue must hold at least one delivery")
		}
		c.dispatchQueue = size
		return nil
	}
}

// WithInlineDelivery invokes subscribers directly on the event loop.
// A slow subscriber then stalls datagram reception and command
// processing for as long as it runs.
// It cannot be combined with `WithDispatchWorkers`.
func WithInlineDelivery() Option {
	return func(c *config) error {
		c.inline = true
		return nil
	}
}

// validate checks the options which depend on each other, whatever the
// order they were given in.
func (c *config) validate() error {
	if c.inline && c.workersSet {
		return errors.New("inline delivery and dispatch workers are mutually exclusive")
	}
	return nil
}
