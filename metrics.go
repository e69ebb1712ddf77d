package crisola

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricCrisolaDatagramInBytes represents how much bytes have been
	// received from the multicast group.
	MetricCrisolaDatagramInBytes       = []string{"crisola", "datagram", "in", "bytes"}
	MetricCrisolaDatagramInCount       = []string{"crisola", "datagram", "in", "count"}
	MetricCrisolaDatagramInErrorCount  = []string{"crisola", "datagram", "in", "error", "count"}
	MetricCrisolaDatagramOutBytes      = []string{"crisola", "datagram", "out", "bytes"}
	MetricCrisolaDatagramOutErrorCount = []string{"crisola", "datagram", "out", "error", "count"}
	MetricCrisolaCommandCount          = []string{"crisola", "command", "count"}
	MetricCrisolaSubscribers           = []string{"crisola", "subscribers"}
	MetricCrisolaDispatchDropCount     = []string{"crisola", "dispatch", "drop", "count"}
	MetricCrisolaSubscriberPanicCount  = []string{"crisola", "subscriber", "panic", "count"}
	MetricCrisolaUDPBufferSizeBytes    = []string{"crisola", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelGroup    TelemetryLabel = "group"
	LabelChannel  TelemetryLabel = "channel"
	LabelSeq      TelemetryLabel = "seq"
	LabelCommand  TelemetryLabel = "command"
	LabelFrom     TelemetryLabel = "from"
	LabelLength   TelemetryLabel = "length"
	LabelDuration TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels returns a fresh slice so callers never alias the static
// labels of the config.
func withLabels(static []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(static)+len(extra))
	out = append(out, static...)
	return append(out, extra...)
}
