package chatmux

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Metric names registered by a Loop.
const (
	MetricConnsAccepted  = "conns.accepted"
	MetricConnsOpen      = "conns.open"
	MetricFramesDecoded  = "frames.decoded"
	MetricFramesBad      = "frames.malformed"
	MetricFramesEnqueued = "frames.enqueued"
	MetricBytesRead      = "bytes.read"
	MetricBytesWritten   = "bytes.written"
)

// loopMetrics record multiplexer activity counters.
type loopMetrics struct {
	accepted     gometrics.Counter
	open         gometrics.Counter // gauge-like: incremented on accept, decremented on close
	decoded      gometrics.Counter
	malformed    gometrics.Counter
	enqueued     gometrics.Counter // one per recipient per message
	bytesRead    gometrics.Counter
	bytesWritten gometrics.Counter
}

func newLoopMetrics(reg gometrics.Registry) *loopMetrics {
	return &loopMetrics{
		accepted:     gometrics.GetOrRegisterCounter(MetricConnsAccepted, reg),
		open:         gometrics.GetOrRegisterCounter(MetricConnsOpen, reg),
		decoded:      gometrics.GetOrRegisterCounter(MetricFramesDecoded, reg),
		malformed:    gometrics.GetOrRegisterCounter(MetricFramesBad, reg),
		enqueued:     gometrics.GetOrRegisterCounter(MetricFramesEnqueued, reg),
		bytesRead:    gometrics.GetOrRegisterCounter(MetricBytesRead, reg),
		bytesWritten: gometrics.GetOrRegisterCounter(MetricBytesWritten, reg),
	}
}
