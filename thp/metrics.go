package thp

// Metrics is the narrow counter surface the transport core reports into.
// metrics.Collector (package go.trezor.io/thp/metrics) implements it; the
// core depends only on this interface so it never imports the Prometheus
// client library directly, mirroring how thp/cache.go depends on
// ChannelCacheStore rather than bbolt.
type Metrics interface {
	IncFramesIn()
	IncFramesOut()
	IncRetransmissions()
	IncChecksumFailures()
	SetActiveChannels(n int)
	SetActiveSessions(n int)
}

// noopMetrics discards every call, used whenever a caller does not supply
// a Metrics implementation (callers such as tests that pass nil).
type noopMetrics struct{}

func (noopMetrics) IncFramesIn()            {}
func (noopMetrics) IncFramesOut()           {}
func (noopMetrics) IncRetransmissions()     {}
func (noopMetrics) IncChecksumFailures()    {}
func (noopMetrics) SetActiveChannels(int)   {}
func (noopMetrics) SetActiveSessions(int)   {}

func orNoop(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
