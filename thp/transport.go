package thp

import "context"

// Transport is a thin wrapper over a WireInterface: it adds no timeouts
// (cancellation is cooperative via ctx, spec.md §4.C) and retries a write
// until the full report is accepted, mirroring the Python original's
// `_write_report` retry-until-accepted loop (thp_v1.py).
type Transport struct {
	Iface   WireInterface
	metrics Metrics
}

// NewTransport wraps iface in a Transport. metrics may be nil, in which
// case frame counts are discarded.
func NewTransport(iface WireInterface, metrics Metrics) *Transport {
	return &Transport{Iface: iface, metrics: orNoop(metrics)}
}

// PollRead waits for and returns the next full report.
func (t *Transport) PollRead(ctx context.Context) (Report, error) {
	r, err := t.Iface.PollRead(ctx)
	if err != nil {
		return Report{}, err
	}
	t.metrics.IncFramesIn()
	return r, nil
}

// WriteFull writes report, retrying until all ReportLength bytes have been
// accepted or ctx is done.
func (t *Transport) WriteFull(ctx context.Context, report Report) error {
	for {
		n, err := t.Iface.Write(ctx, report)
		if err != nil {
			return &TransportError{Op: "write_full", Err: err}
		}
		if n == ReportLength {
			t.metrics.IncFramesOut()
			return nil
		}
		if err := ctx.Err(); err != nil {
			return &TransportError{Op: "write_full", Err: err}
		}
	}
}
