package thp

import (
	"context"
	"errors"
	"sync"
)

var (
	errClosed = errors.New("mock interface closed")
	errNoPeer = errors.New("mock interface has no peer")
)

// Report is one fixed-size report exchanged with a WireInterface.
type Report [ReportLength]byte

// WireInterface is the capability the transport core consumes to read and
// write fixed-size reports. USB/HID/Bluetooth are a closed set of variants
// sharing this one capability; concrete drivers for each live outside the
// core.
type WireInterface interface {
	// IfaceNum identifies the interface for the scheduler's poll/wait
	// primitive.
	IfaceNum() uint32
	// Tag reports which IfaceTag this interface represents, so a
	// rehydrated channel can be matched back to a live interface.
	Tag() IfaceTag
	// PollRead blocks (cooperatively, honoring ctx) until one full report
	// is available and returns it.
	PollRead(ctx context.Context) (Report, error)
	// Write attempts to write report and returns the number of bytes
	// actually written. There is no timeout at this layer; callers that
	// need one apply it via ctx.
	Write(ctx context.Context, report Report) (int, error)
}

// MockInterface is an in-memory WireInterface used by tests and the demo
// binaries: two MockInterface values constructed back-to-back form a
// loopback pair, satisfying WireInterface the same way an in-process pipe
// satisfies io.ReadWriter.
type MockInterface struct {
	num  uint32
	tag  IfaceTag
	peer *MockInterface

	mu     sync.Mutex
	cond   *sync.Cond
	in     []Report
	closed bool
}

// NewMockPair returns two connected MockInterfaces: writes to a are
// readable from b and vice versa.
func NewMockPair(ifaceNum uint32) (a, b *MockInterface) {
	a = newMockInterface(ifaceNum, IfaceMock)
	b = newMockInterface(ifaceNum, IfaceMock)
	a.peer, b.peer = b, a
	return a, b
}

func newMockInterface(num uint32, tag IfaceTag) *MockInterface {
	m := &MockInterface{num: num, tag: tag}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *MockInterface) IfaceNum() uint32 { return m.num }
func (m *MockInterface) Tag() IfaceTag    { return m.tag }

func (m *MockInterface) PollRead(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.in) == 0 && !m.closed {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				m.cond.Broadcast()
			case <-done:
			}
		}()
		m.cond.Wait()
		close(done)
		if err := ctx.Err(); err != nil && len(m.in) == 0 {
			return Report{}, &TransportError{Op: "poll_read", Err: err}
		}
	}
	if m.closed && len(m.in) == 0 {
		return Report{}, &TransportError{Op: "poll_read", Err: errClosed}
	}
	r := m.in[0]
	m.in = m.in[1:]
	return r, nil
}

func (m *MockInterface) Write(ctx context.Context, report Report) (int, error) {
	if m.peer == nil {
		return 0, &TransportError{Op: "write", Err: errNoPeer}
	}
	m.peer.mu.Lock()
	defer m.peer.mu.Unlock()
	if m.peer.closed {
		return 0, &TransportError{Op: "write", Err: errClosed}
	}
	m.peer.in = append(m.peer.in, report)
	m.peer.cond.Broadcast()
	return ReportLength, nil
}

// Close marks the interface closed; pending and future PollRead calls
// return a TransportError.
func (m *MockInterface) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
}
