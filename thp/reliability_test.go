package thp

import (
	"context"
	"testing"
	"time"
)

func newLoopbackReliability(t *testing.T) (*ReliabilityFSM, *MockInterface) {
	t.Helper()
	a, _ := NewMockPair(1)
	transport := NewTransport(a, nil)
	return NewReliabilityFSM(transport, nil), a
}

func TestHandleInboundDataAcceptsExpectedBit(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	deliver, ackBit := f.HandleInboundData(0)
	if !deliver {
		t.Fatal("frame matching expected_recv_bit=0 should be delivered")
	}
	if ackBit != 0 {
		t.Fatalf("got ackBit %d, want 0", ackBit)
	}
}

func TestHandleInboundDataDropsDuplicate(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	// First frame: expected bit 0, accepted, toggles expected bit to 1.
	if deliver, _ := f.HandleInboundData(0); !deliver {
		t.Fatal("first frame should be delivered")
	}
	// Spec.md §8 scenario 4: a retransmitted duplicate with the old bit
	// must be ACKed with its own bit but never delivered, and must not
	// toggle expected_recv_bit again.
	deliver, ackBit := f.HandleInboundData(0)
	if deliver {
		t.Fatal("duplicate frame (sync bit 0 again) must not be delivered")
	}
	if ackBit != 0 {
		t.Fatalf("duplicate should be ACKed with its own bit 0, got %d", ackBit)
	}
	// Expected bit is still 1; a frame with bit 1 must now be accepted.
	if deliver, _ := f.HandleInboundData(1); !deliver {
		t.Fatal("expected_recv_bit should have toggled to 1 after the first acceptance")
	}
}

func TestHandleReceivedAckIgnoredWhenNoSendOutstanding(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	if !f.CanSend() {
		t.Fatal("a fresh FSM should be able to send")
	}
	// spec.md §8 scenario 3: a duplicate ACK after can_send is already
	// true must be silently ignored, never blocking on the ack channel.
	f.HandleReceivedAck(0)
	if !f.CanSend() {
		t.Fatal("an unexpected ACK must not change can_send")
	}
}

func TestSendCancelledOnMatchingAck(t *testing.T) {
	f, _ := newLoopbackReliability(t)

	build := func(bit uint8) []Report {
		var r Report
		r[0] = byte(WithSyncBit(CtrlEncryptedTransport, bit))
		return []Report{r}
	}

	done := make(chan error, 1)
	ctx := context.Background()
	go func() { done <- f.Send(ctx, build) }()

	// Give Send a moment to mark can_send=false before acking.
	time.Sleep(20 * time.Millisecond)
	if f.CanSend() {
		t.Fatal("can_send should be false while a send is outstanding")
	}
	f.HandleReceivedAck(0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Send returned error after a matching ACK: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return promptly after a matching ACK")
	}

	if !f.CanSend() {
		t.Fatal("can_send should be true again after the ACK")
	}
}

func TestSendAlternatesBitAcrossCalls(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	build := func(bit uint8) []Report {
		var r Report
		r[0] = byte(bit)
		return []Report{r}
	}

	for i, want := range []uint8{0, 1, 0} {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.Send(ctx, build) }()
		time.Sleep(10 * time.Millisecond)
		f.HandleReceivedAck(want)
		if err := <-done; err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		cancel()
	}
}

func TestSendRejectsSecondCallWhileOutstanding(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	build := func(bit uint8) []Report { return []Report{{}} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	go func() {
		close(started)
		f.Send(ctx, build)
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	if err := f.Send(context.Background(), build); err == nil {
		t.Fatal("a second Send while one is outstanding should fail")
	}
}

func TestSyncByteRoundTrip(t *testing.T) {
	f, _ := newLoopbackReliability(t)
	f.HandleInboundData(0) // flips expected_recv_bit to 1
	b := f.SyncByte()

	f2, _ := newLoopbackReliability(t)
	f2.LoadSyncByte(b)
	if f2.SyncByte() != b {
		t.Fatalf("LoadSyncByte/SyncByte round trip mismatch: got %#x, want %#x", f2.SyncByte(), b)
	}
}
