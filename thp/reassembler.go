package thp

// Reassembled is the result of feeding reports into a Reassembler: once
// Done is true, the Reassembler's Buffer holds the full message
// (header ∥ payload ∥ crc) ready for checksum validation and dispatch.
type Reassembled struct {
	Header InitHeader
	Done   bool
}

// Reassembler accumulates a single message (one init report + N
// continuation reports) into a per-channel buffer capped at
// MaxPayloadLen+InitDataOffset bytes. The buffer is reused across
// messages, growing only when a larger one is needed, mirroring the
// buffer-reuse policy in thp_v1.py:_get_buffer_for_payload /
// channel.py:_get_buffer_for_message (spec.md §9 "Buffer reuse vs.
// allocation").
type Reassembler struct {
	buf                  []byte
	bytesRead            int
	expectedPayloadLen   int
	expectingContinuation bool
}

// NewReassembler returns a Reassembler with no buffer allocated yet; the
// first FeedInit call sizes it.
func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// ensureCapacity grows buf to at least n bytes, reusing the existing
// backing array when it is already big enough. Never shrinks.
func (r *Reassembler) ensureCapacity(n int) {
	if cap(r.buf) >= n {
		r.buf = r.buf[:n]
		return
	}
	newBuf := make([]byte, n)
	r.buf = newBuf
}

// FeedInit starts a new reassembly from an init report. It returns a
// FramingError if the declared length exceeds MaxPayloadLen (invariant
// I5).
func (r *Reassembler) FeedInit(report Report) (Reassembled, error) {
	header := UnpackInitHeader(report[:])
	if int(header.Length) > MaxPayloadLen {
		return Reassembled{}, &FramingError{Reason: "length exceeds MAX_PAYLOAD_LEN"}
	}
	total := int(header.Length) + InitDataOffset
	r.ensureCapacity(total)
	r.bytesRead = copy(r.buf, header.ToBytes()[:])
	r.bytesRead += copy(r.buf[r.bytesRead:], report[InitDataOffset:])
	r.expectedPayloadLen = int(header.Length)
	r.expectingContinuation = r.bytesRead < total
	return r.status(header), nil
}

// FeedCont appends a continuation report's payload to the in-progress
// reassembly. It is an error to call this when no reassembly is pending.
func (r *Reassembler) FeedCont(report Report) (Reassembled, error) {
	if !r.expectingContinuation {
		return Reassembled{}, &FramingError{Reason: "continuation report not expected"}
	}
	total := r.expectedPayloadLen + InitDataOffset
	n := copy(r.buf[r.bytesRead:total], report[ContDataOffset:])
	r.bytesRead += n
	if r.bytesRead > total {
		return Reassembled{}, &FramingError{Reason: "read more bytes than expected length"}
	}
	r.expectingContinuation = r.bytesRead < total
	return r.status(UnpackInitHeader(r.buf)), nil
}

func (r *Reassembler) status(header InitHeader) Reassembled {
	total := r.expectedPayloadLen + InitDataOffset
	return Reassembled{Header: header, Done: r.bytesRead == total}
}

// Buffer returns the accumulated bytes (header ∥ payload) for the
// in-progress or just-completed message.
func (r *Reassembler) Buffer() []byte {
	return r.buf[:r.bytesRead]
}

// Reset clears reassembly progress without releasing the backing buffer,
// ready for the next message.
func (r *Reassembler) Reset() {
	r.bytesRead = 0
	r.expectedPayloadLen = 0
	r.expectingContinuation = false
}

// Expecting reports whether a continuation report is currently expected.
func (r *Reassembler) Expecting() bool { return r.expectingContinuation }
