package thp

import (
	"bytes"
	"testing"
)

// buildFramedMessage assembles header ∥ body ∥ crc and splits it into the
// report sequence a real channel would write, mirroring
// Channel.buildReports without requiring a live Channel.
func buildFramedMessage(t *testing.T, cid uint16, ctrl CtrlByte, body []byte) []Report {
	t.Helper()
	header := InitHeader{CtrlByte: ctrl, CID: cid, Length: uint16(len(body) + ChecksumLength)}
	headerBytes := header.ToBytes()
	msg := append(append([]byte{}, headerBytes[:]...), body...)
	sum := Compute(msg)
	msg = append(msg, sum[:]...)
	return splitReports(cid, msg)
}

func TestReassemblerMultiReportScenario(t *testing.T) {
	// spec.md §8 scenario 6: a 200-byte framed message arrives as
	// 1 init report (59 payload bytes) + 3 continuations (61, 61, 19).
	body := bytes.Repeat([]byte{0x42}, 191)
	reports := buildFramedMessage(t, 0x1000, CtrlEncryptedTransport, body)

	if len(reports) != 4 {
		t.Fatalf("got %d reports, want 4 (1 init + 3 continuations)", len(reports))
	}

	r := NewReassembler()
	result, err := r.FeedInit(reports[0])
	if err != nil {
		t.Fatalf("FeedInit: %v", err)
	}
	if result.Done {
		t.Fatal("reassembly reported done after only the init report")
	}
	if !r.Expecting() {
		t.Fatal("reassembler should expect a continuation after a partial init")
	}

	for i, rep := range reports[1:] {
		result, err = r.FeedCont(rep)
		if err != nil {
			t.Fatalf("FeedCont[%d]: %v", i, err)
		}
		if i < len(reports)-2 && result.Done {
			t.Fatalf("reassembly reported done too early, at continuation %d", i)
		}
	}

	if !result.Done {
		t.Fatal("reassembly did not complete after the final continuation")
	}

	buf := r.Buffer()
	expectedTotal := InitDataOffset + len(body) + ChecksumLength
	if len(buf) != expectedTotal {
		t.Fatalf("got %d reassembled bytes, want %d", len(buf), expectedTotal)
	}
	if !bytes.Equal(buf[InitDataOffset:InitDataOffset+len(body)], body) {
		t.Fatal("reassembled payload does not match the original body")
	}
}

func TestReassemblerRejectsOversizedLength(t *testing.T) {
	header := InitHeader{CtrlByte: CtrlEncryptedTransport, CID: 1, Length: uint16(MaxPayloadLen + 1)}
	var report Report
	header.PackInit(report[:])

	r := NewReassembler()
	if _, err := r.FeedInit(report); err == nil {
		t.Fatal("FeedInit accepted a length exceeding MaxPayloadLen")
	}
}

func TestReassemblerRejectsContinuationWithoutInit(t *testing.T) {
	var report Report
	PackCont(report[:], 1)

	r := NewReassembler()
	if _, err := r.FeedCont(report); err == nil {
		t.Fatal("FeedCont accepted a continuation with no pending reassembly")
	}
}

func TestReassemblerResetAllowsReuse(t *testing.T) {
	body := bytes.Repeat([]byte{0x7}, 10)
	reports := buildFramedMessage(t, 5, CtrlPlaintext, body)

	r := NewReassembler()
	if _, err := r.FeedInit(reports[0]); err != nil {
		t.Fatalf("FeedInit: %v", err)
	}
	r.Reset()
	if r.Expecting() {
		t.Fatal("Reset should clear the expecting-continuation flag")
	}

	// Reusing the same Reassembler for a second, unrelated message must
	// not see leftover state from the first (buffer-reuse policy,
	// spec.md §9 "Buffer reuse vs. allocation").
	second := bytes.Repeat([]byte{0x9}, 10)
	reports2 := buildFramedMessage(t, 5, CtrlPlaintext, second)
	result, err := r.FeedInit(reports2[0])
	if err != nil {
		t.Fatalf("FeedInit after reset: %v", err)
	}
	if !result.Done {
		t.Fatal("single-report message should complete on FeedInit alone")
	}
	buf := r.Buffer()
	if !bytes.Equal(buf[InitDataOffset:len(buf)-ChecksumLength], second) {
		t.Fatal("reused reassembler buffer retained bytes from the previous message")
	}
}
