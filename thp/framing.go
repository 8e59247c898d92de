package thp

import "encoding/binary"

// InitHeader is the 5-byte header that begins every init report:
// ctrl_byte:u8, cid:u16 BE, length:u16 BE (spec.md §3, §4.B).
type InitHeader struct {
	CtrlByte CtrlByte
	CID      uint16
	Length   uint16
}

// ToBytes packs the header into its 5-byte big-endian wire form.
func (h InitHeader) ToBytes() [InitDataOffset]byte {
	var b [InitDataOffset]byte
	b[0] = byte(h.CtrlByte)
	binary.BigEndian.PutUint16(b[1:3], h.CID)
	binary.BigEndian.PutUint16(b[3:5], h.Length)
	return b
}

// PackInit writes the header into the first 5 bytes of into, which must be
// at least ReportLength bytes (an init report buffer).
func (h InitHeader) PackInit(into []byte) {
	b := h.ToBytes()
	copy(into[:InitDataOffset], b[:])
}

// PackCont overwrites the first 3 bytes of into with a continuation
// header: ctrl=CONTINUATION, cid (length is omitted on continuation
// reports, spec.md §4.B).
func PackCont(into []byte, cid uint16) {
	into[0] = byte(ctrlContinuation)
	binary.BigEndian.PutUint16(into[1:3], cid)
}

// UnpackInitHeader parses the first 5 bytes of a report as an InitHeader.
func UnpackInitHeader(report []byte) InitHeader {
	return InitHeader{
		CtrlByte: CtrlByte(report[0]),
		CID:      binary.BigEndian.Uint16(report[1:3]),
		Length:   binary.BigEndian.Uint16(report[3:5]),
	}
}

// UnpackContCID reads the channel id out of a continuation report's
// 3-byte header.
func UnpackContCID(report []byte) uint16 {
	return binary.BigEndian.Uint16(report[1:3])
}

// IsContinuation reports whether ctrl marks a continuation report.
func IsContinuation(ctrl CtrlByte) bool {
	return ctrl&ctrlContinuation == ctrlContinuation
}

// kindOf masks off the flag/sync bits, leaving only the packet kind.
func kindOf(ctrl CtrlByte) CtrlByte {
	return ctrl & ctrlKindMask
}

// IsEncryptedTransport reports whether ctrl marks an ENCRYPTED_TRANSPORT
// frame (sync bit and any other flags masked off).
func IsEncryptedTransport(ctrl CtrlByte) bool {
	return kindOf(ctrl) == CtrlEncryptedTransport
}

// IsHandshakeInit reports whether ctrl marks a TH1 handshake-init frame.
//
// spec.md §9 Open Question (a): the Python original calls this predicate
// without invoking it (`if not _is_ctrl_byte_handshake_init:`), which is
// always false since a function object is truthy. This implementation is
// the corrected, actually-invoked predicate (SPEC_FULL.md §5(a)).
func IsHandshakeInit(ctrl CtrlByte) bool {
	return kindOf(ctrl) == CtrlHandshakeInit
}

// IsAck reports whether ctrl marks an ACK frame.
func IsAck(ctrl CtrlByte) bool {
	return ctrl&CtrlAck == CtrlAck
}

// IsChannelAllocation reports whether ctrl marks a broadcast channel
// allocation request/response frame.
func IsChannelAllocation(ctrl CtrlByte) bool {
	return kindOf(ctrl) == CtrlChannelAllocationReq
}

// SyncBit extracts the alternating sync bit (bit 4) from ctrl.
func SyncBit(ctrl CtrlByte) uint8 {
	return uint8((ctrl & ctrlSyncBitMask) >> 4)
}

// WithSyncBit returns ctrl with its sync bit set to bit (0 or 1).
func WithSyncBit(ctrl CtrlByte, bit uint8) CtrlByte {
	if bit == 0 {
		return ctrl &^ ctrlSyncBitMask
	}
	return ctrl | ctrlSyncBitMask
}
