package thp

import (
	"encoding/binary"
	"sync"
)

// DeviceProperties is the device-identifying payload appended to a
// channel allocation response so the host can show the user which device
// it is talking to before a channel is even encrypted
// (thp_v1.py:_handle_broadcast sends a fixed byte string here; SPEC_FULL.md
// §4 makes it injectable instead, by making Encode a method on a
// caller-supplied value).
type DeviceProperties struct {
	VendorID        uint16
	ProductID       uint16
	ModelName       string
	FirmwareVersion [4]uint8
	Capabilities    []byte
}

// Encode serializes DeviceProperties as vendor(2) ∥ product(2) ∥
// modelNameLen(1) ∥ modelName ∥ firmware(4) ∥ capabilities.
func (d DeviceProperties) Encode() []byte {
	out := make([]byte, 0, 9+len(d.ModelName)+len(d.Capabilities))
	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], d.VendorID)
	out = append(out, u16[:]...)
	binary.BigEndian.PutUint16(u16[:], d.ProductID)
	out = append(out, u16[:]...)
	out = append(out, byte(len(d.ModelName)))
	out = append(out, []byte(d.ModelName)...)
	out = append(out, d.FirmwareVersion[:]...)
	out = append(out, d.Capabilities...)
	return out
}

// BroadcastHandler answers channel allocation requests arriving on
// BroadcastChannelID, handing out monotonically increasing channel ids
// and constructing the Channel that will own each one
// (thp_v1.py:_handle_broadcast / _handle_allocated).
type BroadcastHandler struct {
	mu       sync.Mutex
	nextCID  uint16
	channels map[uint16]*Channel
	credMgr  *CredentialManager
	props    DeviceProperties
	metrics  Metrics
}

// NewBroadcastHandler returns a handler that issues channel ids starting
// at 1 (0 is reserved for the control session id namespace and 0xFFFF is
// the broadcast channel itself). metrics may be nil.
func NewBroadcastHandler(credMgr *CredentialManager, props DeviceProperties, metrics Metrics) *BroadcastHandler {
	return &BroadcastHandler{
		nextCID:  1,
		channels: make(map[uint16]*Channel),
		credMgr:  credMgr,
		props:    props,
		metrics:  orNoop(metrics),
	}
}

// Channel looks up a previously allocated channel by id.
func (b *BroadcastHandler) Channel(cid uint16) (*Channel, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[cid]
	return ch, ok
}

// HandleAllocationRequest allocates a new Channel for iface and returns
// the allocation-response reports to send back on the broadcast channel.
// nonce is echoed verbatim from the request so the host can match the
// response to its request (thp_v1.py's handling of CHANNEL_ALLOCATION_REQ
// nonce field).
func (b *BroadcastHandler) HandleAllocationRequest(iface WireInterface, nonce [8]byte) (*Channel, []Report, error) {
	b.mu.Lock()
	for b.nextCID == BroadcastChannelID || b.nextCID == 0 {
		b.nextCID++
	}
	cid := b.nextCID
	b.nextCID++
	ch := NewChannel(cid, iface, b.credMgr, b.metrics)
	b.channels[cid] = ch
	b.metrics.SetActiveChannels(len(b.channels))
	b.mu.Unlock()

	body := make([]byte, 0, len(nonce)+2+32)
	body = append(body, nonce[:]...)
	var cidBytes [2]byte
	binary.BigEndian.PutUint16(cidBytes[:], cid)
	body = append(body, cidBytes[:]...)
	body = append(body, b.props.Encode()...)

	reports := buildBroadcastReports(CtrlChannelAllocationRes, body)
	return ch, reports, nil
}

// buildBroadcastReports frames body as a single message on
// BroadcastChannelID. Allocation traffic is not reliability-supervised:
// a host that does not see a timely response is expected to retry the
// request itself (thp_v1.py never tracks sync bits for broadcast
// messages).
func buildBroadcastReports(ctrl CtrlByte, body []byte) []Report {
	header := InitHeader{CtrlByte: ctrl, CID: BroadcastChannelID, Length: uint16(len(body) + ChecksumLength)}
	headerBytes := header.ToBytes()

	msg := make([]byte, 0, len(headerBytes)+len(body)+ChecksumLength)
	msg = append(msg, headerBytes[:]...)
	msg = append(msg, body...)
	sum := Compute(msg)
	msg = append(msg, sum[:]...)

	return splitReports(BroadcastChannelID, msg)
}
