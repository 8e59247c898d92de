package thp

import (
	"context"
	"errors"
)

// Channel-scoped message type used on ControlSessionID to request a new
// application session.
const MessageTypeCreateNewSession uint16 = 0x0001

// Channel is one THP channel: a single WireInterface-bound handshake and
// encrypted-transport state machine multiplexing zero or more Sessions.
// A Channel's keys are re-derived by every handshake, and its state is
// persisted/rehydrated across device reboots via a ChannelCacheStore.
type Channel struct {
	cid   uint16
	iface WireInterface

	transport   *Transport
	reliability *ReliabilityFSM
	reassembler *Reassembler
	credMgr     *CredentialManager
	sessions    *SessionMux
	metrics     Metrics

	state ChannelState
	hs    *HandshakeState

	sendAEAD *AEAD
	recvAEAD *AEAD
	sendKeyRaw [32]byte
	recvKeyRaw [32]byte
	sendNonce MessageNonce
	recvNonce MessageNonce
}

// NewChannel allocates a Channel for cid on iface, already in state TH1
// (awaiting the host's handshake init).
func NewChannel(cid uint16, iface WireInterface, credMgr *CredentialManager, metrics Metrics) *Channel {
	metrics = orNoop(metrics)
	transport := NewTransport(iface, metrics)
	ch := &Channel{
		cid:         cid,
		iface:       iface,
		transport:   transport,
		reliability: NewReliabilityFSM(transport, metrics),
		reassembler: NewReassembler(),
		credMgr:     credMgr,
		metrics:     metrics,
		state:       ChannelTH1,
	}
	ch.sessions = NewSessionMux(ch)
	return ch
}

// CID returns the channel id.
func (ch *Channel) CID() uint16 { return ch.cid }

// State returns the channel's current handshake/transport state.
func (ch *Channel) State() ChannelState { return ch.state }

// HandleInit processes one init report read from the wire for this
// channel.
func (ch *Channel) HandleInit(ctx context.Context, report Report) error {
	header := UnpackInitHeader(report[:])
	if IsAck(header.CtrlByte) {
		ch.reliability.HandleReceivedAck(SyncBit(header.CtrlByte))
		return nil
	}
	result, err := ch.reassembler.FeedInit(report)
	if err != nil {
		ch.reassembler.Reset()
		return err
	}
	if !result.Done {
		return nil
	}
	return ch.handleCompletedMessage(ctx, result.Header)
}

// HandleCont processes one continuation report for this channel.
func (ch *Channel) HandleCont(ctx context.Context, report Report) error {
	result, err := ch.reassembler.FeedCont(report)
	if err != nil {
		ch.reassembler.Reset()
		return err
	}
	if !result.Done {
		return nil
	}
	return ch.handleCompletedMessage(ctx, result.Header)
}

// handleCompletedMessage validates the checksum on a fully reassembled
// message and dispatches it by control byte and channel state.
func (ch *Channel) handleCompletedMessage(ctx context.Context, header InitHeader) error {
	buf := ch.reassembler.Buffer()
	defer ch.reassembler.Reset()

	if len(buf) < InitDataOffset+ChecksumLength {
		return &FramingError{Reason: "message shorter than header+checksum"}
	}
	withoutChecksum := buf[:len(buf)-ChecksumLength]
	checksum := buf[len(buf)-ChecksumLength:]
	if !IsValidSlice(checksum, withoutChecksum) {
		ch.metrics.IncChecksumFailures()
		return &FramingError{Reason: "checksum mismatch"}
	}
	body := withoutChecksum[InitDataOffset:]
	ctrl := header.CtrlByte

	// Every data frame, including the TH1 handshake init, goes through the
	// ACK/sync-bit pipeline before dispatch: the ACK for a frame always
	// precedes any response it triggers. Only ACK frames themselves
	// (handled earlier in HandleInit) skip this.
	bit := SyncBit(ctrl)
	deliver, ackBit := ch.reliability.HandleInboundData(bit)
	if err := ch.sendAck(ctx, ackBit); err != nil {
		return err
	}
	if !deliver {
		return nil
	}

	var dispatchErr error
	switch {
	case IsHandshakeInit(ctrl):
		if ch.state != ChannelTH1 {
			dispatchErr = &ProtocolError{Reason: "handshake init received outside TH1"}
		} else {
			dispatchErr = ch.handleStateTH1(ctx, body)
		}
	case kindOf(ctrl) == CtrlPlaintext:
		dispatchErr = ch.handleStateTH2(ctx, body)
	case IsEncryptedTransport(ctrl):
		if ch.state != ChannelEncryptedTransport {
			dispatchErr = &ProtocolError{Reason: "encrypted transport frame before handshake completion"}
		} else {
			dispatchErr = ch.handleEncryptedTransport(ctx, body)
		}
	default:
		dispatchErr = &ProtocolError{Reason: "unrecognized control byte in completed message"}
	}

	ch.teardownIfFatal(ctx, dispatchErr)
	return dispatchErr
}

// teardownIfFatal resets the channel to UNALLOCATED and best-effort
// notifies the peer with a raw ERROR frame when err is a ProtocolError or
// CryptoError (spec.md §7: both are "fatal to the channel": "the channel
// transitions to a clean UNALLOCATED and emits an ERROR frame to the peer
// where the state permits" / "tear down to UNALLOCATED"). Every other
// error class is left to its own recovery path (FramingError/SyncError
// absorbed by the reassembly/reliability loop, SessionError answered
// in-band by handleEncryptedTransport).
func (ch *Channel) teardownIfFatal(ctx context.Context, err error) {
	var protoErr *ProtocolError
	var cryptoErr *CryptoError
	if !errors.As(err, &protoErr) && !errors.As(err, &cryptoErr) {
		return
	}
	ch.teardown(ctx, []byte(err.Error()))
}

// teardown discards the channel's handshake and transport key material,
// resets it to UNALLOCATED, and attempts to deliver a raw ctrl=0x41 ERROR
// frame carrying reason to the peer. The write is best-effort: a channel
// being torn down because its transport is already broken has nothing
// left to notify.
func (ch *Channel) teardown(ctx context.Context, reason []byte) {
	ch.state = ChannelUnallocated
	ch.hs = nil
	ch.sendAEAD = nil
	ch.recvAEAD = nil
	ch.sendKeyRaw = [32]byte{}
	ch.recvKeyRaw = [32]byte{}
	ch.sendNonce = MessageNonce{}
	ch.recvNonce = MessageNonce{}
	ch.sessions = NewSessionMux(ch)
	_ = ch.sendErrorFrame(ctx, reason)
}

// handleStateTH1 is the device side of the first handshake step. The
// Noise-style message construction itself (DH, transcript hashing, AEAD
// sealing) lives behind the Crypto façade's Th1ProcessE; this method only
// owns the channel-state transition around it.
func (ch *Channel) handleStateTH1(ctx context.Context, body []byte) error {
	if len(body) < PubKeyLength {
		return &ProtocolError{Reason: "TH1 payload shorter than a public key"}
	}
	var hostEphemeralPub [32]byte
	copy(hostEphemeralPub[:], body[:PubKeyLength])

	hs, response, err := Crypto{}.Th1ProcessE(hostEphemeralPub)
	if err != nil {
		return err
	}
	ch.hs = hs
	ch.state = ChannelTH2
	return ch.reliability.Send(ctx, ch.buildReports(CtrlPlaintext, response))
}

// handleStateTH2 is the device side of the second handshake step. The
// Noise-style message construction (AEAD open, triple-DH, key derivation)
// lives behind the Crypto façade's Th2ProcessSE; this method owns the
// channel-state transition to ENCRYPTED_TRANSPORT around it.
func (ch *Channel) handleStateTH2(ctx context.Context, body []byte) error {
	if ch.state != ChannelTH2 || ch.hs == nil {
		return &ProtocolError{Reason: "TH2 payload received outside TH2"}
	}
	sendKey, recvKey, err := Crypto{}.Th2ProcessSE(ch.hs, body)
	if err != nil {
		return err
	}

	ch.sendAEAD, err = NewAEAD(sendKey)
	if err != nil {
		return err
	}
	ch.recvAEAD, err = NewAEAD(recvKey)
	if err != nil {
		return err
	}
	ch.sendKeyRaw = sendKey
	ch.recvKeyRaw = recvKey
	ch.hs = nil
	ch.state = ChannelEncryptedTransport

	return ch.reliability.Send(ctx, ch.buildReports(CtrlPlaintext, nil))
}

// handleEncryptedTransport decrypts one ENCRYPTED_TRANSPORT message body
// and dispatches it to the session multiplexer.
func (ch *Channel) handleEncryptedTransport(ctx context.Context, body []byte) error {
	if ch.recvAEAD == nil {
		return &ProtocolError{Reason: "no receive key established"}
	}
	counter, err := ch.recvNonce.Next()
	if err != nil {
		return err
	}
	nonce := LittleEndianNonce(counter)
	plaintext, err := ch.recvAEAD.Open(nonce[:], body, nil)
	if err != nil {
		return err
	}
	if len(plaintext) < SessionIDLength+MessageTypeLength {
		return &ProtocolError{Reason: "encrypted message shorter than session header"}
	}
	sessionID := plaintext[0]
	messageType := uint16(plaintext[1])<<8 | uint16(plaintext[2])
	payload := plaintext[SessionIDLength+MessageTypeLength:]

	if sessionID == ControlSessionID && messageType == MessageTypeCreateNewSession {
		return ch.sessions.CreateSession(ctx, payload)
	}
	if err := ch.sessions.Deliver(ctx, sessionID, messageType, payload); err != nil {
		var sessErr *SessionError
		if errors.As(err, &sessErr) {
			return ch.sendErrorFrame(ctx, UnallocatedSessionErrorBody)
		}
		return err
	}
	return nil
}

// writeEncrypted encrypts payload under the session/messageType framing
// and sends it through the reliability layer.
func (ch *Channel) writeEncrypted(ctx context.Context, sessionID uint8, messageType uint16, payload []byte) error {
	if ch.sendAEAD == nil {
		return &ProtocolError{Reason: "no send key established"}
	}
	plaintext := make([]byte, 0, SessionIDLength+MessageTypeLength+len(payload))
	plaintext = append(plaintext, sessionID)
	plaintext = append(plaintext, byte(messageType>>8), byte(messageType))
	plaintext = append(plaintext, payload...)

	counter, err := ch.sendNonce.Next()
	if err != nil {
		return err
	}
	nonce := LittleEndianNonce(counter)
	ciphertext := ch.sendAEAD.Seal(nonce[:], plaintext, nil)
	return ch.reliability.Send(ctx, ch.buildReports(CtrlEncryptedTransport, ciphertext))
}

// sendAck writes a single zero-payload ACK report with the given sync
// bit. ACKs are not themselves retransmission-supervised; they go
// directly to the wire.
func (ch *Channel) sendAck(ctx context.Context, bit uint8) error {
	reports := ch.buildReports(CtrlAck, nil)(bit)
	for _, r := range reports {
		if err := ch.transport.WriteFull(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// sendErrorFrame writes a raw ctrl=0x41 ERROR frame carrying reason as its
// ASCII body (spec.md §6 "Error frame": ctrl=0x41, cid, length=|reason|+4;
// reason; crc). Error frames are not reliability-supervised: there is no
// sync bit to set and nothing to retransmit if the peer never ACKs, since
// an ERROR frame is not itself ACKed.
func (ch *Channel) sendErrorFrame(ctx context.Context, reason []byte) error {
	header := InitHeader{CtrlByte: CtrlError, CID: ch.cid, Length: uint16(len(reason) + ChecksumLength)}
	headerBytes := header.ToBytes()

	msg := make([]byte, 0, len(headerBytes)+len(reason)+ChecksumLength)
	msg = append(msg, headerBytes[:]...)
	msg = append(msg, reason...)
	sum := Compute(msg)
	msg = append(msg, sum[:]...)

	for _, r := range splitReports(ch.cid, msg) {
		if err := ch.transport.WriteFull(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// buildReports returns a ReportBuilder that frames body under ctrlBase
// (with the sync bit supplied at call time by ReliabilityFSM.Send),
// appending the CRC-32 trailer and splitting into init+continuation
// reports.
func (ch *Channel) buildReports(ctrlBase CtrlByte, body []byte) ReportBuilder {
	return func(bit uint8) []Report {
		ctrl := WithSyncBit(ctrlBase, bit)
		header := InitHeader{CtrlByte: ctrl, CID: ch.cid, Length: uint16(len(body) + ChecksumLength)}
		headerBytes := header.ToBytes()

		msg := make([]byte, 0, len(headerBytes)+len(body)+ChecksumLength)
		msg = append(msg, headerBytes[:]...)
		msg = append(msg, body...)
		sum := Compute(msg)
		msg = append(msg, sum[:]...)

		return splitReports(ch.cid, msg)
	}
}

// splitReports packs msg (header ∥ body ∥ checksum, already assembled)
// into one init report followed by as many continuation reports as
// needed.
func splitReports(cid uint16, msg []byte) []Report {
	reports := make([]Report, 0, 1+len(msg)/ReportLength)

	var first Report
	n := copy(first[:], msg)
	reports = append(reports, first)

	rest := msg[n:]
	for len(rest) > 0 {
		var r Report
		PackCont(r[:], cid)
		chunkLen := ReportLength - ContDataOffset
		if chunkLen > len(rest) {
			chunkLen = len(rest)
		}
		copy(r[ContDataOffset:], rest[:chunkLen])
		reports = append(reports, r)
		rest = rest[chunkLen:]
	}
	return reports
}
