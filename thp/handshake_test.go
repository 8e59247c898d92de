package thp

import (
	"context"
	"testing"
	"time"
)

// TestFullHandshakeAndEncryptedRoundTrip drives a Router-owned device
// through channel allocation, the TH1/TH2 handshake, and one encrypted
// application message, replaying the host side of the exchange by hand
// (the device is the only side this package implements; the host side
// here is test-harness code computing the same Noise-style key schedule
// independently). This exercises property P1 (a completed handshake
// yields usable, matching send/recv keys on both ends) end to end rather
// than unit-testing each handshake step in isolation.
func TestFullHandshakeAndEncryptedRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deviceIface, hostIface := NewMockPair(1)
	credMgr := NewCredentialManager([]byte("device secret"))
	router := NewRouter(credMgr, DeviceProperties{ModelName: "test-device"}, nil)

	// The device loop mirrors thpdevice/main.go: it just keeps servicing
	// one report at a time. Each call may itself block mid-handshake
	// inside ReliabilityFSM.Send waiting for this test's ACKs, so it must
	// run concurrently with the host-side code below.
	deviceErrs := make(chan error, 8)
	go func() {
		for {
			err := router.ReadMessage(ctx, deviceIface)
			if ctx.Err() != nil {
				return
			}
			deviceErrs <- err
		}
	}()
	checkDeviceErr := func(t *testing.T) {
		t.Helper()
		select {
		case err := <-deviceErrs:
			if err != nil {
				t.Fatalf("device-side error: %v", err)
			}
		default:
		}
	}

	hostTransport := NewTransport(hostIface, nil)
	readReport := func(t *testing.T) Report {
		t.Helper()
		r, err := hostTransport.PollRead(ctx)
		if err != nil {
			t.Fatalf("host read: %v", err)
		}
		return r
	}
	writeReport := func(t *testing.T, r Report) {
		t.Helper()
		if err := hostTransport.WriteFull(ctx, r); err != nil {
			t.Fatalf("host write: %v", err)
		}
	}
	sendAck := func(t *testing.T, cid uint16, bit uint8) {
		t.Helper()
		var r Report
		header := InitHeader{CtrlByte: WithSyncBit(CtrlAck, bit), CID: cid, Length: ChecksumLength}
		header.PackInit(r[:])
		sum := Compute(r[:InitDataOffset])
		copy(r[InitDataOffset:], sum[:])
		writeReport(t, r)
	}
	// readFramedMessage assembles a (possibly multi-report) message
	// starting from its already-read init report, the way a real host
	// stack would: the TH1 response in particular (ephemeral key plus an
	// encrypted static key) does not fit in a single 64-byte report.
	readFramedMessage := func(t *testing.T, first Report) (InitHeader, []byte) {
		t.Helper()
		reasm := NewReassembler()
		result, err := reasm.FeedInit(first)
		if err != nil {
			t.Fatalf("FeedInit: %v", err)
		}
		for !result.Done {
			result, err = reasm.FeedCont(readReport(t))
			if err != nil {
				t.Fatalf("FeedCont: %v", err)
			}
		}
		buf := reasm.Buffer()
		withoutChecksum := buf[:len(buf)-ChecksumLength]
		checksum := buf[len(buf)-ChecksumLength:]
		if !IsValidSlice(checksum, withoutChecksum) {
			t.Fatal("reassembled message failed checksum validation")
		}
		return result.Header, withoutChecksum[InitDataOffset:]
	}
	buildFrame := func(cid uint16, ctrl CtrlByte, body []byte) Report {
		var r Report
		header := InitHeader{CtrlByte: ctrl, CID: cid, Length: uint16(len(body) + ChecksumLength)}
		headerBytes := header.ToBytes()
		msg := append(append([]byte{}, headerBytes[:]...), body...)
		sum := Compute(msg)
		msg = append(msg, sum[:]...)
		copy(r[:], msg)
		return r
	}

	// --- Channel allocation ---
	nonce := [8]byte{9, 9, 9, 9, 9, 9, 9, 9}
	allocReq := buildBroadcastReports(CtrlChannelAllocationReq, nonce[:])
	writeReport(t, allocReq[0])

	allocResp := readReport(t)
	checkDeviceErr(t)
	allocHeader := UnpackInitHeader(allocResp[:])
	if allocHeader.CID != BroadcastChannelID {
		t.Fatalf("allocation response cid = %#x, want broadcast", allocHeader.CID)
	}
	cid := uint16(allocResp[InitDataOffset+8])<<8 | uint16(allocResp[InitDataOffset+9])
	if cid == 0 || cid == BroadcastChannelID {
		t.Fatalf("allocated an invalid channel id %#x", cid)
	}

	// --- TH1 ---
	hostEphemeral, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	th1 := buildFrame(cid, CtrlHandshakeInit, hostEphemeral.Public[:])
	writeReport(t, th1)

	ackTH1 := readReport(t)
	if !IsAck(CtrlByte(ackTH1[0])) || SyncBit(CtrlByte(ackTH1[0])) != 0 {
		t.Fatalf("expected an ACK with sync bit 0 for the TH1 request, got ctrl %#x", ackTH1[0])
	}

	th1Header, body := readFramedMessage(t, readReport(t))
	if kindOf(th1Header.CtrlByte) != CtrlPlaintext {
		t.Fatalf("expected a plaintext TH1 response, got ctrl %#x", th1Header.CtrlByte)
	}
	var deviceEphemeralPub [32]byte
	copy(deviceEphemeralPub[:], body[:PubKeyLength])
	th1Ciphertext := body[PubKeyLength:]

	shared1, err := DH(hostEphemeral.Private, deviceEphemeralPub)
	if err != nil {
		t.Fatalf("DH shared1: %v", err)
	}
	transcript := HandshakeHash("thp handshake v1", hostEphemeral.Public[:], deviceEphemeralPub[:])
	tempKeyBytes := HMACSHA256(shared1[:], transcript[:])
	var tempKey [32]byte
	copy(tempKey[:], tempKeyBytes)
	handshakeAEAD, err := NewAEAD(tempKey)
	if err != nil {
		t.Fatalf("NewAEAD(tempKey): %v", err)
	}
	nonce0 := LittleEndianNonce(0)
	deviceStaticPubBytes, err := handshakeAEAD.Open(nonce0[:], th1Ciphertext, transcript[:])
	if err != nil {
		t.Fatalf("opening TH1 response ciphertext: %v", err)
	}
	var deviceStaticPub [32]byte
	copy(deviceStaticPub[:], deviceStaticPubBytes)

	sendAck(t, cid, 0) // unblocks the device's Send() for the TH1 response
	checkDeviceErr(t)

	// --- TH2 ---
	hostStatic, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	th2Ciphertext := handshakeAEAD.Seal(nonce0[:], hostStatic.Public[:], transcript[:])
	th2 := buildFrame(cid, WithSyncBit(CtrlPlaintext, 1), th2Ciphertext)
	writeReport(t, th2)

	ackTH2 := readReport(t)
	if !IsAck(CtrlByte(ackTH2[0])) || SyncBit(CtrlByte(ackTH2[0])) != 1 {
		t.Fatalf("expected an ACK with sync bit 1 for the TH2 request, got ctrl %#x", ackTH2[0])
	}
	th2Resp := readReport(t)
	th2Header := UnpackInitHeader(th2Resp[:])
	if kindOf(th2Header.CtrlByte) != CtrlPlaintext || SyncBit(th2Header.CtrlByte) != 1 {
		t.Fatalf("expected the handshake-complete confirmation frame, got ctrl %#x", th2Header.CtrlByte)
	}
	sendAck(t, cid, 1) // unblocks the device's Send() for the confirmation frame
	checkDeviceErr(t)

	shared2, err := DH(hostStatic.Private, deviceEphemeralPub)
	if err != nil {
		t.Fatalf("DH shared2: %v", err)
	}
	shared3, err := DH(hostEphemeral.Private, deviceStaticPub)
	if err != nil {
		t.Fatalf("DH shared3: %v", err)
	}
	combined := make([]byte, 0, 96)
	combined = append(combined, shared1[:]...)
	combined = append(combined, shared2[:]...)
	combined = append(combined, shared3[:]...)
	deviceRecvKeyBytes := HMACSHA256(combined, append(append([]byte{}, transcript[:]...), []byte("host->device")...))
	var hostSendKey [32]byte
	copy(hostSendKey[:], deviceRecvKeyBytes) // what the host sends, the device receives

	hostSendAEAD, err := NewAEAD(hostSendKey)
	if err != nil {
		t.Fatalf("NewAEAD(hostSendKey): %v", err)
	}

	hostRecvKeyBytes := HMACSHA256(combined, append(append([]byte{}, transcript[:]...), []byte("device->host")...))
	var hostRecvKey [32]byte
	copy(hostRecvKey[:], hostRecvKeyBytes)
	hostRecvAEAD, err := NewAEAD(hostRecvKey)
	if err != nil {
		t.Fatalf("NewAEAD(hostRecvKey): %v", err)
	}

	// --- create a new session (session id 0 is never allocated; it only
	// ever appears as the addressee of this one control request) ---
	createPlaintext := []byte{ControlSessionID, byte(MessageTypeCreateNewSession >> 8), byte(MessageTypeCreateNewSession)}
	createNonce := LittleEndianNonce(0)
	createCiphertext := hostSendAEAD.Seal(createNonce[:], createPlaintext, nil)
	createFrame := buildFrame(cid, WithSyncBit(CtrlEncryptedTransport, 0), createCiphertext)
	writeReport(t, createFrame)

	ackCreate := readReport(t)
	if !IsAck(CtrlByte(ackCreate[0])) || SyncBit(CtrlByte(ackCreate[0])) != 0 {
		t.Fatalf("expected an ACK with sync bit 0 for the create-session request, got ctrl %#x", ackCreate[0])
	}

	createResp := readReport(t)
	createRespHeader := UnpackInitHeader(createResp[:])
	if !IsEncryptedTransport(createRespHeader.CtrlByte) {
		t.Fatalf("expected an encrypted create-session response, got ctrl %#x", createRespHeader.CtrlByte)
	}
	createRespCiphertext := createResp[InitDataOffset : InitDataOffset+int(createRespHeader.Length)-ChecksumLength]
	respNonce := LittleEndianNonce(0)
	createRespPlain, err := hostRecvAEAD.Open(respNonce[:], createRespCiphertext, nil)
	if err != nil {
		t.Fatalf("opening create-session response: %v", err)
	}
	if len(createRespPlain) != SessionIDLength+MessageTypeLength+1 {
		t.Fatalf("unexpected create-session response length %d", len(createRespPlain))
	}
	newSessionID := createRespPlain[SessionIDLength+MessageTypeLength]
	sendAck(t, cid, SyncBit(createRespHeader.CtrlByte)) // unblocks the device's Send() for the response
	checkDeviceErr(t)

	// --- encrypted application message, host -> device, addressed to the
	// newly created session ---
	const messageType = 0x0007
	plaintext := append([]byte{newSessionID, 0, messageType}, []byte("ping")...)
	appNonce := LittleEndianNonce(1)
	ciphertext := hostSendAEAD.Seal(appNonce[:], plaintext, nil)
	appFrame := buildFrame(cid, WithSyncBit(CtrlEncryptedTransport, 1), ciphertext)
	writeReport(t, appFrame)

	ackApp := readReport(t)
	if !IsAck(CtrlByte(ackApp[0])) || SyncBit(CtrlByte(ackApp[0])) != 1 {
		t.Fatalf("expected an ACK with sync bit 1 for the application frame, got ctrl %#x", ackApp[0])
	}

	deadline := time.After(2 * time.Second)
	for {
		ch, ok := router.Channel(cid)
		if ok {
			if sess, ok := ch.sessions.Session(newSessionID); ok {
				select {
				case msg := <-sess.inbox:
					if msg.messageType != messageType || string(msg.payload) != "ping" {
						t.Fatalf("got %+v, want messageType=%#x payload=ping", msg, messageType)
					}
					checkDeviceErr(t)
					return
				default:
				}
			}
		}
		select {
		case <-deadline:
			t.Fatal("device never delivered the encrypted application message")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
