package thp

import (
	"context"
	"errors"
	"sync"

	"go.trezor.io/thp/logger"
)

// LegacyCodec is the pre-THP wire codec (v1) that some devices still speak
// on the same USB endpoint until a host opts into THP. This package does
// not reimplement that codec; Router only needs enough of a seam to route
// around it, per spec.md §4.I "protocol version switch" (explicit
// Non-goal: full codec_v1 framing/dispatch is out of scope; the switch
// itself is in scope so an embedder can plug one in).
type LegacyCodec interface {
	HandleReport(ctx context.Context, iface WireInterface, report Report) error
}

// Router is the top-level entry point that reads reports off a
// WireInterface, decides whether they belong to the legacy codec or THP,
// and for THP traffic dispatches by channel id to either the
// BroadcastHandler (cid==BroadcastChannelID) or an allocated Channel
// (thp_v1.py's read_message_or_init_packet top-level dispatch, generalized
// here to own the full allocated-channel table rather than a single
// global).
type Router struct {
	broadcast *BroadcastHandler
	legacy    LegacyCodec
	metrics   Metrics

	mu       sync.Mutex
	channels map[uint16]*Channel
	useTHP   bool
}

// NewRouter returns a Router configured for THP by default, with no
// legacy codec installed. metrics may be nil, in which case frame/channel
// counters are discarded (tests that don't care).
func NewRouter(credMgr *CredentialManager, props DeviceProperties, metrics Metrics) *Router {
	metrics = orNoop(metrics)
	return &Router{
		broadcast: NewBroadcastHandler(credMgr, props, metrics),
		metrics:   metrics,
		channels:  make(map[uint16]*Channel),
		useTHP:    true,
	}
}

// SetLegacyCodec installs codec and arms the router to hand off
// non-THP traffic to it.
func (r *Router) SetLegacyCodec(codec LegacyCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacy = codec
}

// SetUseTHP toggles whether incoming reports are interpreted as THP
// (true) or handed to the installed LegacyCodec (false).
func (r *Router) SetUseTHP(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.useTHP = enabled
}

// UseTHP reports the router's current protocol mode.
func (r *Router) UseTHP() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useTHP
}

// RegisterChannel makes ch reachable by its cid for subsequent
// continuation/data reports (called after BroadcastHandler allocates it,
// or after RestoreChannel rehydrates it from the cache store).
func (r *Router) RegisterChannel(ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.CID()] = ch
	r.metrics.SetActiveChannels(len(r.channels))
}

// Channel looks up a registered channel by id.
func (r *Router) Channel(cid uint16) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[cid]
	return ch, ok
}

// ReadMessage reads exactly one report from iface and routes it,
// returning any error encountered while handling that single report
// (framing/protocol/session errors on one message never tear down the
// reader loop; callers decide whether to continue).
func (r *Router) ReadMessage(ctx context.Context, iface WireInterface) error {
	transport := NewTransport(iface, r.metrics)
	report, err := transport.PollRead(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	useTHP := r.useTHP
	legacy := r.legacy
	r.mu.Unlock()

	if !useTHP {
		if legacy == nil {
			return &ProtocolError{Reason: "legacy codec not installed"}
		}
		return legacy.HandleReport(ctx, iface, report)
	}

	var cid uint16
	var isCont bool
	ctrl := CtrlByte(report[0])
	if IsContinuation(ctrl) {
		cid = UnpackContCID(report[:])
		isCont = true
	} else {
		header := UnpackInitHeader(report[:])
		cid = header.CID
	}

	if cid == BroadcastChannelID {
		return r.handleBroadcastReport(ctx, iface, report)
	}

	ch, ok := r.Channel(cid)
	if !ok {
		logger.Fieldf("thp: report on unknown channel", logger.Fields{"cid": cid})
		return &SessionError{SessionID: 0}
	}
	var handleErr error
	if isCont {
		handleErr = ch.HandleCont(ctx, report)
	} else {
		handleErr = ch.HandleInit(ctx, report)
	}
	if handleErr != nil {
		logger.ErrFieldf("thp: channel frame error", logger.Fields{"cid": cid, "err": handleErr})
		var protoErr *ProtocolError
		var cryptoErr *CryptoError
		if errors.As(handleErr, &protoErr) || errors.As(handleErr, &cryptoErr) {
			// Channel has already torn itself down to UNALLOCATED and tried
			// to notify the peer (channel.go:teardownIfFatal); the router's
			// job is just to stop routing frames to it, per spec.md §7
			// "Fatal errors abort the current channel but never the whole
			// core."
			r.unregisterChannel(cid)
		}
	}
	return handleErr
}

// unregisterChannel removes cid from the routing table, e.g. after its
// channel has torn itself down following a fatal ProtocolError/CryptoError.
func (r *Router) unregisterChannel(cid uint16) {
	r.mu.Lock()
	delete(r.channels, cid)
	r.metrics.SetActiveChannels(len(r.channels))
	r.mu.Unlock()
}

// handleBroadcastReport processes one report addressed to
// BroadcastChannelID: only allocation requests are meaningful there.
func (r *Router) handleBroadcastReport(ctx context.Context, iface WireInterface, report Report) error {
	header := UnpackInitHeader(report[:])
	if !IsChannelAllocation(header.CtrlByte) {
		return &ProtocolError{Reason: "unexpected non-allocation message on broadcast channel"}
	}
	if int(header.Length) < 8 {
		return &FramingError{Reason: "allocation request shorter than nonce"}
	}
	var nonce [8]byte
	copy(nonce[:], report[InitDataOffset:InitDataOffset+8])

	ch, reports, err := r.broadcast.HandleAllocationRequest(iface, nonce)
	if err != nil {
		return err
	}
	r.RegisterChannel(ch)

	transport := NewTransport(iface, r.metrics)
	for _, resp := range reports {
		if err := transport.WriteFull(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// WriteMessage sends payload as messageType on sessionID over the
// channel identified by cid.
func (r *Router) WriteMessage(ctx context.Context, cid uint16, sessionID uint8, messageType uint16, payload []byte) error {
	ch, ok := r.Channel(cid)
	if !ok {
		return &SessionError{SessionID: sessionID}
	}
	session, ok := ch.sessions.Session(sessionID)
	if !ok {
		return &SessionError{SessionID: sessionID}
	}
	return session.Send(ctx, messageType, payload)
}
