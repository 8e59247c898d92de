package thp

import (
	"context"
	"sync"
)

// inboxDepth bounds the number of undelivered application messages a
// Session buffers before Deliver starts returning ResourceError, giving
// the session mux backpressure instead of unbounded growth
// (spec.md §4.F "bounded per-session inbox").
const inboxDepth = 8

// sessionMessage is one inbound application message waiting to be
// consumed by Session.Recv.
type sessionMessage struct {
	messageType uint16
	payload     []byte
}

// Session is one multiplexed application session living on a Channel.
// Session id 0 is reserved for channel control traffic and is never
// exposed through SessionMux.Deliver to application code
// (thp_session.py's SessionState enum, channel.py's per-session dispatch
// table).
type Session struct {
	id      uint8
	channel *Channel

	mu    sync.Mutex
	state SessionState
	inbox chan sessionMessage
}

// ID returns the session id.
func (s *Session) ID() uint8 { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState transitions the session to state.
func (s *Session) SetState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Recv blocks until an application message is available for this session
// or ctx is done.
func (s *Session) Recv(ctx context.Context) (uint16, []byte, error) {
	select {
	case m := <-s.inbox:
		return m.messageType, m.payload, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// Send encrypts and transmits payload as messageType on this session.
func (s *Session) Send(ctx context.Context, messageType uint16, payload []byte) error {
	return s.channel.writeEncrypted(ctx, s.id, messageType, payload)
}

// SessionMux owns the set of Sessions multiplexed over one Channel,
// allocating session ids and routing decrypted application messages to
// the right Session's inbox (channel.py's create_new_session + per-
// session message routing).
type SessionMux struct {
	channel *Channel

	mu      sync.Mutex
	byID    map[uint8]*Session
	active  uint8
	hasActive bool
}

// NewSessionMux returns an empty SessionMux bound to channel.
func NewSessionMux(channel *Channel) *SessionMux {
	return &SessionMux{channel: channel, byID: make(map[uint8]*Session)}
}

// CreateSession allocates the lowest unused non-zero session id, replies
// to the host with the assigned id over the control session, and marks
// the new session active (spec.md §4.F, SPEC_FULL.md §4 ThpCreateNewSession).
func (m *SessionMux) CreateSession(ctx context.Context, requestPayload []byte) error {
	m.mu.Lock()
	var newID uint8
	found := false
	for id := uint8(1); id < 255; id++ {
		if _, taken := m.byID[id]; !taken {
			newID = id
			found = true
			break
		}
	}
	if !found {
		m.mu.Unlock()
		return &ResourceError{Reason: "no free session ids"}
	}
	session := &Session{
		id:      newID,
		channel: m.channel,
		state:   SessionInitialized,
		inbox:   make(chan sessionMessage, inboxDepth),
	}
	m.byID[newID] = session
	m.active = newID
	m.hasActive = true
	m.mu.Unlock()

	return m.channel.writeEncrypted(ctx, ControlSessionID, MessageTypeCreateNewSession, []byte{newID})
}

// Deliver routes a decrypted application message to the addressed
// session's inbox. It returns a SessionError if sessionID does not name
// an allocated session (spec.md §8 scenario 5 "message to an unallocated
// session"), and a ResourceError if that session's inbox is full.
func (m *SessionMux) Deliver(ctx context.Context, sessionID uint8, messageType uint16, payload []byte) error {
	m.mu.Lock()
	session, ok := m.byID[sessionID]
	m.mu.Unlock()
	if !ok {
		return &SessionError{SessionID: sessionID}
	}
	select {
	case session.inbox <- sessionMessage{messageType: messageType, payload: payload}:
		return nil
	default:
		return &ResourceError{Reason: "session inbox full"}
	}
}

// Session looks up an allocated session by id.
func (m *SessionMux) Session(sessionID uint8) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// ActiveSessionID returns the most recently created/activated session id.
// SPEC_FULL.md §4 supplements the distilled spec with this bookkeeping,
// present in the original as get_active_session/is_active_session but
// dropped from spec.md's session mux summary.
func (m *SessionMux) ActiveSessionID() (uint8, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.hasActive
}

// SetActive marks sessionID as the active session, if allocated.
func (m *SessionMux) SetActive(sessionID uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[sessionID]; !ok {
		return &SessionError{SessionID: sessionID}
	}
	m.active = sessionID
	m.hasActive = true
	return nil
}
