package thp

// ChannelRecord is the persisted snapshot of one Channel's handshake
// result and reliability state, sufficient to resume encrypted transport
// across a device reboot without repeating the handshake
// (credential_manager.py's broader design goal of not re-pairing on every
// boot; the concrete persisted shape is this module's own, since
// thp_v1.py keeps this state only in RAM).
type ChannelRecord struct {
	CID         uint16
	IfaceTag    IfaceTag
	State       ChannelState
	SyncByte    uint8
	SendKey     [32]byte
	RecvKey     [32]byte
	SendCounter uint64
	RecvCounter uint64
}

// SessionRecord is the persisted snapshot of one Session's lifecycle
// state.
type SessionRecord struct {
	ChannelCID uint16
	SessionID  uint8
	State      SessionState
}

// ChannelCacheStore persists ChannelRecords and SessionRecords across
// reboots. Implementations live outside this package (cache.BoltStore
// wraps go.etcd.io/bbolt); this package only depends on the interface.
type ChannelCacheStore interface {
	SaveChannel(rec ChannelRecord) error
	LoadChannels() ([]ChannelRecord, error)
	DeleteChannel(cid uint16) error

	SaveSession(rec SessionRecord) error
	LoadSessions(cid uint16) ([]SessionRecord, error)
	DeleteSession(cid uint16, sessionID uint8) error
}

// ToRecord snapshots ch's persistable state. Only valid once the channel
// has reached ENCRYPTED_TRANSPORT; callers should not persist channels
// still mid-handshake (spec.md §4.H "handshake state is never persisted").
func (ch *Channel) ToRecord() ChannelRecord {
	rec := ChannelRecord{
		CID:      ch.cid,
		IfaceTag: ch.iface.Tag(),
		State:    ch.state,
		SyncByte: ch.reliability.SyncByte(),
		SendKey:  ch.sendKeyRaw,
		RecvKey:  ch.recvKeyRaw,
	}
	if ch.sendAEAD != nil {
		rec.SendCounter = ch.sendNonce.counter
	}
	if ch.recvAEAD != nil {
		rec.RecvCounter = ch.recvNonce.counter
	}
	return rec
}

// RestoreChannel reconstructs a Channel from a persisted record, reusing
// derived send/recv keys so the device does not need to repeat the
// handshake after a reboot.
func RestoreChannel(rec ChannelRecord, iface WireInterface, credMgr *CredentialManager, metrics Metrics) (*Channel, error) {
	ch := NewChannel(rec.CID, iface, credMgr, metrics)
	ch.state = rec.State
	ch.reliability.LoadSyncByte(rec.SyncByte)
	ch.sendNonce.counter = rec.SendCounter
	ch.recvNonce.counter = rec.RecvCounter

	sendAEAD, err := NewAEAD(rec.SendKey)
	if err != nil {
		return nil, err
	}
	recvAEAD, err := NewAEAD(rec.RecvKey)
	if err != nil {
		return nil, err
	}
	ch.sendAEAD = sendAEAD
	ch.recvAEAD = recvAEAD
	ch.sendKeyRaw = rec.SendKey
	ch.recvKeyRaw = rec.RecvKey
	return ch, nil
}
