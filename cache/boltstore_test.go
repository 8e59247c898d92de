package cache

import (
	"path/filepath"
	"testing"

	"go.trezor.io/thp/thp"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "thp-cache.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveLoadDeleteChannel(t *testing.T) {
	store := openTestStore(t)

	rec := thp.ChannelRecord{
		CID:         0x1234,
		IfaceTag:    thp.IfaceUSB,
		State:       thp.ChannelEncryptedTransport,
		SyncByte:    0x11,
		SendCounter: 7,
		RecvCounter: 9,
	}
	copy(rec.SendKey[:], []byte("send-key-0123456789012345678901"))
	copy(rec.RecvKey[:], []byte("recv-key-0123456789012345678901"))

	if err := store.SaveChannel(rec); err != nil {
		t.Fatalf("SaveChannel: %v", err)
	}

	loaded, err := store.LoadChannels()
	if err != nil {
		t.Fatalf("LoadChannels: %v", err)
	}
	if len(loaded) != 1 || loaded[0] != rec {
		t.Fatalf("got %+v, want a single record equal to %+v", loaded, rec)
	}

	if err := store.DeleteChannel(rec.CID); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}
	loaded, err = store.LoadChannels()
	if err != nil {
		t.Fatalf("LoadChannels after delete: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("got %d records after delete, want 0", len(loaded))
	}
}

func TestDeleteChannelCascadesSessions(t *testing.T) {
	store := openTestStore(t)

	cid := uint16(0x2000)
	if err := store.SaveSession(thp.SessionRecord{ChannelCID: cid, SessionID: 1, State: thp.SessionInitialized}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := store.SaveSession(thp.SessionRecord{ChannelCID: cid, SessionID: 2, State: thp.SessionAppTraffic}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	if err := store.DeleteChannel(cid); err != nil {
		t.Fatalf("DeleteChannel: %v", err)
	}

	sessions, err := store.LoadSessions(cid)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("got %d sessions after deleting the owning channel, want 0", len(sessions))
	}
}

func TestLoadSessionsOnlyReturnsOwnChannel(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveSession(thp.SessionRecord{ChannelCID: 1, SessionID: 5, State: thp.SessionAppTraffic}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := store.SaveSession(thp.SessionRecord{ChannelCID: 2, SessionID: 5, State: thp.SessionAppTraffic}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	sessions, err := store.LoadSessions(1)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ChannelCID != 1 {
		t.Fatalf("got %+v, want exactly the one session under channel 1", sessions)
	}
}
