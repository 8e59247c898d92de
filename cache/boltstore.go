// Package cache persists THP channel and session state across device
// reboots using an embedded key-value store, so a host does not need to
// re-pair (and the device does not need to re-derive transport keys)
// every time the device restarts.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"go.trezor.io/thp/thp"
)

var (
	channelsBucket = []byte("channels")
	sessionsBucket = []byte("sessions")
)

// BoltStore implements thp.ChannelCacheStore on top of go.etcd.io/bbolt.
// Not grounded on any teacher persistence code (the teacher has none —
// xsnet is purely in-memory per-connection state); bbolt is adopted from
// the rest of the retrieved pack, where it is a direct dependency used as
// an embedded single-file KV store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a BoltStore at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(channelsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

const channelRecordLen = 2 + 1 + 1 + 1 + 32 + 32 + 8 + 8

func encodeChannelRecord(rec thp.ChannelRecord) []byte {
	b := make([]byte, channelRecordLen)
	binary.BigEndian.PutUint16(b[0:2], rec.CID)
	b[2] = byte(rec.IfaceTag)
	b[3] = byte(rec.State)
	b[4] = rec.SyncByte
	copy(b[5:37], rec.SendKey[:])
	copy(b[37:69], rec.RecvKey[:])
	binary.BigEndian.PutUint64(b[69:77], rec.SendCounter)
	binary.BigEndian.PutUint64(b[77:85], rec.RecvCounter)
	return b
}

func decodeChannelRecord(b []byte) (thp.ChannelRecord, error) {
	if len(b) != channelRecordLen {
		return thp.ChannelRecord{}, errors.New("cache: malformed channel record")
	}
	var rec thp.ChannelRecord
	rec.CID = binary.BigEndian.Uint16(b[0:2])
	rec.IfaceTag = thp.IfaceTag(b[2])
	rec.State = thp.ChannelState(b[3])
	rec.SyncByte = b[4]
	copy(rec.SendKey[:], b[5:37])
	copy(rec.RecvKey[:], b[37:69])
	rec.SendCounter = binary.BigEndian.Uint64(b[69:77])
	rec.RecvCounter = binary.BigEndian.Uint64(b[77:85])
	return rec, nil
}

// SaveChannel upserts rec, keyed by its CID.
func (s *BoltStore) SaveChannel(rec thp.ChannelRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var key [2]byte
		binary.BigEndian.PutUint16(key[:], rec.CID)
		return tx.Bucket(channelsBucket).Put(key[:], encodeChannelRecord(rec))
	})
}

// LoadChannels returns every persisted channel record.
func (s *BoltStore) LoadChannels() ([]thp.ChannelRecord, error) {
	var out []thp.ChannelRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(channelsBucket).ForEach(func(k, v []byte) error {
			rec, err := decodeChannelRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteChannel removes the persisted record for cid, and any sessions
// nested under it.
func (s *BoltStore) DeleteChannel(cid uint16) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var key [2]byte
		binary.BigEndian.PutUint16(key[:], cid)
		if err := tx.Bucket(channelsBucket).Delete(key[:]); err != nil {
			return err
		}
		sb := tx.Bucket(sessionsBucket)
		c := sb.Cursor()
		prefix := key[:]
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 2 && string(k[:2]) == string(prefix); k, _ = c.Next() {
			if err := sb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func sessionKey(cid uint16, sessionID uint8) []byte {
	k := make([]byte, 3)
	binary.BigEndian.PutUint16(k[0:2], cid)
	k[2] = sessionID
	return k
}

// SaveSession upserts rec, keyed by (ChannelCID, SessionID).
func (s *BoltStore) SaveSession(rec thp.SessionRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		v := []byte{byte(rec.State)}
		return tx.Bucket(sessionsBucket).Put(sessionKey(rec.ChannelCID, rec.SessionID), v)
	})
}

// LoadSessions returns every persisted session under cid.
func (s *BoltStore) LoadSessions(cid uint16) ([]thp.SessionRecord, error) {
	var out []thp.SessionRecord
	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, cid)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(sessionsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && len(k) == 3 && string(k[:2]) == string(prefix); k, v = c.Next() {
			out = append(out, thp.SessionRecord{
				ChannelCID: cid,
				SessionID:  k[2],
				State:      thp.SessionState(v[0]),
			})
		}
		return nil
	})
	return out, err
}

// DeleteSession removes the persisted record for (cid, sessionID).
func (s *BoltStore) DeleteSession(cid uint16, sessionID uint8) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(sessionKey(cid, sessionID))
	})
}
