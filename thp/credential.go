package thp

import (
	"encoding/binary"
	"errors"

	"github.com/jameskeane/bcrypt"
)

// credAuthKeyPath is the SLIP-21 path segment the original uses to derive
// the device-wide credential authentication key (credential_manager.py
// derive_cred_auth_key).
const credAuthKeyPath = "Credential authentication key"

// Credential is the decoded form of a PairingCredential: an opaque,
// caller-supplied metadata blob (scope, single-use marker, whatever the
// host and device agreed to encode) plus the MAC binding it to one host
// static public key. The device never stores credentials itself:
// issue_credential produces the encoded token, validate_credential
// recomputes the MAC from the metadata the host presents back
// (credential_manager.py §"stateless credentials").
type Credential struct {
	Metadata []byte
	MAC      [32]byte
}

// Encode serializes the credential as a length-prefixed metadata blob
// followed by its MAC, standing in for the PairingCredential protobuf
// message that carries these same two fields on the wire.
func (c Credential) Encode() []byte {
	out := make([]byte, 0, 2+len(c.Metadata)+32)
	var metaLen [2]byte
	binary.BigEndian.PutUint16(metaLen[:], uint16(len(c.Metadata)))
	out = append(out, metaLen[:]...)
	out = append(out, c.Metadata...)
	out = append(out, c.MAC[:]...)
	return out
}

// DecodeCredential parses the wire form Encode produces.
func DecodeCredential(data []byte) (Credential, error) {
	if len(data) < 2 {
		return Credential{}, errors.New("thp: credential shorter than its length prefix")
	}
	metaLen := int(binary.BigEndian.Uint16(data[:2]))
	if len(data) < 2+metaLen+32 {
		return Credential{}, errors.New("thp: credential shorter than its declared metadata and mac")
	}
	cred := Credential{Metadata: append([]byte{}, data[2:2+metaLen]...)}
	copy(cred.MAC[:], data[2+metaLen:2+metaLen+32])
	return cred, nil
}

// CredentialManager derives and validates Credentials from a device
// master secret, mirroring credential_manager.py's derive_cred_auth_key +
// issue_credential/validate_credential pair, and additionally provides
// passphrase-style hashing for a pairing code entered by the user, in the
// style of xspasswd.go's bcrypt-salted record format.
type CredentialManager struct {
	masterSecret []byte
	authKey      []byte
}

// NewCredentialManager derives the device's credential authentication key
// from masterSecret via SLIP-21.
func NewCredentialManager(masterSecret []byte) *CredentialManager {
	return &CredentialManager{
		masterSecret: masterSecret,
		authKey:      SLIP21Derive(masterSecret, credAuthKeyPath),
	}
}

// InvalidateAuthKey rotates the credential authentication key, which
// instantly invalidates every previously issued credential (spec.md §4.G
// "credential revocation", credential_manager.py invalidate_cred_auth_key
// via storage wipe + rederive). Since this implementation has no
// persistent per-device storage slot for the key, rotation is modeled as
// re-deriving under an additional generation-counter path component.
func (cm *CredentialManager) InvalidateAuthKey(generation uint64) {
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], generation)
	cm.authKey = SLIP21Derive(cm.masterSecret, credAuthKeyPath, string(gen[:]))
}

// Issue MACs hostStaticPubKey and the caller-supplied metadata under the
// current credential authentication key and returns the encoded
// credential bytes, matching credential_manager.py's
// issue_credential(host_static_pubkey, credential_metadata) -> bytes.
// metadata is opaque to the device; the host is free to encode scope,
// expiry, or any other field it wants reflected back at validation time.
func (cm *CredentialManager) Issue(hostStaticPubKey [32]byte, metadata []byte) []byte {
	mac := cm.computeMAC(hostStaticPubKey, metadata)
	cred := Credential{Metadata: metadata}
	copy(cred.MAC[:], mac)
	return cred.Encode()
}

// Validate decodes encodedCredential and reports whether its MAC is
// authentic for hostStaticPubKey under the current credential
// authentication key, matching credential_manager.py's
// validate_credential(encoded_credential, host_static_pubkey) -> bool.
func (cm *CredentialManager) Validate(encodedCredential []byte, hostStaticPubKey [32]byte) bool {
	cred, err := DecodeCredential(encodedCredential)
	if err != nil {
		return false
	}
	want := cm.computeMAC(hostStaticPubKey, cred.Metadata)
	return ConstantTimeCompare(want, cred.MAC[:])
}

func (cm *CredentialManager) computeMAC(hostStaticPubKey [32]byte, metadata []byte) []byte {
	msg := make([]byte, 0, 32+len(metadata))
	msg = append(msg, hostStaticPubKey[:]...)
	msg = append(msg, metadata...)
	return HMACSHA256(cm.authKey, msg)
}

// PairingCode is a short, human-entered shared secret used to authenticate
// the TH2 handshake step out of band (spec.md §4.G "pairing methods").
// It is hashed with bcrypt before storage, following xspasswd.go's
// GenerateFromPassword/CompareHashAndPassword pattern rather than hand-
// rolled salting.
type PairingCode struct {
	hash string
}

// HashPairingCode bcrypt-hashes a user-entered pairing code at cost 10,
// matching xspasswd.go's bcrypt.GenerateFromPassword default cost.
func HashPairingCode(code string) (PairingCode, error) {
	salt, err := bcrypt.Salt(10)
	if err != nil {
		return PairingCode{}, &CryptoError{Reason: "bcrypt salt generation failed: " + err.Error()}
	}
	h, err := bcrypt.Hash(code, salt)
	if err != nil {
		return PairingCode{}, &CryptoError{Reason: "bcrypt hash failed: " + err.Error()}
	}
	return PairingCode{hash: h}, nil
}

// Verify reports whether candidate matches the hashed pairing code.
func (p PairingCode) Verify(candidate string) bool {
	return bcrypt.Match(candidate, p.hash)
}
