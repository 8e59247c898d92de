package thp

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Crypto is the channel's handshake façade: its Th1ProcessE/Th2ProcessSE
// methods hold the Noise-style handshake math, so channel.go's TH1/TH2
// handlers only own the state transitions around them. The primitives
// they build on (X25519 key pairs and DH, HMAC-SHA256 key derivation,
// AEAD seal/open) are package-level helpers in this file.
//
// Cipher selection is fixed (X25519 + ChaCha20-Poly1305) rather than
// negotiated: there is only ever one pair, so no algorithm-agility switch
// is needed.
type Crypto struct{}

// KeyPair is a curve25519 key pair used for the THP handshake's ephemeral
// and static Noise roles.
type KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateKeyPair produces a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, &CryptoError{Reason: "rand read failed: " + err.Error()}
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// DH performs X25519 scalar multiplication of priv by peerPub.
func DH(priv [32]byte, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, &CryptoError{Reason: "x25519 failed: " + err.Error()}
	}
	copy(out[:], shared)
	return out, nil
}

// HandshakeHash folds label and inputs into a single 32-byte digest used
// to mix transcript material into derived keys, in place of a full Noise
// SymmetricState (the channel's handshake has a fixed two-message shape,
// so a running transcript hash would be unnecessary complexity).
func HandshakeHash(label string, inputs ...[]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(label))
	for _, in := range inputs {
		h.Write(in)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// AEAD wraps a chacha20poly1305 cipher bound to one direction of traffic;
// each channel keeps two independent instances, one per direction.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD constructs an AEAD bound to key (must be 32 bytes).
func NewAEAD(key [32]byte) (*AEAD, error) {
	c, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, &CryptoError{Reason: "aead init failed: " + err.Error()}
	}
	return &AEAD{aead: c}, nil
}

// Seal encrypts plaintext under nonce (NonceSize() bytes, a caller-managed
// monotonic counter) and associated data, appending the TagLength-byte
// authentication tag.
func (a *AEAD) Seal(nonce, plaintext, associatedData []byte) []byte {
	return a.aead.Seal(nil, nonce, plaintext, associatedData)
}

// Open authenticates and decrypts ciphertext (payload ∥ tag). A tag
// mismatch returns a CryptoError; callers must treat this as fatal to the
// channel.
func (a *AEAD) Open(nonce, ciphertext, associatedData []byte) ([]byte, error) {
	pt, err := a.aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, &CryptoError{Reason: "tag verification failed"}
	}
	return pt, nil
}

// NonceSize reports the AEAD's nonce length (12 for chacha20poly1305).
func (a *AEAD) NonceSize() int { return a.aead.NonceSize() }

// Overhead reports the AEAD's tag length (TagLength).
func (a *AEAD) Overhead() int { return a.aead.Overhead() }

// LittleEndianNonce builds a 12-byte nonce from a monotonically
// increasing counter: the counter fills the first 8 bytes little-endian
// and the last 4 bytes are zero.
func LittleEndianNonce(counter uint64) [12]byte {
	var n [12]byte
	for i := 0; i < 8; i++ {
		n[i] = byte(counter >> (8 * i))
	}
	return n
}

// HMACSHA256 computes HMAC-SHA256(key, data), used both by SLIP21Derive
// and directly by the credential manager's MAC-based key confirmation.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeCompare reports whether a and b are equal using a
// constant-time comparison, for MAC and tag verification sites that roll
// their own (outside the AEAD's own Open).
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// slip21Root is the fixed label SLIP21Derive uses as the HMAC key when
// deriving the root node from the seed.
var slip21Root = []byte("Symmetric key for ")

// SLIP21Derive implements SLIP-0021 hierarchical derivation: each path
// component is folded in as HMAC-SHA256(currentKey, 0x00 ∥ component).
// This produces the per-device credential authentication key; the root
// key is the device's seed-derived master secret, passed in as seed.
func SLIP21Derive(seed []byte, path ...string) []byte {
	node := HMACSHA256(slip21Root, seed)
	for _, component := range path {
		msg := append([]byte{0x00}, []byte(component)...)
		node = HMACSHA256(node, msg)
	}
	return node
}

// HandshakeState is the device-held ephemeral material accumulated across
// TH1/TH2: returned by Th1ProcessE and consumed by Th2ProcessSE, then
// discarded once the transport keys are derived.
type HandshakeState struct {
	DeviceEphemeral  KeyPair
	DeviceStatic     KeyPair
	HostEphemeralPub [32]byte
	Transcript       [32]byte
	TempKey          [32]byte
}

// Th1ProcessE is the device side of the first handshake message
// (spec.md §4.G's th1_process_e(host_e) -> th2_response). Given the
// host's ephemeral public key, it generates fresh device ephemeral and
// static key pairs, derives the handshake transcript hash and temporary
// key from the first DH, and returns the resulting handshake state
// together with the wire response body (device ephemeral public key ∥
// device static public key encrypted under the temporary key).
func (Crypto) Th1ProcessE(hostEphemeralPub [32]byte) (*HandshakeState, []byte, error) {
	deviceStatic, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	deviceEphemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	hs := &HandshakeState{
		DeviceEphemeral:  deviceEphemeral,
		DeviceStatic:     deviceStatic,
		HostEphemeralPub: hostEphemeralPub,
	}

	shared1, err := DH(deviceEphemeral.Private, hostEphemeralPub)
	if err != nil {
		return nil, nil, err
	}
	hs.Transcript = HandshakeHash("thp handshake v1", hostEphemeralPub[:], deviceEphemeral.Public[:])
	copy(hs.TempKey[:], HMACSHA256(shared1[:], hs.Transcript[:]))

	aead, err := NewAEAD(hs.TempKey)
	if err != nil {
		return nil, nil, err
	}
	nonce := LittleEndianNonce(0)
	ciphertext := aead.Seal(nonce[:], deviceStatic.Public[:], hs.Transcript[:])

	response := make([]byte, 0, PubKeyLength+len(ciphertext))
	response = append(response, deviceEphemeral.Public[:]...)
	response = append(response, ciphertext...)
	return hs, response, nil
}

// Th2ProcessSE is the device side of the second handshake message
// (spec.md §4.G's th2_process_se(host_encrypted_static_pubkey,
// noise_payload) -> transport_response). Given the TH1 handshake state
// and the host's encrypted static public key, it decrypts the host's
// static key under the temporary key, completes the triple-DH, and
// returns the derived device->host/host->device transport keys.
func (Crypto) Th2ProcessSE(hs *HandshakeState, body []byte) (sendKey, recvKey [32]byte, err error) {
	aead, err := NewAEAD(hs.TempKey)
	if err != nil {
		return sendKey, recvKey, err
	}
	nonce := LittleEndianNonce(0)
	plaintext, err := aead.Open(nonce[:], body, hs.Transcript[:])
	if err != nil {
		return sendKey, recvKey, err
	}
	if len(plaintext) < PubKeyLength {
		return sendKey, recvKey, &ProtocolError{Reason: "TH2 payload shorter than a public key"}
	}
	var hostStaticPub [32]byte
	copy(hostStaticPub[:], plaintext[:PubKeyLength])

	shared1, err := DH(hs.DeviceEphemeral.Private, hs.HostEphemeralPub)
	if err != nil {
		return sendKey, recvKey, err
	}
	shared2, err := DH(hs.DeviceEphemeral.Private, hostStaticPub)
	if err != nil {
		return sendKey, recvKey, err
	}
	shared3, err := DH(hs.DeviceStatic.Private, hs.HostEphemeralPub)
	if err != nil {
		return sendKey, recvKey, err
	}
	combined := make([]byte, 0, 96)
	combined = append(combined, shared1[:]...)
	combined = append(combined, shared2[:]...)
	combined = append(combined, shared3[:]...)

	copy(sendKey[:], HMACSHA256(combined, append(append([]byte{}, hs.Transcript[:]...), []byte("device->host")...)))
	copy(recvKey[:], HMACSHA256(combined, append(append([]byte{}, hs.Transcript[:]...), []byte("host->device")...)))
	return sendKey, recvKey, nil
}

// MessageNonce describes the monotonic counter the encrypted transport
// uses as part of the AEAD nonce; kept distinct from reliability.go's
// sync bits, which are an unrelated mechanism operating at a different
// layer.
type MessageNonce struct {
	counter uint64
}

// Next returns the next nonce value and advances the counter. Wrapping
// past 2^64 is treated as a fatal CryptoError since it would force nonce
// reuse (it is not reachable in practice at 64 bytes/report).
func (m *MessageNonce) Next() (uint64, error) {
	if m.counter == ^uint64(0) {
		return 0, &CryptoError{Reason: "nonce counter exhausted"}
	}
	v := m.counter
	m.counter++
	return v, nil
}

// String implements fmt.Stringer for debug logging of a KeyPair without
// leaking the private half.
func (k KeyPair) String() string {
	return fmt.Sprintf("KeyPair{Public: %x}", k.Public)
}
