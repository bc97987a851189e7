package session

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// The session handshake is a two-message exchange bound to the mesh PSK.
// Both static keys are already known when the first packet is sent (the
// control plane or the static peer config distributes NodeID and public key
// together), so neither message needs to carry an encrypted static key the
// way patterns for anonymous initiators do. Each message is an ephemeral
// key plus a MAC that only a PSK holder can produce:
//
//	initiator → responder: [0x01 | sender static pub | ephemeral pub | mac]
//	responder → initiator: [0x02 | sender static pub | ephemeral pub | mac]
//
// The transport keys mix DH(e_i, s_r), DH(s_i, s_r), DH(e_i, e_r) and the
// PSK, so they are fresh per exchange and useless without the PSK even if a
// static key leaks.

const (
	// KeySize is the Curve25519 key and ChaCha20-Poly1305 key length.
	KeySize = 32
	// NonceSize is the ChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the Poly1305 authentication tag size.
	TagSize = chacha20poly1305.Overhead

	// CounterSize is the per-packet counter prefix on sealed payloads.
	CounterSize = 8

	macSize = 16

	// HandshakeMessageSize is the fixed length of both handshake messages.
	HandshakeMessageSize = 1 + KeySize + KeySize + macSize

	msgInitiation byte = 0x01
	msgResponse   byte = 0x02

	// replayWindow is how far behind the highest seen counter a packet may
	// arrive before it is refused outright.
	replayWindow = 64
)

var (
	handshakeName     = []byte("overnet-handshake-v1")
	handshakePrologue = []byte("overnet-session-v1")

	ErrInvalidHandshake = errors.New("invalid handshake message")
	ErrDecryptFailed    = errors.New("decrypt failed")
	ErrReplayedPacket   = errors.New("replayed packet")
)

type handshakeRole int

const (
	roleInitiator handshakeRole = iota + 1
	roleResponder
)

// Handshake is the transcript state for one in-flight key exchange. It is
// single-use: a failed or abandoned exchange is dropped and a fresh one
// started.
type Handshake struct {
	role handshakeRole
	psk  [KeySize]byte

	localStatic     [KeySize]byte
	localStaticPub  [KeySize]byte
	remoteStaticPub [KeySize]byte

	localEphemeral     [KeySize]byte
	localEphemeralPub  [KeySize]byte
	remoteEphemeralPub [KeySize]byte

	// chain accumulates every DH secret and the PSK; transcript hashes the
	// public message flow. The MAC depends on both.
	chain      [blake2s.Size]byte
	transcript [blake2s.Size]byte
}

func newHandshake(role handshakeRole, localPriv, localPub, remotePub, psk [KeySize]byte) *Handshake {
	hs := &Handshake{
		role:            role,
		psk:             psk,
		localStatic:     localPriv,
		localStaticPub:  localPub,
		remoteStaticPub: remotePub,
	}
	hs.chain = blake2s.Sum256(handshakeName)
	hs.transcript = hs.chain
	hs.absorb(handshakePrologue)
	// Bind both identities into the transcript up front, initiator first on
	// both sides.
	if role == roleInitiator {
		hs.absorb(localPub[:])
		hs.absorb(remotePub[:])
	} else {
		hs.absorb(remotePub[:])
		hs.absorb(localPub[:])
	}
	return hs
}

// Initiation produces the first handshake message.
func (hs *Handshake) Initiation() ([]byte, error) {
	if hs.role != roleInitiator {
		return nil, ErrInvalidHandshake
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}

	msg := make([]byte, 0, HandshakeMessageSize)
	msg = append(msg, msgInitiation)
	msg = append(msg, hs.localStaticPub[:]...)
	msg = append(msg, hs.localEphemeralPub[:]...)

	hs.absorb(hs.localEphemeralPub[:])
	if err := hs.mixDH(hs.localEphemeral, hs.remoteStaticPub); err != nil {
		return nil, err
	}
	if err := hs.mixDH(hs.localStatic, hs.remoteStaticPub); err != nil {
		return nil, err
	}
	hs.mixSecret(hs.psk[:])

	return append(msg, hs.mac()...), nil
}

// consumeInitiation verifies the first message on the responder side.
func (hs *Handshake) consumeInitiation(msg []byte) error {
	if hs.role != roleResponder || len(msg) != HandshakeMessageSize || msg[0] != msgInitiation {
		return ErrInvalidHandshake
	}
	if !bytes.Equal(msg[1:1+KeySize], hs.remoteStaticPub[:]) {
		return ErrInvalidHandshake
	}
	copy(hs.remoteEphemeralPub[:], msg[1+KeySize:1+2*KeySize])

	hs.absorb(hs.remoteEphemeralPub[:])
	if err := hs.mixDH(hs.localStatic, hs.remoteEphemeralPub); err != nil {
		return err
	}
	if err := hs.mixDH(hs.localStatic, hs.remoteStaticPub); err != nil {
		return err
	}
	hs.mixSecret(hs.psk[:])

	if !hmacEqual(hs.mac(), msg[1+2*KeySize:]) {
		return ErrInvalidHandshake
	}
	return nil
}

// Response produces the second handshake message after consumeInitiation.
func (hs *Handshake) Response() ([]byte, error) {
	if hs.role != roleResponder {
		return nil, ErrInvalidHandshake
	}
	if err := hs.generateEphemeral(); err != nil {
		return nil, err
	}

	msg := make([]byte, 0, HandshakeMessageSize)
	msg = append(msg, msgResponse)
	msg = append(msg, hs.localStaticPub[:]...)
	msg = append(msg, hs.localEphemeralPub[:]...)

	hs.absorb(hs.localEphemeralPub[:])
	if err := hs.mixDH(hs.localEphemeral, hs.remoteEphemeralPub); err != nil {
		return nil, err
	}

	return append(msg, hs.mac()...), nil
}

// consumeResponse verifies the second message on the initiator side.
func (hs *Handshake) consumeResponse(msg []byte) error {
	if hs.role != roleInitiator || len(msg) != HandshakeMessageSize || msg[0] != msgResponse {
		return ErrInvalidHandshake
	}
	if !bytes.Equal(msg[1:1+KeySize], hs.remoteStaticPub[:]) {
		return ErrInvalidHandshake
	}
	copy(hs.remoteEphemeralPub[:], msg[1+KeySize:1+2*KeySize])

	hs.absorb(hs.remoteEphemeralPub[:])
	if err := hs.mixDH(hs.localEphemeral, hs.remoteEphemeralPub); err != nil {
		return err
	}

	if !hmacEqual(hs.mac(), msg[1+2*KeySize:]) {
		return ErrInvalidHandshake
	}
	return nil
}

// split derives the directional transport keys from the final chain value.
func (hs *Handshake) split() (send, recv [KeySize]byte) {
	base := keyedSum(hs.chain[:], nil)
	k1 := keyedSum(base[:], []byte{0x01})
	k2 := keyedSum(base[:], append(k1[:], 0x02))
	if hs.role == roleInitiator {
		return k1, k2
	}
	return k2, k1
}

func (hs *Handshake) absorb(data []byte) {
	h, _ := blake2s.New256(nil)
	h.Write(hs.transcript[:])
	h.Write(data)
	copy(hs.transcript[:], h.Sum(nil))
}

func (hs *Handshake) mixSecret(secret []byte) {
	hs.chain = keyedSum(hs.chain[:], secret)
}

func (hs *Handshake) mixDH(priv, pub [KeySize]byte) error {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return fmt.Errorf("handshake DH: %w", err)
	}
	hs.mixSecret(shared)
	return nil
}

// mac authenticates the transcript under the chain state, which at MAC time
// already includes the PSK: an observer without it cannot forge either
// message.
func (hs *Handshake) mac() []byte {
	sum := keyedSum(hs.chain[:], hs.transcript[:])
	return sum[:macSize]
}

func (hs *Handshake) generateEphemeral() error {
	if _, err := rand.Read(hs.localEphemeral[:]); err != nil {
		return fmt.Errorf("generate ephemeral key: %w", err)
	}
	hs.localEphemeral[0] &= 248
	hs.localEphemeral[31] &= 127
	hs.localEphemeral[31] |= 64
	pub, err := curve25519.X25519(hs.localEphemeral[:], curve25519.Basepoint)
	if err != nil {
		return err
	}
	copy(hs.localEphemeralPub[:], pub)
	return nil
}

// parseHandshakeHeader pulls the message kind and sender static key out of a
// handshake payload without touching any transcript state.
func parseHandshakeHeader(msg []byte) (kind byte, senderPub [KeySize]byte, err error) {
	if len(msg) != HandshakeMessageSize {
		return 0, senderPub, ErrInvalidHandshake
	}
	if msg[0] != msgInitiation && msg[0] != msgResponse {
		return 0, senderPub, ErrInvalidHandshake
	}
	copy(senderPub[:], msg[1:1+KeySize])
	return msg[0], senderPub, nil
}

// --- Transport cipher (post-handshake) ---

// Cipher is the directional AEAD pair for one established session. Sealed
// payloads carry an 8-byte big-endian counter that doubles as nonce source
// and associated data; the receive side keeps a sliding window so replayed
// or far-stale counters are refused even though UDP may reorder.
type Cipher struct {
	send cipher.AEAD
	recv cipher.AEAD

	sendCounter atomic.Uint64

	mu      sync.Mutex
	highest uint64
	seen    uint64 // bitmap over [highest-63, highest]
}

// NewCipher builds a session cipher from handshake-derived directional keys.
func NewCipher(sendKey, recvKey [KeySize]byte) (*Cipher, error) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		return nil, err
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		return nil, err
	}
	return &Cipher{send: send, recv: recv}, nil
}

// Seal encrypts plaintext under the next counter value.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	counter := c.sendCounter.Add(1)

	out := make([]byte, CounterSize, CounterSize+len(plaintext)+TagSize)
	binary.BigEndian.PutUint64(out, counter)
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[NonceSize-CounterSize:], counter)

	return c.send.Seal(out, nonce[:], plaintext, out[:CounterSize]), nil
}

// Open authenticates and decrypts a sealed payload, then checks its counter
// against the replay window. Authentication runs first so a forged counter
// cannot poison the window.
func (c *Cipher) Open(data []byte) ([]byte, error) {
	if len(data) < CounterSize+TagSize {
		return nil, ErrDecryptFailed
	}
	counter := binary.BigEndian.Uint64(data[:CounterSize])
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[NonceSize-CounterSize:], counter)

	plaintext, err := c.recv.Open(nil, nonce[:], data[CounterSize:], data[:CounterSize])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if !c.accept(counter) {
		return nil, ErrReplayedPacket
	}
	return plaintext, nil
}

func (c *Cipher) accept(counter uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case counter > c.highest:
		shift := counter - c.highest
		if shift >= replayWindow {
			c.seen = 1
		} else {
			c.seen = c.seen<<shift | 1
		}
		c.highest = counter
		return true
	case c.highest-counter >= replayWindow:
		return false
	default:
		bit := uint64(1) << (c.highest - counter)
		if c.seen&bit != 0 {
			return false
		}
		c.seen |= bit
		return true
	}
}

func keyedSum(key, data []byte) [blake2s.Size]byte {
	h, err := blake2s.New256(key)
	if err != nil {
		// Keys here are always blake2s.Size bytes; failure would be a
		// programming error, not bad input.
		panic("session: keyed blake2s: " + err.Error())
	}
	h.Write(data)
	var out [blake2s.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
