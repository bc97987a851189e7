package session

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func randomKey(t *testing.T) [KeySize]byte {
	t.Helper()
	var k [KeySize]byte
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return k
}

func testKeypair(t *testing.T) (priv, pub [KeySize]byte) {
	t.Helper()
	priv = randomKey(t)
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}
	copy(pub[:], p)
	return priv, pub
}

// runHandshake drives a full exchange between two fresh states and returns
// both sides' transport ciphers.
func runHandshake(t *testing.T, psk [KeySize]byte) (initiator, responder *Cipher) {
	t.Helper()
	iPriv, iPub := testKeypair(t)
	rPriv, rPub := testKeypair(t)

	init := newHandshake(roleInitiator, iPriv, iPub, rPub, psk)
	resp := newHandshake(roleResponder, rPriv, rPub, iPub, psk)

	msg1, err := init.Initiation()
	if err != nil {
		t.Fatalf("initiation: %v", err)
	}
	if err := resp.consumeInitiation(msg1); err != nil {
		t.Fatalf("consume initiation: %v", err)
	}
	msg2, err := resp.Response()
	if err != nil {
		t.Fatalf("response: %v", err)
	}
	if err := init.consumeResponse(msg2); err != nil {
		t.Fatalf("consume response: %v", err)
	}

	iSend, iRecv := init.split()
	rSend, rRecv := resp.split()
	if iSend != rRecv || rSend != iRecv {
		t.Fatal("transport keys do not match across the handshake")
	}
	if iSend == iRecv {
		t.Fatal("send and recv keys are identical")
	}

	ic, err := NewCipher(iSend, iRecv)
	if err != nil {
		t.Fatalf("initiator cipher: %v", err)
	}
	rc, err := NewCipher(rSend, rRecv)
	if err != nil {
		t.Fatalf("responder cipher: %v", err)
	}
	return ic, rc
}

func TestHandshakeKeyAgreement(t *testing.T) {
	a, b := runHandshake(t, randomKey(t))

	for i := 0; i < 3; i++ {
		msg := []byte("payload over the overlay")
		sealed, err := a.Seal(msg)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		opened, err := b.Open(sealed)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(opened, msg) {
			t.Fatalf("round trip mismatch: %q", opened)
		}
	}

	// And the reverse direction.
	sealed, err := b.Seal([]byte{0x02})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := a.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, []byte{0x02}) {
		t.Fatalf("reverse round trip mismatch: %x", opened)
	}
}

func TestHandshakeRejectsWrongPSK(t *testing.T) {
	iPriv, iPub := testKeypair(t)
	rPriv, rPub := testKeypair(t)

	init := newHandshake(roleInitiator, iPriv, iPub, rPub, randomKey(t))
	resp := newHandshake(roleResponder, rPriv, rPub, iPub, randomKey(t))

	msg1, err := init.Initiation()
	if err != nil {
		t.Fatalf("initiation: %v", err)
	}
	if err := resp.consumeInitiation(msg1); !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("mismatched PSK accepted: %v", err)
	}
}

func TestHandshakeRejectsWrongStatic(t *testing.T) {
	iPriv, iPub := testKeypair(t)
	_, rPub := testKeypair(t)
	otherPriv, otherPub := testKeypair(t)
	psk := randomKey(t)

	init := newHandshake(roleInitiator, iPriv, iPub, rPub, psk)
	// Responder expects a different initiator identity.
	resp := newHandshake(roleResponder, otherPriv, otherPub, otherPub, psk)

	msg1, err := init.Initiation()
	if err != nil {
		t.Fatalf("initiation: %v", err)
	}
	if err := resp.consumeInitiation(msg1); !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("wrong static accepted: %v", err)
	}
}

func TestCipherTamperedPayload(t *testing.T) {
	a, b := runHandshake(t, randomKey(t))

	sealed, err := a.Seal([]byte("intact"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01

	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("open of tampered payload: %v, want ErrDecryptFailed", err)
	}
}

func TestCipherReplayWindow(t *testing.T) {
	a, b := runHandshake(t, randomKey(t))

	var sealed [][]byte
	for i := 0; i < 3; i++ {
		s, err := a.Seal([]byte{byte(i)})
		if err != nil {
			t.Fatalf("seal %d: %v", i, err)
		}
		sealed = append(sealed, s)
	}

	// Out-of-order delivery is fine.
	for _, i := range []int{0, 2, 1} {
		if _, err := b.Open(sealed[i]); err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
	}

	// A second delivery of any packet is a replay.
	for i := range sealed {
		if _, err := b.Open(sealed[i]); !errors.Is(err, ErrReplayedPacket) {
			t.Fatalf("replayed open %d: %v, want ErrReplayedPacket", i, err)
		}
	}
}

func TestParseHandshakeHeader(t *testing.T) {
	priv, pub := testKeypair(t)
	_, rPub := testKeypair(t)
	hs := newHandshake(roleInitiator, priv, pub, rPub, randomKey(t))
	msg, err := hs.Initiation()
	if err != nil {
		t.Fatalf("initiation: %v", err)
	}

	kind, sender, err := parseHandshakeHeader(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind != msgInitiation || sender != pub {
		t.Fatalf("parsed kind=%#x sender=%x", kind, sender)
	}

	if _, _, err := parseHandshakeHeader(msg[:10]); !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("short message parsed: %v", err)
	}
	msg[0] = 0x7F
	if _, _, err := parseHandshakeHeader(msg); !errors.Is(err, ErrInvalidHandshake) {
		t.Fatalf("unknown kind parsed: %v", err)
	}
}
