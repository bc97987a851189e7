package session

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/overlay"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testNodeID(b byte) identity.NodeID {
	var id identity.NodeID
	id[0] = b
	return id
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

// peerPair returns each side's Peer row for the other.
func peerPair(a, b *identity.Identity) (aViewOfB, bViewOfA *Peer) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	aViewOfB = NewPeer(b.ID, b.PublicKey, nil, nil, log)
	bViewOfA = NewPeer(a.ID, a.PublicKey, nil, nil, log)
	return aViewOfB, bViewOfA
}

func TestPeerHandshakeFlow(t *testing.T) {
	idA := testIdentity(t)
	idB := testIdentity(t)
	psk := randomKey(t)
	pa, pb := peerPair(idA, idB)

	msg1, err := pa.StartHandshake(idA, psk)
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}
	if pa.IsConnected() {
		t.Fatal("initiator connected before response")
	}

	reply, err := pb.HandleHandshake(idB, psk, msg1)
	if err != nil {
		t.Fatalf("responder handle: %v", err)
	}
	if reply == nil {
		t.Fatal("responder produced no reply")
	}
	if !pb.IsConnected() {
		t.Fatal("responder not connected after responding")
	}

	if _, err := pa.HandleHandshake(idA, psk, reply); err != nil {
		t.Fatalf("initiator handle response: %v", err)
	}
	if !pa.IsConnected() {
		t.Fatal("initiator not connected after response")
	}

	// Established keys must actually interoperate.
	sealed, err := pa.Seal([]byte("through the session"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := pb.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, []byte("through the session")) {
		t.Fatalf("round trip mismatch: %q", opened)
	}

	if _, recvd := pb.Traffic(); recvd == 0 {
		t.Fatal("receive counter not updated")
	}
}

func TestPeerSimultaneousOpen(t *testing.T) {
	idA := testIdentity(t)
	idB := testIdentity(t)
	psk := randomKey(t)
	pa, pb := peerPair(idA, idB)

	msgA, err := pa.StartHandshake(idA, psk)
	if err != nil {
		t.Fatalf("A start: %v", err)
	}
	msgB, err := pb.StartHandshake(idB, psk)
	if err != nil {
		t.Fatalf("B start: %v", err)
	}

	// Cross-deliver both initiations. Exactly one side yields and responds;
	// the other ignores the colliding initiation and waits for its answer.
	replyFromA, err := pa.HandleHandshake(idA, psk, msgB)
	if err != nil {
		t.Fatalf("A handle B's initiation: %v", err)
	}
	replyFromB, err := pb.HandleHandshake(idB, psk, msgA)
	if err != nil {
		t.Fatalf("B handle A's initiation: %v", err)
	}

	aIsCanonical := bytes.Compare(idA.PublicKey[:], idB.PublicKey[:]) < 0
	switch {
	case aIsCanonical && replyFromA == nil && replyFromB != nil:
		if _, err := pa.HandleHandshake(idA, psk, replyFromB); err != nil {
			t.Fatalf("A handle response: %v", err)
		}
	case !aIsCanonical && replyFromB == nil && replyFromA != nil:
		if _, err := pb.HandleHandshake(idB, psk, replyFromA); err != nil {
			t.Fatalf("B handle response: %v", err)
		}
	default:
		t.Fatalf("collision resolution wrong: replyFromA=%v replyFromB=%v aIsCanonical=%v",
			replyFromA != nil, replyFromB != nil, aIsCanonical)
	}

	if !pa.IsConnected() || !pb.IsConnected() {
		t.Fatal("simultaneous open did not converge to one session")
	}

	sealed, err := pa.Seal([]byte{0x01})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := pb.Open(sealed); err != nil {
		t.Fatalf("open after collision: %v", err)
	}
}

func TestPeerSendRequiresSession(t *testing.T) {
	p := NewPeer(testNodeID(0x04), [KeySize]byte{}, &net.UDPAddr{}, nil, testLogger())
	if err := p.Send(overlay.Forward{Payload: []byte{0x01}}); err == nil {
		t.Fatal("send without an established session succeeded")
	}
	if p.IsConnected() {
		t.Fatal("peer without cipher reports connected")
	}
}

func TestManagerAddPeerIdempotent(t *testing.T) {
	pm := NewManager(testLogger())
	id := testNodeID(0x01)
	ep1 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 9993}
	ep2 := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 9993}

	p1 := pm.AddPeer(id, [KeySize]byte{0xAA}, ep1, nil)
	p2 := pm.AddPeer(id, [KeySize]byte{0xAA}, ep2, nil)
	if p1 != p2 {
		t.Fatal("re-add created a second peer instance")
	}
	if p2.Endpoint != ep2 {
		t.Fatal("re-add did not update the endpoint")
	}
	if len(pm.AllPeers()) != 1 {
		t.Fatalf("manager holds %d peers, want 1", len(pm.AllPeers()))
	}
}

func TestManagerGetPeerByEndpoint(t *testing.T) {
	pm := NewManager(testLogger())
	id := testNodeID(0x02)
	ep := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 4242}
	pm.AddPeer(id, [KeySize]byte{}, ep, nil)

	if p := pm.GetPeerByEndpoint(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 4242}); p == nil || p.NodeID != id {
		t.Fatal("lookup by endpoint failed")
	}
	if p := pm.GetPeerByEndpoint(&net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 9999}); p != nil {
		t.Fatal("lookup matched the wrong port")
	}
}

func TestAddRelayedPeerSlot(t *testing.T) {
	pm := NewManager(testLogger())
	id := testNodeID(0x03)
	relay := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 3478}

	p := pm.AddRelayedPeer(id, [KeySize]byte{}, relay, nil, 12)
	if p.Slot() != 12 {
		t.Fatalf("slot = %d, want 12", p.Slot())
	}
	if p.Endpoint != relay {
		t.Fatal("relayed peer endpoint not set")
	}

	// Re-adding through the relay path updates the slot in place.
	p2 := pm.AddRelayedPeer(id, [KeySize]byte{}, relay, nil, 13)
	if p2 != p || p2.Slot() != 13 {
		t.Fatal("relayed re-add did not update the existing peer")
	}
}

func TestManagerHandleHandshakeAutoRegisters(t *testing.T) {
	idA := testIdentity(t)
	idB := testIdentity(t)
	psk := randomKey(t)

	// A knows B and initiates; B's manager has never heard of A.
	aViewOfB, _ := peerPair(idA, idB)
	msg1, err := aViewOfB.StartHandshake(idA, psk)
	if err != nil {
		t.Fatalf("start handshake: %v", err)
	}

	transport, err := NewTransport(0, testLogger())
	if err != nil {
		t.Fatalf("bind transport: %v", err)
	}
	defer transport.Close()

	pm := NewManager(testLogger())
	from := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: transport.Port()}
	peer, err := pm.HandleHandshake(idB, psk, msg1, from, transport)
	if err != nil {
		t.Fatalf("HandleHandshake: %v", err)
	}
	if peer.NodeID != idA.ID {
		t.Fatalf("registered peer %s, want %s", peer.NodeID, idA.ID)
	}
	if pm.GetPeer(idA.ID) == nil {
		t.Fatal("initiator not auto-registered")
	}
	if !peer.IsConnected() {
		t.Fatal("responder session not established")
	}

	// A response from an unknown sender must not register anyone.
	pm2 := NewManager(testLogger())
	forged := append([]byte(nil), msg1...)
	forged[0] = 0x02
	if _, err := pm2.HandleHandshake(idB, psk, forged, from, transport); err == nil {
		t.Fatal("response from unknown peer accepted")
	}
	if len(pm2.AllPeers()) != 0 {
		t.Fatal("unknown responder was registered")
	}
}
