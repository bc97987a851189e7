package overlay

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// twoLayers wires two spawned layers back to back: every frame one layer's
// egress router hands its session is injected straight into the other
// layer's receive path, standing in for the UDP round trip.
func twoLayers(t *testing.T) (la, lb *Layer, sessAB, sessBA *fakeSession) {
	t.Helper()

	idA := nodeID(0xA1)
	idB := nodeID(0xB2)

	la = New(Config{ConnectTimeout: 5 * time.Second}, testLogger())
	lb = New(Config{ConnectTimeout: 5 * time.Second}, testLogger())

	sessAB = &fakeSession{name: "a->b"}
	sessBA = &fakeSession{name: "b->a"}
	sessAB.deliver = func(f Forward) error {
		lb.Receive(NodeEntry{ID: idA, Session: sessBA}, f.Payload)
		return nil
	}
	sessBA.deliver = func(f Forward) error {
		la.Receive(NodeEntry{ID: idB, Session: sessAB}, f.Payload)
		return nil
	}

	if err := la.Spawn(idA); err != nil {
		t.Fatalf("spawn A: %v", err)
	}
	if err := lb.Spawn(idB); err != nil {
		la.Shutdown()
		t.Fatalf("spawn B: %v", err)
	}
	t.Cleanup(func() {
		la.Shutdown()
		lb.Shutdown()
	})
	return la, lb, sessAB, sessBA
}

func recvPayload(t *testing.T, ch <-chan Forwarded) Forwarded {
	t.Helper()
	select {
	case fwd := <-ch:
		return fwd
	case <-time.After(5 * time.Second):
		t.Fatal("no payload delivered")
		return Forwarded{}
	}
}

func TestTwoPeerEcho(t *testing.T) {
	la, lb, sessAB, sessBA := twoLayers(t)
	idA := nodeID(0xA1)
	idB := nodeID(0xB2)

	inA, err := la.Receiver()
	if err != nil {
		t.Fatalf("receiver A: %v", err)
	}
	inB, err := lb.Receiver()
	if err != nil {
		t.Fatalf("receiver B: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A dials B; B auto-registers A on the first inbound frame.
	senderA, _, err := la.Connect(ctx, NodeEntry{ID: idB, Session: sessAB})
	if err != nil {
		t.Fatalf("connect A->B: %v", err)
	}
	if err := senderA.Send(ctx, []byte{0x01}); err != nil {
		t.Fatalf("send A->B: %v", err)
	}

	fwd := recvPayload(t, inB)
	if fwd.NodeID != idA {
		t.Fatalf("B received from %s, want %s", fwd.NodeID, idA)
	}
	if !fwd.Reliable || !bytes.Equal(fwd.Payload, []byte{0x01}) {
		t.Fatalf("B received %+v", fwd)
	}

	// Symmetric: B dials A.
	senderB, _, err := lb.Connect(ctx, NodeEntry{ID: idA, Session: sessBA})
	if err != nil {
		t.Fatalf("connect B->A: %v", err)
	}
	if err := senderB.Send(ctx, []byte{0x02}); err != nil {
		t.Fatalf("send B->A: %v", err)
	}

	fwd = recvPayload(t, inA)
	if fwd.NodeID != idB || !bytes.Equal(fwd.Payload, []byte{0x02}) {
		t.Fatalf("A received %+v", fwd)
	}
}

func TestSenderCloseTearsDown(t *testing.T) {
	la, _, sessAB, _ := twoLayers(t)
	idB := nodeID(0xB2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sender, done, err := la.Connect(ctx, NodeEntry{ID: idB, Session: sessAB})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := la.ResolveNode(idB); err != nil {
		t.Fatalf("resolve after connect: %v", err)
	}

	sender.Close()

	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("DisconnectNotifier never fired")
	}

	if _, err := la.ResolveNode(idB); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("resolve after teardown: %v, want ErrUnknownNode", err)
	}

	la.mu.Lock()
	_, tracked := la.senders[idB]
	la.mu.Unlock()
	if tracked {
		t.Fatal("forward sender still tracked after teardown")
	}

	// Closing again is safe.
	sender.Close()
}

func TestShutdownClosesAllStreams(t *testing.T) {
	idA := nodeID(0xA1)
	idB := nodeID(0xB2)

	la := New(Config{ConnectTimeout: 5 * time.Second}, testLogger())
	sessAB := &fakeSession{name: "a->b"}
	lb := New(Config{ConnectTimeout: 5 * time.Second}, testLogger())
	sessBA := &fakeSession{name: "b->a"}
	sessAB.deliver = func(f Forward) error {
		lb.Receive(NodeEntry{ID: idA, Session: sessBA}, f.Payload)
		return nil
	}
	sessBA.deliver = func(f Forward) error {
		la.Receive(NodeEntry{ID: idB, Session: sessAB}, f.Payload)
		return nil
	}
	if err := la.Spawn(idA); err != nil {
		t.Fatalf("spawn A: %v", err)
	}
	if err := lb.Spawn(idB); err != nil {
		t.Fatalf("spawn B: %v", err)
	}
	defer lb.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, done, err := la.Connect(ctx, NodeEntry{ID: idB, Session: sessAB})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	la.Shutdown()

	select {
	case <-done.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("DisconnectNotifier never fired after Shutdown")
	}

	la.mu.Lock()
	remaining := len(la.senders)
	la.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d forward senders left after Shutdown", remaining)
	}
}

func TestSpawnTwice(t *testing.T) {
	l := New(Config{}, testLogger())
	if err := l.Spawn(nodeID(0xC3)); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	defer l.Shutdown()

	if err := l.Spawn(nodeID(0xC3)); !errors.Is(err, ErrAlreadySpawned) {
		t.Fatalf("second spawn: %v, want ErrAlreadySpawned", err)
	}
}

func TestReceiverTakenOnce(t *testing.T) {
	l := New(Config{}, testLogger())
	if _, err := l.Receiver(); err != nil {
		t.Fatalf("first take: %v", err)
	}
	if _, err := l.Receiver(); err == nil {
		t.Fatal("second take succeeded")
	}
}

func TestConnectBeforeSpawn(t *testing.T) {
	l := New(Config{}, testLogger())
	_, _, err := l.Connect(context.Background(), NodeEntry{ID: nodeID(0xC4), Session: &fakeSession{name: "s"}})
	if err == nil {
		t.Fatal("connect before spawn succeeded")
	}
}

func TestAddVirtNodeAndRemove(t *testing.T) {
	la, _, sessAB, _ := twoLayers(t)
	idB := nodeID(0xB2)

	node, err := la.AddVirtNode(NodeEntry{ID: idB, Session: sessAB, Slot: 4})
	if err != nil {
		t.Fatalf("AddVirtNode: %v", err)
	}
	if node.SessionSlot != 4 {
		t.Fatalf("slot = %d, want 4", node.SessionSlot)
	}

	got, err := la.ResolveNode(idB)
	if err != nil {
		t.Fatalf("ResolveNode: %v", err)
	}
	if !got.VirtualIP.Equal(node.VirtualIP) {
		t.Fatalf("resolved %v, want %v", got.VirtualIP, node.VirtualIP)
	}

	la.RemoveNode(idB)
	if _, err := la.ResolveNode(idB); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("resolve after RemoveNode: %v, want ErrUnknownNode", err)
	}
}
