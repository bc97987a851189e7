package overlay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngressRouterDeliversResolvedPacket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idmap := NewIdMap()
	id := nodeID(0x41)
	node := idmap.Add(id, &fakeSession{name: "s"}, 0)

	events := make(chan IngressEvent, 4)
	out := make(chan Forwarded, 4)
	go runIngressRouter(ctx, events, idmap, out, testLogger())

	events <- IngressEvent{Kind: IngressPacket, Remote: node.VirtualIP, Payload: []byte{0xAB}}

	select {
	case fwd := <-out:
		if fwd.NodeID != id {
			t.Fatalf("delivered NodeID %s, want %s", fwd.NodeID, id)
		}
		if !fwd.Reliable {
			t.Fatal("delivered payload not marked reliable")
		}
		if len(fwd.Payload) != 1 || fwd.Payload[0] != 0xAB {
			t.Fatalf("payload = %x", fwd.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("packet never delivered")
	}
}

func TestIngressRouterDropsUnknownRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idmap := NewIdMap()
	events := make(chan IngressEvent, 4)
	out := make(chan Forwarded, 4)
	go runIngressRouter(ctx, events, idmap, out, testLogger())

	orphanIP := identity.VirtualIP(nodeID(0x42))
	events <- IngressEvent{Kind: IngressPacket, Remote: orphanIP, Payload: []byte{0x01}}
	// Non-packet events are log-only and must not reach the application.
	events <- IngressEvent{Kind: IngressInboundConnection, Remote: orphanIP}
	events <- IngressEvent{Kind: IngressDisconnected, Remote: orphanIP}

	select {
	case fwd := <-out:
		t.Fatalf("unexpected delivery: %+v", fwd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEgressRouterForwardsToSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var sent []Forward
	sess := &fakeSession{name: "s9"}
	sess.deliver = func(f Forward) error {
		mu.Lock()
		sent = append(sent, f)
		mu.Unlock()
		return nil
	}

	idmap := NewIdMap()
	node := idmap.Add(nodeID(0x43), sess, 5)

	events := make(chan EgressEvent, 4)
	go runEgressRouter(ctx, events, idmap, testLogger())

	events <- EgressEvent{Remote: node.VirtualIP, Payload: []byte{0xDE, 0xAD}}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(sent)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("egress frame never reached the session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	f := sent[0]
	if f.SessionID != SessionID("s9") || f.Slot != 5 {
		t.Fatalf("Forward = {%v %d}, want {s9 5}", f.SessionID, f.Slot)
	}
	if len(f.Payload) != 2 || f.Payload[0] != 0xDE {
		t.Fatalf("payload = %x", f.Payload)
	}
}

func TestEgressRouterSendErrorKeepsNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := &fakeSession{name: "flaky"}
	sess.deliver = func(Forward) error { return errors.New("transient") }

	idmap := NewIdMap()
	id := nodeID(0x44)
	node := idmap.Add(id, sess, 0)

	events := make(chan EgressEvent, 4)
	go runEgressRouter(ctx, events, idmap, testLogger())

	events <- EgressEvent{Remote: node.VirtualIP, Payload: []byte{0x01}}

	// Give the router time to process, then confirm routing state survived.
	time.Sleep(50 * time.Millisecond)
	if _, err := idmap.ResolveByNode(id); err != nil {
		t.Fatalf("send error poisoned routing: %v", err)
	}
}

func TestEgressRouterDropsUnroutedFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idmap := NewIdMap()
	events := make(chan EgressEvent, 4)
	go runEgressRouter(ctx, events, idmap, testLogger())

	// Frame for a never-registered peer: dropped, router keeps running.
	events <- EgressEvent{Remote: identity.VirtualIP(nodeID(0x45)), Payload: []byte{0x01}}

	sess := &fakeSession{name: "ok"}
	got := make(chan Forward, 1)
	sess.deliver = func(f Forward) error {
		got <- f
		return nil
	}
	node := idmap.Add(nodeID(0x46), sess, 0)
	events <- EgressEvent{Remote: node.VirtualIP, Payload: []byte{0x02}}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("router stopped after unrouted frame")
	}
}
