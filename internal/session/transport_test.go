package session

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestTransportServeDispatchesPackets(t *testing.T) {
	sender, err := NewTransport(0, testLogger())
	if err != nil {
		t.Fatalf("bind sender: %v", err)
	}
	defer sender.Close()

	receiver, err := NewTransport(0, testLogger())
	if err != nil {
		t.Fatalf("bind receiver: %v", err)
	}
	defer receiver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type received struct {
		pkt  *Packet
		from *net.UDPAddr
	}
	got := make(chan received, 4)
	go receiver.Serve(ctx, func(pkt *Packet, from *net.UDPAddr) {
		// Payload aliases the read buffer; copy before crossing goroutines.
		cp := *pkt
		cp.Payload = append([]byte(nil), pkt.Payload...)
		got <- received{pkt: &cp, from: from}
	})

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: receiver.Port()}
	want := NewForwardPacket(3, []byte{0xCA, 0xFE})
	if err := sender.SendPacket(want, dst); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case r := <-got:
		if r.pkt.Header.Type != PacketTypeForward || r.pkt.Header.Slot != 3 {
			t.Fatalf("received header %+v", r.pkt.Header)
		}
		if !bytes.Equal(r.pkt.Payload, want.Payload) {
			t.Fatalf("payload = %x", r.pkt.Payload)
		}
		if r.from.Port != sender.Port() {
			t.Fatalf("from port %d, want %d", r.from.Port, sender.Port())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("packet never dispatched")
	}

	// Junk on the wire is counted and dropped, not dispatched.
	junkConn, err := net.DialUDP("udp", nil, dst)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer junkConn.Close()
	if _, err := junkConn.Write([]byte{0xFF}); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, dropped, _ := receiver.Stats(); dropped > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("junk datagram never counted as dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case r := <-got:
		t.Fatalf("junk datagram dispatched: %+v", r.pkt)
	default:
	}
}

func TestTransportSendAfterClose(t *testing.T) {
	tr, err := NewTransport(0, testLogger())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	tr.Close()

	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	if err := tr.SendPacket(NewKeepalivePacket(), dst); err != ErrTransportClosed {
		t.Fatalf("send after close: %v, want ErrTransportClosed", err)
	}
}
