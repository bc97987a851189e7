package session

import (
	"bytes"
	"testing"
)

func TestForwardPacketRoundTrip(t *testing.T) {
	pkt := NewForwardPacket(7, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	decoded, err := DecodePacket(pkt.Encode())
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if decoded.Header.Type != PacketTypeForward {
		t.Fatalf("type = %v", decoded.Header.Type)
	}
	if decoded.Header.Slot != 7 {
		t.Fatalf("slot = %d, want 7", decoded.Header.Slot)
	}
	if !bytes.Equal(decoded.Payload, pkt.Payload) {
		t.Fatalf("payload = %x", decoded.Payload)
	}
}

func TestDecodePacketTooShort(t *testing.T) {
	if _, err := DecodePacket([]byte{0x01, 0x02}); err == nil {
		t.Fatal("expected error for short packet")
	}
}

func TestDecodePacketBadVersion(t *testing.T) {
	pkt := NewKeepalivePacket()
	raw := pkt.Encode()
	raw[0] = Version + 1
	if _, err := DecodePacket(raw); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}
