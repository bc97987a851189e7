package identity

import (
	"net"
	"testing"
)

func TestVirtualIPEdgeCases(t *testing.T) {
	cases := []struct {
		name string
		id   NodeID
		want net.IP
	}{
		{
			name: "0xFF prefix reduces to 0x00",
			id:   NodeID{0xFF, 0x00, 0x01},
			want: net.IP{0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name: "all-zero id forces ::2",
			id:   NodeID{},
			want: net.IP{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x02},
		},
		{
			name: "0xFE prefix unchanged",
			id:   NodeID{0xFE, 0x01, 0x02},
			want: net.IP{0xFE, 0x01, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := VirtualIP(tc.id)
			if !got.Equal(tc.want) {
				t.Fatalf("VirtualIP(%x) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
}

func TestVirtualIPNeverMulticastOrReserved(t *testing.T) {
	for i := 0; i < 512; i++ {
		var id NodeID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		ip := VirtualIP(id)
		if ip[0] == 0xFF {
			t.Fatalf("VirtualIP(%x) produced multicast prefix: %v", id, ip)
		}
		if ip.Equal(net.IPv6unspecified) || ip.Equal(net.IPv6loopback) {
			t.Fatalf("VirtualIP(%x) produced reserved address: %v", id, ip)
		}
	}
}

func TestVirtualIPDeterministic(t *testing.T) {
	id := NodeIDFromPublicKey([]byte("some public key material"))
	a := VirtualIP(id)
	b := VirtualIP(id)
	if !a.Equal(b) {
		t.Fatalf("VirtualIP not deterministic: %v != %v", a, b)
	}
}

func TestNodeIDFromHexRoundTrip(t *testing.T) {
	id := NodeIDFromPublicKey([]byte("another key"))
	parsed, err := NodeIDFromHex(id.String())
	if err != nil {
		t.Fatalf("NodeIDFromHex: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %x != %x", parsed, id)
	}
}
