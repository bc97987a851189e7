package identity

import (
	"encoding/hex"
	"fmt"
	"net"

	"golang.org/x/crypto/blake2s"
)

const (
	// NodeIDSize is the byte length of a node identifier.
	NodeIDSize = 20

	virtualIPSize = 16
	// virtualIPPort is the port every VirtNode's TCP endpoint is bound to;
	// the overlay has no notion of service ports, only one stream per peer.
	virtualIPPort = 1
)

// NodeID is an opaque cryptographic peer identifier, produced by the session
// layer (normally a hash of the peer's public key). It carries no structure
// of its own: the overlay only ever compares it for equality or derives a
// VirtualIP from it.
type NodeID [NodeIDSize]byte

// NodeIDFromPublicKey derives a NodeID from a Curve25519 public key: a
// BLAKE2s-256 digest truncated to NodeIDSize bytes.
func NodeIDFromPublicKey(pubKey []byte) NodeID {
	hash := blake2s.Sum256(pubKey)
	var id NodeID
	copy(id[:], hash[:NodeIDSize])
	if id[0] == 0 {
		// The 0x00 prefix is reserved.
		id[0] = 1
	}
	return id
}

// NodeIDFromHex parses a hex-encoded NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid hex node id: %w", err)
	}
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("node id must be %d bytes, got %d", NodeIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// String returns the hex-encoded NodeID.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the NodeID is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// VirtualIP deterministically derives the node's IPv6 address on the
// overlay. Two independent peers must compute the same VirtualIP for the
// same NodeID, so this is the one wire-observable invariant of the layer.
//
// Derivation:
//   - take the first 16 bytes of id (NodeIDSize >= 16, so no padding needed)
//   - reduce byte 0 modulo 0xFF, excluding the multicast prefix 0xFF
//   - if bytes 0..14 are all zero and byte 15 < 0x02, force byte 15 = 0x02,
//     excluding the unspecified (::0) and loopback (::1) addresses
func VirtualIP(id NodeID) net.IP {
	var b [virtualIPSize]byte
	copy(b[:], id[:virtualIPSize])

	b[0] %= 0xFF

	allZeroPrefix := true
	for _, v := range b[:virtualIPSize-1] {
		if v != 0 {
			allZeroPrefix = false
			break
		}
	}
	if allZeroPrefix && b[virtualIPSize-1] < 0x02 {
		b[virtualIPSize-1] = 0x02
	}

	ip := make(net.IP, virtualIPSize)
	copy(ip, b[:])
	return ip
}

// Endpoint returns the (VirtualIP, port 1) TCP endpoint a node listens on.
func Endpoint(id NodeID) (net.IP, uint16) {
	return VirtualIP(id), virtualIPPort
}
