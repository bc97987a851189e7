// Package overlay implements the virtual TCP-over-UDP overlay layer: it
// translates opaque NodeIds into synthetic IPv6 addresses, drives a
// user-space TCP engine bound to those addresses, and wires its
// ingress/egress events to a session-based forwarding fabric.
//
// It does not perform cryptographic authentication of payloads (that is the
// session layer's job, see internal/session), does not implement TCP itself
// (delegated to gVisor's tcpip stack), and does not guarantee delivery
// across session loss: a torn session closes every stream that used it.
package overlay

import (
	"context"
	"net"
	"sync"

	"github.com/unicornultrafoundation/overnet/internal/identity"
)

// SessionID is opaque to the overlay; it is whatever the session collaborator
// uses to identify itself.
type SessionID any

// Session is the external UDP-channel collaborator the overlay forwards
// egress traffic through. Implemented by internal/session.Peer.
type Session interface {
	ID() SessionID
	RemoteAddr() net.Addr
	Send(f Forward) error
}

// Forward is the session-layer wire PDU the overlay constructs for every
// outbound payload. Its byte layout is the session layer's contract, not
// this layer's.
type Forward struct {
	SessionID SessionID
	Slot      uint32
	Payload   []byte
}

// NodeEntry is what a caller hands to Connect/AddVirtNode/Receive: a NodeID
// plus the session it is currently reachable through.
type NodeEntry struct {
	ID      identity.NodeID
	Session Session
	Slot    uint32
}

// VirtNode is a per-peer routing row: NodeId, virtual IPv6 endpoint, owning
// Session handle, and session slot.
type VirtNode struct {
	ID          identity.NodeID
	VirtualIP   net.IP
	Port        uint16
	Session     Session
	SessionSlot uint32
}

// Forwarded is the decoded application payload the ingress router delivers.
type Forwarded struct {
	Reliable bool
	NodeID   identity.NodeID
	Payload  []byte
}

// PerPeerSender is the outbound byte-stream handle the Connection Manager
// hands back from Connect. Closing it is the sole signal to tear down the
// virtual TCP connection.
type PerPeerSender struct {
	ch   chan<- []byte
	once *sync.Once
}

// Send enqueues a payload, blocking until the depth-1 channel has room or ctx
// is done.
func (s PerPeerSender) Send(ctx context.Context, payload []byte) error {
	select {
	case s.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the virtual TCP connection. Safe to call more than once.
func (s PerPeerSender) Close() {
	s.once.Do(func() { close(s.ch) })
}

// DisconnectNotifier fires exactly once when the forwarding task's teardown
// completes.
type DisconnectNotifier struct {
	ch <-chan struct{}
}

// Done returns the channel that is closed when teardown completes.
func (d DisconnectNotifier) Done() <-chan struct{} {
	return d.ch
}
