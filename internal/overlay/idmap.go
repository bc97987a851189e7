package overlay

import (
	"sync"

	"github.com/unicornultrafoundation/overnet/internal/identity"
)

type ipKey [16]byte

func keyFor(ip []byte) ipKey {
	var k ipKey
	copy(k[:], ip)
	return k
}

// IdMap is the overlay's routing table: NodeID <-> VirtualIP <-> VirtNode.
// One RWMutex guards both indices; lookups are read-only and mutations are
// brief.
type IdMap struct {
	mu     sync.RWMutex
	byNode map[identity.NodeID]ipKey
	byIP   map[ipKey]*VirtNode
}

// NewIdMap returns an empty routing table.
func NewIdMap() *IdMap {
	return &IdMap{
		byNode: make(map[identity.NodeID]ipKey),
		byIP:   make(map[ipKey]*VirtNode),
	}
}

// Add inserts or replaces the routing row for id, deriving its VirtualIP.
// Replacing an existing node's session (reconnect with a new Session) is
// expected and not an error.
func (m *IdMap) Add(id identity.NodeID, sess Session, slot uint32) VirtNode {
	ip := identity.VirtualIP(id)
	node := &VirtNode{
		ID:          id,
		VirtualIP:   ip,
		Port:        1,
		Session:     sess,
		SessionSlot: slot,
	}
	key := keyFor(ip)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.byNode[id] = key
	m.byIP[key] = node
	return *node
}

// Remove deletes the routing row for id, if present.
func (m *IdMap) Remove(id identity.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.byNode[id]
	if !ok {
		return
	}
	delete(m.byNode, id)
	delete(m.byIP, key)
}

// ResolveByNode looks up a VirtNode by NodeID.
func (m *IdMap) ResolveByNode(id identity.NodeID) (VirtNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.byNode[id]
	if !ok {
		return VirtNode{}, ErrUnknownNode
	}
	node, ok := m.byIP[key]
	if !ok {
		return VirtNode{}, ErrUnknownNode
	}
	return *node, nil
}

// ResolveByIP looks up a VirtNode by its synthesized VirtualIP, as used by
// the ingress and egress routers to translate between TCP engine addresses
// and session peers.
func (m *IdMap) ResolveByIP(ip []byte) (VirtNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	node, ok := m.byIP[keyFor(ip)]
	if !ok {
		return VirtNode{}, ErrUnknownAddress
	}
	return *node, nil
}
