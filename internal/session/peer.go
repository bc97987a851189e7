package session

import (
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/overlay"
)

// PeerState represents the connection state of a peer.
type PeerState int

const (
	PeerStateNew       PeerState = iota // Just discovered, no handshake yet
	PeerStateHandshake                  // Handshake in progress
	PeerStateConnected                  // Handshake complete, exchanging data
	PeerStateDead                       // Connection lost
)

func (s PeerState) String() string {
	switch s {
	case PeerStateNew:
		return "new"
	case PeerStateHandshake:
		return "handshake"
	case PeerStateConnected:
		return "connected"
	case PeerStateDead:
		return "dead"
	default:
		return "unknown"
	}
}

const (
	// KeepaliveInterval is how often to send keepalive packets.
	KeepaliveInterval = 15 * time.Second
	// PeerTimeout is when a peer is considered dead.
	PeerTimeout = 60 * time.Second
	// HandshakeRetryInterval is the delay before an unanswered handshake is
	// re-initiated.
	HandshakeRetryInterval = 3 * time.Second
)

// Peer represents a remote node we communicate with over UDP. It is the
// concrete implementation of overlay.Session: one Peer is one session, and
// every Forward it carries uses slot 0 (a Peer is a direct, unmultiplexed
// channel — only a relay-forwarded session would ever assign a peer a
// nonzero slot, see Manager.AddRelayedPeer).
type Peer struct {
	// Identity
	NodeID    identity.NodeID
	PublicKey [KeySize]byte

	// Connection state
	State    PeerState
	Endpoint *net.UDPAddr // Current best endpoint

	// Encryption
	cipher *Cipher
	hs     *Handshake // in-flight exchange, nil otherwise

	// Timing
	LastSeen    time.Time
	LastSend    time.Time
	LatencyMs   int64
	HandshakeAt time.Time

	bytesSent atomic.Int64
	bytesRecv atomic.Int64

	transport *Transport
	slot      uint32

	mu  sync.RWMutex
	log *slog.Logger
}

// NewPeer creates a new peer instance.
func NewPeer(id identity.NodeID, pubKey [KeySize]byte, endpoint *net.UDPAddr, transport *Transport, log *slog.Logger) *Peer {
	return &Peer{
		NodeID:    id,
		PublicKey: pubKey,
		State:     PeerStateNew,
		Endpoint:  endpoint,
		transport: transport,
		log:       log.With("peer", id.String()),
	}
}

// ID implements overlay.Session: the peer's NodeID also identifies its
// session, since each Peer owns exactly one UDP channel.
func (p *Peer) ID() overlay.SessionID {
	return p.NodeID
}

// RemoteAddr implements overlay.Session.
func (p *Peer) RemoteAddr() net.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Endpoint
}

// Send implements overlay.Session: seals and transmits an overlay.Forward
// PDU over this peer's UDP channel. The egress router calls this for every
// frame the virtual TCP engine wants on the wire.
func (p *Peer) Send(f overlay.Forward) error {
	p.mu.RLock()
	cipher := p.cipher
	endpoint := p.Endpoint
	p.mu.RUnlock()

	if cipher == nil {
		return fmt.Errorf("peer %s: no session cipher (not connected)", p.NodeID)
	}
	sealed, err := cipher.Seal(f.Payload)
	if err != nil {
		return fmt.Errorf("peer %s: seal forward: %w", p.NodeID, err)
	}
	pkt := NewForwardPacket(f.Slot, sealed)
	if err := p.transport.SendPacket(pkt, endpoint); err != nil {
		return fmt.Errorf("peer %s: send forward: %w", p.NodeID, err)
	}
	p.bytesSent.Add(int64(len(f.Payload)))
	p.mu.Lock()
	p.LastSend = time.Now()
	p.mu.Unlock()
	return nil
}

// Slot returns the forwarding slot the overlay should address this peer
// with when building a Forward PDU.
func (p *Peer) Slot() uint32 {
	return p.slot
}

// StartHandshake begins a fresh key exchange as initiator and returns the
// initiation message to put on the wire. Any previous in-flight exchange is
// discarded.
func (p *Peer) StartHandshake(local *identity.Identity, psk [KeySize]byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hs := newHandshake(roleInitiator, local.PrivateKey, local.PublicKey, p.PublicKey, psk)
	msg, err := hs.Initiation()
	if err != nil {
		return nil, fmt.Errorf("peer %s: create initiation: %w", p.NodeID, err)
	}
	p.hs = hs
	if p.State != PeerStateConnected {
		p.State = PeerStateHandshake
	}
	p.HandshakeAt = time.Now()
	return msg, nil
}

// HandleHandshake advances the exchange with one inbound message. For an
// initiation it answers with the response message (reply non-nil) and
// installs the session keys; for a response it completes our own initiation
// and installs the keys (reply nil).
//
// Simultaneous open is resolved deterministically: if both sides have an
// initiation in flight, the node with the smaller public key keeps the
// initiator role and the other yields and responds. The yielding side's
// initiation is ignored by its peer, so exactly one exchange completes.
func (p *Peer) HandleHandshake(local *identity.Identity, psk [KeySize]byte, msg []byte) (reply []byte, err error) {
	if len(msg) == 0 {
		return nil, ErrInvalidHandshake
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg[0] {
	case msgInitiation:
		if p.hs != nil && p.hs.role == roleInitiator {
			if bytes.Compare(local.PublicKey[:], p.PublicKey[:]) < 0 {
				// We are the canonical initiator; the remote will answer
				// our initiation instead.
				return nil, nil
			}
			p.hs = nil
		}

		hs := newHandshake(roleResponder, local.PrivateKey, local.PublicKey, p.PublicKey, psk)
		if err := hs.consumeInitiation(msg); err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
		reply, err := hs.Response()
		if err != nil {
			return nil, fmt.Errorf("peer %s: create response: %w", p.NodeID, err)
		}
		if err := p.installKeysLocked(hs); err != nil {
			return nil, err
		}
		return reply, nil

	case msgResponse:
		if p.hs == nil || p.hs.role != roleInitiator {
			return nil, fmt.Errorf("peer %s: unexpected response: %w", p.NodeID, ErrInvalidHandshake)
		}
		if err := p.hs.consumeResponse(msg); err != nil {
			return nil, fmt.Errorf("peer %s: %w", p.NodeID, err)
		}
		if err := p.installKeysLocked(p.hs); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, ErrInvalidHandshake
	}
}

// installKeysLocked finishes an exchange: derives the transport cipher,
// clears the in-flight state, and marks the peer connected. Caller holds
// p.mu.
func (p *Peer) installKeysLocked(hs *Handshake) error {
	sendKey, recvKey := hs.split()
	cipher, err := NewCipher(sendKey, recvKey)
	if err != nil {
		return fmt.Errorf("peer %s: derive cipher: %w", p.NodeID, err)
	}
	p.cipher = cipher
	p.hs = nil
	p.State = PeerStateConnected
	p.LastSeen = time.Now()
	p.log.Info("session established", "endpoint", p.Endpoint)
	return nil
}

// HandshakeStale reports whether an unanswered exchange is old enough to
// retry.
func (p *Peer) HandshakeStale() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State != PeerStateConnected && time.Since(p.HandshakeAt) > HandshakeRetryInterval
}

// UpdateEndpoint records the peer's latest observed UDP address.
func (p *Peer) UpdateEndpoint(addr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Endpoint = addr
}

// Seal encrypts a payload for this peer.
func (p *Peer) Seal(plaintext []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cipher == nil {
		return nil, fmt.Errorf("peer %s: no session cipher (not connected)", p.NodeID)
	}
	return p.cipher.Seal(plaintext)
}

// Open decrypts a sealed payload from this peer and counts the plaintext
// toward its receive total.
func (p *Peer) Open(sealed []byte) ([]byte, error) {
	p.mu.RLock()
	cipher := p.cipher
	p.mu.RUnlock()
	if cipher == nil {
		return nil, fmt.Errorf("peer %s: no session cipher (not connected)", p.NodeID)
	}
	plaintext, err := cipher.Open(sealed)
	if err != nil {
		return nil, err
	}
	p.bytesRecv.Add(int64(len(plaintext)))
	return plaintext, nil
}

// Traffic returns the plaintext byte totals exchanged with this peer.
func (p *Peer) Traffic() (sent, recv int64) {
	return p.bytesSent.Load(), p.bytesRecv.Load()
}

// IsConnected returns true if the peer has an active session.
func (p *Peer) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State == PeerStateConnected && p.cipher != nil
}

// IsAlive returns true if the peer has been seen recently.
func (p *Peer) IsAlive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.LastSeen) < PeerTimeout
}

// Touch updates the last seen timestamp.
func (p *Peer) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LastSeen = time.Now()
}

// NeedsKeepalive returns true if it's time to send a keepalive.
func (p *Peer) NeedsKeepalive() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State == PeerStateConnected && time.Since(p.LastSend) > KeepaliveInterval
}

// Manager manages all known peers/sessions.
type Manager struct {
	peers map[identity.NodeID]*Peer
	mu    sync.RWMutex
	log   *slog.Logger
}

// NewManager creates a new peer manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		peers: make(map[identity.NodeID]*Peer),
		log:   log.With("component", "session-manager"),
	}
}

// AddPeer adds or updates a peer.
func (pm *Manager) AddPeer(id identity.NodeID, pubKey [KeySize]byte, endpoint *net.UDPAddr, transport *Transport) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if p, exists := pm.peers[id]; exists {
		if endpoint != nil {
			p.UpdateEndpoint(endpoint)
		}
		return p
	}
	p := NewPeer(id, pubKey, endpoint, transport, pm.log)
	pm.peers[id] = p
	pm.log.Info("peer added", "node", id, "endpoint", endpoint)
	return p
}

// AddRelayedPeer adds a peer reachable only through a relay's endpoint. The
// slot selects the destination within the relay's forwarding table, so two
// relayed peers can share one UDP endpoint.
func (pm *Manager) AddRelayedPeer(id identity.NodeID, pubKey [KeySize]byte, relayEndpoint *net.UDPAddr, transport *Transport, slot uint32) *Peer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, exists := pm.peers[id]
	if !exists {
		p = NewPeer(id, pubKey, relayEndpoint, transport, pm.log)
		pm.peers[id] = p
	}
	p.mu.Lock()
	p.Endpoint = relayEndpoint
	p.slot = slot
	p.mu.Unlock()
	pm.log.Info("relayed peer added", "node", id, "relay", relayEndpoint, "slot", slot)
	return p
}

// HandleHandshake routes one inbound handshake message: it identifies the
// sender from the message header, auto-registers unknown initiators (PSK
// possession is proven by the message MAC before any keys are installed),
// and puts any reply on the wire.
func (pm *Manager) HandleHandshake(local *identity.Identity, psk [KeySize]byte, payload []byte, from *net.UDPAddr, transport *Transport) (*Peer, error) {
	kind, senderPub, err := parseHandshakeHeader(payload)
	if err != nil {
		return nil, err
	}
	senderID := identity.NodeIDFromPublicKey(senderPub[:])

	peer := pm.GetPeer(senderID)
	registered := false
	if peer == nil {
		if kind != msgInitiation {
			return nil, fmt.Errorf("response from unknown peer %s: %w", senderID, ErrInvalidHandshake)
		}
		peer = pm.AddPeer(senderID, senderPub, from, transport)
		registered = true
	}
	peer.UpdateEndpoint(from)
	peer.Touch()

	reply, err := peer.HandleHandshake(local, psk, payload)
	if err != nil {
		// A row created for this message does not outlive a failed MAC check.
		if registered && pm.GetPeer(senderID) == peer {
			pm.RemovePeer(senderID)
		}
		return peer, err
	}
	if reply != nil {
		if err := transport.SendPacket(NewHandshakePacket(reply), from); err != nil {
			return peer, fmt.Errorf("send handshake response: %w", err)
		}
	}
	return peer, nil
}

// GetPeer returns a peer by NodeID.
func (pm *Manager) GetPeer(id identity.NodeID) *Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.peers[id]
}

// GetPeerByEndpoint finds a peer by UDP endpoint.
func (pm *Manager) GetPeerByEndpoint(addr *net.UDPAddr) *Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for _, p := range pm.peers {
		p.mu.RLock()
		match := p.Endpoint != nil && p.Endpoint.IP.Equal(addr.IP) && p.Endpoint.Port == addr.Port
		p.mu.RUnlock()
		if match {
			return p
		}
	}
	return nil
}

// RemovePeer removes a peer by NodeID.
func (pm *Manager) RemovePeer(id identity.NodeID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.peers, id)
	pm.log.Info("peer removed", "node", id)
}

// ConnectedPeers returns all peers in connected state.
func (pm *Manager) ConnectedPeers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	var result []*Peer
	for _, p := range pm.peers {
		if p.IsConnected() {
			result = append(result, p)
		}
	}
	return result
}

// AllPeers returns all peers.
func (pm *Manager) AllPeers() []*Peer {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	result := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		result = append(result, p)
	}
	return result
}

// CleanDead removes dead peers.
func (pm *Manager) CleanDead() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	removed := 0
	for id, p := range pm.peers {
		if !p.IsAlive() && p.State == PeerStateDead {
			delete(pm.peers, id)
			removed++
		}
	}
	return removed
}
