// Package agent wires the pieces of a mesh node together: identity, the
// shared UDP transport, the encrypted peer sessions, the control plane
// client, and the virtual TCP overlay.
package agent

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/overlay"
	"github.com/unicornultrafoundation/overnet/internal/session"
)

// Agent is the main client daemon orchestrating the session transport, peer
// table, and overlay layer.
type Agent struct {
	config    Config
	identity  *identity.Identity
	transport *session.Transport
	peers     *session.Manager
	overlay   *overlay.Layer
	discovery *session.Discovery
	ctrlCli   *ControlPlaneClient
	log       *slog.Logger

	ingress <-chan overlay.Forwarded

	mu        sync.Mutex
	psk       [32]byte
	endpoints []string // advertised public endpoints
	senders   map[identity.NodeID]overlay.PerPeerSender
	onMessage func(overlay.Forwarded)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Agent instance.
func New(cfg Config, log *slog.Logger) (*Agent, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "node", id.ID, "pubkey", id.PublicKeyHex()[:16]+"...")

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:   cfg,
		identity: id,
		peers:    session.NewManager(log),
		psk:      cfg.PSK,
		senders:  make(map[identity.NodeID]overlay.PerPeerSender),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start initializes all subsystems and begins processing.
func (a *Agent) Start() error {
	// 1. Bind the shared UDP transport
	transport, err := session.NewTransport(a.config.ListenPort, a.log)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	a.transport = transport

	// 2. Bring up the overlay: virtual TCP engine bound to our derived
	// virtual IP, ingress/egress routers running.
	a.overlay = overlay.New(overlay.Config{ConnectTimeout: a.config.ConnectTimeout}, a.log)
	if err := a.overlay.Spawn(a.identity.ID); err != nil {
		a.transport.Close()
		return fmt.Errorf("spawn overlay: %w", err)
	}
	ingress, err := a.overlay.Receiver()
	if err != nil {
		a.transport.Close()
		return fmt.Errorf("take overlay receiver: %w", err)
	}
	a.ingress = ingress

	// 3. Gather the endpoints to advertise: reflexive/relay candidates plus
	// local interface addresses, with a bare-port fallback for peers that
	// can fill in the source address themselves.
	a.discovery = session.NewDiscovery(a.config.STUNServers, a.config.TURNServers, a.log)
	discoverCtx, cancelDiscover := context.WithTimeout(a.ctx, 10*time.Second)
	a.endpoints = append(a.discovery.Endpoints(discoverCtx, a.transport.Port()),
		fmt.Sprintf(":%d", a.transport.Port()))
	cancelDiscover()

	// 4. Control plane mode: peers arrive via mesh config / peer updates.
	if a.config.ControlPlane != "" {
		a.ctrlCli = NewControlPlaneClient(a.config.ControlPlane, a, a.log)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.ctrlCli.Run(a.ctx)
		}()
	}

	// 5. Static peer mode: add configured peers and start handshakes.
	for _, sp := range a.config.StaticPeers {
		endpoint, err := net.ResolveUDPAddr("udp", sp.Address)
		if err != nil {
			a.log.Error("resolve peer endpoint", "addr", sp.Address, "err", err)
			continue
		}
		pubKeyBytes, err := hex.DecodeString(sp.PublicKey)
		if err != nil || len(pubKeyBytes) != 32 {
			a.log.Error("decode peer public key", "err", err)
			continue
		}
		var pubKey [32]byte
		copy(pubKey[:], pubKeyBytes)
		peerID := identity.NodeIDFromPublicKey(pubKey[:])

		peer := a.peers.AddPeer(peerID, pubKey, endpoint, a.transport)
		a.initiateHandshake(peer)
	}

	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		a.transport.Serve(a.ctx, a.handlePacket)
	}()
	go a.ingressLoop()
	go a.maintenanceLoop()

	a.log.Info("agent started",
		"node", a.identity.ID,
		"virtual_ip", identity.VirtualIP(a.identity.ID),
		"port", a.transport.Port(),
		"control_plane", a.config.ControlPlane,
		"static_peers", len(a.config.StaticPeers),
	)
	return nil
}

// Stop gracefully shuts down the agent.
func (a *Agent) Stop() {
	a.log.Info("agent stopping...")
	if a.overlay != nil {
		a.overlay.Shutdown()
	}
	a.cancel()
	if a.transport != nil {
		a.transport.Close()
	}
	a.wg.Wait()
	a.log.Info("agent stopped")
}

// Identity returns the agent's identity.
func (a *Agent) Identity() *identity.Identity {
	return a.identity
}

// Overlay returns the virtual TCP layer (e.g. for resolve queries).
func (a *Agent) Overlay() *overlay.Layer {
	return a.overlay
}

// OnMessage installs the handler for payloads arriving over the overlay.
func (a *Agent) OnMessage(fn func(overlay.Forwarded)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMessage = fn
}

// Pause throttles all overlay forwarding tasks until the given instant;
// called on rate-limit signals from the session layer.
func (a *Agent) Pause(until time.Time) {
	a.overlay.SetPausedUntil(until)
}

// SendTo writes payload to the given node's virtual TCP stream, opening the
// connection on first use.
func (a *Agent) SendTo(ctx context.Context, id identity.NodeID, payload []byte) error {
	a.mu.Lock()
	sender, ok := a.senders[id]
	a.mu.Unlock()

	if !ok {
		var err error
		sender, err = a.connectOverlay(ctx, id)
		if err != nil {
			return err
		}
	}
	return sender.Send(ctx, payload)
}

// connectOverlay opens the virtual TCP connection to a handshaked peer and
// tracks the resulting sender until its teardown notifier fires.
func (a *Agent) connectOverlay(ctx context.Context, id identity.NodeID) (overlay.PerPeerSender, error) {
	peer := a.peers.GetPeer(id)
	if peer == nil {
		return overlay.PerPeerSender{}, fmt.Errorf("unknown peer: %s", id)
	}
	if !peer.IsConnected() {
		return overlay.PerPeerSender{}, fmt.Errorf("peer not connected: %s", id)
	}

	entry := overlay.NodeEntry{ID: id, Session: peer, Slot: peer.Slot()}
	sender, done, err := a.overlay.Connect(ctx, entry)
	if err != nil {
		return overlay.PerPeerSender{}, fmt.Errorf("overlay connect %s: %w", id, err)
	}

	a.mu.Lock()
	a.senders[id] = sender
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-done.Done():
		case <-a.ctx.Done():
			return
		}
		a.mu.Lock()
		if cur, ok := a.senders[id]; ok && cur == sender {
			delete(a.senders, id)
		}
		a.mu.Unlock()
		a.log.Debug("overlay stream closed", "node", id)
	}()

	return sender, nil
}

// RemovePeer drops a peer entirely: its session, routing row, and any open
// virtual TCP stream.
func (a *Agent) RemovePeer(id identity.NodeID) {
	a.mu.Lock()
	sender, ok := a.senders[id]
	delete(a.senders, id)
	a.mu.Unlock()
	if ok {
		sender.Close()
	}
	a.overlay.RemoveNode(id)
	a.peers.RemovePeer(id)
}

// --- Goroutine loops ---

// ingressLoop drains the overlay's application channel.
func (a *Agent) ingressLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case fwd, ok := <-a.ingress:
			if !ok {
				return
			}
			a.mu.Lock()
			handler := a.onMessage
			a.mu.Unlock()
			if handler != nil {
				handler(fwd)
			} else {
				a.log.Debug("overlay payload", "from", fwd.NodeID, "len", len(fwd.Payload))
			}
		}
	}
}

// handlePacket processes one decoded inbound packet from the transport's
// read loop.
func (a *Agent) handlePacket(pkt *session.Packet, from *net.UDPAddr) {
	switch pkt.Header.Type {
	case session.PacketTypeHandshake:
		if _, err := a.peers.HandleHandshake(a.identity, a.currentPSK(), pkt.Payload, from, a.transport); err != nil {
			a.log.Debug("handshake rejected", "from", from, "err", err)
		}

	case session.PacketTypeForward:
		a.handleForward(pkt, from)

	case session.PacketTypeKeepalive:
		if peer := a.peers.GetPeerByEndpoint(from); peer != nil {
			peer.Touch()
		}

	default:
		a.log.Debug("unknown packet type", "type", pkt.Header.Type, "from", from)
	}
}

// handleForward decrypts a data packet and injects the carried frame into
// the overlay's TCP engine. A frame from a peer the overlay has never seen
// auto-registers it, so inbound-initiated connections resolve.
func (a *Agent) handleForward(pkt *session.Packet, from *net.UDPAddr) {
	peer := a.peers.GetPeerByEndpoint(from)
	if peer == nil {
		a.log.Debug("forward from unknown peer", "from", from)
		return
	}
	peer.Touch()

	plaintext, err := peer.Open(pkt.Payload)
	if err != nil {
		a.log.Debug("open sealed payload failed", "peer", peer.NodeID, "err", err, "payload_len", len(pkt.Payload))
		return
	}

	a.overlay.Receive(overlay.NodeEntry{
		ID:      peer.NodeID,
		Session: peer,
		Slot:    peer.Slot(),
	}, plaintext)
}

// initiateHandshake starts (or restarts) the key exchange with a peer.
func (a *Agent) initiateHandshake(peer *session.Peer) {
	msg, err := peer.StartHandshake(a.identity, a.currentPSK())
	if err != nil {
		a.log.Warn("start handshake failed", "peer", peer.NodeID, "err", err)
		return
	}
	if err := a.transport.SendPacket(session.NewHandshakePacket(msg), peer.Endpoint); err != nil {
		a.log.Debug("send initiation failed", "peer", peer.NodeID, "err", err)
	}
}

func (a *Agent) currentPSK() [32]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.psk
}

func (a *Agent) setPSK(psk [32]byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.psk = psk
}

func (a *Agent) advertisedEndpoints() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endpoints
}

// maintenanceLoop runs periodic maintenance tasks.
func (a *Agent) maintenanceLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			// Send keepalives
			for _, peer := range a.peers.ConnectedPeers() {
				if peer.NeedsKeepalive() {
					pkt := session.NewKeepalivePacket()
					if err := a.transport.SendPacket(pkt, peer.Endpoint); err != nil {
						a.log.Debug("keepalive send failed", "peer", peer.NodeID, "err", err)
					}
					peer.LastSend = time.Now()
				}
			}

			// Re-initiate stale handshakes
			for _, peer := range a.peers.AllPeers() {
				if peer.HandshakeStale() {
					a.initiateHandshake(peer)
				}
			}

			a.peers.CleanDead()

			// Send status to control plane
			if a.ctrlCli != nil {
				a.ctrlCli.SendStatus()
			}
		}
	}
}
