package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/protocol"
)

const (
	ctrlReconnectDelay    = 5 * time.Second
	ctrlWriteTimeout      = 10 * time.Second
	ctrlMaxReconnectDelay = 60 * time.Second
)

// ControlPlaneClient manages the WebSocket connection to the control plane.
type ControlPlaneClient struct {
	url       string
	agent     *Agent
	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	log       *slog.Logger
}

// NewControlPlaneClient creates a new control plane client.
func NewControlPlaneClient(url string, agent *Agent, log *slog.Logger) *ControlPlaneClient {
	return &ControlPlaneClient{
		url:   url,
		agent: agent,
		log:   log.With("component", "ctrl-client"),
	}
}

// Run starts the control plane connection loop (blocking).
func (c *ControlPlaneClient) Run(ctx context.Context) {
	delay := ctrlReconnectDelay
	for {
		select {
		case <-ctx.Done():
			c.close()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Error("control plane connect failed", "err", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = delay * 2
			if delay > ctrlMaxReconnectDelay {
				delay = ctrlMaxReconnectDelay
			}
			continue
		}

		delay = ctrlReconnectDelay

		if err := c.readLoop(ctx); err != nil {
			c.log.Warn("control plane connection lost", "err", err)
		}
		c.close()
	}
}

func (c *ControlPlaneClient) connect(ctx context.Context) error {
	wsURL := c.url + "/api/v1/agent/connect"
	c.log.Info("connecting to control plane", "url", wsURL)

	header := http.Header{}
	header.Set("X-Node-ID", c.agent.identity.ID.String())
	header.Set("X-Public-Key", c.agent.identity.PublicKeyHex())

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial control plane: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	joinMsg := protocol.JoinMessage{
		Type:      protocol.MsgTypeJoin,
		NodeID:    c.agent.identity.ID.String(),
		PublicKey: c.agent.identity.PublicKeyHex(),
		Endpoints: c.agent.advertisedEndpoints(),
		Platform:  "linux",
		Version:   "0.1.0",
	}
	if err := c.sendJSON(joinMsg); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	c.log.Info("connected to control plane")
	return nil
}

func (c *ControlPlaneClient) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var baseMsg protocol.Message
		if err := json.Unmarshal(message, &baseMsg); err != nil {
			c.log.Debug("unmarshal message", "err", err)
			continue
		}

		switch baseMsg.Type {
		case protocol.MsgTypeMeshConfig:
			var msg protocol.MeshConfigMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				c.log.Debug("unmarshal mesh config", "err", err)
				continue
			}
			c.handleMeshConfig(&msg)

		case protocol.MsgTypePeerUpdate:
			var msg protocol.PeerUpdateMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				c.log.Debug("unmarshal peer update", "err", err)
				continue
			}
			c.handlePeerUpdate(&msg)

		case protocol.MsgTypeError:
			var msg protocol.ErrorMessage
			if err := json.Unmarshal(message, &msg); err == nil {
				c.log.Warn("control plane error", "code", msg.Code, "message", msg.Message)
			}

		default:
			c.log.Debug("unknown message type", "type", baseMsg.Type)
		}
	}
}

// handleMeshConfig applies the PSK and peer set from the control plane.
func (c *ControlPlaneClient) handleMeshConfig(msg *protocol.MeshConfigMessage) {
	c.log.Info("received mesh config", "peers", len(msg.Peers))

	if msg.PSK != "" {
		b, err := hex.DecodeString(msg.PSK)
		if err != nil || len(b) != 32 {
			c.log.Error("invalid PSK from control plane", "err", err)
			return
		}
		var psk [32]byte
		copy(psk[:], b)
		c.agent.setPSK(psk)
	}

	for _, peerInfo := range msg.Peers {
		c.addPeerFromInfo(peerInfo)
	}
}

// handlePeerUpdate processes a peer add/remove notification.
func (c *ControlPlaneClient) handlePeerUpdate(msg *protocol.PeerUpdateMessage) {
	c.log.Info("peer update",
		"action", msg.Action,
		"peer", msg.Peer.NodeID,
		"endpoints", msg.Peer.Endpoints,
	)

	switch msg.Action {
	case "add":
		c.addPeerFromInfo(msg.Peer)
	case "remove":
		id, err := identity.NodeIDFromHex(msg.Peer.NodeID)
		if err != nil {
			c.log.Warn("invalid peer node id", "node", msg.Peer.NodeID)
			return
		}
		c.agent.RemovePeer(id)
		c.log.Info("peer removed", "node", msg.Peer.NodeID)
	}
}

// addPeerFromInfo adds a peer from PeerInfo and initiates the handshake.
func (c *ControlPlaneClient) addPeerFromInfo(info protocol.PeerInfo) {
	pubKeyBytes, err := hex.DecodeString(info.PublicKey)
	if err != nil || len(pubKeyBytes) != 32 {
		c.log.Warn("invalid peer public key", "peer", info.NodeID, "err", err)
		return
	}

	var pubKey [32]byte
	copy(pubKey[:], pubKeyBytes)

	// The id is derived from the public key on our side; a mismatch with
	// what the control plane sent means a stale or forged row.
	peerID := identity.NodeIDFromPublicKey(pubKey[:])
	if info.NodeID != "" && info.NodeID != peerID.String() {
		c.log.Warn("peer node id does not match public key", "claimed", info.NodeID, "derived", peerID)
		return
	}

	// Already connected?
	if existing := c.agent.peers.GetPeer(peerID); existing != nil && existing.IsConnected() {
		return
	}

	// Resolve endpoint
	var endpoint *net.UDPAddr
	for _, ep := range info.Endpoints {
		resolved, err := net.ResolveUDPAddr("udp", ep)
		if err == nil && resolved.IP != nil {
			endpoint = resolved
			break
		}
	}

	if endpoint == nil {
		c.log.Debug("no valid endpoint for peer", "peer", info.NodeID, "endpoints", info.Endpoints)
		return
	}

	peer := c.agent.peers.AddPeer(peerID, pubKey, endpoint, c.agent.transport)
	c.agent.initiateHandshake(peer)
	c.log.Info("peer added via control plane", "peer", info.NodeID, "endpoint", endpoint)
}

// SendStatus sends a status report to the control plane.
func (c *ControlPlaneClient) SendStatus() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}
	c.mu.Unlock()

	peers := c.agent.peers.ConnectedPeers()
	peerStatuses := make([]protocol.PeerStatus, 0, len(peers))
	for _, p := range peers {
		sent, recvd := p.Traffic()
		path := "direct"
		if p.Slot() > 0 {
			path = "relay"
		}
		peerStatuses = append(peerStatuses, protocol.PeerStatus{
			NodeID:    p.NodeID.String(),
			LatencyMs: p.LatencyMs,
			Path:      path,
			BytesSent: sent,
			BytesRecv: recvd,
		})
	}

	return c.sendJSON(protocol.StatusMessage{
		Type:  protocol.MsgTypeStatus,
		Peers: peerStatuses,
	})
}

func (c *ControlPlaneClient) sendJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(ctrlWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *ControlPlaneClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}
