package controlplane

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/unicornultrafoundation/overnet/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AgentConn represents a connected agent.
type AgentConn struct {
	NodeID    string
	PublicKey string
	Platform  string
	Endpoints []string
	Conn      *websocket.Conn
	LastSeen  time.Time
	mu        sync.Mutex
}

// SendJSON sends a JSON message to the agent.
func (ac *AgentConn) SendJSON(v interface{}) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	ac.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ac.Conn.WriteJSON(v)
}

// WSHandler manages WebSocket connections from agents.
type WSHandler struct {
	agents map[string]*AgentConn // nodeID → connection
	mu     sync.RWMutex
	srv    *Server
	log    *slog.Logger
}

// NewWSHandler creates a new WebSocket handler.
func NewWSHandler(srv *Server, log *slog.Logger) *WSHandler {
	return &WSHandler{
		agents: make(map[string]*AgentConn),
		srv:    srv,
		log:    log.With("component", "ws"),
	}
}

// HandleAgentConnect handles the agent WebSocket connection endpoint.
func (h *WSHandler) HandleAgentConnect(c *gin.Context) {
	nodeID := c.GetHeader("X-Node-ID")
	publicKey := c.GetHeader("X-Public-Key")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	agentConn := &AgentConn{
		NodeID:    nodeID,
		PublicKey: publicKey,
		Conn:      conn,
		LastSeen:  time.Now(),
	}

	h.mu.Lock()
	// Close existing connection from same node
	if old, exists := h.agents[nodeID]; exists {
		old.Conn.Close()
	}
	h.agents[nodeID] = agentConn
	h.mu.Unlock()

	h.log.Info("agent connected", "node", nodeID, "remote", c.Request.RemoteAddr)
	h.srv.sse.Broadcast(protocol.Event{Kind: "node_online", NodeID: nodeID})

	defer func() {
		h.mu.Lock()
		delete(h.agents, nodeID)
		h.mu.Unlock()
		conn.Close()
		h.log.Info("agent disconnected", "node", nodeID)
		h.srv.sse.Broadcast(protocol.Event{Kind: "node_offline", NodeID: nodeID})
		h.BroadcastPeerUpdate("remove", protocol.PeerInfo{NodeID: nodeID}, nodeID)
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("agent websocket error", "node", nodeID, "err", err)
			}
			return
		}

		agentConn.LastSeen = time.Now()
		h.handleMessage(agentConn, message)
	}
}

func (h *WSHandler) handleMessage(agent *AgentConn, message []byte) {
	var baseMsg protocol.Message
	if err := json.Unmarshal(message, &baseMsg); err != nil {
		h.log.Debug("unmarshal agent message", "err", err)
		return
	}

	switch baseMsg.Type {
	case protocol.MsgTypeJoin:
		var msg protocol.JoinMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		h.handleJoin(agent, &msg)

	case protocol.MsgTypeStatus:
		var msg protocol.StatusMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		h.handleStatus(agent, &msg)

	case protocol.MsgTypeLeave:
		h.handleLeave(agent)

	default:
		h.log.Debug("unknown message type from agent", "type", baseMsg.Type, "node", agent.NodeID)
	}
}

func (h *WSHandler) handleJoin(agent *AgentConn, msg *protocol.JoinMessage) {
	h.log.Info("agent join request",
		"node", msg.NodeID,
		"endpoints", msg.Endpoints,
		"platform", msg.Platform,
	)

	agent.Platform = msg.Platform
	agent.Endpoints = msg.Endpoints

	// Register/update node in database
	node := Node{
		NodeID:    msg.NodeID,
		PublicKey: msg.PublicKey,
		Platform:  msg.Platform,
		LastSeen:  time.Now(),
	}
	h.srv.db.Where("node_id = ?", msg.NodeID).Assign(map[string]interface{}{
		"public_key": msg.PublicKey,
		"platform":   msg.Platform,
		"last_seen":  time.Now(),
	}).FirstOrCreate(&node)

	h.sendMeshConfig(agent)
}

func (h *WSHandler) handleStatus(agent *AgentConn, msg *protocol.StatusMessage) {
	h.srv.db.Model(&Node{}).Where("node_id = ?", agent.NodeID).Update("last_seen", time.Now())
}

func (h *WSHandler) handleLeave(agent *AgentConn) {
	h.log.Info("agent leaving", "node", agent.NodeID)
	h.BroadcastPeerUpdate("remove", protocol.PeerInfo{NodeID: agent.NodeID}, agent.NodeID)
}

// sendMeshConfig pushes the PSK and current peer set to one agent, provided
// it has been authorized by an admin.
func (h *WSHandler) sendMeshConfig(agent *AgentConn) {
	var node Node
	if err := h.srv.db.First(&node, "node_id = ?", agent.NodeID).Error; err != nil {
		agent.SendJSON(protocol.ErrorMessage{
			Type:    protocol.MsgTypeError,
			Code:    404,
			Message: "node not registered",
		})
		return
	}

	if !node.Authorized {
		agent.SendJSON(protocol.ErrorMessage{
			Type:    protocol.MsgTypeError,
			Code:    403,
			Message: "node pending authorization",
		})
		h.log.Info("node pending authorization", "node", agent.NodeID)
		return
	}

	psk, err := h.srv.meshPSK()
	if err != nil {
		h.log.Error("load mesh PSK", "err", err)
		return
	}

	// Gather the other authorized nodes; endpoints come from live
	// connections, so offline peers are listed without one.
	var nodes []Node
	h.srv.db.Where("node_id != ? AND authorized = ?", agent.NodeID, true).Find(&nodes)

	peers := make([]protocol.PeerInfo, 0, len(nodes))
	for _, n := range nodes {
		h.mu.RLock()
		peerConn, online := h.agents[n.NodeID]
		h.mu.RUnlock()

		var endpoints []string
		if online {
			endpoints = peerConn.Endpoints
		}

		peers = append(peers, protocol.PeerInfo{
			NodeID:    n.NodeID,
			PublicKey: n.PublicKey,
			Endpoints: endpoints,
			Name:      n.Name,
		})
	}

	agent.SendJSON(protocol.MeshConfigMessage{
		Type:  protocol.MsgTypeMeshConfig,
		PSK:   psk,
		Peers: peers,
	})

	// Announce this node to the rest of the mesh so both sides learn of
	// each other.
	h.BroadcastPeerUpdate("add", protocol.PeerInfo{
		NodeID:    node.NodeID,
		PublicKey: node.PublicKey,
		Endpoints: agent.Endpoints,
		Name:      node.Name,
	}, agent.NodeID)
}

// SendMeshConfigToAgent sends the mesh config to a specific online agent.
func (h *WSHandler) SendMeshConfigToAgent(nodeID string) {
	h.mu.RLock()
	agent, ok := h.agents[nodeID]
	h.mu.RUnlock()
	if !ok {
		return // agent not online
	}
	h.sendMeshConfig(agent)
}

// BroadcastPeerUpdate notifies all agents except excludeNodeID about a peer
// change.
func (h *WSHandler) BroadcastPeerUpdate(action string, peer protocol.PeerInfo, excludeNodeID string) {
	msg := protocol.PeerUpdateMessage{
		Type:   protocol.MsgTypePeerUpdate,
		Action: action,
		Peer:   peer,
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, agent := range h.agents {
		if id == excludeNodeID {
			continue
		}
		agent.SendJSON(msg)
	}
}

// Disconnect closes a specific agent's connection, if online.
func (h *WSHandler) Disconnect(nodeID string) {
	h.mu.Lock()
	agent, ok := h.agents[nodeID]
	if ok {
		delete(h.agents, nodeID)
	}
	h.mu.Unlock()
	if ok {
		agent.Conn.Close()
	}
}

// GetOnlineAgents returns connected agent node IDs.
func (h *WSHandler) GetOnlineAgents() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	online := make(map[string]bool, len(h.agents))
	for id := range h.agents {
		online[id] = true
	}
	return online
}

// Sessions returns a snapshot of all live agent connections.
func (h *WSHandler) Sessions() []protocol.SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := make([]protocol.SessionInfo, 0, len(h.agents))
	for _, agent := range h.agents {
		sessions = append(sessions, protocol.SessionInfo{
			NodeID:    agent.NodeID,
			Remote:    agent.Conn.RemoteAddr().String(),
			Endpoints: agent.Endpoints,
			LastSeen:  agent.LastSeen,
		})
	}
	return sessions
}
