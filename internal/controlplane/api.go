package controlplane

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/unicornultrafoundation/overnet/internal/identity"
	"github.com/unicornultrafoundation/overnet/internal/protocol"
)

// SetupRoutes configures all API routes.
func (srv *Server) SetupRoutes(r *gin.Engine) {
	// Public routes
	r.POST("/api/v1/auth/login", srv.handleLogin)
	r.POST("/api/v1/auth/register", srv.handleRegister)

	// Agent WebSocket (authenticated via headers)
	r.GET("/api/v1/agent/connect", srv.ws.HandleAgentConnect)

	// Protected API routes
	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(srv.jwtSecret))
	{
		// Nodes
		api.GET("/nodes", srv.listNodes)
		api.PUT("/nodes/:id", srv.authorizeNode)
		api.DELETE("/nodes/:id", srv.removeNode)

		// Live agent sessions
		api.GET("/sessions", srv.listSessions)

		// Admin event stream
		api.GET("/events", srv.sse.Serve)
	}
}

// --- Auth handlers ---

func (srv *Server) handleLogin(c *gin.Context) {
	var req protocol.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var user User
	if err := srv.db.Where("username = ?", req.Username).First(&user).Error; err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if !CheckPassword(req.Password, user.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, expiresAt, err := GenerateToken(&user, srv.jwtSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}

	c.JSON(http.StatusOK, protocol.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (srv *Server) handleRegister(c *gin.Context) {
	var req protocol.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Check if any users exist (first user can register freely)
	var count int64
	srv.db.Model(&User{}).Count(&count)
	if count > 0 {
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(srv.jwtSecret), nil
			})
		if err != nil || !token.Valid || claims.Role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{"error": "registration requires admin authentication"})
			return
		}
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "hash password failed"})
		return
	}

	user := User{
		Username: req.Username,
		Password: hash,
		Role:     "admin",
	}
	if err := srv.db.Create(&user).Error; err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "username already exists"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

// --- Node handlers ---

func (srv *Server) listNodes(c *gin.Context) {
	var nodes []Node
	srv.db.Find(&nodes)

	online := srv.ws.GetOnlineAgents()
	result := make([]protocol.Node, 0, len(nodes))
	for _, n := range nodes {
		result = append(result, protocol.Node{
			NodeID:     n.NodeID,
			PublicKey:  n.PublicKey,
			VirtualIP:  virtualIPString(n.NodeID),
			Name:       n.Name,
			Platform:   n.Platform,
			Authorized: n.Authorized,
			Online:     online[n.NodeID],
			LastSeen:   n.LastSeen,
			CreatedAt:  n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, result)
}

// virtualIPString derives a node's overlay address for the admin view; an
// unparsable id yields an empty string rather than an error.
func virtualIPString(nodeID string) string {
	id, err := identity.NodeIDFromHex(nodeID)
	if err != nil {
		return ""
	}
	return identity.VirtualIP(id).String()
}

func (srv *Server) authorizeNode(c *gin.Context) {
	nodeID := c.Param("id")

	var req protocol.AuthorizeNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{"authorized": req.Authorized}
	if req.Name != "" {
		updates["name"] = req.Name
	}

	result := srv.db.Model(&Node{}).Where("node_id = ?", nodeID).Updates(updates)
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "node not found"})
		return
	}

	var node Node
	srv.db.First(&node, "node_id = ?", nodeID)

	if req.Authorized {
		// Push mesh config to the newly authorized agent and tell everyone
		// else about the new peer.
		srv.ws.SendMeshConfigToAgent(nodeID)
		srv.ws.BroadcastPeerUpdate("add", protocol.PeerInfo{
			NodeID:    node.NodeID,
			PublicKey: node.PublicKey,
			Name:      node.Name,
		}, nodeID)
		srv.sse.Broadcast(protocol.Event{Kind: "node_authorized", NodeID: nodeID, Name: node.Name})
	}

	c.JSON(http.StatusOK, node)
}

func (srv *Server) removeNode(c *gin.Context) {
	nodeID := c.Param("id")

	srv.db.Delete(&Node{}, "node_id = ?", nodeID)
	srv.ws.BroadcastPeerUpdate("remove", protocol.PeerInfo{NodeID: nodeID}, nodeID)
	srv.ws.Disconnect(nodeID)
	srv.sse.Broadcast(protocol.Event{Kind: "node_removed", NodeID: nodeID})

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// --- Live sessions ---

func (srv *Server) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, srv.ws.Sessions())
}
