package controlplane

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/unicornultrafoundation/overnet/internal/config"
	"gorm.io/gorm"
)

// Server is the centralized management server: node registration, PSK and
// peer-set distribution over WebSocket, and the HTTP admin surface.
type Server struct {
	db        *gorm.DB
	router    *gin.Engine
	ws        *WSHandler
	sse       *SSEHub
	jwtSecret string
	config    *config.ControlPlaneConfig
	log       *slog.Logger
}

// New creates a new control plane Server instance.
func New(cfg *config.ControlPlaneConfig, log *slog.Logger) (*Server, error) {
	db, err := InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	srv := &Server{
		db:        db,
		sse:       NewSSEHub(log),
		jwtSecret: cfg.JWTSecret,
		config:    cfg,
		log:       log.With("component", "controlplane"),
	}

	// Create default admin user if none exists
	if err := srv.ensureAdminUser(cfg.Admin.Username, cfg.Admin.Password); err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}
	// Generate the mesh PSK on first start
	if _, err := srv.meshPSK(); err != nil {
		return nil, fmt.Errorf("init mesh PSK: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	srv.router = router
	srv.ws = NewWSHandler(srv, log)
	srv.SetupRoutes(router)

	return srv, nil
}

// Run starts the control plane HTTP server.
func (srv *Server) Run() error {
	srv.log.Info("control plane starting", "listen", srv.config.Listen)
	return srv.router.Run(srv.config.Listen)
}

func (srv *Server) ensureAdminUser(username, password string) error {
	var count int64
	srv.db.Model(&User{}).Count(&count)
	if count > 0 {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	user := User{
		Username: username,
		Password: hash,
		Role:     "admin",
	}
	return srv.db.Create(&user).Error
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Node-ID, X-Public-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
