package controlplane

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// --- GORM Models ---

// User represents an admin user.
type User struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null" json:"username"`
	Password  string    `gorm:"not null" json:"-"` // bcrypt hash
	Role      string    `gorm:"default:admin" json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// Node represents a registered device. NodeID is the hex-encoded 20-byte
// identifier derived from the node's public key.
type Node struct {
	NodeID     string    `gorm:"primarykey" json:"node_id"`
	PublicKey  string    `gorm:"not null" json:"public_key"`
	Name       string    `json:"name,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Authorized bool      `gorm:"default:false" json:"authorized"`
	LastSeen   time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Mesh holds the singleton mesh row: the session-layer PSK every agent
// receives once authorized.
type Mesh struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	PSK       string    `gorm:"not null" json:"-"` // hex, never exposed over the API
	CreatedAt time.Time `json:"created_at"`
}

// InitDB initializes the database connection and runs migrations.
func InitDB(dsn string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	// Parse DSN: "sqlite:///path/to/db"
	if strings.HasPrefix(dsn, "sqlite://") {
		dbPath := strings.TrimPrefix(dsn, "sqlite://")
		db, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
	} else {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&User{}, &Node{}, &Mesh{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// meshPSK returns the mesh PSK, generating and persisting one on first call.
func (srv *Server) meshPSK() (string, error) {
	var mesh Mesh
	if err := srv.db.First(&mesh).Error; err == nil {
		return mesh.PSK, nil
	}

	var pskBytes [32]byte
	if _, err := rand.Read(pskBytes[:]); err != nil {
		return "", fmt.Errorf("generate PSK: %w", err)
	}
	mesh = Mesh{PSK: hex.EncodeToString(pskBytes[:])}
	if err := srv.db.Create(&mesh).Error; err != nil {
		return "", fmt.Errorf("persist PSK: %w", err)
	}
	srv.log.Info("generated new mesh PSK")
	return mesh.PSK, nil
}
