package agent

import (
	"time"

	"github.com/unicornultrafoundation/overnet/internal/session"
)

// PeerEndpoint defines a static peer for running without a control plane.
type PeerEndpoint struct {
	PublicKey string `yaml:"public_key"`
	Address   string `yaml:"address"` // host:port
}

// Config holds the agent runtime configuration.
type Config struct {
	IdentityPath string
	ListenPort   int

	// ConnectTimeout bounds the overlay's virtual TCP handshake.
	ConnectTimeout time.Duration

	// PSK is the session pre-shared key; overwritten by the control plane's
	// mesh config when one is used.
	PSK [32]byte

	// Static peers (no control plane)
	StaticPeers []PeerEndpoint

	// Control plane
	ControlPlane string // ws://host:port

	STUNServers []string
	TURNServers []session.TURNServer
	LogLevel    string
}
