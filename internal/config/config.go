package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the configuration for the overnet-agent.
type AgentConfig struct {
	IdentityPath string             `yaml:"identity_path"`
	ControlPlane string             `yaml:"control_plane"` // ws://host:port
	STUNServers  []string           `yaml:"stun_servers"`
	TURNServers  []TURNServerConfig `yaml:"turn_servers"`
	ListenPort   int                `yaml:"listen_port"`
	Overlay      OverlayConfig      `yaml:"overlay"`
	LogLevel     string             `yaml:"log_level"`
}

// OverlayConfig tunes the virtual TCP layer.
type OverlayConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TURNServerConfig holds one TURN server's credentials for the agent's
// endpoint discovery.
type TURNServerConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ControlPlaneConfig is the configuration for the overnet-controlplane.
type ControlPlaneConfig struct {
	Listen    string      `yaml:"listen"`
	Database  string      `yaml:"database"`
	JWTSecret string      `yaml:"jwt_secret"`
	STUN      STUNConfig  `yaml:"stun"`
	TURN      TURNConfig  `yaml:"turn"`
	Admin     AdminConfig `yaml:"admin"`
	LogLevel  string      `yaml:"log_level"`
}

// STUNConfig configures the built-in STUN server.
type STUNConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TURNConfig configures the built-in TURN server.
type TURNConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Listen      string            `yaml:"listen"`
	Realm       string            `yaml:"realm"`
	Credentials map[string]string `yaml:"credentials"`
}

// AdminConfig is the default admin account.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultAgentConfig returns a config with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		IdentityPath: "/etc/overnet/identity.key",
		ListenPort:   9993,
		STUNServers: []string{
			"stun:stun.l.google.com:19302",
		},
		Overlay: OverlayConfig{
			ConnectTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// DefaultControlPlaneConfig returns a config with sensible defaults.
func DefaultControlPlaneConfig() *ControlPlaneConfig {
	return &ControlPlaneConfig{
		Listen:    "0.0.0.0:9394",
		Database:  "sqlite:///var/lib/overnet/controlplane.db",
		JWTSecret: "change-me-in-production",
		STUN: STUNConfig{
			Enabled: true,
			Listen:  "0.0.0.0:3478",
		},
		TURN: TURNConfig{
			Enabled: false,
			Listen:  "0.0.0.0:3478",
			Realm:   "overnet",
		},
		Admin: AdminConfig{
			Username: "admin",
			Password: "admin",
		},
		LogLevel: "info",
	}
}

// LoadAgentConfig loads agent config from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	return cfg, nil
}

// LoadControlPlaneConfig loads control plane config from a YAML file.
func LoadControlPlaneConfig(path string) (*ControlPlaneConfig, error) {
	cfg := DefaultControlPlaneConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load control plane config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
