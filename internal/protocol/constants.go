package protocol

const (
	// DefaultAgentPort is the default UDP port for the session transport.
	DefaultAgentPort = 9993
	// DefaultControlPlanePort is the default control plane API port.
	DefaultControlPlanePort = 9394
	// DefaultSTUNPort is the default STUN/TURN port.
	DefaultSTUNPort = 3478

	// ProtocolVersion is the current control protocol version.
	ProtocolVersion = 1
)
