package overlay

import "errors"

var (
	// ErrUnknownNode is returned by ResolveNode for a NodeID never added to
	// the IdMap.
	ErrUnknownNode = errors.New("overlay: unknown node")
	// ErrUnknownAddress is returned by IdMap.ResolveByIP for a virtual IP
	// with no routing row; the ingress and egress routers drop such frames.
	ErrUnknownAddress = errors.New("overlay: unknown address")
	// ErrConnectFailed wraps the underlying TCP engine error when Connect's
	// handshake does not complete.
	ErrConnectFailed = errors.New("overlay: connect failed")
	// ErrConnectTimeout is a more specific ErrConnectFailed cause.
	ErrConnectTimeout = errors.New("overlay: connect timed out")
	// ErrAlreadySpawned is returned by Spawn if called more than once.
	ErrAlreadySpawned = errors.New("overlay: already spawned")
	// ErrNotConnected is returned when an operation needs a live TCP engine
	// that hasn't been spawned yet.
	ErrNotConnected = errors.New("overlay: not connected")
)
