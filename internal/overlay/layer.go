package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unicornultrafoundation/overnet/internal/identity"
)

// Config configures a Layer's TCP engine.
type Config struct {
	// ConnectTimeout bounds how long Connect waits for a virtual TCP
	// handshake before returning ErrConnectTimeout.
	ConnectTimeout time.Duration
}

const defaultConnectTimeout = 10 * time.Second

const ingressBufferSize = 256

type peerChannel struct {
	ch   chan []byte
	once *sync.Once
}

// Layer is the overlay's top-level client API: it owns the IdMap, the
// TcpEngine, the ingress/egress routers, and every peer's forwarding task.
type Layer struct {
	idmap  *IdMap
	paused *PausedUntil
	engine *TcpEngine

	connectTimeout time.Duration

	ingressOut    chan Forwarded
	receiverTaken atomic.Bool

	mu      sync.Mutex
	spawned bool
	senders map[identity.NodeID]peerChannel

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *slog.Logger
}

// New constructs a Layer. Spawn must be called before Connect/Receive.
func New(cfg Config, log *slog.Logger) *Layer {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Layer{
		idmap:          NewIdMap(),
		paused:         NewPausedUntil(),
		connectTimeout: timeout,
		ingressOut:     make(chan Forwarded, ingressBufferSize),
		senders:        make(map[identity.NodeID]peerChannel),
		ctx:            ctx,
		cancel:         cancel,
		log:            log.With("component", "overlay"),
	}
}

// Spawn brings up the TCP engine bound to ourNodeID's derived VirtualIP and
// starts the ingress/egress routers. Must be called exactly once.
func (l *Layer) Spawn(ourNodeID identity.NodeID) error {
	l.mu.Lock()
	if l.spawned {
		l.mu.Unlock()
		return ErrAlreadySpawned
	}
	l.spawned = true
	l.mu.Unlock()

	virtualIP := identity.VirtualIP(ourNodeID)
	engine, err := NewTcpEngine(virtualIP, l.log)
	if err != nil {
		return fmt.Errorf("overlay: spawn tcp engine: %w", err)
	}

	ingressEvents, err := engine.IngressReceiver()
	if err != nil {
		return err
	}
	egressEvents, err := engine.EgressReceiver()
	if err != nil {
		return err
	}

	l.engine = engine
	l.log.Info("overlay spawned", "virtual_ip", virtualIP)

	l.wg.Add(2)
	go func() {
		defer l.wg.Done()
		runIngressRouter(l.ctx, ingressEvents, l.idmap, l.ingressOut, l.log)
	}()
	go func() {
		defer l.wg.Done()
		runEgressRouter(l.ctx, egressEvents, l.idmap, l.log)
	}()
	return nil
}

// Receiver hands over the application-facing ingress channel. Callable at
// most once.
func (l *Layer) Receiver() (<-chan Forwarded, error) {
	if !l.receiverTaken.CompareAndSwap(false, true) {
		return nil, ErrAlreadySpawned
	}
	return l.ingressOut, nil
}

// SetPausedUntil arms the shared pause cell every forwarding task observes;
// exposed so the session layer's rate limiter can throttle all forwarders
// uniformly.
func (l *Layer) SetPausedUntil(until time.Time) {
	l.paused.Set(until)
}

// Shutdown closes every outstanding PerPeerSender, stops the routers, and
// tears down the TCP engine. No new connections may be made afterward.
func (l *Layer) Shutdown() {
	l.mu.Lock()
	senders := l.senders
	l.senders = make(map[identity.NodeID]peerChannel)
	l.mu.Unlock()

	for _, pc := range senders {
		pc.once.Do(func() { close(pc.ch) })
	}

	l.cancel()
	l.wg.Wait()

	if l.engine != nil {
		l.engine.Close()
	}
}
