package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	overlayNICID         = tcpip.NICID(1)
	overlayListenPort    = 1
	channelQueueDepth    = 512
	channelMTU           = 1500
	readBufferSize       = 64 * 1024
	forwarderMaxInFlight = 256
)

// IngressEventKind discriminates the three event shapes the TCP engine
// raises; see the IngressEvent doc.
type IngressEventKind int

const (
	IngressInboundConnection IngressEventKind = iota
	IngressDisconnected
	IngressPacket
)

// IngressEvent is one item from the engine's ingress event stream: a new
// inbound virtual connection, a torn-down one, or a received TCP payload.
type IngressEvent struct {
	Kind    IngressEventKind
	Remote  net.IP
	Payload []byte
	Conn    *ConnHandle
}

// EgressEvent is a raw frame the stack wants transmitted to Remote.
type EgressEvent struct {
	Remote  net.IP
	Payload []byte
}

// ConnHandle is the opaque connection token returned by Connect and carried
// by inbound IngressEvents; close_connection takes one of these.
type ConnHandle struct {
	conn   *gonet.TCPConn
	remote net.IP
}

// TcpEngine embeds a user-space TCP/IP stack (gVisor's netstack) bound to a
// synthetic, queue-backed link with no kernel involvement: the stack's NIC
// is a channel.Endpoint whose raw packets cross an external boundary, and
// the boundary here is the ingress/egress event channels instead of a TUN
// device.
type TcpEngine struct {
	stack *stack.Stack
	link  *channel.Endpoint

	localAddr tcpip.Address

	ingressCh chan IngressEvent
	egressCh  chan EgressEvent

	ingressTaken atomic.Bool
	egressTaken  atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *slog.Logger
}

// NewTcpEngine brings up a netstack instance with a single default route
// and ourVirtualIP assigned; virtual TCP endpoints all live on port 1.
func NewTcpEngine(ourVirtualIP net.IP, log *slog.Logger) (*TcpEngine, error) {
	ip := ourVirtualIP.To16()
	if ip == nil {
		return nil, fmt.Errorf("tcpengine: virtual IP %v is not a valid 16-byte address", ourVirtualIP)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	link := channel.New(channelQueueDepth, channelMTU, randomMAC())
	if err := s.CreateNIC(overlayNICID, link); err != nil {
		return nil, fmt.Errorf("tcpengine: create NIC: %s", err)
	}

	addr := tcpip.AddrFromSlice(ip)
	protoAddr := tcpip.ProtocolAddress{
		Protocol:          ipv6.ProtocolNumber,
		AddressWithPrefix: addr.WithPrefix(),
	}
	if err := s.AddProtocolAddress(overlayNICID, protoAddr, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("tcpengine: add protocol address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv6EmptySubnet, NIC: overlayNICID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	e := &TcpEngine{
		stack:     s,
		link:      link,
		localAddr: addr,
		ingressCh: make(chan IngressEvent, 256),
		egressCh:  make(chan EgressEvent, 256),
		ctx:       ctx,
		cancel:    cancel,
		log:       log.With("component", "tcpengine"),
	}

	fwd := tcp.NewForwarder(s, 0, forwarderMaxInFlight, e.handleForwarderRequest)
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	e.wg.Add(1)
	go e.egressPump()

	return e, nil
}

// IngressReceiver hands over the ingress event stream; callable once.
func (e *TcpEngine) IngressReceiver() (<-chan IngressEvent, error) {
	if !e.ingressTaken.CompareAndSwap(false, true) {
		return nil, ErrAlreadySpawned
	}
	return e.ingressCh, nil
}

// EgressReceiver hands over the egress event stream; callable once.
func (e *TcpEngine) EgressReceiver() (<-chan EgressEvent, error) {
	if !e.egressTaken.CompareAndSwap(false, true) {
		return nil, ErrAlreadySpawned
	}
	return e.egressCh, nil
}

// Connect initiates a virtual TCP handshake to (remote, port 1), returning
// once it completes or timeout elapses.
func (e *TcpEngine) Connect(ctx context.Context, remote net.IP, timeout time.Duration) (*ConnHandle, error) {
	ip := remote.To16()
	if ip == nil {
		return nil, fmt.Errorf("tcpengine: connect: bad remote address %v", remote)
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fa := tcpip.FullAddress{
		NIC:  overlayNICID,
		Addr: tcpip.AddrFromSlice(ip),
		Port: overlayListenPort,
	}
	conn, err := gonet.DialContextTCP(dialCtx, e.stack, fa, ipv6.ProtocolNumber)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, fmt.Errorf("%w: %s", ErrConnectFailed, err)
	}

	handle := &ConnHandle{conn: conn, remote: remote}
	e.wg.Add(1)
	go e.readLoop(handle)
	return handle, nil
}

// Send enqueues payload into the connection's send buffer, returning once
// buffered (standard blocking net.Conn.Write semantics).
func (e *TcpEngine) Send(payload []byte, handle *ConnHandle) error {
	if handle == nil || handle.conn == nil {
		return ErrNotConnected
	}
	if _, err := handle.conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, err)
	}
	return nil
}

// InjectInbound feeds a raw IPv6 frame into the stack as if received from
// the wire.
func (e *TcpEngine) InjectInbound(raw []byte) {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), raw...)),
	})
	defer pkt.DecRef()
	e.link.InjectInbound(ipv6.ProtocolNumber, pkt)
}

// Poll is a documented no-op: netstack processes injected packets and its
// own timers on internal goroutines, so there is no cooperative tick to
// drive here. Kept so the receive path reads as inject-then-poll.
func (e *TcpEngine) Poll() {}

// CloseConnection tears down one virtual TCP connection.
func (e *TcpEngine) CloseConnection(handle *ConnHandle) {
	if handle == nil || handle.conn == nil {
		return
	}
	_ = handle.conn.Close()
}

// Close shuts the engine down: stops the egress pump and read loops, then
// destroys the stack.
func (e *TcpEngine) Close() {
	e.cancel()
	e.wg.Wait()
	e.stack.Close()
	e.stack.Wait()
}

func (e *TcpEngine) handleForwarderRequest(r *tcp.ForwarderRequest) {
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		e.log.Debug("inbound virtual connection rejected", "err", err)
		r.Complete(true)
		return
	}
	// ID reads the request's segment, which Complete releases.
	remote := ipFromAddress(r.ID().RemoteAddress)
	r.Complete(false)

	conn := gonet.NewTCPConn(&wq, ep)
	handle := &ConnHandle{conn: conn, remote: remote}

	select {
	case e.ingressCh <- IngressEvent{Kind: IngressInboundConnection, Remote: remote, Conn: handle}:
	case <-e.ctx.Done():
		_ = conn.Close()
		return
	}

	e.wg.Add(1)
	go e.readLoop(handle)
}

func (e *TcpEngine) readLoop(handle *ConnHandle) {
	defer e.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := handle.conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			select {
			case e.ingressCh <- IngressEvent{Kind: IngressPacket, Remote: handle.remote, Payload: payload}:
			case <-e.ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case e.ingressCh <- IngressEvent{Kind: IngressDisconnected, Remote: handle.remote}:
			case <-e.ctx.Done():
			}
			return
		}
	}
}

func (e *TcpEngine) egressPump() {
	defer e.wg.Done()
	buf := make([]byte, channelMTU)
	for {
		pkt := e.link.ReadContext(e.ctx)
		if pkt.IsNil() {
			// Nil packet is returned when the context is canceled.
			return
		}
		offset := 0
		for _, s := range pkt.AsSlices() {
			offset += copy(buf[offset:], s)
		}
		pkt.DecRef()
		raw := buf[:offset]

		dest, ok := ipv6Destination(raw)
		if !ok {
			continue
		}
		payload := append([]byte(nil), raw...)

		select {
		case e.egressCh <- EgressEvent{Remote: dest, Payload: payload}:
		case <-e.ctx.Done():
			return
		}
	}
}

// randomMAC draws the NIC's synthetic hardware address: random bytes with
// the multicast bit cleared and the locally-administered bit set.
func randomMAC() tcpip.LinkAddress {
	var mac [6]byte
	rand.Read(mac[:])
	mac[0] &^= 0x01
	mac[0] |= 0x02
	return tcpip.LinkAddress(mac[:])
}

func ipFromAddress(addr tcpip.Address) net.IP {
	return net.IP(append([]byte(nil), addr.AsSlice()...))
}

func ipv6Destination(raw []byte) (net.IP, bool) {
	if len(raw) < header.IPv6MinimumSize {
		return nil, false
	}
	dst := header.IPv6(raw).DestinationAddress()
	return net.IP(append([]byte(nil), dst.AsSlice()...)), true
}
