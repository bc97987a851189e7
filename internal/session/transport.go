package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// ErrTransportClosed is returned by sends after Close.
var ErrTransportClosed = errors.New("transport closed")

// PacketHandler consumes one decoded inbound packet. It runs on the
// transport's read goroutine and must not retain pkt.Payload, which aliases
// the shared read buffer.
type PacketHandler func(pkt *Packet, from *net.UDPAddr)

// Transport owns the UDP socket all sessions share, and the read loop that
// decodes inbound datagrams and feeds them to the agent. Undecodable
// datagrams are counted and dropped without surfacing an error; the wire is
// public and junk on it is expected.
type Transport struct {
	conn   *net.UDPConn
	port   int
	closed atomic.Bool

	rxPackets atomic.Uint64
	rxDropped atomic.Uint64
	txPackets atomic.Uint64

	log *slog.Logger
}

// NewTransport creates and binds a UDP socket on the given port. Port 0
// binds an ephemeral port; Port() reports the one actually chosen.
func NewTransport(port int, log *slog.Logger) (*Transport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind UDP port %d: %w", port, err)
	}
	actualPort := conn.LocalAddr().(*net.UDPAddr).Port
	log.Info("session transport listening", "port", actualPort)
	return &Transport{
		conn: conn,
		port: actualPort,
		log:  log.With("component", "transport"),
	}, nil
}

// Serve reads, decodes, and dispatches inbound packets until ctx is
// cancelled or the socket is closed. It blocks; run it on its own
// goroutine.
func (t *Transport) Serve(ctx context.Context, handle PacketHandler) {
	// Cancelling ctx expires the read deadline so a blocked read returns.
	stop := context.AfterFunc(ctx, func() { t.conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, MaxPacketSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				return
			}
			t.log.Error("UDP read error", "err", err)
			continue
		}

		pkt, err := DecodePacket(buf[:n])
		if err != nil {
			t.rxDropped.Add(1)
			t.log.Debug("drop undecodable datagram", "err", err, "from", from, "len", n)
			continue
		}
		t.rxPackets.Add(1)
		handle(pkt, from)
	}
}

// SendPacket encodes and sends a wire packet to a specific address.
func (t *Transport) SendPacket(pkt *Packet, addr *net.UDPAddr) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	if _, err := t.conn.WriteToUDP(pkt.Encode(), addr); err != nil {
		return err
	}
	t.txPackets.Add(1)
	return nil
}

// Port returns the bound port number.
func (t *Transport) Port() int {
	return t.port
}

// LocalAddr returns the local address of the UDP socket.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Stats reports packet counters since start.
func (t *Transport) Stats() (rx, rxDropped, tx uint64) {
	return t.rxPackets.Load(), t.rxDropped.Load(), t.txPackets.Load()
}

// Close shuts down the transport; Serve returns once the pending read
// fails.
func (t *Transport) Close() error {
	t.closed.Store(true)
	return t.conn.Close()
}
