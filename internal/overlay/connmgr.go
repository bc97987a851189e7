package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/unicornultrafoundation/overnet/internal/identity"
)

// Connect establishes an outbound virtual TCP connection to entry's
// endpoint: it registers (or replaces) the node in the IdMap, opens the
// handshake through the TCP engine, and spawns a forwarding task that
// drains the returned PerPeerSender into the engine until it is closed.
func (l *Layer) Connect(ctx context.Context, entry NodeEntry) (PerPeerSender, DisconnectNotifier, error) {
	if l.engine == nil {
		return PerPeerSender{}, DisconnectNotifier{}, ErrNotConnected
	}

	node := l.idmap.Add(entry.ID, entry.Session, entry.Slot)

	handle, err := l.engine.Connect(ctx, node.VirtualIP, l.connectTimeout)
	if err != nil {
		return PerPeerSender{}, DisconnectNotifier{}, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	rawCh := make(chan []byte, 1)
	once := &sync.Once{}
	doneCh := make(chan struct{})

	l.mu.Lock()
	l.senders[entry.ID] = peerChannel{ch: rawCh, once: once}
	l.mu.Unlock()

	l.wg.Add(1)
	go l.forwardingTask(entry.ID, handle, rawCh, doneCh)

	return PerPeerSender{ch: rawCh, once: once}, DisconnectNotifier{ch: doneCh}, nil
}

// forwardingTask drains rx (via getNextFwdPayload's pause-aware wait) into
// the engine until rx closes, then tears the connection down.
func (l *Layer) forwardingTask(id identity.NodeID, handle *ConnHandle, rx chan []byte, done chan struct{}) {
	defer l.wg.Done()

	for {
		payload, ok, err := getNextFwdPayload(l.ctx, rx, l.paused)
		if err != nil || !ok {
			break
		}
		if err := l.engine.Send(payload, handle); err != nil {
			l.log.Warn("virtual tcp send failed", "node", id, "err", err)
		}
	}

	l.engine.CloseConnection(handle)
	l.idmap.Remove(id)

	l.mu.Lock()
	delete(l.senders, id)
	l.mu.Unlock()

	close(done)
}

// Receive is the inbound path from the session collaborator: a decrypted
// datagram for entry arrives and is handed to the TCP engine. An unknown
// NodeId is auto-registered, which is what lets a not-yet-connected peer's
// first packet resolve in the ingress router.
func (l *Layer) Receive(entry NodeEntry, payload []byte) {
	if l.engine == nil || l.ctx.Err() != nil {
		return
	}
	if _, err := l.idmap.ResolveByNode(entry.ID); err != nil {
		l.idmap.Add(entry.ID, entry.Session, entry.Slot)
	}
	l.engine.InjectInbound(payload)
	l.engine.Poll()
}

// ResolveNode looks up a VirtNode by NodeId.
func (l *Layer) ResolveNode(id identity.NodeID) (VirtNode, error) {
	return l.idmap.ResolveByNode(id)
}

// AddVirtNode registers or replaces entry's routing row without opening a
// connection (used for peers reachable only as a receive-side target so
// far, e.g. to pre-seed a relay-forwarded session).
func (l *Layer) AddVirtNode(entry NodeEntry) (VirtNode, error) {
	return l.idmap.Add(entry.ID, entry.Session, entry.Slot), nil
}

// RemoveNode tears down id's routing row and, if a forwarding task owns an
// outbound sender for it, closes that sender so the task exits.
func (l *Layer) RemoveNode(id identity.NodeID) {
	l.idmap.Remove(id)

	l.mu.Lock()
	pc, ok := l.senders[id]
	delete(l.senders, id)
	l.mu.Unlock()

	if ok {
		pc.once.Do(func() { close(pc.ch) })
	}
}
