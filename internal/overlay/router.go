package overlay

import (
	"context"
	"log/slog"
)

// runIngressRouter is the single consumer of the engine's ingress event
// stream. It resolves each received payload's remote virtual IP back to a
// NodeId and hands the result to the application channel; anything it
// cannot resolve is dropped, never buffered. ctx cancellation stands in for
// "the application is gone": the out channel is owned by the layer for its
// whole lifetime, so there is no receiver-side close to observe.
func runIngressRouter(ctx context.Context, events <-chan IngressEvent, idmap *IdMap, out chan<- Forwarded, log *slog.Logger) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case IngressInboundConnection:
				log.Debug("inbound virtual connection", "remote", ev.Remote)
			case IngressDisconnected:
				log.Debug("virtual connection disconnected", "remote", ev.Remote)
			case IngressPacket:
				if ev.Remote == nil {
					continue
				}
				node, err := idmap.ResolveByIP(ev.Remote)
				if err != nil {
					log.Debug("dropping packet from unresolved peer", "remote", ev.Remote)
					continue
				}
				fwd := Forwarded{Reliable: true, NodeID: node.ID, Payload: ev.Payload}
				select {
				case out <- fwd:
				case <-ctx.Done():
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// runEgressRouter is the single consumer of the engine's egress event
// stream. It resolves each outgoing frame's destination virtual IP to a
// VirtNode and hands it to that node's session for on-wire transmission.
// Send failures are logged and otherwise ignored: a dead session is
// observed through connection teardown elsewhere, not by this loop removing
// routing state (transient errors must not poison routing).
func runEgressRouter(ctx context.Context, events <-chan EgressEvent, idmap *IdMap, log *slog.Logger) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			node, err := idmap.ResolveByIP(ev.Remote)
			if err != nil {
				log.Debug("dropping egress frame for unrouted peer", "remote", ev.Remote)
				continue
			}
			fwd := Forward{SessionID: node.Session.ID(), Slot: node.SessionSlot, Payload: ev.Payload}
			if err := node.Session.Send(fwd); err != nil {
				log.Warn("session send failed", "node", node.ID, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
