package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

const stunQueryTimeout = 5 * time.Second

// TURNServer holds TURN server credentials.
type TURNServer struct {
	URL      string
	Username string
	Password string
}

// Discovery assembles the UDP endpoints a node can advertise to the control
// plane: local interface addresses on the transport port, a STUN-reflexive
// mapping, and ICE-gathered reflexive/relay candidates when TURN servers
// are configured.
type Discovery struct {
	stunServers []string
	turnServers []TURNServer
	log         *slog.Logger
}

// NewDiscovery creates an endpoint discovery helper.
func NewDiscovery(stunServers []string, turnServers []TURNServer, log *slog.Logger) *Discovery {
	return &Discovery{
		stunServers: stunServers,
		turnServers: turnServers,
		log:         log.With("component", "discovery"),
	}
}

// Endpoints returns the deduplicated endpoint list to advertise, most
// useful first: reflexive/relay candidates (reachable across NAT), then
// local interface addresses. Partial failure degrades the list rather than
// failing it; a node with no STUN answer still advertises its LAN
// addresses.
func (d *Discovery) Endpoints(ctx context.Context, localPort int) []string {
	var endpoints []string

	if addr, err := d.reflexiveAddr(ctx, localPort); err != nil {
		d.log.Warn("STUN discovery failed", "err", err)
	} else {
		endpoints = append(endpoints, addr.String())
	}

	if len(d.turnServers) > 0 {
		candidates, err := d.iceCandidates(ctx)
		if err != nil {
			d.log.Warn("ICE gathering failed", "err", err)
		} else {
			endpoints = append(endpoints, candidates...)
		}
	}

	endpoints = append(endpoints, d.hostEndpoints(localPort)...)
	return dedupe(endpoints)
}

// hostEndpoints lists the machine's IPv4 interface addresses, other than
// loopback and link-local ones, paired with the transport port.
func (d *Discovery) hostEndpoints(port int) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		d.log.Debug("list interface addresses", "err", err)
		return nil
	}
	var endpoints []string
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.To4() == nil {
			continue
		}
		endpoints = append(endpoints, (&net.UDPAddr{IP: ip, Port: port}).String())
	}
	return endpoints
}

// reflexiveAddr asks the configured STUN servers, in order, how this node's
// transport port appears from outside; the first answer wins.
func (d *Discovery) reflexiveAddr(ctx context.Context, localPort int) (*net.UDPAddr, error) {
	if len(d.stunServers) == 0 {
		return nil, fmt.Errorf("no STUN servers configured")
	}
	for _, server := range d.stunServers {
		addr, err := stunBind(ctx, server, localPort)
		if err != nil {
			d.log.Debug("STUN query failed", "server", server, "err", err)
			continue
		}
		d.log.Info("STUN discovered public address", "addr", addr, "server", server)
		return addr, nil
	}
	return nil, fmt.Errorf("no STUN server answered")
}

// stunBind performs one STUN binding request. The socket is bound to
// localPort so the mapping matches the transport socket on
// endpoint-independent NATs; if that port is busy the kernel picks one and
// the answer is still a usable hint.
func stunBind(ctx context.Context, server string, localPort int) (*net.UDPAddr, error) {
	host := strings.TrimPrefix(server, "stun:")

	dialer := net.Dialer{LocalAddr: &net.UDPAddr{Port: localPort}}
	conn, err := dialer.DialContext(ctx, "udp", host)
	if err != nil {
		dialer.LocalAddr = nil
		if conn, err = dialer.DialContext(ctx, "udp", host); err != nil {
			return nil, err
		}
	}
	defer conn.Close()

	deadline := time.Now().Add(stunQueryTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	if _, err := conn.Write(req.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return nil, fmt.Errorf("no mapped address in STUN response")
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

// iceCandidates runs one ICE gathering pass over the configured STUN/TURN
// servers and returns the server-reflexive and relay candidates found.
func (d *Discovery) iceCandidates(ctx context.Context) ([]string, error) {
	urls := make([]*stun.URI, 0, len(d.stunServers)+len(d.turnServers))
	for _, s := range d.stunServers {
		u, err := stun.ParseURI(s)
		if err != nil {
			d.log.Debug("parse STUN URI", "uri", s, "err", err)
			continue
		}
		urls = append(urls, u)
	}
	for _, t := range d.turnServers {
		u, err := stun.ParseURI(t.URL)
		if err != nil {
			d.log.Debug("parse TURN URI", "uri", t.URL, "err", err)
			continue
		}
		u.Username = t.Username
		u.Password = t.Password
		urls = append(urls, u)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no usable STUN/TURN URIs")
	}

	agent, err := ice.NewAgent(&ice.AgentConfig{
		Urls:           urls,
		NetworkTypes:   []ice.NetworkType{ice.NetworkTypeUDP4},
		CandidateTypes: []ice.CandidateType{ice.CandidateTypeServerReflexive, ice.CandidateTypeRelay},
	})
	if err != nil {
		return nil, fmt.Errorf("create ICE agent: %w", err)
	}
	defer agent.Close()

	var mu sync.Mutex
	var candidates []string
	done := make(chan struct{})
	err = agent.OnCandidate(func(c ice.Candidate) {
		if c == nil {
			close(done)
			return
		}
		mu.Lock()
		candidates = append(candidates, fmt.Sprintf("%s:%d", c.Address(), c.Port()))
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("register candidate handler: %w", err)
	}

	if err := agent.GatherCandidates(); err != nil {
		return nil, fmt.Errorf("gather candidates: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), candidates...), nil
}

func dedupe(endpoints []string) []string {
	seen := make(map[string]bool, len(endpoints))
	out := endpoints[:0]
	for _, ep := range endpoints {
		if seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}
