package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RoutingPort is the well-known UDP port RREQ/RREP/RERR travel on.
const RoutingPort uint16 = 24002

// ProtocolVersion is the second envelope byte of every routing message.
const ProtocolVersion uint8 = 1

// Message type tags, the first envelope byte.
const (
	MsgRREQ byte = 1
	MsgRREP byte = 2
	MsgRERR byte = 3
)

// ErrBadEnvelope indicates a routing datagram too short to carry even
// the type/version header, or with an unrecognized version.
var ErrBadEnvelope = errors.New("routing: bad message envelope")

// LinkCoster resolves the per-neighbor forwarding cost the routing layer
// accumulates at each hop (the forward_cost/reverse_cost fields),
// backed by internal/neighbor.Table's ETX.
type LinkCoster interface {
	Cost(short uint16) (uint16, bool)
}

// Transport sends one routing control envelope either as a link-local
// broadcast (RREQ) or unicast to a specific next hop addressed by short
// address (RREP/RERR), without consulting the route table — route
// discovery is what builds that table, so it cannot depend on it being
// populated already. Implemented in internal/node atop internal/frag's
// direct-send path, since internal/frag already depends on this package
// for Table and Discovery and so cannot be depended on in return.
type Transport interface {
	Broadcast(envelope []byte) error
	Unicast(nextHop uint16, envelope []byte) error
}

// dedupWindow bounds how long a forwarded RREQ is remembered, wide
// enough to span Discovery's own retry spacing (128-640ms, up to 3
// attempts). Discovery sends every retry of a query with that query's
// original tag, so a node that already handled one attempt drops the
// later ones within the window; only nodes that missed the earlier
// attempts act on a retry.
const dedupWindow = 2 * time.Second

type rreqKey struct {
	originator uint16
	tag        uint16
}

// rreqCache suppresses duplicate RREQ rebroadcasts keyed by
// (originator, tag), aged the same way internal/frag's fragmentation
// ReplayCache is.
type rreqCache struct {
	mu      sync.Mutex
	entries map[rreqKey]time.Time
}

func newRREQCache() *rreqCache {
	return &rreqCache{entries: make(map[rreqKey]time.Time)}
}

func (c *rreqCache) accept(originator, tag uint16, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rreqKey{originator: originator, tag: tag}
	if seen, ok := c.entries[key]; ok && now.Sub(seen) < dedupWindow {
		return false
	}

	c.entries[key] = now

	return true
}

func (c *rreqCache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, seen := range c.entries {
		if now.Sub(seen) >= dedupWindow {
			delete(c.entries, key)
		}
	}
}

// Protocol implements the receive-side of AODV-style route discovery
//: answering or rebroadcasting RREQ, forwarding RREP back
// along a hop list while installing the route at its originator, and
// forwarding RERR while purging matching routes along the way.
//
// One pure handler per message type is reached through a single
// dispatch switch; the protocol is driven both by received frames and
// by a periodic Tick, mirroring internal/neighbor.Manager's shape.
type Protocol struct {
	log *slog.Logger

	localShort uint16
	localIP    uint32
	isGateway  bool
	routingOn  bool

	table     *Table
	discovery *Discovery
	cost      LinkCoster
	transport Transport

	dedup *rreqCache
}

// NewProtocol constructs a routing Protocol for a node identified by
// localShort/localIP. routingOn mirrors the per-node "routing disabled"
// configuration flag that forwardSourceRouted in internal/frag answers
// with RERR{not-a-router}.
func NewProtocol(
	log *slog.Logger,
	localShort uint16,
	localIP uint32,
	isGateway bool,
	routingOn bool,
	table *Table,
	discovery *Discovery,
	cost LinkCoster,
	transport Transport,
) *Protocol {
	return &Protocol{
		log:        log,
		localShort: localShort,
		localIP:    localIP,
		isGateway:  isGateway,
		routingOn:  routingOn,
		table:      table,
		discovery:  discovery,
		cost:       cost,
		transport:  transport,
		dedup:      newRREQCache(),
	}
}

// Tick runs one maintenance pass: route aging, discovery retry/giveup,
// and dedup-cache sweep. internal/node calls it on every pass of its
// routing task.
func (p *Protocol) Tick(now time.Time) {
	p.table.Age(now)
	p.discovery.Tick(now, p.localShort)
	p.dedup.sweep(now)
}

// BroadcastRREQ serializes and transmits r as a link-local broadcast
//. Wired as internal/routing.Discovery's broadcastRREQ
// callback by internal/node.
func (p *Protocol) BroadcastRREQ(r RREQ) {
	r.Version = ProtocolVersion

	body, err := EncodeRREQ(r)
	if err != nil {
		p.log.Warn("routing: encode rreq failed", "err", err)
		return
	}

	if err := p.transport.Broadcast(envelope(MsgRREQ, body)); err != nil {
		p.log.Debug("routing: broadcast rreq failed", "err", err)
	}
}

func envelope(msgType byte, body []byte) []byte {
	return append([]byte{msgType, ProtocolVersion}, body...)
}

// HandleDatagram dispatches one received routing-port UDP payload by its
// leading type tag.
func (p *Protocol) HandleDatagram(payload []byte, now time.Time) error {
	if len(payload) < 2 {
		return fmt.Errorf("routing: %w", ErrBadEnvelope)
	}
	if payload[1] != ProtocolVersion {
		return fmt.Errorf("routing: %w: version %d", ErrBadEnvelope, payload[1])
	}

	body := payload[2:]

	switch payload[0] {
	case MsgRREQ:
		r, err := DecodeRREQ(body)
		if err != nil {
			return fmt.Errorf("routing: decode rreq: %w", err)
		}
		return p.handleRREQ(r, now)
	case MsgRREP:
		r, err := DecodeRREP(body)
		if err != nil {
			return fmt.Errorf("routing: decode rrep: %w", err)
		}
		return p.handleRREP(r)
	case MsgRERR:
		r, err := DecodeRERR(body)
		if err != nil {
			return fmt.Errorf("routing: decode rerr: %w", err)
		}
		return p.handleRERR(r)
	default:
		return fmt.Errorf("routing: unknown message type %d", payload[0])
	}
}

// matches reports whether this node can answer q directly: as the
// named destination, the named short address, any gateway (if this node
// is one), or by holding a proxy route to the destination.
func (p *Protocol) matches(q Query) (cost uint16, ok bool) {
	switch {
	case q.HasIP && q.DestIP == p.localIP:
		return 0, true
	case q.HasShort && q.DestShort == p.localShort:
		return 0, true
	case q.IsGateway && p.isGateway:
		return 0, true
	case q.HasIP:
		if route, found := p.table.Lookup(q.DestIP); found {
			return route.Cost, true
		}
	}

	return 0, false
}

func (p *Protocol) handleRREQ(r RREQ, now time.Time) error {
	if len(r.Hops) == 0 {
		return fmt.Errorf("routing: rreq with empty hop list")
	}

	originator := r.Hops[0]
	if !p.dedup.accept(originator, r.Tag, now) {
		return nil
	}

	lastHop := r.Hops[len(r.Hops)-1]
	cost, ok := p.cost.Cost(lastHop)
	if !ok {
		return nil // heard from a non-neighbor, drop
	}

	for _, h := range r.Hops {
		if h == p.localShort {
			return nil // this node is already in the path, a loop
		}
	}

	reverseCost := r.ReverseCost + cost

	if _, found := p.matches(r.Query); found {
		p.replyRREQ(r, reverseCost)
		return nil
	}

	if len(r.Hops) >= MaxHops {
		return nil // cannot grow the hop list further
	}

	// Tag stays unchanged: duplicate suppression keys on (originator, tag).
	r.Hops = append(append([]uint16(nil), r.Hops...), p.localShort)
	r.ReverseCost = reverseCost

	p.BroadcastRREQ(r)

	return nil
}

// replyRREQ answers a matched RREQ with an RREP addressed back along
// the hop list, starting at the predecessor that forwarded this RREQ.
func (p *Protocol) replyRREQ(r RREQ, reverseCost uint16) {
	hops := append(append([]uint16(nil), r.Hops...), p.localShort)
	if len(hops) < 2 {
		return // originator queried itself, nothing to reply along
	}

	rep := RREP{
		Version:     ProtocolVersion,
		Tag:         r.Tag,
		Query:       r.Query,
		ForwardCost: 0,
		ReverseCost: reverseCost,
		HopIndex:    uint8(len(hops) - 2),
		Hops:        hops,
	}

	p.sendRREP(rep)
}

func (p *Protocol) sendRREP(rep RREP) {
	if int(rep.HopIndex) >= len(rep.Hops) {
		p.log.Warn("routing: rrep hop_index out of range", "hop_index", rep.HopIndex, "hops", len(rep.Hops))
		return
	}

	body, err := EncodeRREP(rep)
	if err != nil {
		p.log.Warn("routing: encode rrep failed", "err", err)
		return
	}

	nextHop := rep.Hops[rep.HopIndex]
	if err := p.transport.Unicast(nextHop, envelope(MsgRREP, body)); err != nil {
		p.log.Debug("routing: unicast rrep failed", "next_hop", nextHop, "err", err)
	}
}

func (p *Protocol) handleRREP(r RREP) error {
	if int(r.HopIndex)+1 >= len(r.Hops) {
		return fmt.Errorf("routing: rrep hop_index out of range")
	}
	if r.Hops[r.HopIndex] != p.localShort {
		return nil // misdelivered or stale, discard
	}

	sender := r.Hops[r.HopIndex+1]
	cost, ok := p.cost.Cost(sender)
	if !ok {
		return nil // heard from a non-neighbor, drop
	}

	r.ForwardCost += cost

	if r.HopIndex == 0 {
		if err := p.table.Install(r.Query.DestIP, r.ForwardCost, r.Hops); err != nil {
			p.log.Debug("routing: install route failed", "dest", r.Query.DestIP, "err", err)
			return nil
		}

		if route, ok := p.table.Lookup(r.Query.DestIP); ok {
			p.discovery.Resolve(r.Tag, route)
		}

		return nil
	}

	r.HopIndex--
	p.sendRREP(r)

	return nil
}

func (p *Protocol) handleRERR(r RERR) error {
	// Every node the error passes through, not just those with a route
	// matching the broken hop, purges a matching entry.
	p.table.Purge(r.DestIP)

	if int(r.HopIndex) >= len(r.Hops) || r.Hops[r.HopIndex] != p.localShort {
		return nil // misdelivered or stale, discard
	}

	if r.HopIndex == 0 {
		return nil // reached the origin of the failed send; no further hop to notify
	}

	r.HopIndex--
	p.SendRERR(r)

	return nil
}

// SendRERR unicasts r to r.Hops[r.HopIndex]. Used both to forward a
// received RERR one hop closer to its origin, and by internal/frag to
// originate one when a source-routed forward fails
// (RERR{not-a-router} / RERR{next-hop-unavailable}).
func (p *Protocol) SendRERR(r RERR) {
	if int(r.HopIndex) >= len(r.Hops) {
		p.log.Warn("routing: rerr hop_index out of range", "hop_index", r.HopIndex, "hops", len(r.Hops))
		return
	}

	body, err := EncodeRERR(r)
	if err != nil {
		p.log.Warn("routing: encode rerr failed", "err", err)
		return
	}

	nextHop := r.Hops[r.HopIndex]
	if err := p.transport.Unicast(nextHop, envelope(MsgRERR, body)); err != nil {
		p.log.Debug("routing: unicast rerr failed", "next_hop", nextHop, "err", err)
	}
}
