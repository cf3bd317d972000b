package frag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/metrics"
	"github.com/giapdangle/sapphire/internal/neighbor"
	"github.com/giapdangle/sapphire/internal/routing"
	"github.com/giapdangle/sapphire/internal/socket"
	"github.com/giapdangle/sapphire/internal/xcrypto"
)

// fragmentMTU is the largest fragment payload this layer will emit,
// leaving room for the 4-byte frag header under the MAC MTU.
const fragmentMTU = mac.MTU - HeaderSize

// Deliverer hands a fully reassembled, verified IPv4 packet up to the
// host IP stack.
type Deliverer interface {
	DeliverIPv4(packet []byte, secure bool)
}

// RoutingErrorSender reports an undeliverable source-routed hop to the
// routing layer, which unicasts the RERR back toward the packet's origin.
// internal/routing.Protocol satisfies this; wiring
// it here rather than the other way round keeps internal/routing free of
// any dependency on this package, which it is itself a dependency of.
type RoutingErrorSender interface {
	SendRERR(r routing.RERR)
}

// Pipeline wires the transmit and receive sides of the fragmentation
// layer together: route lookup/discovery, authentication, splitting,
// reassembly, replay defense, and forward/re-transmit.
type Pipeline struct {
	log *slog.Logger

	localShort uint16
	localIP    uint32
	authKey    xcrypto.Key
	routingOn  bool

	tx         *mac.TxQueue
	routes     *routing.Table
	discovery  *routing.Discovery
	neighbors  *neighbor.Table
	reassembly *Reassembler
	replay     *ReplayCache
	deliver    Deliverer
	routingErr RoutingErrorSender
	metric     *metrics.Collector

	nextTag uint8
}

// NewPipeline constructs a Pipeline for a node identified by localShort
// and localIP. routingErr may be nil until internal/node finishes
// constructing internal/routing.Protocol, which itself depends on this
// Pipeline's SendDirect to transmit — set it with SetRoutingErrorSender
// once both exist. metric may be nil; every counter increment is guarded.
func NewPipeline(
	log *slog.Logger,
	localShort uint16,
	localIP uint32,
	authKey xcrypto.Key,
	routingOn bool,
	tx *mac.TxQueue,
	routes *routing.Table,
	discovery *routing.Discovery,
	neighbors *neighbor.Table,
	deliver Deliverer,
	metric *metrics.Collector,
) *Pipeline {
	return &Pipeline{
		log:        log,
		localShort: localShort,
		localIP:    localIP,
		authKey:    authKey,
		routingOn:  routingOn,
		tx:         tx,
		routes:     routes,
		discovery:  discovery,
		neighbors:  neighbors,
		reassembly: NewReassembler(),
		replay:     NewReplayCache(),
		deliver:    deliver,
		metric:     metric,
	}
}

// SetRoutingErrorSender installs the routing layer's RERR originator,
// breaking the construction-order cycle noted on RoutingErrorSender.
func (p *Pipeline) SetRoutingErrorSender(s RoutingErrorSender) { p.routingErr = s }

// Tick runs the periodic maintenance pass: discarding reassembly entries
// silent past their timeout and aged-out replay-cache tags.
func (p *Pipeline) Tick(now time.Time) {
	p.reassembly.Sweep(now)
	p.replay.Sweep(now)
}

// SendDirect transmits packet to nextHop without consulting the route
// table (RREQ/RREP/RERR address their next hop directly from
// their own hop list, since route discovery is what populates that table
// in the first place). Used only by internal/routing's Transport
// adapter in internal/node.
func (p *Pipeline) SendDirect(nextHop uint16, packet []byte, plaintext bool) error {
	flags := FlagIPv4
	body := append([]byte(nil), packet...)

	if !plaintext {
		rec, ok := p.neighbors.Get(nextHop)
		if !ok {
			return fmt.Errorf("frag: next hop %d is not an established neighbor", nextHop)
		}

		signed := append(append([]byte(nil), rec.IV[:]...), body...)
		tag, err := xcrypto.XCBCMAC96(p.authKey, signed)
		if err != nil {
			return fmt.Errorf("frag: sign: %w", err)
		}

		counter, ok := p.neighbors.NextSendCounter(nextHop)
		if !ok {
			return fmt.Errorf("frag: next hop %d is not an established neighbor", nextHop)
		}
		ah := AuthHeader{ReplayCounter: counter, Tag: tag}
		body = append(encodeAuthHeader(ah), body...)
		flags |= FlagAuth
	}

	return p.splitAndSend(nextHop, flags, body)
}

// ErrRouteUnavailable is returned when discovery gives up. Send also synthesizes an ICMP
// destination-unreachable message via BuildICMPDestUnreachable and
// delivers it back through Deliverer before returning this error, the
// way a real host stack hands a failed send back to its own IP layer.
var ErrRouteUnavailable = errors.New("frag: route discovery gave up")

// Send transmits packet to destIP, looking up (or discovering) a route,
// building the composite body, signing it unless plaintext, and
// splitting it into MTU-sized fragments.
func (p *Pipeline) Send(ctx context.Context, destIP uint32, packet []byte, plaintext bool) error {
	route, ok := p.routes.Lookup(destIP)
	if !ok {
		ch := p.discovery.Start(routing.Query{HasIP: true, DestIP: destIP}, p.localShort)

		select {
		case route, ok = <-ch:
			if !ok {
				p.log.Warn("frag: route discovery gave up", "dest", destIP)
				p.deliverDestUnreachable(packet)
				return ErrRouteUnavailable
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return p.sendViaRoute(route, packet, plaintext)
}

// deliverDestUnreachable hands a synthesized ICMP destination-
// unreachable message for the undeliverable packet back through
// Deliverer, addressed from this node back to the packet's own source.
func (p *Pipeline) deliverDestUnreachable(packet []byte) {
	originIP, _, _, _, err := socket.ParseIPv4(packet)
	if err != nil {
		p.log.Debug("frag: cannot synthesize ICMP unreachable, bad packet", "err", err)
		return
	}

	icmpMsg := BuildICMPDestUnreachable(packet)
	reply := socket.BuildIPv4ICMP(p.localIP, originIP, icmpMsg)
	p.deliver.DeliverIPv4(reply, false)
}

func (p *Pipeline) sendViaRoute(route routing.Route, packet []byte, plaintext bool) error {
	// Hops[0] is this node itself; the relay
	// path starts at Hops[1].
	relay := route.Hops
	if len(relay) > 0 && relay[0] == p.localShort {
		relay = relay[1:]
	}
	if len(relay) == 0 {
		return fmt.Errorf("frag: route to %d has no next hop", route.DestIP)
	}

	nextHop := relay[0]

	var flags HeaderFlags = FlagIPv4
	var body []byte

	if len(relay) > 1 {
		flags |= FlagSourceRoute
		sr := SourceRouteHeader{
			ForwardCost:  route.Cost,
			HopCount:     uint8(len(route.Hops)),
			NextHopIndex: 0,
			Hops:         route.Hops,
		}
		body = append(body, EncodeSourceRoute(sr)...)
	}

	body = append(body, packet...)

	if !plaintext {
		flags |= FlagAuth
		rec, ok := p.neighbors.Get(nextHop)
		if !ok {
			return fmt.Errorf("frag: next hop %d is not an established neighbor", nextHop)
		}

		signed := append(append([]byte(nil), rec.IV[:]...), body...)
		tag, err := xcrypto.XCBCMAC96(p.authKey, signed)
		if err != nil {
			return fmt.Errorf("frag: sign: %w", err)
		}

		counter, ok := p.neighbors.NextSendCounter(nextHop)
		if !ok {
			return fmt.Errorf("frag: next hop %d is not an established neighbor", nextHop)
		}
		ah := AuthHeader{ReplayCounter: counter, Tag: tag}
		body = append(encodeAuthHeader(ah), body...)
	}

	return p.splitAndSend(nextHop, flags, body)
}

func (p *Pipeline) splitAndSend(nextHop uint16, flags HeaderFlags, body []byte) error {
	if len(body) > tenBitMask {
		return fmt.Errorf("frag: composite body of %d bytes exceeds 10-bit size field", len(body))
	}

	p.nextTag++
	tag := p.nextTag

	total := uint16(len(body))
	offset := 0

	for {
		end := min(offset+fragmentMTU, len(body))

		hdr := Header{Flags: flags, Tag: tag, TotalSize: total, Offset: uint16(offset)}
		hdrBytes, err := Encode(hdr)
		if err != nil {
			return fmt.Errorf("frag: encode header: %w", err)
		}

		payload := append(hdrBytes, body[offset:end]...)

		opts := mac.TxOptions{
			Dest:     mac.Addr{Mode: mac.AddrShort, Short: nextHop},
			Protocol: mac.ProtoIPv4,
			AckReq:   true,
		}
		if _, err := p.tx.Enqueue(opts, payload, true); err != nil {
			return fmt.Errorf("frag: enqueue fragment: %w", err)
		}

		if end == len(body) {
			return nil
		}
		offset = end
	}
}

// HandleFrame processes one received IPv4-protocol MAC frame: feeds its
// fragment into the reassembler, and on completion verifies, delivers,
// and optionally forwards it.
func (p *Pipeline) HandleFrame(src mac.Addr, payload []byte, now time.Time) error {
	if len(payload) < HeaderSize {
		return fmt.Errorf("frag: %w", ErrHeaderTooShort)
	}

	hdr, err := Decode(payload[:HeaderSize])
	if err != nil {
		return fmt.Errorf("frag: decode header: %w", err)
	}

	body, complete, err := p.reassembly.Feed(src.Short, hdr, payload[HeaderSize:], now)
	if err != nil {
		return fmt.Errorf("frag: reassembly: %w", err)
	}
	if !complete {
		return nil
	}

	return p.handleCompleteBody(src, hdr, body, now)
}

func (p *Pipeline) handleCompleteBody(src mac.Addr, hdr Header, body []byte, now time.Time) error {
	if !p.replay.Accept(src.Short, hdr.Tag, now) {
		if p.metric != nil {
			p.metric.IncFramesDropped("replay")
			p.metric.IncReplayDrops(fmt.Sprintf("%#04x", src.Short))
		}
		return nil // silently dropped
	}

	secure := hdr.Flags&FlagAuth != 0

	if secure {
		ah, rest, err := decodeAuthHeader(body)
		if err != nil {
			return fmt.Errorf("frag: decode auth header: %w", err)
		}
		body = rest

		rec, ok := p.neighbors.Get(src.Short)
		if !ok {
			return fmt.Errorf("frag: auth frame from unknown neighbor %d", src.Short)
		}

		signed := append(append([]byte(nil), rec.IV[:]...), body...)
		if !xcrypto.VerifyTag(p.authKey, signed, ah.Tag) {
			if p.metric != nil {
				p.metric.IncFramesDropped("auth")
				p.metric.IncAuthFailures(fmt.Sprintf("%#04x", src.Short))
			}
			return nil // silently dropped
		}
		if !p.neighbors.AdvanceReplayCounter(src.Short, ah.ReplayCounter) {
			if p.metric != nil {
				p.metric.IncFramesDropped("replay")
				p.metric.IncReplayDrops(fmt.Sprintf("%#04x", src.Short))
			}
			return nil // silently dropped
		}
	}

	var sr *SourceRouteHeader
	if hdr.Flags&FlagSourceRoute != 0 {
		parsed, rest, err := DecodeSourceRoute(body)
		if err != nil {
			return fmt.Errorf("frag: decode source route: %w", err)
		}
		sr = &parsed
		body = rest
	}

	expired, isICMP, ok := DecrementTTL(body)
	if ok && expired {
		if isICMP {
			p.log.Debug("frag: ICMP time-exceeded synthesized", "src", src.Short)
			_ = BuildICMPTimeExceeded(body)
		}
		return nil
	}

	p.deliver.DeliverIPv4(body, secure)

	if sr != nil {
		return p.forwardSourceRouted(src, *sr, hdr.Flags, body, secure)
	}

	if _, dstAddr, _, _, err := socket.ParseIPv4(body); err == nil && dstAddr == socket.BroadcastIP {
		return p.forwardBroadcast(body)
	}

	return nil
}

// forwardBroadcast re-transmits a broadcast IPv4 packet on the local
// segment after TTL decrement, with no source-route header. There is no
// single neighbor IV to sign against a broadcast destination, so the
// re-transmission goes out unauthenticated like any other link-local
// broadcast (beacons, RREQ).
func (p *Pipeline) forwardBroadcast(body []byte) error {
	return p.splitAndSend(mac.BroadcastShort, FlagIPv4, body)
}

func (p *Pipeline) forwardSourceRouted(_ mac.Addr, sr SourceRouteHeader, flags HeaderFlags, body []byte, secure bool) error {
	foundSelf := -1
	for i, h := range sr.Hops {
		if h == p.localShort {
			foundSelf = i
			break
		}
	}
	if foundSelf < 0 || foundSelf >= len(sr.Hops)-1 {
		return nil
	}

	if !p.routingOn {
		p.sendRouteError(routing.ErrNotARouter, sr, foundSelf, body)
		return nil
	}

	nextHop := sr.Hops[foundSelf+1]
	if _, ok := p.neighbors.Get(nextHop); !ok {
		p.sendRouteError(routing.ErrNextHopUnavailable, sr, foundSelf, body)
		return nil
	}

	sr.NextHopIndex = uint8(foundSelf + 1)
	sr.ForwardCost += 1

	newBody := append(EncodeSourceRoute(sr), body...)

	if secure {
		rec, _ := p.neighbors.Get(nextHop)
		signed := append(append([]byte(nil), rec.IV[:]...), newBody...)
		tag, err := xcrypto.XCBCMAC96(p.authKey, signed)
		if err != nil {
			return fmt.Errorf("frag: resign forward: %w", err)
		}
		counter, ok := p.neighbors.NextSendCounter(nextHop)
		if !ok {
			return fmt.Errorf("frag: next hop %d is not an established neighbor", nextHop)
		}
		ah := AuthHeader{ReplayCounter: counter, Tag: tag}
		newBody = append(encodeAuthHeader(ah), newBody...)
		flags |= FlagAuth
	} else {
		flags &^= FlagAuth
	}

	return p.splitAndSend(nextHop, flags, newBody)
}

// sendRouteError reports a forwarding failure back toward the packet's
// origin (RERR{not-a-router} / RERR{next-hop-unavailable}). selfIndex==0 means this node is itself the packet's
// origin; there is no predecessor to notify, so it is dropped locally.
func (p *Pipeline) sendRouteError(code routing.ErrorCode, sr SourceRouteHeader, selfIndex int, body []byte) {
	if p.routingErr == nil || selfIndex == 0 {
		return
	}

	originIP, destIP, _, _, err := socket.ParseIPv4(body)
	if err != nil {
		return
	}

	p.routingErr.SendRERR(routing.RERR{
		Version:        routing.ProtocolVersion,
		Code:           code,
		DestIP:         destIP,
		OriginIP:       originIP,
		ErrorIP:        p.localIP,
		UnreachableHop: sr.Hops[selfIndex+1],
		HopIndex:       uint8(selfIndex - 1),
		Hops:           sr.Hops,
	})
}
