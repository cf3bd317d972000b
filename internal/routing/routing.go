// Package routing implements Sapphire's on-demand, AODV-style route
// discovery and maintenance: RREQ/RREP/RERR messages, a
// hop-list route table with loop rejection, a bounded discovery
// scheduler, and a periodic aging pass.
//
// Table is a map of routes keyed by destination, aged from
// Protocol.Tick; the discovery scheduler retries on
// randomized spacing within a configured jitter window.
package routing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/giapdangle/sapphire/internal/metrics"
)

// MaxHops bounds the hop list carried by every routing message.
const MaxHops = 8

// ErrorCode names an RERR failure reason.
type ErrorCode uint8

const (
	ErrNotARouter ErrorCode = iota
	ErrNextHopUnavailable
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotARouter:
		return "not-a-router"
	case ErrNextHopUnavailable:
		return "next-hop-unavailable"
	default:
		return "unknown"
	}
}

// Query identifies what a route discovery is looking for — any
// combination of destination IP, destination short address, or "any
// gateway".
type Query struct {
	DestIP    uint32
	HasIP     bool
	DestShort uint16
	HasShort  bool
	IsGateway bool
}

// RREQ is a route request, broadcast link-local (TTL=1) and rebroadcast
// hop-by-hop.
type RREQ struct {
	Version     uint8
	Flags       uint8
	Tag         uint16
	Query       Query
	ForwardCost uint16
	ReverseCost uint16
	Hops        []uint16
}

// RREP answers an RREQ, unicast back along the hop list by decrementing
// HopIndex at each relay.
type RREP struct {
	Version     uint8
	Flags       uint8
	Tag         uint16
	Query       Query
	ForwardCost uint16
	ReverseCost uint16
	HopIndex    uint8
	Hops        []uint16
}

// RERR reports an undeliverable route, unicast back along Hops.
type RERR struct {
	Version        uint8
	Flags          uint8
	Code           ErrorCode
	DestIP         uint32
	OriginIP       uint32
	ErrorIP        uint32
	UnreachableHop uint16
	HopIndex       uint8
	Hops           []uint16
}

var errHopListTooLong = errors.New("routing: hop list exceeds MaxHops")

func encodeQuery(buf []byte, q Query) []byte {
	flags := byte(0)
	if q.HasIP {
		flags |= 1 << 0
	}
	if q.HasShort {
		flags |= 1 << 1
	}
	if q.IsGateway {
		flags |= 1 << 2
	}

	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, q.DestIP)
	buf = binary.LittleEndian.AppendUint16(buf, q.DestShort)

	return buf
}

func decodeQuery(buf []byte) (Query, []byte, error) {
	if len(buf) < 7 {
		return Query{}, nil, fmt.Errorf("decode query: %w", errTooShort)
	}

	flags := buf[0]
	q := Query{
		HasIP:     flags&(1<<0) != 0,
		HasShort:  flags&(1<<1) != 0,
		IsGateway: flags&(1<<2) != 0,
		DestIP:    binary.LittleEndian.Uint32(buf[1:5]),
		DestShort: binary.LittleEndian.Uint16(buf[5:7]),
	}

	return q, buf[7:], nil
}

var errTooShort = errors.New("routing: message too short")

func encodeHops(buf []byte, hops []uint16) ([]byte, error) {
	if len(hops) > MaxHops {
		return nil, errHopListTooLong
	}

	buf = append(buf, byte(len(hops)))
	for _, h := range hops {
		buf = binary.LittleEndian.AppendUint16(buf, h)
	}

	return buf, nil
}

func decodeHops(buf []byte) ([]uint16, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, errTooShort
	}

	n := int(buf[0])
	buf = buf[1:]
	if n > MaxHops || len(buf) < n*2 {
		return nil, nil, errTooShort
	}

	hops := make([]uint16, n)
	for i := range hops {
		hops[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}

	return hops, buf[n*2:], nil
}

// EncodeRREQ serializes r to its wire form.
func EncodeRREQ(r RREQ) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, r.Version, r.Flags)
	buf = binary.LittleEndian.AppendUint16(buf, r.Tag)
	buf = encodeQuery(buf, r.Query)
	buf = binary.LittleEndian.AppendUint16(buf, r.ForwardCost)
	buf = binary.LittleEndian.AppendUint16(buf, r.ReverseCost)

	return encodeHops(buf, r.Hops)
}

// DecodeRREQ parses a wire RREQ.
func DecodeRREQ(buf []byte) (RREQ, error) {
	if len(buf) < 4 {
		return RREQ{}, errTooShort
	}

	r := RREQ{Version: buf[0], Flags: buf[1], Tag: binary.LittleEndian.Uint16(buf[2:4])}
	rest := buf[4:]

	q, rest, err := decodeQuery(rest)
	if err != nil {
		return RREQ{}, err
	}
	r.Query = q

	if len(rest) < 4 {
		return RREQ{}, errTooShort
	}
	r.ForwardCost = binary.LittleEndian.Uint16(rest[0:2])
	r.ReverseCost = binary.LittleEndian.Uint16(rest[2:4])
	rest = rest[4:]

	hops, _, err := decodeHops(rest)
	if err != nil {
		return RREQ{}, err
	}
	r.Hops = hops

	return r, nil
}

// EncodeRREP serializes r to its wire form.
func EncodeRREP(r RREP) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, r.Version, r.Flags)
	buf = binary.LittleEndian.AppendUint16(buf, r.Tag)
	buf = encodeQuery(buf, r.Query)
	buf = binary.LittleEndian.AppendUint16(buf, r.ForwardCost)
	buf = binary.LittleEndian.AppendUint16(buf, r.ReverseCost)
	buf = append(buf, r.HopIndex)

	return encodeHops(buf, r.Hops)
}

// DecodeRREP parses a wire RREP.
func DecodeRREP(buf []byte) (RREP, error) {
	if len(buf) < 4 {
		return RREP{}, errTooShort
	}

	r := RREP{Version: buf[0], Flags: buf[1], Tag: binary.LittleEndian.Uint16(buf[2:4])}
	rest := buf[4:]

	q, rest, err := decodeQuery(rest)
	if err != nil {
		return RREP{}, err
	}
	r.Query = q

	if len(rest) < 5 {
		return RREP{}, errTooShort
	}
	r.ForwardCost = binary.LittleEndian.Uint16(rest[0:2])
	r.ReverseCost = binary.LittleEndian.Uint16(rest[2:4])
	r.HopIndex = rest[4]
	rest = rest[5:]

	hops, _, err := decodeHops(rest)
	if err != nil {
		return RREP{}, err
	}
	r.Hops = hops

	return r, nil
}

// EncodeRERR serializes r to its wire form.
func EncodeRERR(r RERR) ([]byte, error) {
	buf := make([]byte, 0, 32)
	buf = append(buf, r.Version, r.Flags, byte(r.Code))
	buf = binary.LittleEndian.AppendUint32(buf, r.DestIP)
	buf = binary.LittleEndian.AppendUint32(buf, r.OriginIP)
	buf = binary.LittleEndian.AppendUint32(buf, r.ErrorIP)
	buf = binary.LittleEndian.AppendUint16(buf, r.UnreachableHop)
	buf = append(buf, r.HopIndex)

	return encodeHops(buf, r.Hops)
}

// DecodeRERR parses a wire RERR.
func DecodeRERR(buf []byte) (RERR, error) {
	if len(buf) < 19 {
		return RERR{}, errTooShort
	}

	r := RERR{
		Version:        buf[0],
		Flags:          buf[1],
		Code:           ErrorCode(buf[2]),
		DestIP:         binary.LittleEndian.Uint32(buf[3:7]),
		OriginIP:       binary.LittleEndian.Uint32(buf[7:11]),
		ErrorIP:        binary.LittleEndian.Uint32(buf[11:15]),
		UnreachableHop: binary.LittleEndian.Uint16(buf[15:17]),
		HopIndex:       buf[17],
	}

	hops, _, err := decodeHops(buf[18:])
	if err != nil {
		return RERR{}, err
	}
	r.Hops = hops

	return r, nil
}

// hasDuplicateHop reports whether hops contains a repeated short
// address.
func hasDuplicateHop(hops []uint16) bool {
	seen := make(map[uint16]struct{}, len(hops))
	for _, h := range hops {
		if _, ok := seen[h]; ok {
			return true
		}
		seen[h] = struct{}{}
	}

	return false
}

// Route is one installed route table entry.
type Route struct {
	DestIP      uint32
	Cost        uint16
	Hops        []uint16
	InstalledAt time.Time
	LastUsed    time.Time
}

// MaxRouteAge is how long an unused route survives.
const MaxRouteAge = 120 * time.Second

// Table is the node's route table, keyed by destination IP.
type Table struct {
	mu     sync.Mutex
	routes map[uint32]*Route

	isNeighbor func(short uint16) bool
}

// NewTable creates an empty route table. isNeighbor reports whether a
// short address is a currently-established MAC neighbor, used to purge
// routes whose first hop vanished.
func NewTable(isNeighbor func(short uint16) bool) *Table {
	return &Table{
		routes:     make(map[uint32]*Route),
		isNeighbor: isNeighbor,
	}
}

// ErrLoop indicates a hop list contained a duplicate short address.
var ErrLoop = errors.New("routing: duplicate hop in route, rejected")

// Install inserts or replaces the route to destIP iff cost is <= any
// existing route's cost.
func (t *Table) Install(destIP uint32, cost uint16, hops []uint16) error {
	if hasDuplicateHop(hops) {
		return ErrLoop
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if existing, ok := t.routes[destIP]; ok && cost > existing.Cost {
		return nil
	}

	t.routes[destIP] = &Route{
		DestIP:      destIP,
		Cost:        cost,
		Hops:        append([]uint16(nil), hops...),
		InstalledAt: now,
		LastUsed:    now,
	}

	return nil
}

// Lookup returns a copy of the route to destIP, touching its LastUsed
// timestamp so traffic on a route resets its age.
func (t *Table) Lookup(destIP uint32) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.routes[destIP]
	if !ok {
		return Route{}, false
	}

	r.LastUsed = time.Now()

	return *r, true
}

// Purge removes the route to destIP, e.g. on a forwarded RERR.
func (t *Table) Purge(destIP uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.routes, destIP)
}

// Len reports the number of installed routes, for diagnostics and
// metrics gauges.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.routes)
}

// Snapshot returns a copy of every installed route, for diagnostics;
// callers must not rely on iteration order.
func (t *Table) Snapshot() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}

	return out
}

// Age deletes routes over MaxRouteAge or whose first hop beyond this
// node (Hops[1]; Hops[0] is this node itself) is no longer a neighbor.
// Route age is measured against now, so the call rate only sets how
// promptly stale routes are removed.
func (t *Table) Age(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for dest, r := range t.routes {
		if now.Sub(r.LastUsed) >= MaxRouteAge {
			delete(t.routes, dest)
			continue
		}

		if len(r.Hops) > 1 && t.isNeighbor != nil && !t.isNeighbor(r.Hops[1]) {
			delete(t.routes, dest)
		}
	}
}

// DiscoveryTuning holds the route-discovery retry parameters.
type DiscoveryTuning struct {
	MaxAttempts int
	MinSpacing  time.Duration
	MaxSpacing  time.Duration
}

// DefaultDiscoveryTuning returns the standard retry budget: up to 3
// attempts, spaced 128-640ms apart.
func DefaultDiscoveryTuning() DiscoveryTuning {
	return DiscoveryTuning{MaxAttempts: 3, MinSpacing: 128 * time.Millisecond, MaxSpacing: 640 * time.Millisecond}
}

// pendingQuery is one in-flight discovery awaiting a route.
type pendingQuery struct {
	query    Query
	tag      uint16
	attempts int
	nextAt   time.Time
	done     chan Route
}

// Discovery drains a bounded list of pending route queries, re-broadcasting
// RREQs with randomized spacing until MaxAttempts is exhausted.
type Discovery struct {
	mu      sync.Mutex
	pending map[uint16]*pendingQuery
	nextTag uint16
	tuning  DiscoveryTuning
	rnd     *rand.Rand
	metric  *metrics.Collector

	broadcastRREQ func(RREQ)
}

// NewDiscovery creates a discovery scheduler that calls broadcastRREQ to
// transmit each (re)attempt. metric may be nil.
func NewDiscovery(tuning DiscoveryTuning, broadcastRREQ func(RREQ), seed uint64, metric *metrics.Collector) *Discovery {
	return &Discovery{
		pending:       make(map[uint16]*pendingQuery),
		tuning:        tuning,
		rnd:           rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		broadcastRREQ: broadcastRREQ,
		metric:        metric,
	}
}

// ErrDiscoveryGiveUp is returned to a waiting IPv4 send when discovery
// exhausts its attempts without a route.
var ErrDiscoveryGiveUp = errors.New("routing: route discovery gave up")

// Start enqueues a discovery for q and returns a channel that resolves to
// the discovered Route once found, or is closed without a value on
// giveup (the caller should then synthesize an ICMP destination
// unreachable).
func (d *Discovery) Start(q Query, localShort uint16) <-chan Route {
	d.mu.Lock()
	d.nextTag++
	tag := d.nextTag

	pq := &pendingQuery{
		query: q,
		tag:   tag,
		done:  make(chan Route, 1),
	}
	d.pending[tag] = pq
	d.mu.Unlock()

	if d.metric != nil {
		d.metric.IncRouteDiscoveryAttempted()
	}

	d.attempt(pq, localShort)

	return pq.done
}

func (d *Discovery) attempt(pq *pendingQuery, localShort uint16) {
	d.mu.Lock()
	pq.attempts++
	spacing := d.tuning.MinSpacing + time.Duration(d.rnd.Int64N(int64(d.tuning.MaxSpacing-d.tuning.MinSpacing)))
	pq.nextAt = time.Now().Add(spacing)
	d.mu.Unlock()

	d.broadcastRREQ(RREQ{
		Version: 1,
		Tag:     pq.tag,
		Query:   pq.query,
		Hops:    []uint16{localShort},
	})
}

// Resolve completes the pending discovery matching tag with route.
func (d *Discovery) Resolve(tag uint16, route Route) {
	d.mu.Lock()
	pq, ok := d.pending[tag]
	if ok {
		delete(d.pending, tag)
	}
	d.mu.Unlock()

	if ok {
		pq.done <- route
		close(pq.done)
		if d.metric != nil {
			d.metric.IncRouteDiscoverySucceeded()
		}
	}
}

// Tick drives retry/giveup timing; call it once per pass of the
// discovery scheduler task.
func (d *Discovery) Tick(now time.Time, localShort uint16) {
	d.mu.Lock()
	var toRetry, toGiveUp []*pendingQuery
	for tag, pq := range d.pending {
		if now.Before(pq.nextAt) {
			continue
		}
		if pq.attempts >= d.tuning.MaxAttempts {
			toGiveUp = append(toGiveUp, pq)
			delete(d.pending, tag)
			continue
		}
		toRetry = append(toRetry, pq)
	}
	d.mu.Unlock()

	for _, pq := range toGiveUp {
		close(pq.done)
	}
	for _, pq := range toRetry {
		d.attempt(pq, localShort)
	}
}
