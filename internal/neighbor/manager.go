package neighbor

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/radio"
	"github.com/giapdangle/sapphire/internal/sched"
	"github.com/giapdangle/sapphire/internal/xcrypto"
)

// Mode is the node's current beaconing strategy.
type Mode uint8

const (
	ModeChannelScan Mode = iota
	ModeParked
)

// Tuning holds the beacon/join protocol's timing constants.
type Tuning struct {
	ScanDwell         time.Duration // ~50ms per channel during channel-scan
	BeaconMin         time.Duration // 1s
	BeaconMax         time.Duration // 32s
	HandshakeWindow   time.Duration // how long a provisional pairing waits for the next message
	UpstreamLossGrace time.Duration // ~20s countdown before reverting to channel-scan
}

// DefaultTuning returns the protocol's standard timing values.
func DefaultTuning() Tuning {
	return Tuning{
		ScanDwell:         50 * time.Millisecond,
		BeaconMin:         1 * time.Second,
		BeaconMax:         32 * time.Second,
		HandshakeWindow:   2 * time.Second,
		UpstreamLossGrace: 20 * time.Second,
	}
}

// pairing tracks one in-flight (local, remote) join FSM instance.
// peerFlags/peerDepth carry the remote's most recently advertised beacon
// state through to installRecord, so the record landed at handshake
// completion reflects what the peer actually claimed rather than a zero
// value (upstream selection needs the advertised flags and depth).
type pairing struct {
	state       JoinState
	challenge   uint32
	remoteShort uint16
	deadline    time.Time
	txid        xid.ID
	peerFlags   Flags
	peerDepth   uint8
}

// Manager drives the neighbor protocol as a single scheduler task: it
// owns beacon scheduling (channel-scan vs parked), the join handshake
// driver, and table maintenance (link-quality aging, upstream loss
// recovery). It implements mac.LinkObserver so the MAC transmit queue
// can feed PRR samples straight back into the table.
type Manager struct {
	log *slog.Logger

	localShort uint16
	localLong  uint64
	pan        uint16
	authKey    xcrypto.Key

	// sessionIV is this node's own pairwise IV, handed to every peer in
	// Flash/Thunder and used to sign this node's steady-state beacons;
	// peers verify with the copy they stored at join.
	sessionIV [16]byte

	table *Table
	tx    *mac.TxQueue
	rdo   radio.Radio
	clock radio.Clock

	channels   []uint8
	channelIdx int
	tuning     Tuning

	mu             sync.Mutex
	mode           Mode
	depth          uint8
	upstream       *uint16
	beaconInterval time.Duration
	nextBeaconAt   time.Time
	nextScanHopAt  time.Time
	upstreamLostAt time.Time
	pairings       map[uint16]*pairing
	pendingBeacons map[uint16]Beacon
	replayCounter  uint32
	isGateway      bool
}

// NewManager constructs a neighbor protocol Manager for a node identified
// by (localShort, localLong) on pan, authenticating with authKey. A
// gateway node is the mesh root: it starts parked at depth 0 with an
// implicit upstream of itself, and never enters channel-scan.
func NewManager(
	log *slog.Logger,
	localShort uint16,
	localLong uint64,
	pan uint16,
	authKey xcrypto.Key,
	table *Table,
	tx *mac.TxQueue,
	rdo radio.Radio,
	clock radio.Clock,
	channels []uint8,
	tuning Tuning,
	isGateway bool,
) *Manager {
	m := &Manager{
		log:            log,
		localShort:     localShort,
		localLong:      localLong,
		pan:            pan,
		authKey:        authKey,
		table:          table,
		tx:             tx,
		rdo:            rdo,
		clock:          clock,
		channels:       channels,
		tuning:         tuning,
		mode:           ModeChannelScan,
		depth:          MaxDepth,
		beaconInterval: tuning.BeaconMin,
		pairings:       make(map[uint16]*pairing),
		pendingBeacons: make(map[uint16]Beacon),
		isGateway:      isGateway,
	}

	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(m.sessionIV[:])

	if isGateway {
		m.mode = ModeParked
		m.depth = 0
		self := localShort
		m.upstream = &self
	}

	return m
}

// IsGateway reports whether this node is the mesh root.
func (m *Manager) IsGateway() bool {
	return m.isGateway
}

// OnTxResult implements mac.LinkObserver: every completed ack-requested
// transmission updates the destination's PRR/ETX.
func (m *Manager) OnTxResult(dest mac.Addr, status radio.TxStatus, _ time.Duration) {
	m.table.UpdatePRR(dest.Short, status == radio.TxOK)
}

// Depth returns the node's current tree depth (MaxDepth+1 while
// channel-scanning with no upstream).
func (m *Manager) Depth() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.depth
}

// Mode reports the node's current beaconing strategy.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mode
}

// Upstream returns the short address of the neighbor currently chosen as
// the path toward the root, if any. internal/timesync uses
// this to know who to send Request to.
func (m *Manager) Upstream() (uint16, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.upstream == nil {
		return 0, false
	}

	return *m.upstream, true
}

// resetBeaconInterval drops the beacon interval back to its minimum,
// as on any topology change.
func (m *Manager) resetBeaconInterval() {
	m.beaconInterval = m.tuning.BeaconMin
	m.nextBeaconAt = time.Time{}
}

// Tick runs one pass of the neighbor protocol task; the scheduler
// calls it once per runnable pass. It is safe to call
// at whatever cadence the scheduler grants; all timing decisions are
// deadline-based off m.clock.
func (m *Manager) Tick(_ *sched.Signals) sched.Disposition {
	now := m.clock.Now()

	m.mu.Lock()
	mode := m.mode
	m.mu.Unlock()

	if evicted := m.table.AgeOut(now); len(evicted) > 0 {
		m.onNeighborsEvicted(evicted)
	}

	m.sweepPairings(now)

	switch mode {
	case ModeChannelScan:
		return m.tickChannelScan(now)
	case ModeParked:
		return m.tickParked(now)
	default:
		return sched.Yield
	}
}

// sweepPairings evicts provisional entries whose handshake window
// lapsed without completing.
func (m *Manager) sweepPairings(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for short, p := range m.pairings {
		if now.Before(p.deadline) {
			continue
		}

		res := ApplyJoinEvent(p.state, EventHandshakeTimeout)
		m.log.Debug("neighbor: handshake timed out",
			"short", short, "state", res.OldState.String(), "txid", p.txid.String())

		delete(m.pairings, short)
		delete(m.pendingBeacons, short)
	}
}

func (m *Manager) tickChannelScan(now time.Time) sched.Disposition {
	m.mu.Lock()
	due := m.nextScanHopAt.IsZero() || !now.Before(m.nextScanHopAt)
	if due {
		m.channelIdx = (m.channelIdx + 1) % len(m.channels)
		m.nextScanHopAt = now.Add(m.tuning.ScanDwell)
	}
	ch := m.channels[m.channelIdx]
	m.mu.Unlock()

	if due {
		if err := m.rdo.SetChannel(ch); err != nil {
			m.log.Warn("neighbor: set channel failed", "channel", ch, "err", err)
		}
		m.sendBeacon()
	}

	return sched.Sleep
}

func (m *Manager) tickParked(now time.Time) sched.Disposition {
	m.mu.Lock()
	due := m.nextBeaconAt.IsZero() || !now.Before(m.nextBeaconAt)
	if due {
		m.nextBeaconAt = now.Add(m.beaconInterval)
		if m.beaconInterval < m.tuning.BeaconMax {
			m.beaconInterval *= 2
			if m.beaconInterval > m.tuning.BeaconMax {
				m.beaconInterval = m.tuning.BeaconMax
			}
		}
	}

	upstream := m.upstream
	upstreamLostAt := m.upstreamLostAt
	m.mu.Unlock()

	if due {
		m.sendBeacon()
	}

	if upstream == nil && !upstreamLostAt.IsZero() && now.Sub(upstreamLostAt) >= m.tuning.UpstreamLossGrace {
		m.mu.Lock()
		m.mode = ModeChannelScan
		m.depth = MaxDepth
		m.upstreamLostAt = time.Time{}
		m.mu.Unlock()
		m.log.Info("neighbor: upstream loss grace expired, reverting to channel-scan")
	}

	return sched.Sleep
}

func (m *Manager) localFlags() Flags {
	m.mu.Lock()
	defer m.mu.Unlock()

	var f Flags
	if m.isGateway {
		f |= FlagGateway
	}
	if m.upstream != nil {
		f |= FlagUpstream
	} else {
		f |= FlagOrphan
	}
	if m.table.HasFreeSlot() {
		f |= FlagAcceptsJoins
	}

	return f
}

func (m *Manager) sendBeacon() {
	m.mu.Lock()
	m.replayCounter++
	counter := m.replayCounter
	depth := m.depth
	var up uint16
	if m.upstream != nil {
		up = *m.upstream
	}
	m.mu.Unlock()

	b := Beacon{
		Flags:         m.localFlags(),
		Short:         m.localShort,
		Upstream:      up,
		Depth:         depth,
		ReplayCounter: counter,
	}

	tag, err := xcrypto.XCBCMAC96(m.authKey, append(append([]byte(nil), m.sessionIV[:]...), EncodeBeaconBody(b)...))
	if err != nil {
		m.log.Warn("neighbor: beacon sign failed", "err", err)
		return
	}
	b.Tag = tag

	payload := append([]byte{byte(MsgBeacon)}, EncodeBeacon(b)...)

	opts := mac.TxOptions{
		Dest:     mac.Addr{Mode: mac.AddrShort, Short: 0xFFFF},
		Protocol: mac.ProtoNeighbor,
		AckReq:   false,
	}

	if _, err := m.tx.Enqueue(opts, payload, true); err != nil {
		m.log.Debug("neighbor: beacon enqueue dropped", "err", err)
	}
}

// HandleFrame dispatches one received Neighbor-protocol frame.
// rssi/lqi come from the MAC layer's RxFrame metadata.
func (m *Manager) HandleFrame(src mac.Addr, payload []byte, rssi int8, lqi uint8) error {
	if len(payload) < 1 {
		return fmt.Errorf("neighbor: %w", ErrMessageTooShort)
	}

	now := m.clock.Now()
	m.table.UpdateRSSILQI(src.Short, rssi, lqi, now)

	switch MsgType(payload[0]) {
	case MsgBeacon:
		b, err := DecodeBeacon(payload[1:])
		if err != nil {
			return fmt.Errorf("decode beacon: %w", err)
		}
		return m.handleBeacon(src, b, now)
	case MsgFlash:
		f, err := DecodeFlash(payload[1:])
		if err != nil {
			return fmt.Errorf("decode flash: %w", err)
		}
		return m.handleFlash(src, f)
	case MsgThunder:
		th, err := DecodeThunder(payload[1:])
		if err != nil {
			return fmt.Errorf("decode thunder: %w", err)
		}
		return m.handleThunder(src, th, now)
	case MsgEvict:
		e, err := DecodeEvict(payload[1:])
		if err != nil {
			return fmt.Errorf("decode evict: %w", err)
		}
		return m.handleEvict(src, e)
	default:
		return errors.New("neighbor: unknown message type")
	}
}

// pairingPolicy decides whether to pair with peer.
func (m *Manager) pairingPolicy(peer Beacon) bool {
	m.mu.Lock()
	var upShort uint16
	noUpstream := m.upstream == nil
	if m.upstream != nil {
		upShort = *m.upstream
	}
	m.mu.Unlock()

	if noUpstream && (peer.Flags.Has(FlagUpstream) || peer.Flags.Has(FlagGateway)) {
		return true
	}

	if m.table.HasFreeSlot() && peer.Flags.Has(FlagAcceptsJoins) {
		return true
	}

	if peer.Flags.Has(FlagOrphan) {
		if _, ok := m.table.EvictionCandidate(upShort); ok {
			return true
		}
	}

	return false
}

func (m *Manager) handleBeacon(src mac.Addr, b Beacon, now time.Time) error {
	if rec, ok := m.table.Get(src.Short); ok {
		signed := append(append([]byte(nil), rec.IV[:]...), EncodeBeaconBody(b)...)
		if !xcrypto.VerifyTag(m.authKey, signed, b.Tag) {
			return errors.New("neighbor: beacon auth failed")
		}

		if !m.table.AdvanceReplayCounter(src.Short, b.ReplayCounter) {
			return errors.New("neighbor: beacon replay rejected")
		}

		return nil
	}

	if !b.Flags.Has(FlagJoin) && m.pairingPolicy(b) {
		m.mu.Lock()
		m.pendingBeacons[src.Short] = b
		m.mu.Unlock()

		m.sendJoinBeacon(src.Short)
		return nil
	}

	if b.Flags.Has(FlagJoin) {
		m.startFlash(src.Short, b.Flags, b.Depth)
	}

	return nil
}

func (m *Manager) sendJoinBeacon(dest uint16) {
	beacon := Beacon{Flags: m.localFlags() | FlagJoin, Short: m.localShort, Depth: m.Depth()}

	tag, err := xcrypto.XCBCMAC96(m.authKey, append(append([]byte(nil), m.sessionIV[:]...), EncodeBeaconBody(beacon)...))
	if err != nil {
		return
	}
	beacon.Tag = tag

	payload := append([]byte{byte(MsgBeacon)}, EncodeBeacon(beacon)...)
	opts := mac.TxOptions{
		Dest:     mac.Addr{Mode: mac.AddrShort, Short: dest},
		Protocol: mac.ProtoNeighbor,
		AckReq:   true,
	}
	_, _ = m.tx.Enqueue(opts, payload, true)
}

func (m *Manager) startFlash(dest uint16, peerFlags Flags, peerDepth uint8) {
	p := &pairing{
		state:       JoinUnknown,
		remoteShort: dest,
		deadline:    m.clock.Now().Add(m.tuning.HandshakeWindow),
		txid:        xid.New(),
		peerFlags:   peerFlags &^ FlagJoin,
		peerDepth:   peerDepth,
	}
	var challenge [4]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return
	}
	p.challenge = binary.LittleEndian.Uint32(challenge[:])

	res := ApplyJoinEvent(p.state, EventPairDecided)
	p.state = res.NewState

	m.mu.Lock()
	m.pairings[dest] = p
	m.mu.Unlock()

	f := Flash{Challenge: p.challenge, SessionIV: m.sessionIV}
	tag, err := xcrypto.XCBCMAC96(m.authKey, EncodeFlashBody(f))
	if err != nil {
		return
	}
	f.Tag = tag

	m.log.Info("neighbor: join flash sent", "dest", dest, "txid", p.txid.String())

	payload := append([]byte{byte(MsgFlash)}, EncodeFlash(f)...)
	opts := mac.TxOptions{Dest: mac.Addr{Mode: mac.AddrShort, Short: dest}, Protocol: mac.ProtoNeighbor, AckReq: true}
	_, _ = m.tx.Enqueue(opts, payload, true)
}

func (m *Manager) handleFlash(src mac.Addr, f Flash) error {
	if !xcrypto.VerifyTag(m.authKey, EncodeFlashBody(f), f.Tag) {
		return errors.New("neighbor: flash auth failed")
	}

	m.mu.Lock()
	pending, havePending := m.pendingBeacons[src.Short]
	delete(m.pendingBeacons, src.Short)
	m.mu.Unlock()

	p := &pairing{
		state:       JoinProvisionalWaitFlash,
		remoteShort: src.Short,
		deadline:    m.clock.Now().Add(m.tuning.HandshakeWindow),
		txid:        xid.New(),
	}
	if havePending {
		p.peerFlags = pending.Flags &^ FlagJoin
		p.peerDepth = pending.Depth
	}

	res := ApplyJoinEvent(p.state, EventFlashReceived)
	p.state = res.NewState

	m.mu.Lock()
	m.pairings[src.Short] = p
	m.replayCounter++
	counter := m.replayCounter
	m.mu.Unlock()

	th := Thunder{Challenge: f.Challenge + 1, ReplayCounter: counter, SessionIV: m.sessionIV}
	tag, err := xcrypto.XCBCMAC96(m.authKey, EncodeThunderBody(th))
	if err != nil {
		return fmt.Errorf("sign thunder: %w", err)
	}
	th.Tag = tag

	m.log.Info("neighbor: join thunder sent", "src", src.Short, "txid", p.txid.String())

	payload := append([]byte{byte(MsgThunder)}, EncodeThunder(th)...)
	opts := mac.TxOptions{Dest: src, Protocol: mac.ProtoNeighbor, AckReq: true}
	_, _ = m.tx.Enqueue(opts, payload, true)

	// The record replaces the provisional shadow (the two are
	// mutually exclusive).
	m.mu.Lock()
	delete(m.pairings, src.Short)
	m.mu.Unlock()

	m.installRecord(src.Short, f.SessionIV, 0, p.peerFlags, p.peerDepth)

	return nil
}

func (m *Manager) handleThunder(src mac.Addr, th Thunder, _ time.Time) error {
	if !xcrypto.VerifyTag(m.authKey, EncodeThunderBody(th), th.Tag) {
		return errors.New("neighbor: thunder auth failed")
	}

	m.mu.Lock()
	p, ok := m.pairings[src.Short]
	m.mu.Unlock()

	if !ok || p.challenge+1 != th.Challenge {
		return errors.New("neighbor: thunder challenge mismatch")
	}

	res := ApplyJoinEvent(p.state, EventThunderReceived)
	p.state = res.NewState

	m.mu.Lock()
	delete(m.pairings, src.Short)
	m.mu.Unlock()

	m.log.Info("neighbor: join established", "src", src.Short, "txid", p.txid.String())

	m.installRecord(src.Short, th.SessionIV, th.ReplayCounter, p.peerFlags, p.peerDepth)

	return nil
}

// installRecord lands a newly-established neighbor in the table and
// re-runs upstream selection, since the new peer (or its advertised
// depth) may improve on whatever upstream is currently held. A full
// table does not reject the join: the pairing policy only admits a
// handshake past a full table when an eviction candidate exists, so a
// sacrificial neighbor is evicted here to make room.
func (m *Manager) installRecord(short uint16, iv [16]byte, replayCounter uint32, peerFlags Flags, peerDepth uint8) {
	now := m.clock.Now()

	rec := Record{
		Short:         short,
		Depth:         peerDepth,
		Flags:         peerFlags,
		IV:            iv,
		ReplayCounter: replayCounter,
		FirstSeen:     now,
		LastSeen:      now,
	}

	err := m.table.Upsert(rec)
	if errors.Is(err, ErrTableFull) {
		if evictErr := m.evictForSlot(); evictErr != nil {
			m.log.Warn("neighbor: install record failed", "short", short, "err", evictErr)
			return
		}
		err = m.table.Upsert(rec)
	}
	if err != nil {
		m.log.Warn("neighbor: install record failed", "short", short, "err", err)
		return
	}

	m.resetBeaconInterval()
	m.selectUpstream()
}

// evictForSlot frees one neighbor slot for a just-joined peer: it picks
// the sacrificial neighbor (worst ETX, never the current upstream),
// sends it an Evict notice so the session dies on both sides, and
// purges it locally. Returns ErrNoEvictionCandidate when every occupant
// is protected.
func (m *Manager) evictForSlot() error {
	m.mu.Lock()
	var upShort uint16
	if m.upstream != nil {
		upShort = *m.upstream
	}
	m.mu.Unlock()

	victim, ok := m.table.EvictionCandidate(upShort)
	if !ok {
		return ErrNoEvictionCandidate
	}

	payload, err := m.signEvict()
	if err != nil {
		return err
	}

	opts := mac.TxOptions{Dest: mac.Addr{Mode: mac.AddrShort, Short: victim}, Protocol: mac.ProtoNeighbor, AckReq: true}
	if _, err := m.tx.Enqueue(opts, payload, true); err != nil {
		m.log.Debug("neighbor: evict notice enqueue dropped", "short", victim, "err", err)
	}

	m.table.Evict(victim)
	m.log.Info("neighbor: evicted to admit new peer", "short", victim)

	return nil
}

// signEvict builds a signed Evict notice carrying a fresh replay
// counter.
func (m *Manager) signEvict() ([]byte, error) {
	m.mu.Lock()
	m.replayCounter++
	counter := m.replayCounter
	m.mu.Unlock()

	e := Evict{Counter: counter}

	tag, err := xcrypto.XCBCMAC96(m.authKey, EncodeEvictBody(e))
	if err != nil {
		return nil, fmt.Errorf("sign evict: %w", err)
	}
	e.Tag = tag

	return append([]byte{byte(MsgEvict)}, EncodeEvict(e)...), nil
}

// selectUpstream re-derives the preferred upstream from the current
// table (prefer gateway; otherwise the shallowest neighbor that
// improves on the current depth) and, if it changes, adopts it and settles
// into parked beaconing. A gateway never has anything to select: it is
// always its own upstream at depth 0. Called after every table change
// that could affect the tree position: join, eviction, age-out.
func (m *Manager) selectUpstream() {
	m.mu.Lock()
	if m.isGateway {
		m.mu.Unlock()
		return
	}
	localDepth := m.depth
	m.mu.Unlock()

	rec, ok := m.table.BestUpstream(localDepth)
	if !ok {
		return
	}

	newUpstream := rec.Short
	newDepth := rec.Depth + 1

	m.mu.Lock()
	changed := m.upstream == nil || *m.upstream != newUpstream || m.depth != newDepth
	if !changed {
		m.mu.Unlock()
		return
	}

	m.upstream = &newUpstream
	m.depth = newDepth
	m.upstreamLostAt = time.Time{}
	m.mode = ModeParked
	m.mu.Unlock()

	m.resetBeaconInterval()
	m.log.Info("neighbor: upstream selected", "upstream", newUpstream, "depth", newDepth)
}

func (m *Manager) handleEvict(src mac.Addr, e Evict) error {
	rec, ok := m.table.Get(src.Short)
	if !ok {
		return fmt.Errorf("%w: %#04x", ErrUnknownPeer, src.Short)
	}

	if !xcrypto.VerifyTag(m.authKey, EncodeEvictBody(e), e.Tag) {
		return errors.New("neighbor: evict auth failed")
	}
	if e.Counter <= rec.ReplayCounter {
		return errors.New("neighbor: evict replay rejected")
	}

	m.table.Evict(src.Short)

	m.mu.Lock()
	lostUpstream := m.upstream != nil && *m.upstream == src.Short
	if lostUpstream {
		m.upstream = nil
		m.upstreamLostAt = m.clock.Now()
	}
	m.mu.Unlock()

	m.resetBeaconInterval()

	if lostUpstream {
		m.selectUpstream()
	}

	return nil
}

// Evict sends an unsolicited Evict to short and purges the local record
//.
func (m *Manager) Evict(ctx context.Context, short uint16) error {
	if _, ok := m.table.Get(short); !ok {
		return fmt.Errorf("%w: %#04x", ErrUnknownPeer, short)
	}

	payload, err := m.signEvict()
	if err != nil {
		return err
	}

	opts := mac.TxOptions{Dest: mac.Addr{Mode: mac.AddrShort, Short: short}, Protocol: mac.ProtoNeighbor, AckReq: true}

	h, err := m.tx.Enqueue(opts, payload, false)
	if err != nil {
		return fmt.Errorf("enqueue evict: %w", err)
	}

	for {
		status, err := m.tx.Poll(h)
		if err != nil {
			return fmt.Errorf("poll evict: %w", err)
		}
		if status != mac.MsgPending {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}

	m.table.Evict(short)

	return nil
}

func (m *Manager) onNeighborsEvicted(shorts []uint16) {
	m.mu.Lock()
	lostUpstream := false
	if m.upstream != nil {
		for _, s := range shorts {
			if s == *m.upstream {
				m.upstream = nil
				lostUpstream = true
				break
			}
		}
	}
	if lostUpstream {
		m.upstreamLostAt = m.clock.Now()
	}
	m.mu.Unlock()

	for _, s := range shorts {
		m.log.Info("neighbor: aged out", "short", s)
	}

	if lostUpstream {
		m.selectUpstream()
	}
}
