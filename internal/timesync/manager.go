// Manager drives the time-sync protocol as a scheduler task: it sends
// Request upstream while unsynced, answers Request with Timestamp while
// synced, folds received Timestamps into the drift filter, and runs the
// randomized-backoff resync loop.
//
// Uses the same Tick/HandleFrame task shape internal/neighbor's Manager
// does, with jittered resync spacing around a base period.
package timesync

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/radio"
	"github.com/giapdangle/sapphire/internal/sched"
	"github.com/giapdangle/sapphire/internal/xcrypto"
)

const msgRequest byte = 0
const msgTimestamp byte = 1

// UpstreamSource is the subset of internal/neighbor.Manager the
// time-sync protocol depends on: who is upstream, and whether this node
// is the mesh root. A synced node offers timestamps downstream; a
// non-synced node requests from its upstream.
type UpstreamSource interface {
	Upstream() (uint16, bool)
	IsGateway() bool
}

// NeighborIV resolves a neighbor's pairwise IV for authenticating
// TimeSync frames the same way Neighbor-protocol frames are
// authenticated.
type NeighborIV interface {
	IV(short uint16) ([16]byte, bool)
}

// Manager ties State to the transport: it sends/receives Request and
// Timestamp over the MAC TimeSync protocol slot.
type Manager struct {
	log *slog.Logger

	localShort uint16
	authKey    xcrypto.Key

	state    *State
	tx       *mac.TxQueue
	clock    radio.Clock
	upstream UpstreamSource
	ivs      NeighborIV

	rnd *rand.Rand

	nextRequestAt time.Time
	ntpBase       NTP
	seq           uint8
}

// NewManager constructs a time-sync Manager for a node identified by
// localShort. ntpBase is the NTP epoch this node's own Timestamp replies
// are anchored to (only meaningful for the gateway, which is the
// ultimate clock source; downstream nodes relay the base they receive).
func NewManager(
	log *slog.Logger,
	localShort uint16,
	authKey xcrypto.Key,
	tx *mac.TxQueue,
	clock radio.Clock,
	upstream UpstreamSource,
	ivs NeighborIV,
	ntpBase NTP,
	seed uint64,
) *Manager {
	return &Manager{
		log:        log,
		localShort: localShort,
		authKey:    authKey,
		state:      NewState(),
		tx:         tx,
		clock:      clock,
		upstream:   upstream,
		ivs:        ivs,
		rnd:        rand.New(rand.NewPCG(seed, seed^0xA5A5A5A5A5A5A5A5)),
		ntpBase:    ntpBase,
	}
}

// Synced reports whether the node currently has a valid time sync.
func (m *Manager) Synced() bool { return m.state.Synced() }

// Depth returns the last-synced depth.
func (m *Manager) Depth() uint8 { return m.state.Depth() }

// State exposes the underlying drift-filter state, e.g. for diagnostics.
func (m *Manager) State() *State { return m.state }

// Tick runs one pass of the resync loop: the
// gateway is always its own clock source and never requests; a
// downstream node requests upstream when unsynced, and again every
// ResyncInterval after its initial sync, restarting immediately once the
// last sync has expired. Loss of sync at the upstream is noticed only
// through that expiry: an unsynced upstream does not answer Requests,
// and a Timestamp without the synced flag is ignored.
func (m *Manager) Tick(_ *sched.Signals) sched.Disposition {
	if m.upstream.IsGateway() {
		return sched.Sleep
	}

	now := m.clock.Now()

	if m.state.Expired(now) {
		m.log.Info("timesync: sync expired, clearing")
		m.state.Clear()
		m.nextRequestAt = time.Time{}
	}

	due := m.nextRequestAt.IsZero() || !now.Before(m.nextRequestAt)
	if !due {
		return sched.Sleep
	}

	up, ok := m.upstream.Upstream()
	if !ok {
		return sched.Sleep
	}

	m.sendRequest(up)

	if m.state.Synced() {
		m.nextRequestAt = now.Add(ResyncInterval(m.rnd))
	} else {
		m.nextRequestAt = now.Add(time.Second)
	}

	return sched.Sleep
}

func (m *Manager) sendRequest(upstream uint16) {
	payload := []byte{msgRequest}

	opts := mac.TxOptions{
		Dest:     mac.Addr{Mode: mac.AddrShort, Short: upstream},
		Protocol: mac.ProtoTimeSync,
		AckReq:   true,
	}
	if _, err := m.tx.Enqueue(opts, payload, true); err != nil {
		m.log.Debug("timesync: request enqueue dropped", "err", err)
	}
}

// signTimestamp computes ts's tag over peer_IV || body, the same
// auth-header shape internal/neighbor uses for Beacon
// (tag = xcbc_mac_96(auth_key, peer_IV || body)).
func (m *Manager) signTimestamp(peer uint16, ts *Timestamp) error {
	iv, ok := m.ivs.IV(peer)
	if !ok {
		return fmt.Errorf("timesync: no session IV for %#04x", peer)
	}

	signed := append(append([]byte(nil), iv[:]...), EncodeTimestampBody(*ts)...)
	tag, err := xcrypto.XCBCMAC96(m.authKey, signed)
	if err != nil {
		return fmt.Errorf("sign timestamp: %w", err)
	}
	ts.Tag = tag

	return nil
}

func (m *Manager) verifyTimestamp(peer uint16, t Timestamp) bool {
	iv, ok := m.ivs.IV(peer)
	if !ok {
		return false
	}

	signed := append(append([]byte(nil), iv[:]...), EncodeTimestampBody(t)...)

	return xcrypto.VerifyTag(m.authKey, signed, t.Tag)
}

// HandleFrame implements mac.UpperDispatcher: dispatches a received
// TimeSync-protocol frame by its leading message-type byte.
func (m *Manager) HandleFrame(src mac.Addr, payload []byte, now time.Time) error {
	if len(payload) < 1 {
		return fmt.Errorf("timesync: %w", ErrMessageTooShort)
	}

	switch payload[0] {
	case msgRequest:
		return m.handleRequest(src, now)
	case msgTimestamp:
		t, err := DecodeTimestamp(payload[1:])
		if err != nil {
			return fmt.Errorf("decode timestamp: %w", err)
		}
		return m.handleTimestamp(src, t, now)
	default:
		return fmt.Errorf("timesync: unknown message type %d", payload[0])
	}
}

// handleRequest answers a downstream child's Request with a Timestamp,
// but only if this node itself has something to offer.
func (m *Manager) handleRequest(src mac.Addr, now time.Time) error {
	if !m.upstream.IsGateway() && !m.state.Synced() {
		m.log.Debug("timesync: request from child ignored, not synced", "src", src.Short)
		return nil
	}

	sendMicros := uint64(now.UnixMicro()) //nolint:gosec // monotonic wall time, never negative
	depth := uint8(0)
	source := SourceGateway

	if !m.upstream.IsGateway() {
		var ok bool
		sendMicros, ok = m.state.CompensatedNetworkMicros(now)
		if !ok {
			return nil
		}
		depth = m.state.Depth()
		source = SourceUpstream
	}

	m.seq++

	ts := Timestamp{
		Flags:               FlagSynced,
		Depth:               depth,
		ClockSource:         source,
		Sequence:            m.seq,
		NetworkMicrosAtSend: sendMicros,
		NTP:                 NTPFromMicros(m.ntpBase, sendMicros),
	}

	if err := m.signTimestamp(src.Short, &ts); err != nil {
		return fmt.Errorf("timesync: %w", err)
	}

	payload := append([]byte{msgTimestamp}, EncodeTimestamp(ts)...)

	opts := mac.TxOptions{
		Dest:     src,
		Protocol: mac.ProtoTimeSync,
		AckReq:   true,
	}
	if _, err := m.tx.Enqueue(opts, payload, true); err != nil {
		return fmt.Errorf("enqueue timestamp reply: %w", err)
	}

	return nil
}

func (m *Manager) handleTimestamp(src mac.Addr, t Timestamp, now time.Time) error {
	up, ok := m.upstream.Upstream()
	if !ok || up != src.Short {
		return fmt.Errorf("timesync: timestamp from non-upstream %#04x", src.Short)
	}

	if t.Flags&FlagSynced == 0 {
		return nil
	}

	if !m.verifyTimestamp(src.Short, t) {
		return errors.New("timesync: timestamp auth failed")
	}

	wasSynced := m.state.Synced()
	m.state.ApplyTimestamp(t, now)

	if !wasSynced {
		m.log.Info("timesync: initial sync", "upstream", src.Short, "depth", t.Depth+1)
	}

	return nil
}
