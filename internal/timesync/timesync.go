// Package timesync implements Sapphire's upstream-driven time
// synchronization protocol: Request/Timestamp messages, the
// EWMA drift filter, NTP (seconds, fraction) mapping, and the
// randomized-backoff resync loop.
//
// The resync loop uses jittered interval computation around a base
// period; State is a plain-struct-plus-mutex state holder.
package timesync

import (
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

// ClockSource names who this node believes its time ultimately traces
// back to (the "clock-source" field).
type ClockSource uint8

const (
	SourceNone ClockSource = iota
	SourceGateway
	SourceUpstream
)

// Flags carried in a Timestamp reply.
type Flags uint8

const (
	FlagSynced Flags = 1 << iota
	FlagInitial
)

// NTP is the classic 32.32 fixed-point NTP timestamp.
type NTP struct {
	Seconds  uint32
	Fraction uint32
}

// microsToFraction maps elapsed microseconds to an NTP fraction:
// fraction ~ microseconds * 4294 (2^32/1e6, truncated).
func microsToFraction(micros uint64) uint32 {
	return uint32((micros * 4294) & 0xFFFFFFFF)
}

// Request is the empty message a non-synced node sends upstream.
type Request struct{}

// TagSize is the AES-XCBC-MAC-96 tag length, same as the MAC layer's
// auth header (authentication is uniform across Neighbor and
// TimeSync messages).
const TagSize = 12

// Timestamp is the synced upstream's reply.
type Timestamp struct {
	Flags               Flags
	Depth               uint8
	ClockSource         ClockSource
	Sequence            uint8
	NetworkMicrosAtSend uint64
	NTP                 NTP
	Tag                 [TagSize]byte
}

// ErrMessageTooShort is returned by Decode on truncated input.
var ErrMessageTooShort = errors.New("timesync: message too short")

const timestampBodyWireSize = 1 + 1 + 1 + 1 + 8 + 4 + 4
const timestampWireSize = timestampBodyWireSize + TagSize

// EncodeTimestampBody serializes the portion of t that is authenticated
// (every field except the tag itself).
func EncodeTimestampBody(t Timestamp) []byte {
	buf := make([]byte, 0, timestampBodyWireSize)
	buf = append(buf, byte(t.Flags), t.Depth, byte(t.ClockSource), t.Sequence)
	buf = binary.LittleEndian.AppendUint64(buf, t.NetworkMicrosAtSend)
	buf = binary.LittleEndian.AppendUint32(buf, t.NTP.Seconds)
	buf = binary.LittleEndian.AppendUint32(buf, t.NTP.Fraction)

	return buf
}

// EncodeTimestamp serializes t including its trailing auth tag.
func EncodeTimestamp(t Timestamp) []byte {
	return append(EncodeTimestampBody(t), t.Tag[:]...)
}

// DecodeTimestamp parses a Timestamp.
func DecodeTimestamp(buf []byte) (Timestamp, error) {
	if len(buf) < timestampWireSize {
		return Timestamp{}, ErrMessageTooShort
	}

	t := Timestamp{
		Flags:               Flags(buf[0]),
		Depth:               buf[1],
		ClockSource:         ClockSource(buf[2]),
		Sequence:            buf[3],
		NetworkMicrosAtSend: binary.LittleEndian.Uint64(buf[4:12]),
		NTP: NTP{
			Seconds:  binary.LittleEndian.Uint32(buf[12:16]),
			Fraction: binary.LittleEndian.Uint32(buf[16:20]),
		},
	}
	copy(t.Tag[:], buf[timestampBodyWireSize:timestampWireSize])

	return t, nil
}

// EWMA filter constant for drift updates (alpha = 8/128).
const (
	driftNumerator   = 8
	driftDenominator = 128
)

// Resync tuning.
const (
	ResyncBase      = 120 * time.Second
	ResyncJitterMax = 10 * time.Second
	LossAge         = 480 * time.Second
)

// State holds one node's time synchronization state. LastLocalSync and
// LastNetSync anchor the compensation formula; Drift is the EWMA-filtered
// ratio of actual to estimated network-time elapsed.
type State struct {
	mu sync.Mutex

	synced  bool
	initial bool

	drift float64

	lastLocalSync time.Time
	lastNetMicros uint64

	depth       uint8
	clockSource ClockSource
	sequence    uint8
}

// NewState creates an unsynced State.
func NewState() *State {
	return &State{}
}

// Synced reports whether at least one successful sync has occurred and
// the result has not since expired.
func (s *State) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.synced
}

// Depth returns the last-synced depth: the upstream's depth plus one.
func (s *State) Depth() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.depth
}

// ApplyTimestamp folds one received Timestamp into the drift filter,
// latched against nowLocal — the arrival
// time the radio ISR recorded for this frame, not the time this
// function happens to run.
func (s *State) ApplyTimestamp(t Timestamp, nowLocal time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	net := t.NetworkMicrosAtSend

	if !s.synced {
		s.synced = true
		s.initial = true
		s.drift = 1.0
		s.lastLocalSync = nowLocal
		s.lastNetMicros = net
		s.depth = t.Depth + 1
		s.clockSource = t.ClockSource
		s.sequence = t.Sequence

		return
	}

	elapsedLocal := float64(nowLocal.Sub(s.lastLocalSync).Microseconds())
	actualElapsedNet := float64(net) - float64(s.lastNetMicros)
	estimatedElapsedNet := float64(net) - (elapsedLocal + float64(s.lastNetMicros))

	var currentDrift float64
	if estimatedElapsedNet != 0 {
		currentDrift = actualElapsedNet / estimatedElapsedNet
	} else {
		currentDrift = s.drift
	}

	if s.initial {
		s.drift = currentDrift
		s.initial = false
	} else {
		s.drift += (currentDrift - s.drift) * driftNumerator / driftDenominator
	}

	s.lastLocalSync = nowLocal
	s.lastNetMicros = net
	s.depth = t.Depth + 1
	s.clockSource = t.ClockSource
	s.sequence = t.Sequence
}

// CompensatedNetworkMicros returns the drift-compensated network time
// at nowLocal: last_net_sync + elapsed_local + (elapsed_local / drift).
func (s *State) CompensatedNetworkMicros(nowLocal time.Time) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		return 0, false
	}

	elapsedLocal := float64(nowLocal.Sub(s.lastLocalSync).Microseconds())

	drift := s.drift
	if drift == 0 {
		drift = 1.0
	}

	compensated := float64(s.lastNetMicros) + elapsedLocal + elapsedLocal/drift

	return uint64(compensated), true
}

// Expired reports whether the last successful sync is older than
// LossAge.
func (s *State) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		return false
	}

	return now.Sub(s.lastLocalSync) > LossAge
}

// Clear resets sync state, e.g. on loss-of-sync or upstream withdrawal;
// the resync loop then starts over.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.synced = false
	s.initial = false
	s.drift = 0
}

// NTPFromMicros maps an elapsed-microseconds value, relative to t0, to an
// NTP (seconds, fraction) pair.
func NTPFromMicros(t0 NTP, elapsedMicros uint64) NTP {
	seconds := t0.Seconds + uint32(elapsedMicros/1_000_000)
	frac := microsToFraction(elapsedMicros % 1_000_000)

	return NTP{Seconds: seconds, Fraction: frac}
}

// ResyncInterval returns the next resync wait: 120s plus a random
// jitter up to 10s.
func ResyncInterval(rnd *rand.Rand) time.Duration {
	return ResyncBase + time.Duration(rnd.Int64N(int64(ResyncJitterMax)))
}
