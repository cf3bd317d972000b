package neighbor_test

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/neighbor"
	"github.com/giapdangle/sapphire/internal/radio"
	"github.com/giapdangle/sapphire/internal/xcrypto"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTableUpsertRespectsCapacity(t *testing.T) {
	t.Parallel()

	tbl := neighbor.NewTable(1)

	if err := tbl.Upsert(neighbor.Record{Short: 1}); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := tbl.Upsert(neighbor.Record{Short: 2}); err == nil {
		t.Fatal("expected ErrTableFull on second distinct neighbor")
	}
	if err := tbl.Upsert(neighbor.Record{Short: 1, Depth: 3}); err != nil {
		t.Fatalf("re-upsert of existing short should not count against capacity: %v", err)
	}
}

func TestTableAgeOutEvictsStaleNeighbors(t *testing.T) {
	t.Parallel()

	tbl := neighbor.NewTable(4)
	now := time.Now()

	fresh := neighbor.Record{Short: 1, FirstSeen: now.Add(-1 * time.Minute), LastSeen: now}
	stale := neighbor.Record{Short: 2, FirstSeen: now.Add(-5 * time.Minute), LastSeen: now.Add(-91 * time.Second)}

	if err := tbl.Upsert(fresh); err != nil {
		t.Fatalf("upsert fresh: %v", err)
	}
	if err := tbl.Upsert(stale); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}

	evicted := tbl.AgeOut(now)
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted = %v, want [2]", evicted)
	}
	if _, ok := tbl.Get(1); !ok {
		t.Fatal("fresh neighbor should survive AgeOut")
	}
	if _, ok := tbl.Get(2); ok {
		t.Fatal("stale neighbor should be removed")
	}
}

func TestTableCounters(t *testing.T) {
	t.Parallel()

	tbl := neighbor.NewTable(2)
	if err := tbl.Upsert(neighbor.Record{Short: 1, ReplayCounter: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	c1, ok := tbl.NextSendCounter(1)
	if !ok || c1 != 1 {
		t.Fatalf("NextSendCounter = (%d, %v), want (1, true)", c1, ok)
	}
	c2, _ := tbl.NextSendCounter(1)
	if c2 != 2 {
		t.Fatalf("second NextSendCounter = %d, want 2", c2)
	}
	if _, ok := tbl.NextSendCounter(9); ok {
		t.Fatal("NextSendCounter for unknown peer should fail")
	}

	if tbl.AdvanceReplayCounter(1, 10) {
		t.Fatal("equal counter must be rejected")
	}
	if tbl.AdvanceReplayCounter(1, 9) {
		t.Fatal("stale counter must be rejected")
	}
	if !tbl.AdvanceReplayCounter(1, 11) {
		t.Fatal("fresh counter must be accepted")
	}
	rec, _ := tbl.Get(1)
	if rec.ReplayCounter != 11 {
		t.Fatalf("stored ReplayCounter = %d, want 11", rec.ReplayCounter)
	}
	if tbl.AdvanceReplayCounter(2, 1) {
		t.Fatal("unknown peer must be rejected")
	}
}

func TestBestUpstreamPrefersGateway(t *testing.T) {
	t.Parallel()

	tbl := neighbor.NewTable(4)
	now := time.Now()

	if err := tbl.Upsert(neighbor.Record{Short: 1, Depth: 3, Flags: neighbor.FlagUpstream, LastSeen: now, FirstSeen: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := tbl.Upsert(neighbor.Record{Short: 2, Depth: 0, Flags: neighbor.FlagGateway, LastSeen: now, FirstSeen: now}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	best, ok := tbl.BestUpstream(5)
	if !ok {
		t.Fatal("expected an upstream candidate")
	}
	if best.Short != 2 {
		t.Fatalf("best = %d, want gateway 2", best.Short)
	}
}

func TestBeaconEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	b := neighbor.Beacon{
		Flags:         neighbor.FlagGateway | neighbor.FlagAcceptsJoins,
		Short:         0x1234,
		Upstream:      0x0001,
		Depth:         2,
		ReplayCounter: 42,
	}
	b.Tag[0] = 0xAB

	wire := neighbor.EncodeBeacon(b)

	got, err := neighbor.DecodeBeacon(wire)
	if err != nil {
		t.Fatalf("DecodeBeacon: %v", err)
	}
	if got.Short != b.Short || got.Upstream != b.Upstream || got.Depth != b.Depth {
		t.Fatalf("got = %+v, want fields matching %+v", got, b)
	}
	if got.ReplayCounter != b.ReplayCounter || got.Tag[0] != b.Tag[0] {
		t.Fatalf("got = %+v, want ReplayCounter=%d Tag[0]=%#x", got, b.ReplayCounter, b.Tag[0])
	}
}

func TestFlashThunderEvictRoundTrip(t *testing.T) {
	t.Parallel()

	f := neighbor.Flash{Challenge: 7}
	f.SessionIV[0] = 1
	f.Tag[0] = 2

	gotF, err := neighbor.DecodeFlash(neighbor.EncodeFlash(f))
	if err != nil {
		t.Fatalf("DecodeFlash: %v", err)
	}
	if gotF.Challenge != 7 || gotF.SessionIV[0] != 1 || gotF.Tag[0] != 2 {
		t.Fatalf("got = %+v", gotF)
	}

	th := neighbor.Thunder{Challenge: 8, ReplayCounter: 100}
	th.SessionIV[1] = 9

	gotTh, err := neighbor.DecodeThunder(neighbor.EncodeThunder(th))
	if err != nil {
		t.Fatalf("DecodeThunder: %v", err)
	}
	if gotTh.Challenge != 8 || gotTh.ReplayCounter != 100 || gotTh.SessionIV[1] != 9 {
		t.Fatalf("got = %+v", gotTh)
	}

	e := neighbor.Evict{Counter: 3}
	gotE, err := neighbor.DecodeEvict(neighbor.EncodeEvict(e))
	if err != nil {
		t.Fatalf("DecodeEvict: %v", err)
	}
	if gotE.Counter != 3 {
		t.Fatalf("got = %+v", gotE)
	}
}

func TestEvictionCandidateSkipsUpstream(t *testing.T) {
	t.Parallel()

	tbl := neighbor.NewTable(2)
	if err := tbl.Upsert(neighbor.Record{Short: 1, ETX: 80}); err != nil {
		t.Fatalf("upsert upstream: %v", err)
	}
	if err := tbl.Upsert(neighbor.Record{Short: 2, ETX: 10}); err != nil {
		t.Fatalf("upsert peer: %v", err)
	}

	victim, ok := tbl.EvictionCandidate(1)
	if !ok || victim != 2 {
		t.Fatalf("EvictionCandidate = (%d, %v), want (2, true): upstream must be protected", victim, ok)
	}

	solo := neighbor.NewTable(1)
	if err := solo.Upsert(neighbor.Record{Short: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, ok := solo.EvictionCandidate(1); ok {
		t.Fatal("sole occupant is the upstream, expected no candidate")
	}
}

// TestJoinEvictsToAdmitPeerWhenTableFull drives a completed join
// handshake into a full table: the resident non-upstream neighbor must
// be evicted (with an Evict notice queued for it) and the new peer
// installed in its place.
func TestJoinEvictsToAdmitPeerWhenTableFull(t *testing.T) {
	t.Parallel()

	key, err := xcrypto.NewKey(bytes.Repeat([]byte{0x5A}, 16))
	if err != nil {
		t.Fatalf("NewKey: %v", err)
	}

	tbl := neighbor.NewTable(1)
	resident := neighbor.Record{Short: 0x30, ETX: 64, FirstSeen: time.Now(), LastSeen: time.Now()}
	if err := tbl.Upsert(resident); err != nil {
		t.Fatalf("upsert resident: %v", err)
	}

	med := radio.NewMedium(3)
	rdo := radio.NewMock(med, 1, nil)
	q := mac.NewTxQueue(rdo, 8, mac.NewAdaptiveBackoff(3, 5), nil, mac.Addr{Mode: mac.AddrShort, Short: 0x01}, nil)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := neighbor.NewManager(log, 0x01, 0x01, 0xCAFE, key, tbl, q, rdo, radio.SystemClock{}, []uint8{11}, neighbor.DefaultTuning(), false)

	f := neighbor.Flash{Challenge: 7}
	f.SessionIV[0] = 0xAB
	tag, err := xcrypto.XCBCMAC96(key, neighbor.EncodeFlashBody(f))
	if err != nil {
		t.Fatalf("sign flash: %v", err)
	}
	f.Tag = tag

	payload := append([]byte{byte(neighbor.MsgFlash)}, neighbor.EncodeFlash(f)...)
	if err := m.HandleFrame(mac.Addr{Mode: mac.AddrShort, Short: 0x40}, payload, -40, 200); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}

	if _, ok := tbl.Get(0x30); ok {
		t.Fatal("resident neighbor should have been evicted to admit the new peer")
	}

	rec, ok := tbl.Get(0x40)
	if !ok {
		t.Fatal("new peer was not installed")
	}
	if rec.IV[0] != 0xAB {
		t.Fatalf("installed IV[0] = %#x, want 0xAB from the Flash", rec.IV[0])
	}

	// Thunder to the joiner plus the Evict notice to the resident.
	if q.Len() != 2 {
		t.Fatalf("queued messages = %d, want 2 (thunder + evict)", q.Len())
	}
}

func TestJoinFSMHappyPath(t *testing.T) {
	t.Parallel()

	state := neighbor.JoinUnknown

	res := neighbor.ApplyJoinEvent(state, neighbor.EventPairDecided)
	if res.NewState != neighbor.JoinProvisionalWaitFlash {
		t.Fatalf("after PairDecided: %v", res.NewState)
	}
	state = res.NewState

	res = neighbor.ApplyJoinEvent(state, neighbor.EventFlashReceived)
	if res.NewState != neighbor.JoinProvisionalWaitThunder {
		t.Fatalf("after FlashReceived: %v", res.NewState)
	}
	state = res.NewState

	res = neighbor.ApplyJoinEvent(state, neighbor.EventThunderReceived)
	if res.NewState != neighbor.JoinEstablished {
		t.Fatalf("after ThunderReceived: %v", res.NewState)
	}
}

func TestJoinFSMUnlistedEventIsNoop(t *testing.T) {
	t.Parallel()

	res := neighbor.ApplyJoinEvent(neighbor.JoinUnknown, neighbor.EventThunderReceived)
	if res.Changed {
		t.Fatalf("unlisted transition should be a no-op, got %+v", res)
	}
	if res.NewState != neighbor.JoinUnknown {
		t.Fatalf("state = %v, want unchanged JoinUnknown", res.NewState)
	}
}
