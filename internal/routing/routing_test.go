package routing_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giapdangle/sapphire/internal/routing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRREQRoundTrip(t *testing.T) {
	t.Parallel()

	r := routing.RREQ{
		Version:     1,
		Flags:       0,
		Tag:         0xBEEF,
		Query:       routing.Query{HasIP: true, DestIP: 0xC0A80001},
		ForwardCost: 10,
		ReverseCost: 5,
		Hops:        []uint16{1, 2, 3},
	}

	wire, err := routing.EncodeRREQ(r)
	if err != nil {
		t.Fatalf("EncodeRREQ: %v", err)
	}

	got, err := routing.DecodeRREQ(wire)
	if err != nil {
		t.Fatalf("DecodeRREQ: %v", err)
	}

	if got.Tag != r.Tag || got.Query.DestIP != r.Query.DestIP || len(got.Hops) != 3 {
		t.Fatalf("got = %+v, want %+v", got, r)
	}
}

func TestRREPRoundTrip(t *testing.T) {
	t.Parallel()

	r := routing.RREP{
		Version:  1,
		Tag:      42,
		HopIndex: 2,
		Hops:     []uint16{5, 6, 7},
	}

	wire, err := routing.EncodeRREP(r)
	if err != nil {
		t.Fatalf("EncodeRREP: %v", err)
	}

	got, err := routing.DecodeRREP(wire)
	if err != nil {
		t.Fatalf("DecodeRREP: %v", err)
	}
	if got.HopIndex != 2 || len(got.Hops) != 3 {
		t.Fatalf("got = %+v", got)
	}
}

func TestRERRRoundTrip(t *testing.T) {
	t.Parallel()

	r := routing.RERR{
		Version:        1,
		Code:           routing.ErrNextHopUnavailable,
		DestIP:         1,
		OriginIP:       2,
		ErrorIP:        3,
		UnreachableHop: 9,
		Hops:           []uint16{1, 2},
	}

	wire, err := routing.EncodeRERR(r)
	if err != nil {
		t.Fatalf("EncodeRERR: %v", err)
	}

	got, err := routing.DecodeRERR(wire)
	if err != nil {
		t.Fatalf("DecodeRERR: %v", err)
	}
	if got.Code != routing.ErrNextHopUnavailable || got.UnreachableHop != 9 {
		t.Fatalf("got = %+v", got)
	}
}

func TestTableInstallRejectsLoop(t *testing.T) {
	t.Parallel()

	tbl := routing.NewTable(nil)

	if err := tbl.Install(1, 10, []uint16{1, 2, 1}); err == nil {
		t.Fatal("expected ErrLoop for duplicate hop")
	}
}

func TestTableInstallKeepsLowerCost(t *testing.T) {
	t.Parallel()

	tbl := routing.NewTable(nil)

	if err := tbl.Install(1, 10, []uint16{1, 2}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := tbl.Install(1, 20, []uint16{3, 4}); err != nil {
		t.Fatalf("install higher cost: %v", err)
	}

	got, ok := tbl.Lookup(1)
	if !ok {
		t.Fatal("expected route to survive")
	}
	if got.Cost != 10 {
		t.Fatalf("cost = %d, want the lower cost 10 to be kept", got.Cost)
	}

	if err := tbl.Install(1, 5, []uint16{5}); err != nil {
		t.Fatalf("install lower cost: %v", err)
	}
	got, _ = tbl.Lookup(1)
	if got.Cost != 5 {
		t.Fatalf("cost = %d, want lower-cost replacement 5", got.Cost)
	}
}

func TestTableAgePurgesStaleAndOrphanedRoutes(t *testing.T) {
	t.Parallel()

	// Hop lists start with this node's own short address (0xA here);
	// Age checks liveness of Hops[1], the first hop beyond this node.
	neighbors := map[uint16]bool{1: true}
	tbl := routing.NewTable(func(short uint16) bool { return neighbors[short] })

	if err := tbl.Install(1, 1, []uint16{0xA, 1}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := tbl.Install(2, 1, []uint16{0xA, 9}); err != nil {
		t.Fatalf("install: %v", err)
	}

	tbl.Age(time.Now())

	if _, ok := tbl.Lookup(1); !ok {
		t.Fatal("route via live neighbor should survive Age")
	}
	if _, ok := tbl.Lookup(2); ok {
		t.Fatal("route via vanished neighbor should be purged by Age")
	}
}

func TestDiscoveryResolvesAndRetries(t *testing.T) {
	t.Parallel()

	var attempts int
	d := routing.NewDiscovery(routing.DiscoveryTuning{MaxAttempts: 3, MinSpacing: time.Millisecond, MaxSpacing: 2 * time.Millisecond},
		func(routing.RREQ) { attempts++ }, 1, nil)

	ch := d.Start(routing.Query{HasIP: true, DestIP: 1}, 1)
	if attempts != 1 {
		t.Fatalf("attempts after Start = %d, want 1", attempts)
	}

	d.Tick(time.Now().Add(10*time.Millisecond), 1)
	if attempts != 2 {
		t.Fatalf("attempts after retry Tick = %d, want 2", attempts)
	}

	d.Resolve(1, routing.Route{DestIP: 1, Cost: 3})

	select {
	case r := <-ch:
		if r.DestIP != 1 {
			t.Fatalf("resolved route = %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("discovery did not resolve")
	}
}

func TestDiscoveryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var attempts int
	d := routing.NewDiscovery(routing.DiscoveryTuning{MaxAttempts: 2, MinSpacing: time.Millisecond, MaxSpacing: 2 * time.Millisecond},
		func(routing.RREQ) { attempts++ }, 2, nil)

	ch := d.Start(routing.Query{HasIP: true, DestIP: 1}, 1)

	deadline := time.Now().Add(time.Second)
	for attempts < 2 && time.Now().Before(deadline) {
		d.Tick(time.Now().Add(10*time.Millisecond), 1)
		time.Sleep(time.Millisecond)
	}
	d.Tick(time.Now().Add(10*time.Millisecond), 1)

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed without a value on giveup")
		}
	case <-time.After(time.Second):
		t.Fatal("discovery did not give up")
	}
}
