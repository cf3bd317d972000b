package frag_test

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giapdangle/sapphire/internal/frag"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := frag.Header{Flags: frag.FlagIPv4 | frag.FlagAuth, Tag: 0xAB, TotalSize: 1000, Offset: 512}

	wire, err := frag.Encode(h)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(wire) != frag.HeaderSize {
		t.Fatalf("len(wire) = %d, want %d", len(wire), frag.HeaderSize)
	}

	got, err := frag.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != h {
		t.Fatalf("got = %+v, want %+v", got, h)
	}
}

func TestHeaderEncodeRejectsOutOfRangeFields(t *testing.T) {
	t.Parallel()

	if _, err := frag.Encode(frag.Header{TotalSize: 2000}); err == nil {
		t.Fatal("expected ErrFieldOutOfRange for TotalSize > 1023")
	}
	if _, err := frag.Encode(frag.Header{Offset: 2000}); err == nil {
		t.Fatal("expected ErrFieldOutOfRange for Offset > 1023")
	}
}

func TestSourceRouteHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	sr := frag.SourceRouteHeader{ForwardCost: 7, HopCount: 3, NextHopIndex: 1, Hops: []uint16{1, 2, 3}}

	wire := frag.EncodeSourceRoute(sr)

	got, rest, err := frag.DecodeSourceRoute(append(wire, 0xDE, 0xAD))
	if err != nil {
		t.Fatalf("DecodeSourceRoute: %v", err)
	}
	if got.ForwardCost != 7 || got.NextHopIndex != 1 || len(got.Hops) != 3 {
		t.Fatalf("got = %+v", got)
	}
	if len(rest) != 2 {
		t.Fatalf("rest = %v, want 2 trailing bytes", rest)
	}
}

func TestReassemblerAssemblesInOrderFragments(t *testing.T) {
	t.Parallel()

	r := frag.NewReassembler()
	now := time.Now()

	h1 := frag.Header{Flags: frag.FlagIPv4, Tag: 1, TotalSize: 6, Offset: 0}
	body, complete, err := r.Feed(1, h1, []byte{1, 2, 3}, now)
	if err != nil {
		t.Fatalf("Feed first: %v", err)
	}
	if complete {
		t.Fatal("should not be complete after first fragment")
	}
	if body != nil {
		t.Fatal("body should be nil until complete")
	}

	h2 := frag.Header{Flags: frag.FlagIPv4, Tag: 1, TotalSize: 6, Offset: 3}
	body, complete, err = r.Feed(1, h2, []byte{4, 5, 6}, now)
	if err != nil {
		t.Fatalf("Feed second: %v", err)
	}
	if !complete {
		t.Fatal("should be complete after second fragment")
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	for i, b := range want {
		if body[i] != b {
			t.Fatalf("body = %v, want %v", body, want)
		}
	}
}

func TestReassemblerAbortsOnOutOfOrderOffset(t *testing.T) {
	t.Parallel()

	r := frag.NewReassembler()
	now := time.Now()

	h1 := frag.Header{Flags: frag.FlagIPv4, Tag: 2, TotalSize: 9, Offset: 0}
	if _, _, err := r.Feed(1, h1, []byte{1, 2, 3}, now); err != nil {
		t.Fatalf("Feed first: %v", err)
	}

	h2 := frag.Header{Flags: frag.FlagIPv4, Tag: 2, TotalSize: 9, Offset: 6} // skipped offset 3
	if _, _, err := r.Feed(1, h2, []byte{7, 8, 9}, now); err == nil {
		t.Fatal("expected ErrOutOfOrder")
	}
}

func TestReassemblerAbortsOnHeaderMismatch(t *testing.T) {
	t.Parallel()

	r := frag.NewReassembler()
	now := time.Now()

	h1 := frag.Header{Flags: frag.FlagIPv4, Tag: 3, TotalSize: 9, Offset: 0}
	if _, _, err := r.Feed(1, h1, []byte{1, 2, 3}, now); err != nil {
		t.Fatalf("Feed first: %v", err)
	}

	h2 := frag.Header{Flags: frag.FlagIPv4 | frag.FlagAuth, Tag: 3, TotalSize: 9, Offset: 3}
	if _, _, err := r.Feed(1, h2, []byte{4, 5, 6}, now); err == nil {
		t.Fatal("expected ErrHeaderMismatch on flags mismatch")
	}
}

func TestReplayCacheRejectsWithinAgeWindow(t *testing.T) {
	t.Parallel()

	c := frag.NewReplayCache()
	now := time.Now()

	if !c.Accept(1, 5, now) {
		t.Fatal("first (src,tag) should be accepted")
	}
	if c.Accept(1, 5, now.Add(time.Second)) {
		t.Fatal("replay within age window should be rejected")
	}
	if !c.Accept(1, 5, now.Add(3*time.Second)) {
		t.Fatal("replay after age window should be accepted again")
	}
}

func TestDecrementTTLFlagsExpiryAndICMP(t *testing.T) {
	t.Parallel()

	packet := make([]byte, 20)
	packet[0] = 0x45 // version 4, IHL 5
	packet[8] = 1    // TTL
	packet[9] = 1    // protocol ICMP

	expired, isICMP, ok := frag.DecrementTTL(packet)
	if !ok {
		t.Fatal("DecrementTTL should succeed on a well-formed header")
	}
	if !expired {
		t.Fatal("TTL 1 -> 0 should report expired")
	}
	if !isICMP {
		t.Fatal("protocol 1 should report isICMP")
	}
	if packet[8] != 0 {
		t.Fatalf("TTL = %d, want 0", packet[8])
	}
}

func TestDecrementTTLRejectsShortPacket(t *testing.T) {
	t.Parallel()

	if _, _, ok := frag.DecrementTTL([]byte{1, 2, 3}); ok {
		t.Fatal("expected ok=false for a packet shorter than an IPv4 header")
	}
}

func TestBuildICMPTimeExceededIncludesQuotedHeader(t *testing.T) {
	t.Parallel()

	original := make([]byte, 20)
	original[0] = 0x45

	msg := frag.BuildICMPTimeExceeded(original)
	if msg[0] != 11 {
		t.Fatalf("icmp type = %d, want 11", msg[0])
	}
	if len(msg) != 8+len(original) {
		t.Fatalf("len(msg) = %d, want %d", len(msg), 8+len(original))
	}
}
