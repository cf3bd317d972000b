package mac_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/radio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	f := mac.Frame{
		Dest:     mac.Addr{Mode: mac.AddrShort, Short: 0x0002},
		Src:      mac.Addr{Mode: mac.AddrShort, Short: 0x0001},
		Seq:      7,
		Protocol: mac.ProtoIPv4,
		Payload:  []byte("payload"),
	}

	wire, err := mac.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := mac.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Dest.Short != f.Dest.Short || got.Src.Short != f.Src.Short {
		t.Fatalf("addrs = %+v/%+v, want %+v/%+v", got.Dest, got.Src, f.Dest, f.Src)
	}
	if got.Seq != f.Seq || got.Protocol != f.Protocol {
		t.Fatalf("seq/proto = %d/%v, want %d/%v", got.Seq, got.Protocol, f.Seq, f.Protocol)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload = %q, want %q", got.Payload, f.Payload)
	}
}

func TestEncodeDecodeWithAuthHeader(t *testing.T) {
	t.Parallel()

	f := mac.Frame{
		Dest:     mac.Addr{Mode: mac.AddrLong, Long: 0xAABBCCDD},
		Src:      mac.Addr{Mode: mac.AddrLong, Long: 0x11223344},
		Seq:      1,
		Protocol: mac.ProtoNeighbor,
		Auth:     &mac.AuthHeader{ReplayCounter: 99},
		Payload:  []byte{0x01, 0x02, 0x03},
	}
	f.Auth.Tag[0] = 0xFE

	wire, err := mac.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := mac.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Auth == nil {
		t.Fatal("Auth = nil, want non-nil")
	}
	if got.Auth.ReplayCounter != 99 || got.Auth.Tag[0] != 0xFE {
		t.Fatalf("auth = %+v, want ReplayCounter=99 Tag[0]=0xFE", got.Auth)
	}
}

func TestDecodeRejectsCorruptCRC(t *testing.T) {
	t.Parallel()

	f := mac.Frame{
		Dest: mac.Addr{Mode: mac.AddrShort, Short: 2},
		Src:  mac.Addr{Mode: mac.AddrShort, Short: 1},
	}

	wire, err := mac.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	wire[len(wire)-1] ^= 0xFF

	if _, err := mac.Decode(wire); err == nil {
		t.Fatal("expected CRC mismatch error")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	f := mac.Frame{
		Dest:    mac.Addr{Mode: mac.AddrShort, Short: 2},
		Src:     mac.Addr{Mode: mac.AddrShort, Short: 1},
		Payload: make([]byte, mac.MTU+1),
	}

	if _, err := mac.Encode(f); err == nil {
		t.Fatal("expected ErrPayloadTooLarge")
	}
}

func TestReplayCacheRejectsDuplicate(t *testing.T) {
	t.Parallel()

	c := mac.NewReplayCache()

	if !c.Accept(1, 5) {
		t.Fatal("first (src,seq) should be accepted")
	}
	if c.Accept(1, 5) {
		t.Fatal("duplicate (src,seq) should be rejected")
	}
	if !c.Accept(1, 6) {
		t.Fatal("distinct seq from same src should be accepted")
	}
	if !c.Accept(2, 5) {
		t.Fatal("same seq from distinct src should be accepted")
	}
}

type recordingObserver struct {
	dest   mac.Addr
	status radio.TxStatus
}

func (r *recordingObserver) OnTxResult(dest mac.Addr, status radio.TxStatus, _ time.Duration) {
	r.dest = dest
	r.status = status
}

func TestTxQueueDrainDeliversAndUpdatesBackoff(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(7)
	a := radio.NewMock(med, 1, nil)
	b := radio.NewMock(med, 2, nil)

	if err := a.SetChannel(11); err != nil {
		t.Fatalf("SetChannel a: %v", err)
	}
	if err := b.SetChannel(11); err != nil {
		t.Fatalf("SetChannel b: %v", err)
	}

	backoff := mac.NewAdaptiveBackoff(3, 5)
	obs := &recordingObserver{}
	q := mac.NewTxQueue(a, 4, backoff, obs, mac.Addr{Mode: mac.AddrShort, Short: 1}, nil)

	opts := mac.TxOptions{
		Dest:     mac.Addr{Mode: mac.AddrShort, Short: 2},
		Protocol: mac.ProtoIPv4,
		AckReq:   true,
	}

	if _, err := q.Enqueue(opts, []byte("hi"), true); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := q.DrainOne(ctx); err != nil {
		t.Fatalf("DrainOne: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("Len after drain = %d, want 0", q.Len())
	}

	if obs.status != radio.TxOK {
		t.Fatalf("observed status = %v, want TxOK", obs.status)
	}
	if backoff.BE() != 3 {
		t.Fatalf("BE after ack success = %d, want floor 3", backoff.BE())
	}

	rctx, rcancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer rcancel()

	f, err := b.Receive(rctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	decoded, err := mac.Decode(f.Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if string(decoded.Payload) != "hi" {
		t.Fatalf("payload = %q, want %q", decoded.Payload, "hi")
	}
}

func TestTxQueueEnqueueRejectsWhenFull(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(1)
	a := radio.NewMock(med, 1, nil)

	backoff := mac.NewAdaptiveBackoff(3, 5)
	q := mac.NewTxQueue(a, 1, backoff, nil, mac.Addr{Mode: mac.AddrShort, Short: 1}, nil)

	opts := mac.TxOptions{Dest: mac.Addr{Mode: mac.AddrShort, Short: 2}}

	if _, err := q.Enqueue(opts, []byte("a"), false); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := q.Enqueue(opts, []byte("b"), false); err == nil {
		t.Fatal("expected ErrQueueFull on second Enqueue")
	}
}

func TestAdaptiveBackoffClampsToBounds(t *testing.T) {
	t.Parallel()

	b := mac.NewAdaptiveBackoff(3, 5)

	for range 64 {
		b.OnCCAFailure()
	}
	if got := b.BE(); got != 5 {
		t.Fatalf("BE after saturation = %d, want 5", got)
	}

	for range 64 {
		b.OnAckSuccess()
	}
	if got := b.BE(); got != 3 {
		t.Fatalf("BE after floor = %d, want 3", got)
	}
}
