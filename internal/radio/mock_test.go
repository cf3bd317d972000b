package radio_test

import (
	"context"
	"testing"
	"time"

	"github.com/giapdangle/sapphire/internal/radio"
)

func TestMediumDeliversToChannelPeers(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(1)
	a := radio.NewMock(med, 1, nil)
	b := radio.NewMock(med, 2, nil)

	if err := a.SetChannel(15); err != nil {
		t.Fatalf("SetChannel a: %v", err)
	}
	if err := b.SetChannel(15); err != nil {
		t.Fatalf("SetChannel b: %v", err)
	}

	if err := a.RequestTxMode(radio.TxModeAutoRetry); err != nil {
		t.Fatalf("RequestTxMode: %v", err)
	}

	status, err := a.Transmit(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if status != radio.TxOK {
		t.Fatalf("status = %v, want TxOK", status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	f, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(f.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", f.Payload, "hello")
	}
}

func TestMediumSkipsDifferentChannel(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(1)
	a := radio.NewMock(med, 1, nil)
	b := radio.NewMock(med, 2, nil)

	if err := a.SetChannel(11); err != nil {
		t.Fatalf("SetChannel a: %v", err)
	}
	if err := b.SetChannel(12); err != nil {
		t.Fatalf("SetChannel b: %v", err)
	}

	if err := a.RequestTxMode(radio.TxModeAutoRetry); err != nil {
		t.Fatalf("RequestTxMode: %v", err)
	}
	if _, err := a.Transmit(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Receive(ctx); err == nil {
		t.Fatal("expected no delivery across channels")
	}
}

func TestRequestTxModeBusy(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(1)
	a := radio.NewMock(med, 1, nil)

	if err := a.RequestTxMode(radio.TxModeAutoRetry); err != nil {
		t.Fatalf("first RequestTxMode: %v", err)
	}
	if err := a.RequestTxMode(radio.TxModeAutoRetry); err == nil {
		t.Fatal("expected ErrBusy on second RequestTxMode before Transmit")
	}
}

func TestLossyLinkDropsSomeFrames(t *testing.T) {
	t.Parallel()

	med := radio.NewMedium(42)
	a := radio.NewMock(med, 1, nil)
	b := radio.NewMock(med, 2, nil)
	med.SetLinkPRR(a, b, 0.0)

	if err := a.RequestTxMode(radio.TxModeAutoRetry); err != nil {
		t.Fatalf("RequestTxMode: %v", err)
	}
	if _, err := a.Transmit(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Receive(ctx); err == nil {
		t.Fatal("expected delivery to be dropped at PRR=0")
	}
}
