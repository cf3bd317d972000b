package testbed_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/giapdangle/sapphire/internal/config"
	"github.com/giapdangle/sapphire/internal/testbed"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func gatewayConfig(short uint16) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity = config.NodeIdentity{ShortAddr: short, LongAddr: uint64(short), PAN: 0xCAFE, IPv4Addr: 0x0A000001, Gateway: true}
	cfg.Crypto = config.CryptoConfig{AuthKeyHex: "000102030405060708090a0b0c0d0e0f"}
	return cfg
}

func leafConfig(short uint16, ip uint32) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Identity = config.NodeIdentity{ShortAddr: short, LongAddr: uint64(short), PAN: 0xCAFE, IPv4Addr: ip, Gateway: false}
	cfg.Crypto = config.CryptoConfig{AuthKeyHex: "000102030405060708090a0b0c0d0e0f"}
	return cfg
}

// TestTwoNodeJoin: a leaf node joins a
// single gateway and picks it as upstream within the handshake window.
func TestTwoNodeJoin(t *testing.T) {
	tb := testbed.New(discardLogger(), 1)

	gw, err := tb.AddNode(gatewayConfig(0x0001))
	if err != nil {
		t.Fatalf("add gateway: %v", err)
	}
	leaf, err := tb.AddNode(leafConfig(0x0002, 0x0A000002))
	if err != nil {
		t.Fatalf("add leaf: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := leaf.Core.NeighborManager.Upstream(); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	upstream, ok := leaf.Core.NeighborManager.Upstream()
	if !ok {
		t.Fatalf("leaf never selected an upstream")
	}
	if upstream != gw.Config.Identity.ShortAddr {
		t.Errorf("leaf upstream = %#04x, want %#04x", upstream, gw.Config.Identity.ShortAddr)
	}

	if err := tb.Stop(); err != nil && err != context.Canceled {
		t.Fatalf("stop: %v", err)
	}
}

// TestDetachStopsTraffic:
// detaching a node must not hang the testbed's shutdown.
func TestDetachStopsTraffic(t *testing.T) {
	tb := testbed.New(discardLogger(), 2)

	if _, err := tb.AddNode(gatewayConfig(0x0011)); err != nil {
		t.Fatalf("add gateway: %v", err)
	}
	if _, err := tb.AddNode(leafConfig(0x0012, 0x0A000012)); err != nil {
		t.Fatalf("add leaf: %v", err)
	}

	if err := tb.Detach(0x0012); err != nil {
		t.Fatalf("detach: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- tb.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("testbed did not stop in time")
	}
}
