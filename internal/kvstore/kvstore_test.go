package kvstore_test

import (
	"testing"

	"github.com/giapdangle/sapphire/internal/config"
	"github.com/giapdangle/sapphire/internal/kvstore"
)

func TestDecodePeers(t *testing.T) {
	raw := []any{
		map[string]any{"short_addr": 100, "long_addr": 1, "depth": 1, "upstream": true},
		map[string]any{"short_addr": 200, "long_addr": 2, "depth": 2, "upstream": false},
	}

	peers, err := kvstore.DecodePeers(raw)
	if err != nil {
		t.Fatalf("DecodePeers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].ShortAddr != 100 || !peers[0].Upstream {
		t.Errorf("peers[0] = %+v", peers[0])
	}
	if peers[1].ShortAddr != 200 || peers[1].Upstream {
		t.Errorf("peers[1] = %+v", peers[1])
	}
}

func TestDecodeRadio(t *testing.T) {
	raw := map[string]any{"channels": []any{11, 15}, "tx_power_db": 4, "min_be": 3, "max_be": 5, "queue_size": 32}

	radio, err := kvstore.DecodeRadio(raw)
	if err != nil {
		t.Fatalf("DecodeRadio: %v", err)
	}
	if radio.QueueSize != 32 || radio.TxPowerDB != 4 {
		t.Errorf("radio = %+v", radio)
	}
}

func TestApplyPeers(t *testing.T) {
	cfg := &config.Config{
		Peers: []config.PeerConfig{
			{ShortAddr: 1, Depth: 1},
			{ShortAddr: 2, Depth: 2},
		},
	}

	kvstore.ApplyPeers(cfg, []config.PeerConfig{
		{ShortAddr: 2, Depth: 9},
		{ShortAddr: 3, Depth: 3},
	})

	if len(cfg.Peers) != 3 {
		t.Fatalf("got %d peers, want 3", len(cfg.Peers))
	}
	if cfg.Peers[1].Depth != 9 {
		t.Errorf("peer 2 not overridden: %+v", cfg.Peers[1])
	}
	if cfg.Peers[2].ShortAddr != 3 {
		t.Errorf("peer 3 not appended: %+v", cfg.Peers[2])
	}
}
