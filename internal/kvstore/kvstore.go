// Package kvstore declares the boundary to an external key-value store
// that can preseed or override a node's peer table and tuning knobs at
// startup (e.g. a gateway pushing a fresh neighbor set after a mesh
// reshuffle). Sapphire has no opinion on which store backs this —
// etcd, Consul, a file watched by some other daemon — so this package
// is interface-only plus a decoder for whatever untyped fragments a
// real implementation returns.
package kvstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/giapdangle/sapphire/internal/config"
)

// ErrKeyNotFound is returned by Store.Get when key has no value.
var ErrKeyNotFound = errors.New("kvstore: key not found")

// Store is the subset of key-value operations Sapphire's config layer
// needs: fetch a raw fragment by key, and watch for changes so a
// gateway node can react to an updated peer list without a restart.
// No concrete implementation ships in this module — see this package's
// doc comment.
type Store interface {
	// Get returns the raw, store-native value addressed by key (a YAML
	// or JSON document already decoded to a map[string]any, a struct
	// field tree, etc.), or ErrKeyNotFound if key is unset.
	Get(ctx context.Context, key string) (any, error)

	// Watch delivers the current value addressed by key, then every
	// subsequent value whenever it changes, until ctx is cancelled.
	Watch(ctx context.Context, key string) (<-chan any, error)
}

// DecodePeers decodes a raw fragment fetched from a Store into a peer
// preseed list, the same shape config.Config.Peers holds. Using
// mapstructure here (rather than a second koanf instance) keeps the
// KV-store boundary decoupled from file/env loading entirely: a Store
// fragment never passed through koanf's YAML parser in the first
// place, it came from whatever wire format the backing store uses.
func DecodePeers(raw any) ([]config.PeerConfig, error) {
	var peers []config.PeerConfig

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &peers,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: build peer decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("kvstore: decode peers: %w", err)
	}

	return peers, nil
}

// DecodeRadio decodes a raw fragment into a radio tuning override,
// following the same convention as DecodePeers.
func DecodeRadio(raw any) (config.RadioConfig, error) {
	var radio config.RadioConfig

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &radio,
		WeaklyTypedInput: true,
		TagName:          "koanf",
	})
	if err != nil {
		return config.RadioConfig{}, fmt.Errorf("kvstore: build radio decoder: %w", err)
	}

	if err := dec.Decode(raw); err != nil {
		return config.RadioConfig{}, fmt.Errorf("kvstore: decode radio config: %w", err)
	}

	return radio, nil
}

// ApplyPeers merges fetched peers into cfg, replacing any preseeded
// peer with a matching ShortAddr and appending the rest, so a partial
// KV-store fragment can override a subset of peers without needing to
// repeat the whole list.
func ApplyPeers(cfg *config.Config, peers []config.PeerConfig) {
	byAddr := make(map[uint16]int, len(cfg.Peers))
	for i, p := range cfg.Peers {
		byAddr[p.ShortAddr] = i
	}

	for _, p := range peers {
		if i, ok := byAddr[p.ShortAddr]; ok {
			cfg.Peers[i] = p
			continue
		}
		cfg.Peers = append(cfg.Peers, p)
		byAddr[p.ShortAddr] = len(cfg.Peers) - 1
	}
}
