// Package config loads Sapphire node configuration using koanf/v2:
// default-value, YAML file, and environment variable layers merged in
// that order (a DefaultConfig() base layer, then file.Provider +
// yaml.Parser, then env.Provider, and a Validate pass before the config
// is handed out).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete configuration for one Sapphire node.
type Config struct {
	Identity NodeIdentity   `koanf:"identity" yaml:"identity"`
	Radio    RadioConfig    `koanf:"radio" yaml:"radio"`
	Neighbor NeighborConfig `koanf:"neighbor" yaml:"neighbor"`
	Crypto   CryptoConfig   `koanf:"crypto" yaml:"crypto"`
	Routing  RoutingConfig  `koanf:"routing" yaml:"routing"`
	Timesync TimesyncConfig `koanf:"timesync" yaml:"timesync"`
	Diag     DiagConfig     `koanf:"diag" yaml:"diag"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
	Gateway  GatewayConfig  `koanf:"gateway" yaml:"gateway"`
	Peers    []PeerConfig   `koanf:"peers" yaml:"peers"`
}

// NodeIdentity names this node on the mesh (the short/long
// address pair and the PAN it belongs to).
type NodeIdentity struct {
	ShortAddr uint16 `koanf:"short_addr" yaml:"short_addr"`
	LongAddr  uint64 `koanf:"long_addr" yaml:"long_addr"`
	PAN       uint16 `koanf:"pan" yaml:"pan"`
	IPv4Addr  uint32 `koanf:"ipv4_addr" yaml:"ipv4_addr"`
	Gateway   bool   `koanf:"gateway" yaml:"gateway"`
}

// RadioConfig holds the channel set, TX power, and CSMA/CCA tuning.
type RadioConfig struct {
	Channels  []uint8 `koanf:"channels" yaml:"channels"`
	TxPowerDB int8    `koanf:"tx_power_db" yaml:"tx_power_db"`
	MinBE     uint8   `koanf:"min_be" yaml:"min_be"`
	MaxBE     uint8   `koanf:"max_be" yaml:"max_be"`
	QueueSize int     `koanf:"queue_size" yaml:"queue_size"`
}

// NeighborConfig sizes the neighbor table and beacon timing.
type NeighborConfig struct {
	TableSize       int           `koanf:"table_size" yaml:"table_size"`
	ScanDwell       time.Duration `koanf:"scan_dwell" yaml:"scan_dwell"`
	BeaconMin       time.Duration `koanf:"beacon_min" yaml:"beacon_min"`
	BeaconMax       time.Duration `koanf:"beacon_max" yaml:"beacon_max"`
	HandshakeWindow time.Duration `koanf:"handshake_window" yaml:"handshake_window"`
}

// CryptoConfig carries the network-wide authentication key and the
// per-neighbor IV derivation seed.
type CryptoConfig struct {
	AuthKeyHex string `koanf:"auth_key_hex" yaml:"auth_key_hex"`
	IVSeedHex  string `koanf:"iv_seed_hex" yaml:"iv_seed_hex"`
}

// RoutingConfig tunes AODV-style route discovery.
type RoutingConfig struct {
	Enabled     bool          `koanf:"enabled" yaml:"enabled"`
	MaxAttempts int           `koanf:"max_attempts" yaml:"max_attempts"`
	MinSpacing  time.Duration `koanf:"min_spacing" yaml:"min_spacing"`
	MaxSpacing  time.Duration `koanf:"max_spacing" yaml:"max_spacing"`
}

// TimesyncConfig tunes the resync loop.
type TimesyncConfig struct {
	ResyncBase      time.Duration `koanf:"resync_base" yaml:"resync_base"`
	ResyncJitterMax time.Duration `koanf:"resync_jitter_max" yaml:"resync_jitter_max"`
}

// DiagConfig holds the JSON introspection HTTP server address.
type DiagConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
	Path string `koanf:"path" yaml:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

// GatewayConfig configures the host-facing UDP bridge a gateway node
// exposes. The gateway application itself is out of scope, but the
// transport seam feeding it is carried here. Only meaningful when Identity.Gateway is
// set; ignored on a non-gateway node.
type GatewayConfig struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled"`
	ListenAddr string `koanf:"listen_addr" yaml:"listen_addr"`
	Port       uint16 `koanf:"port" yaml:"port"`
	BindDevice string `koanf:"bind_device" yaml:"bind_device"`
	MeshPort   uint16 `koanf:"mesh_port" yaml:"mesh_port"`
	MeshPrefix uint32 `koanf:"mesh_prefix" yaml:"mesh_prefix"`
}

// PeerConfig preseeds a known neighbor for bench/testbed determinism:
// a fixed peer list rather than a dynamic join.
type PeerConfig struct {
	ShortAddr uint16 `koanf:"short_addr" yaml:"short_addr"`
	LongAddr  uint64 `koanf:"long_addr" yaml:"long_addr"`
	Depth     uint8  `koanf:"depth" yaml:"depth"`
	Upstream  bool   `koanf:"upstream" yaml:"upstream"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults,
// matching the protocol's fixed constants (CSMA BE bounds,
// beacon backoff range, route discovery retry count and spacing,
// resync base interval).
func DefaultConfig() *Config {
	return &Config{
		Radio: RadioConfig{
			Channels:  []uint8{11, 15, 20, 25},
			TxPowerDB: 0,
			MinBE:     3,
			MaxBE:     5,
			QueueSize: 16,
		},
		Neighbor: NeighborConfig{
			TableSize:       16,
			ScanDwell:       50 * time.Millisecond,
			BeaconMin:       1 * time.Second,
			BeaconMax:       32 * time.Second,
			HandshakeWindow: 2 * time.Second,
		},
		Routing: RoutingConfig{
			Enabled:     true,
			MaxAttempts: 3,
			MinSpacing:  128 * time.Millisecond,
			MaxSpacing:  640 * time.Millisecond,
		},
		Timesync: TimesyncConfig{
			ResyncBase:      120 * time.Second,
			ResyncJitterMax: 10 * time.Second,
		},
		Diag: DiagConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Gateway: GatewayConfig{
			Enabled:    false,
			ListenAddr: "0.0.0.0",
			Port:       7000,
			MeshPort:   7000,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for Sapphire configuration.
// Variables are named SAPPHIRE_<section>_<key>, e.g., SAPPHIRE_RADIO_MIN_BE.
const envPrefix = "SAPPHIRE_"

// Load reads configuration from a YAML file at path, overlays
// environment variable overrides (SAPPHIRE_ prefix), and merges on top
// of DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms SAPPHIRE_RADIO_MIN_BE -> radio.min_be.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"radio.channels":             defaults.Radio.Channels,
		"radio.tx_power_db":          defaults.Radio.TxPowerDB,
		"radio.min_be":               defaults.Radio.MinBE,
		"radio.max_be":               defaults.Radio.MaxBE,
		"radio.queue_size":           defaults.Radio.QueueSize,
		"neighbor.table_size":        defaults.Neighbor.TableSize,
		"neighbor.scan_dwell":        defaults.Neighbor.ScanDwell.String(),
		"neighbor.beacon_min":        defaults.Neighbor.BeaconMin.String(),
		"neighbor.beacon_max":        defaults.Neighbor.BeaconMax.String(),
		"neighbor.handshake_window":  defaults.Neighbor.HandshakeWindow.String(),
		"routing.enabled":            defaults.Routing.Enabled,
		"routing.max_attempts":       defaults.Routing.MaxAttempts,
		"routing.min_spacing":        defaults.Routing.MinSpacing.String(),
		"routing.max_spacing":        defaults.Routing.MaxSpacing.String(),
		"timesync.resync_base":       defaults.Timesync.ResyncBase.String(),
		"timesync.resync_jitter_max": defaults.Timesync.ResyncJitterMax.String(),
		"diag.addr":                  defaults.Diag.Addr,
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"gateway.enabled":            defaults.Gateway.Enabled,
		"gateway.listen_addr":        defaults.Gateway.ListenAddr,
		"gateway.port":               defaults.Gateway.Port,
		"gateway.mesh_port":          defaults.Gateway.MeshPort,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrInvalidMinBE        = errors.New("radio.min_be must be <= radio.max_be")
	ErrNoChannels          = errors.New("radio.channels must list at least one channel")
	ErrInvalidQueueSize    = errors.New("radio.queue_size must be > 0")
	ErrInvalidTableSize    = errors.New("neighbor.table_size must be > 0")
	ErrInvalidBeaconRange  = errors.New("neighbor.beacon_min must be <= neighbor.beacon_max")
	ErrInvalidMaxAttempts  = errors.New("routing.max_attempts must be > 0")
	ErrInvalidSpacingRange = errors.New("routing.min_spacing must be <= routing.max_spacing")
	ErrDuplicatePeer       = errors.New("duplicate peer short_addr")
	ErrInvalidGatewayPort  = errors.New("gateway.port and gateway.mesh_port must be > 0 when gateway.enabled")
)

// Validate checks the configuration for logical errors, returning the
// first one encountered.
func Validate(cfg *Config) error {
	if cfg.Radio.MinBE > cfg.Radio.MaxBE {
		return ErrInvalidMinBE
	}
	if len(cfg.Radio.Channels) == 0 {
		return ErrNoChannels
	}
	if cfg.Radio.QueueSize <= 0 {
		return ErrInvalidQueueSize
	}
	if cfg.Neighbor.TableSize <= 0 {
		return ErrInvalidTableSize
	}
	if cfg.Neighbor.BeaconMin > cfg.Neighbor.BeaconMax {
		return ErrInvalidBeaconRange
	}
	if cfg.Routing.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if cfg.Routing.MinSpacing > cfg.Routing.MaxSpacing {
		return ErrInvalidSpacingRange
	}
	if cfg.Gateway.Enabled && (cfg.Gateway.Port == 0 || cfg.Gateway.MeshPort == 0) {
		return ErrInvalidGatewayPort
	}

	return validatePeers(cfg.Peers)
}

func validatePeers(peers []PeerConfig) error {
	seen := make(map[uint16]struct{}, len(peers))

	for i, p := range peers {
		if _, dup := seen[p.ShortAddr]; dup {
			return fmt.Errorf("peers[%d] short_addr %d: %w", i, p.ShortAddr, ErrDuplicatePeer)
		}
		seen[p.ShortAddr] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Snapshot
// -------------------------------------------------------------------------

// DumpYAML renders the fully resolved configuration (defaults, file, and
// environment layers merged) back as YAML. Used by sapphired's
// -dump-config flag so an operator can see exactly what the node is
// running with. Durations render in Go duration notation (e.g. "2s").
func DumpYAML(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config snapshot: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the
// corresponding slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
