package mac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/giapdangle/sapphire/internal/metrics"
	"github.com/giapdangle/sapphire/internal/radio"
)

// LinkStatsUpdater receives RSSI/LQI samples from every frame this node
// hears, regardless of upper protocol. Declared here, not in
// internal/neighbor, so this package never imports neighbor — the same
// decoupling idiom LinkObserver uses for transmit-side stats.
type LinkStatsUpdater interface {
	UpdateRSSILQI(short uint16, rssi int8, lqi uint8, now time.Time)
}

// NeighborDispatcher hands a decoded Neighbor-protocol payload to the
// neighbor manager.
type NeighborDispatcher interface {
	HandleFrame(src Addr, payload []byte, rssi int8, lqi uint8) error
}

// UpperDispatcher hands a decoded IPv4 or TimeSync payload up to its
// layer. internal/frag.Pipeline and internal/timesync.Manager both
// satisfy this shape.
type UpperDispatcher interface {
	HandleFrame(src Addr, payload []byte, now time.Time) error
}

// Receiver pumps decoded, replay-checked, link-stat-updated frames from
// the radio's receive ring to the protocol handler selected by the
// frame's protocol-control field It is
// the ISR-side counterpart of TxQueue, run from its own goroutine (the
// "radio ISR pump" in cmd/sapphired) rather than as a scheduler task,
// since the underlying radio.Radio.Receive blocks on the hardware/mock
// ring rather than polling a deadline.
type Receiver struct {
	log    *slog.Logger
	rdo    radio.Radio
	clock  radio.Clock
	cache  *ReplayCache
	stats  LinkStatsUpdater
	metric *metrics.Collector

	neighbor NeighborDispatcher
	ipv4     UpperDispatcher
	timesync UpperDispatcher
}

// NewReceiver constructs a Receiver. ipv4 and timesync may be nil during
// construction and set later via SetIPv4/SetTimeSync, since those layers
// are themselves wired against the neighbor table and routing table that
// depend on this same Receiver existing (internal/node breaks the cycle
// by constructing in dependency order then patching the handlers in).
// metric may be nil.
func NewReceiver(log *slog.Logger, rdo radio.Radio, clock radio.Clock, neighbor NeighborDispatcher, stats LinkStatsUpdater, metric *metrics.Collector) *Receiver {
	return &Receiver{
		log:      log,
		rdo:      rdo,
		clock:    clock,
		cache:    NewReplayCache(),
		stats:    stats,
		neighbor: neighbor,
		metric:   metric,
	}
}

// SetIPv4 installs the fragmentation layer's frame handler.
func (r *Receiver) SetIPv4(h UpperDispatcher) { r.ipv4 = h }

// SetTimeSync installs the time-sync layer's frame handler.
func (r *Receiver) SetTimeSync(h UpperDispatcher) { r.timesync = h }

// Run blocks, pumping frames from the radio until ctx is cancelled. Each
// frame is decoded, checked against the MAC replay cache keyed on
// (source short address, sequence), credited to the source's link-
// quality stats, and dispatched to the matching protocol handler.
// Decode failures, replay hits, and dispatch errors are logged
// and otherwise silently discarded — they never poison node-wide state.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		rx, err := r.rdo.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("mac: receive failed", "err", err)
			continue
		}

		r.handle(rx)
	}
}

func (r *Receiver) handle(rx radio.RxFrame) {
	f, err := Decode(rx.Payload)
	if err != nil {
		r.log.Debug("mac: decode failed", "err", err)
		if r.metric != nil {
			r.metric.IncFramesDropped("decode_error")
		}
		return
	}

	if !r.cache.Accept(f.Src.Short, f.Seq) {
		r.log.Debug("mac: replay dropped", "src", f.Src.Short, "seq", f.Seq)
		if r.metric != nil {
			r.metric.IncFramesDropped("replay")
			r.metric.IncReplayDrops(fmt.Sprintf("%#04x", f.Src.Short))
		}
		return
	}

	if r.metric != nil {
		r.metric.IncFramesReceived()
	}

	now := r.clock.Now()
	if r.stats != nil {
		r.stats.UpdateRSSILQI(f.Src.Short, rx.RSSI, rx.LQI, now)
	}

	switch f.Protocol {
	case ProtoNeighbor:
		if r.neighbor == nil {
			return
		}
		if err := r.neighbor.HandleFrame(f.Src, f.Payload, rx.RSSI, rx.LQI); err != nil {
			r.log.Debug("mac: neighbor dispatch failed", "src", f.Src.Short, "err", err)
		}
	case ProtoIPv4:
		if r.ipv4 == nil {
			return
		}
		if err := r.ipv4.HandleFrame(f.Src, f.Payload, now); err != nil {
			r.log.Debug("mac: ipv4 dispatch failed", "src", f.Src.Short, "err", err)
		}
	case ProtoTimeSync:
		if r.timesync == nil {
			return
		}
		if err := r.timesync.HandleFrame(f.Src, f.Payload, now); err != nil {
			r.log.Debug("mac: timesync dispatch failed", "src", f.Src.Short, "err", err)
		}
	default:
		r.log.Debug("mac: unknown protocol, dropped", "proto", f.Protocol)
		if r.metric != nil {
			r.metric.IncFramesDropped("unknown_protocol")
		}
	}
}
