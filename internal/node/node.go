// Package node wires every Sapphire protocol layer for one mesh node
// into a single running unit: scheduler, handle arena, MAC transmit
// queue and receive pump, neighbor protocol, fragmentation/routing
// transport, AODV-style route discovery, time synchronization, and the
// UDP/UDPX socket layer.
//
// New receives an already-loaded config, a logger, the radio and clock,
// and a Prometheus registerer, and builds the protocol layers on top of
// them in dependency order, with a single exported struct owning every
// live component plus the goroutines/tasks driving them.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/giapdangle/sapphire/internal/alloc"
	"github.com/giapdangle/sapphire/internal/config"
	"github.com/giapdangle/sapphire/internal/frag"
	"github.com/giapdangle/sapphire/internal/mac"
	"github.com/giapdangle/sapphire/internal/metrics"
	"github.com/giapdangle/sapphire/internal/neighbor"
	"github.com/giapdangle/sapphire/internal/radio"
	"github.com/giapdangle/sapphire/internal/routing"
	"github.com/giapdangle/sapphire/internal/sched"
	"github.com/giapdangle/sapphire/internal/socket"
	"github.com/giapdangle/sapphire/internal/timesync"
	"github.com/giapdangle/sapphire/internal/xcrypto"
)

// arenaCapacity bounds the scratch-buffer arena handed to diagnostics
// and one-off encode paths that want handle-based bookkeeping instead
// of ad hoc allocation. Nothing on the hot frame path depends on it.
const arenaCapacity = 64 * 1024

// schedTaskCapacity bounds the number of concurrently spawned scheduler
// tasks: one each for the MAC transmit queue, neighbor protocol, routing
// maintenance, and time sync, with headroom for diagnostics-driven
// one-offs. The table is sized at build time and never grown.
const schedTaskCapacity = 16

// pllCalibrationPeriod is how often the dedicated calibration task
// re-locks the radio's frequency synthesizer.
const pllCalibrationPeriod = 30 * time.Second

// routingEphemeralPort is the source port Sapphire's own routing control
// traffic uses (only the destination port, 24002, is fixed; the
// source port is free, and reusing the same well-known port on both
// ends keeps a testbed capture readable).
const routingEphemeralPort = routing.RoutingPort

// Node owns every live component of one running Sapphire mesh node and
// the scheduler tasks driving them.
type Node struct {
	log    *slog.Logger
	cfg    *config.Config
	clock  radio.Clock
	metric *metrics.Collector

	Scheduler *sched.Scheduler
	Arena     *alloc.Arena

	Radio    radio.Radio
	TxQueue  *mac.TxQueue
	Backoff  *mac.AdaptiveBackoff
	Receiver *mac.Receiver

	NeighborTable   *neighbor.Table
	NeighborManager *neighbor.Manager

	RouteTable      *routing.Table
	Discovery       *routing.Discovery
	RoutingProtocol *routing.Protocol

	Fragmentation *frag.Pipeline
	TimeSync      *timesync.Manager

	Dispatcher *socket.Dispatcher
	UDPXClient *socket.Client
	UDPXServer *socket.Server

	txTask        sched.Handle
	neighborTask  sched.Handle
	routingTask   sched.Handle
	timesyncTask  sched.Handle
	calibrateTask sched.Handle
}

// deliverToDispatcher breaks the construction-order cycle between
// internal/frag.Pipeline (which needs a Deliverer to hand reassembled
// packets to) and internal/socket.Dispatcher (which needs the Pipeline
// as its Sender): Pipeline is built first against this shim, and the
// real Dispatcher is patched in once it exists.
type deliverToDispatcher struct {
	d *socket.Dispatcher
}

func (s *deliverToDispatcher) DeliverIPv4(packet []byte, secure bool) {
	if s.d != nil {
		s.d.DeliverIPv4(packet, secure)
	}
}

// New constructs a Node from cfg, wiring every layer in dependency order
// and breaking the construction-time cycles (routing <-> frag's
// direct-send transport, frag <-> socket's dispatcher, and the MAC
// receiver's upper-layer handlers) with the setter/shim each package
// exposes for exactly that purpose. rdo and clock are injected rather
// than constructed here, since the physical transceiver driver sits
// outside this module; the testbed and cmd/sapphired both pass an
// internal/radio.Mock.
func New(log *slog.Logger, cfg *config.Config, rdo radio.Radio, clock radio.Clock, reg prometheus.Registerer) (*Node, error) {
	authKey, err := parseAuthKey(cfg.Crypto.AuthKeyHex)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	localShort := cfg.Identity.ShortAddr
	localAddr := mac.Addr{Mode: mac.AddrShort, PAN: cfg.Identity.PAN, HasPAN: true, Short: localShort}

	n := &Node{
		log:       log,
		cfg:       cfg,
		clock:     clock,
		metric:    metrics.NewCollector(reg),
		Scheduler: sched.New(schedTaskCapacity),
		Arena:     alloc.New(arenaCapacity),
		Radio:     rdo,
	}

	if err := n.configureRadio(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	n.Backoff = mac.NewAdaptiveBackoff(cfg.Radio.MinBE, cfg.Radio.MaxBE)
	n.NeighborTable = neighbor.NewTable(cfg.Neighbor.TableSize)

	n.TxQueue = mac.NewTxQueue(rdo, cfg.Radio.QueueSize, n.Backoff, n.txLinkObserver(), localAddr, n.metric)

	n.NeighborManager = neighbor.NewManager(
		log.With(slog.String("component", "neighbor")),
		localShort, cfg.Identity.LongAddr, cfg.Identity.PAN, authKey,
		n.NeighborTable, n.TxQueue, rdo, clock,
		cfg.Radio.Channels, neighborTuning(cfg.Neighbor), cfg.Identity.Gateway,
	)

	n.Receiver = mac.NewReceiver(log.With(slog.String("component", "mac")), rdo, clock, n.NeighborManager, n.NeighborTable, n.metric)

	n.RouteTable = routing.NewTable(n.isNeighbor)
	n.Discovery = routing.NewDiscovery(discoveryTuning(cfg.Routing), n.broadcastRREQ, uint64(localShort), n.metric)

	deliverShim := &deliverToDispatcher{}
	n.Fragmentation = frag.NewPipeline(
		log.With(slog.String("component", "frag")),
		localShort, cfg.Identity.IPv4Addr, authKey, cfg.Routing.Enabled,
		n.TxQueue, n.RouteTable, n.Discovery, n.NeighborTable, deliverShim, n.metric,
	)

	n.RoutingProtocol = routing.NewProtocol(
		log.With(slog.String("component", "routing")),
		localShort, cfg.Identity.IPv4Addr, cfg.Identity.Gateway, cfg.Routing.Enabled,
		n.RouteTable, n.Discovery, linkCoster{n.NeighborTable}, routingTransport{n.Fragmentation, cfg.Identity.IPv4Addr},
	)
	n.Fragmentation.SetRoutingErrorSender(n.RoutingProtocol)

	n.TimeSync = timesync.NewManager(
		log.With(slog.String("component", "timesync")),
		localShort, authKey, n.TxQueue, clock, n.NeighborManager, n.NeighborTable,
		timesync.NTP{}, uint64(localShort)^0xA5A5,
	)

	n.Receiver.SetIPv4(n.Fragmentation)
	n.Receiver.SetTimeSync(n.TimeSync)

	n.Dispatcher = socket.NewDispatcher(log.With(slog.String("component", "socket")), cfg.Identity.IPv4Addr, n.Fragmentation)
	deliverShim.d = n.Dispatcher
	if err := n.Dispatcher.Bind(routing.RoutingPort, n.handleRoutingDatagram); err != nil {
		return nil, fmt.Errorf("node: bind routing port: %w", err)
	}

	n.UDPXClient = socket.NewClient(log.With(slog.String("component", "udpx-client")), n.Dispatcher, socket.DefaultClientTuning())
	n.UDPXServer = socket.NewServer(n.Dispatcher)

	return n, nil
}

func (n *Node) configureRadio() error {
	if err := n.Radio.SetAddresses(radio.Addresses{PAN: n.cfg.Identity.PAN, Short: n.cfg.Identity.ShortAddr, Long: n.cfg.Identity.LongAddr}); err != nil {
		return fmt.Errorf("set addresses: %w", err)
	}
	if err := n.Radio.SetTxPower(n.cfg.Radio.TxPowerDB); err != nil {
		return fmt.Errorf("set tx power: %w", err)
	}
	if err := n.Radio.SetCSMA(radio.CSMAParams{MinBE: n.cfg.Radio.MinBE, MaxBE: n.cfg.Radio.MaxBE}); err != nil {
		return fmt.Errorf("set csma: %w", err)
	}

	return nil
}

func neighborTuning(c config.NeighborConfig) neighbor.Tuning {
	t := neighbor.DefaultTuning()
	t.ScanDwell = c.ScanDwell
	t.BeaconMin = c.BeaconMin
	t.BeaconMax = c.BeaconMax
	t.HandshakeWindow = c.HandshakeWindow

	return t
}

func discoveryTuning(c config.RoutingConfig) routing.DiscoveryTuning {
	return routing.DiscoveryTuning{MaxAttempts: c.MaxAttempts, MinSpacing: c.MinSpacing, MaxSpacing: c.MaxSpacing}
}

func parseAuthKey(hexKey string) (xcrypto.Key, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return xcrypto.Key{}, fmt.Errorf("parse auth_key_hex: %w", err)
	}

	key, err := xcrypto.NewKey(raw)
	if err != nil {
		return xcrypto.Key{}, fmt.Errorf("build auth key: %w", err)
	}

	return key, nil
}

// isNeighbor satisfies internal/routing.Table's neighbor-liveness probe.
func (n *Node) isNeighbor(short uint16) bool {
	_, ok := n.NeighborTable.Get(short)
	return ok
}

// warning flag bits, packed into a one-byte arena-backed scratch buffer
// by Warnings.
const (
	warnNeighborTableFull byte = 1 << iota
	warnNoUpstream
	warnNotSynced
)

// Warnings reports node-wide conditions worth surfacing to a human or a
// diagnostics client (satisfies internal/diag's Warner trait). It packs
// the flag byte into an arena.Handle rather than a bare local variable:
// the one live caller of internal/alloc's bounded scratch pool, so a
// poll against the diagnostics endpoint exercises the same
// handle/compaction bookkeeping instead of leaving it
// entirely idle.
func (n *Node) Warnings() []string {
	h, err := n.Arena.Alloc(1)
	if err != nil {
		n.log.Warn("node: arena alloc for warning scratch failed", "err", err)
		return nil
	}
	defer func() {
		if err := n.Arena.Free(h); err != nil {
			n.log.Warn("node: arena free for warning scratch failed", "err", err)
		}
	}()

	var flags byte
	if !n.NeighborTable.HasFreeSlot() {
		flags |= warnNeighborTableFull
	}
	if _, ok := n.NeighborManager.Upstream(); !ok && !n.NeighborManager.IsGateway() {
		flags |= warnNoUpstream
	}
	if !n.TimeSync.Synced() && !n.NeighborManager.IsGateway() {
		flags |= warnNotSynced
	}

	if n.metric != nil {
		n.metric.SetWarningFlag("neighbor_table_full", flags&warnNeighborTableFull != 0)
		n.metric.SetWarningFlag("no_upstream", flags&warnNoUpstream != 0)
		n.metric.SetWarningFlag("not_synced", flags&warnNotSynced != 0)
	}

	var warnings []string
	writeErr := n.Arena.WithView(h, func(b []byte) error {
		b[0] = flags
		if b[0]&warnNeighborTableFull != 0 {
			warnings = append(warnings, "neighbor table full")
		}
		if b[0]&warnNoUpstream != 0 {
			warnings = append(warnings, "no upstream neighbor")
		}
		if b[0]&warnNotSynced != 0 {
			warnings = append(warnings, "time not synced")
		}
		return nil
	})
	if writeErr != nil {
		n.log.Warn("node: arena view for warning scratch failed", "err", writeErr)
		return nil
	}

	return warnings
}

// txLinkObserver defers to the neighbor table directly: TxQueue must be
// constructed before NeighborManager (NeighborManager's own constructor
// takes the TxQueue), so this wraps the table with the same PRR/ETX
// update neighbor.Manager.OnTxResult performs, rather than depending on
// the Manager itself.
func (n *Node) txLinkObserver() mac.LinkObserver {
	return neighborLinkObserver{n.NeighborTable}
}

type neighborLinkObserver struct {
	table *neighbor.Table
}

func (o neighborLinkObserver) OnTxResult(dest mac.Addr, status radio.TxStatus, _ time.Duration) {
	o.table.UpdatePRR(dest.Short, status == radio.TxOK)
}

// broadcastRREQ is internal/routing.Discovery's transmit callback.
func (n *Node) broadcastRREQ(r routing.RREQ) {
	n.RoutingProtocol.BroadcastRREQ(r)
}

// handleRoutingDatagram is the socket.Handler bound to the routing port.
func (n *Node) handleRoutingDatagram(d socket.Datagram) {
	if err := n.RoutingProtocol.HandleDatagram(d.Payload, n.clock.Now()); err != nil {
		n.log.Debug("node: routing datagram rejected", "err", err)
	}
}

// linkCoster adapts internal/neighbor.Table to internal/routing.LinkCoster.
type linkCoster struct {
	table *neighbor.Table
}

func (c linkCoster) Cost(short uint16) (uint16, bool) {
	rec, ok := c.table.Get(short)
	if !ok {
		return 0, false
	}

	return rec.ETX, true
}

// routingTransport adapts internal/frag.Pipeline's direct-send path to
// internal/routing.Transport: RREQ/RREP/RERR are genuine IPv4/UDP
// datagrams on routing.RoutingPort, but addressed to their
// next hop straight from the message's own hop list rather than via a
// route lookup (see internal/frag.Pipeline.SendDirect's doc comment).
// The IP destination address in the envelope is never consulted by
// internal/socket.Dispatcher.DeliverIPv4 (it demultiplexes on port
// alone), so Broadcast and Unicast both stamp socket.BroadcastIP.
type routingTransport struct {
	pipeline *frag.Pipeline
	localIP  uint32
}

func (t routingTransport) Broadcast(envelope []byte) error {
	packet := socket.BuildIPv4UDP(t.localIP, socket.BroadcastIP, routingEphemeralPort, routing.RoutingPort, envelope)
	return t.pipeline.SendDirect(mac.BroadcastShort, packet, true)
}

func (t routingTransport) Unicast(nextHop uint16, envelope []byte) error {
	packet := socket.BuildIPv4UDP(t.localIP, socket.BroadcastIP, routingEphemeralPort, routing.RoutingPort, envelope)
	return t.pipeline.SendDirect(nextHop, packet, false)
}

// Start spawns the per-layer maintenance tasks (one scheduler
// task per protocol layer) and blocks pumping the scheduler
// until ctx is cancelled. The MAC receive pump is not spawned here — it
// runs on its own goroutine via Receiver.Run, started by the caller
// (cmd/sapphired), since it blocks on the radio rather than polling a
// scheduler deadline.
func (n *Node) Start(ctx context.Context) error {
	var err error

	n.txTask, err = n.Scheduler.Spawn("mac-tx", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		if err := n.TxQueue.DrainOne(ctx); err != nil {
			n.log.Debug("node: mac transmit failed", "err", err)
		}
		if n.TxQueue.Len() > 0 {
			return sched.Yield
		}
		// Nothing queued: sleep one pump tick so enqueues from other
		// tasks (which set no signal bit) are picked up promptly.
		_ = n.Scheduler.WaitUntil(n.txTask, n.clock.Now().Add(10*time.Millisecond))
		return sched.Sleep
	})
	if err != nil {
		return fmt.Errorf("node: spawn mac-tx task: %w", err)
	}

	n.neighborTask, err = n.Scheduler.Spawn("neighbor", nil, func(s *sched.Signals, _ any) sched.Disposition {
		return n.NeighborManager.Tick(s)
	})
	if err != nil {
		return fmt.Errorf("node: spawn neighbor task: %w", err)
	}

	n.routingTask, err = n.Scheduler.Spawn("routing", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		now := n.clock.Now()
		n.RoutingProtocol.Tick(now)
		n.Fragmentation.Tick(now)
		n.refreshRoutingMetrics()
		return sched.Sleep
	})
	if err != nil {
		return fmt.Errorf("node: spawn routing task: %w", err)
	}

	n.timesyncTask, err = n.Scheduler.Spawn("timesync", nil, func(s *sched.Signals, _ any) sched.Disposition {
		return n.TimeSync.Tick(s)
	})
	if err != nil {
		return fmt.Errorf("node: spawn timesync task: %w", err)
	}

	n.calibrateTask, err = n.Scheduler.Spawn("pll-calibrate", nil, func(_ *sched.Signals, _ any) sched.Disposition {
		if err := n.Radio.CalibratePLL(); err != nil {
			n.log.Warn("node: PLL calibration failed", "err", err)
		}
		_ = n.Scheduler.WaitUntil(n.calibrateTask, n.clock.Now().Add(pllCalibrationPeriod))
		return sched.Sleep
	})
	if err != nil {
		return fmt.Errorf("node: spawn pll-calibrate task: %w", err)
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n.Scheduler.RunOnce(now)
			n.UDPXClient.Tick(now)
		}
	}
}

func (n *Node) refreshRoutingMetrics() {
	n.metric.SetNeighborCount(n.NeighborTable.Len())
	n.metric.SetRouteCount(n.RouteTable.Len())
}
