package radio

import (
	"context"
	"math/rand/v2"
	"sync"
)

// Medium is a shared, possibly lossy broadcast channel connecting several
// Mock radios, standing in for free-space RF propagation in the
// testbed (internal/testbed). It is the one piece of physical-layer
// behavior this core needs to simulate end-to-end protocol scenarios
// without real hardware.
type Medium struct {
	mu      sync.Mutex
	nodes   []*Mock
	linkPRR map[pairKey]float64 // per-ordered-pair packet reception ratio, default 1.0
	rnd     *rand.Rand
}

type pairKey struct {
	from, to *Mock
}

// NewMedium creates an empty shared medium. seed controls the loss model's
// randomness for reproducible test runs.
func NewMedium(seed uint64) *Medium {
	return &Medium{
		linkPRR: make(map[pairKey]float64),
		rnd:     rand.New(rand.NewPCG(seed, seed^0xD1B54A32D192ED03)),
	}
}

func (m *Medium) attach(r *Mock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, r)
}

// SetLinkPRR configures the one-way packet reception ratio from -> to in
// [0,1]. Unset pairs default to perfect delivery (1.0). Used by tests to
// reproduce specific topologies. A node that reboots and loses all
// state is modeled by detaching it, not by PRR — PRR is for
// lossy-but-present links.
func (m *Medium) SetLinkPRR(from, to *Mock, prr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkPRR[pairKey{from, to}] = prr
}

// deliver broadcasts frame from src on channel ch to every other attached,
// non-sleeping node currently tuned to ch, applying each ordered pair's
// configured loss. It returns TxOK if the medium had at least one
// attached peer on-channel (whether or not that peer actually received
// it — loss is a receive-side outcome, not a CCA/ack outcome at this
// abstraction level), or TxNoAck if nothing was reachable, approximating
// "no acking neighbor" for an auto-retry transmit.
func (m *Medium) deliver(_ context.Context, src *Mock, ch uint8, frame []byte) TxStatus {
	m.mu.Lock()
	peers := make([]*Mock, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n == src {
			continue
		}
		if n.sleeping() {
			continue
		}
		if n.channelOf() != ch {
			continue
		}
		peers = append(peers, n)
	}
	m.mu.Unlock()

	if len(peers) == 0 {
		return TxNoAck
	}

	for _, peer := range peers {
		prr := m.prrFor(src, peer)

		m.mu.Lock()
		roll := m.rnd.Float64()
		m.mu.Unlock()

		if roll > prr {
			continue
		}

		cp := make([]byte, len(frame))
		copy(cp, frame)

		arrival := uint64(0)
		if src.nowMicros != nil {
			arrival = src.nowMicros()
		}

		peer.deliver(RxFrame{
			Payload:       cp,
			RSSI:          -40,
			LQI:           255,
			ArrivalMicros: arrival,
		})
	}

	return TxOK
}

func (m *Medium) prrFor(from, to *Mock) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prr, ok := m.linkPRR[pairKey{from, to}]; ok {
		return prr
	}

	return 1.0
}

// Detach removes r from the medium, modeling the node going silent (e.g.
// a reboot that loses all neighbor/session state).
func (m *Medium) Detach(r *Mock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, n := range m.nodes {
		if n == r {
			m.nodes = append(m.nodes[:i], m.nodes[i+1:]...)
			break
		}
	}
}
