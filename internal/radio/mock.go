package radio

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// SystemClock implements Clock using the Go runtime's wall clock. It is
// the clock cmd/sapphired and the testbed both use.
type SystemClock struct{}

func (SystemClock) NowMicros() uint64 {
	return uint64(time.Now().UnixMicro()) //nolint:gosec // monotonic wall time, never negative in practice
}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// Mock is a deterministic, in-process Radio implementation. It has no
// physical channel; frames transmitted on it are handed to an attached
// Medium, which models broadcast delivery (with optional loss) to every
// other Mock sharing the same Medium and channel, so the testbed
// (internal/testbed) can reproduce multi-node scenarios without
// hardware.
type Mock struct {
	mu sync.Mutex

	mode    Mode
	channel uint8
	addrs   Addresses
	csma    CSMAParams
	txPower int8
	asleep  bool

	medium *Medium

	txInFlight bool
	rxCh       chan RxFrame
	rnd        *rand.Rand

	nowMicros func() uint64
}

// NewMock creates a Mock radio attached to medium, seeded from seed for
// reproducible CSMA/nonce sequences across test runs.
func NewMock(medium *Medium, seed uint64, nowMicros func() uint64) *Mock {
	m := &Mock{
		channel:   11,
		medium:    medium,
		rxCh:      make(chan RxFrame, 16),
		rnd:       rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)),
		nowMicros: nowMicros,
	}
	medium.attach(m)

	return m
}

func (m *Mock) SetMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode

	return nil
}

func (m *Mock) SetChannel(ch uint8) error {
	if ch < 11 || ch > 26 {
		return fmt.Errorf("radio: channel %d out of range 11..26", ch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel = ch

	return nil
}

func (m *Mock) SetAddresses(a Addresses) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs = a

	return nil
}

func (m *Mock) SetTxPower(dBm int8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txPower = dBm

	return nil
}

func (m *Mock) SetCCA(int8) error { return nil }

func (m *Mock) SetCSMA(p CSMAParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.csma = p

	return nil
}

func (m *Mock) RequestTxMode(TxMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.txInFlight {
		return ErrBusy
	}
	m.txInFlight = true

	return nil
}

// Transmit hands frame to the attached Medium for delivery to every other
// Mock on the same channel, applying the Medium's configured loss model,
// and returns the Medium's status: TxOK when at least one other awake
// Mock is on the channel (whether or not loss dropped its copy), TxNoAck
// otherwise. It never reports a CCA failure.
func (m *Mock) Transmit(ctx context.Context, frame []byte) (TxStatus, error) {
	m.mu.Lock()
	if !m.txInFlight {
		m.mu.Unlock()
		return TxNoAck, fmt.Errorf("radio: transmit without RequestTxMode")
	}
	ch := m.channel
	m.txInFlight = false
	m.mu.Unlock()

	status := m.medium.deliver(ctx, m, ch, frame)

	return status, nil
}

func (m *Mock) Receive(ctx context.Context) (RxFrame, error) {
	select {
	case f := <-m.rxCh:
		return f, nil
	case <-ctx.Done():
		return RxFrame{}, ctx.Err()
	}
}

func (m *Mock) Sleep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = true

	return nil
}

func (m *Mock) Wake() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.asleep = false

	return nil
}

// CalibratePLL is a no-op on the mock: there is no synthesizer to
// re-lock, but a sleeping radio still rejects the request the way
// hardware would.
func (m *Mock) CalibratePLL() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.asleep {
		return fmt.Errorf("radio: calibrate while asleep")
	}

	return nil
}

func (m *Mock) RandomByte() (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return byte(m.rnd.UintN(256)), nil
}

// channelOf returns the channel this Mock currently listens on, used by
// Medium to decide delivery.
func (m *Mock) channelOf() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.channel
}

func (m *Mock) sleeping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.asleep
}

func (m *Mock) deliver(f RxFrame) {
	select {
	case m.rxCh <- f:
	default:
		// Receive ring full: frame dropped, mirroring the bounded
		// hardware receive ring.
	}
}
