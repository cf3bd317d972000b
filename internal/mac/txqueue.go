package mac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/giapdangle/sapphire/internal/metrics"
	"github.com/giapdangle/sapphire/internal/radio"
)

// ErrQueueFull indicates the outbound transmit queue is at capacity: a
// soft failure, the caller decides whether to retry or drop.
var ErrQueueFull = errors.New("mac: transmit queue full")

// TxOptions configures one outbound message.
type TxOptions struct {
	Dest     Addr
	Protocol Protocol
	Auth     *AuthHeader // set by the caller for Neighbor/TimeSync frames it has already signed
	AckReq   bool
}

// MsgHandle names a queued message so its caller can poll status if it
// did not request auto-release.
type MsgHandle uint32

// MsgStatus is the terminal outcome of a queued message.
type MsgStatus uint8

const (
	MsgPending MsgStatus = iota
	MsgSent
	MsgFailed
)

type queuedMsg struct {
	handle  MsgHandle
	opts    TxOptions
	payload []byte
	seq     uint8
	status  MsgStatus
	release bool
}

// LinkObserver receives per-transmission outcomes so the neighbor table
// (internal/neighbor) can update PRR/latency without the mac package
// importing it, avoiding an import cycle between mac and the
// protocol-specific integration packages.
type LinkObserver interface {
	OnTxResult(dest Addr, status radio.TxStatus, latency time.Duration)
}

// AdaptiveBackoff tracks a local CSMA backoff exponent at 8x the hardware
// BE's resolution, clamped to [min*8, max*8].
type AdaptiveBackoff struct {
	mu      sync.Mutex
	fine    int // current exponent * 8
	minFine int
	maxFine int
}

// NewAdaptiveBackoff creates a backoff tracker clamped to [minBE, maxBE]
// at the hardware's native exponent resolution.
func NewAdaptiveBackoff(minBE, maxBE uint8) *AdaptiveBackoff {
	return &AdaptiveBackoff{
		fine:    int(minBE) * 8,
		minFine: int(minBE) * 8,
		maxFine: int(maxBE) * 8,
	}
}

// OnCCAFailure increases the backoff exponent by one fine-grained step.
func (b *AdaptiveBackoff) OnCCAFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fine < b.maxFine {
		b.fine++
	}
}

// OnAckSuccess decreases the backoff exponent by one fine-grained step.
func (b *AdaptiveBackoff) OnAckSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fine > b.minFine {
		b.fine--
	}
}

// BE returns the current coarse backoff exponent (hardware resolution),
// derived by truncating the fine-grained value.
func (b *AdaptiveBackoff) BE() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return uint8(b.fine / 8) //nolint:gosec // bounded by construction to [minBE,maxBE]*8
}

// TxQueue is the bounded outbound transmit queue drained by a single
// dedicated scheduler task, in FIFO order.
type TxQueue struct {
	mu       sync.Mutex
	pending  []*queuedMsg
	byHandle map[MsgHandle]*queuedMsg
	next     uint32
	capacity int

	radio    radio.Radio
	backoff  *AdaptiveBackoff
	observer LinkObserver
	metric   *metrics.Collector
	seq      uint8
	local    Addr
}

// NewTxQueue creates a TxQueue bounded to capacity messages, driving r and
// reporting outcomes to obs (which may be nil). local is stamped as the
// source address of every frame this queue builds (every frame
// on the air carries a source address). metric may be nil; every counter
// increment is guarded.
func NewTxQueue(r radio.Radio, capacity int, backoff *AdaptiveBackoff, obs LinkObserver, local Addr, metric *metrics.Collector) *TxQueue {
	return &TxQueue{
		byHandle: make(map[MsgHandle]*queuedMsg),
		capacity: capacity,
		radio:    r,
		backoff:  backoff,
		observer: obs,
		metric:   metric,
		local:    local,
	}
}

// Enqueue builds a frame for payload under opts and appends it to the
// queue. autoRelease reclaims the message's status slot as soon as it
// completes; set it false only if the caller intends to Poll the result.
func (q *TxQueue) Enqueue(opts TxOptions, payload []byte, autoRelease bool) (MsgHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.capacity {
		if q.metric != nil {
			q.metric.IncFramesDropped("queue_full")
		}
		return 0, fmt.Errorf("enqueue: %w", ErrQueueFull)
	}

	q.next++
	h := MsgHandle(q.next)
	q.seq++

	m := &queuedMsg{
		handle:  h,
		opts:    opts,
		payload: payload,
		seq:     q.seq,
		status:  MsgPending,
		release: autoRelease,
	}

	q.pending = append(q.pending, m)
	q.byHandle[h] = m

	return h, nil
}

// Poll returns the status of a non-auto-released message.
func (q *TxQueue) Poll(h MsgHandle) (MsgStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.byHandle[h]
	if !ok {
		return MsgFailed, fmt.Errorf("mac: unknown message handle %d", h)
	}

	return m.status, nil
}

// Len reports the number of messages still waiting in the queue.
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// DrainOne pops the head of the queue (FIFO) and drives it
// through the radio to completion: request TX mode, encode, transmit,
// await the latched status, update adaptive CSMA backoff, and report the
// outcome to the LinkObserver. Intended to be called once per pass of the
// dedicated MAC transmit task; it blocks (via ctx) for exactly one
// transmission, honoring the "exactly one outbound transmission in
// flight" invariant.
func (q *TxQueue) DrainOne(ctx context.Context) error {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	m := q.pending[0]
	q.pending = q.pending[1:]
	q.mu.Unlock()

	frame := Frame{
		Dest:     m.opts.Dest,
		Src:      q.local,
		Seq:      m.seq,
		Protocol: m.opts.Protocol,
		Auth:     m.opts.Auth,
		Payload:  m.payload,
	}

	wire, err := Encode(frame)
	if err != nil {
		q.finish(m, MsgFailed)
		return fmt.Errorf("drain: encode: %w", err)
	}

	txMode := radio.TxModeBasic
	if m.opts.AckReq {
		txMode = radio.TxModeAutoRetry
	}

	if err := q.radio.RequestTxMode(txMode); err != nil {
		q.finish(m, MsgFailed)
		return fmt.Errorf("drain: request tx mode: %w", err)
	}

	start := time.Now()
	status, err := q.radio.Transmit(ctx, wire)
	latency := time.Since(start)

	if err != nil {
		q.finish(m, MsgFailed)
		return fmt.Errorf("drain: transmit: %w", err)
	}

	switch status {
	case radio.TxOK:
		q.backoff.OnAckSuccess()
		q.finish(m, MsgSent)
		if q.metric != nil {
			q.metric.IncFramesSent()
		}
	case radio.TxCCAFailure:
		q.backoff.OnCCAFailure()
		q.finish(m, MsgFailed)
		if q.metric != nil {
			q.metric.IncCSMABackoffFailures()
			q.metric.IncFramesDropped("cca_failure")
		}
	case radio.TxNoAck:
		q.finish(m, MsgFailed)
		if q.metric != nil {
			q.metric.IncFramesDropped("no_ack")
		}
	}

	if q.observer != nil {
		q.observer.OnTxResult(m.opts.Dest, status, latency)
	}

	return nil
}

func (q *TxQueue) finish(m *queuedMsg, status MsgStatus) {
	m.status = status

	if m.release {
		q.mu.Lock()
		delete(q.byHandle, m.handle)
		q.mu.Unlock()
	}
}
