// Package radio defines the capability trait Sapphire's MAC layer (see
// internal/mac) programs against, plus a deterministic in-memory
// implementation used by tests and the testbed harness (internal/testbed).
// The real 802.15.4 transceiver driver is deliberately excluded from
// this core and treated as an external collaborator; this package only
// specifies the seam, and mock implementations drive the test suite.
package radio

import (
	"context"
	"errors"
	"time"
)

// Mode selects the transceiver's operating mode.
type Mode uint8

const (
	ModeNormal Mode = iota
	ModePromiscuous
	ModeTxOnly
	ModeSleep
)

// TxMode selects retry behavior for a transmit attempt.
type TxMode uint8

const (
	// TxModeAutoRetry lets the radio perform CSMA+ARQ retries per the
	// configured BE/CSMA/frame-retry limits.
	TxModeAutoRetry TxMode = iota
	// TxModeBasic sends exactly once with no retries.
	TxModeBasic
)

// TxStatus is the latched outcome of a completed transmission.
type TxStatus uint8

const (
	TxOK TxStatus = iota
	TxCCAFailure
	TxNoAck
)

// String returns the human-readable name of the status.
func (s TxStatus) String() string {
	switch s {
	case TxOK:
		return "ok"
	case TxCCAFailure:
		return "cca_failure"
	case TxNoAck:
		return "no_ack"
	default:
		return "unknown"
	}
}

// ErrBusy indicates RequestTxMode was called while a transmission was
// already in flight; exactly one outbound transmission is in flight at
// a time.
var ErrBusy = errors.New("radio: busy")

// Addresses holds the node's 802.15.4 identity as programmed into the
// radio.
type Addresses struct {
	PAN   uint16
	Short uint16
	Long  uint64
}

// RxFrame is one frame delivered by the receive ISR, tagged with the
// metrics the link-quality accounting needs.
type RxFrame struct {
	Payload       []byte
	RSSI          int8
	LQI           uint8
	ArrivalMicros uint64
}

// CSMAParams configures clear-channel assessment and backoff behavior.
type CSMAParams struct {
	MinBE        uint8
	MaxBE        uint8
	CSMARetries  uint8
	FrameRetries uint8
}

// Radio is the capability trait the MAC layer requires of the
// transceiver. A single outbound transmission is in flight at a time;
// Transmit returns that frame's TxStatus, so the caller has it before
// issuing another Transmit.
type Radio interface {
	SetMode(m Mode) error
	SetChannel(ch uint8) error // 11..26
	SetAddresses(a Addresses) error
	SetTxPower(dBm int8) error
	SetCCA(thresholdDBm int8) error
	SetCSMA(p CSMAParams) error

	// RequestTxMode reserves the radio for one transmission. Returns
	// ErrBusy if a transmission is already in flight.
	RequestTxMode(m TxMode) error

	// Transmit sends frame using the mode from the preceding
	// RequestTxMode and blocks until the adapter latches a status, or ctx
	// is cancelled.
	Transmit(ctx context.Context, frame []byte) (TxStatus, error)

	// Receive blocks until a frame is available in the receive ring, or
	// ctx is cancelled.
	Receive(ctx context.Context) (RxFrame, error)

	Sleep() error
	Wake() error

	// CalibratePLL re-locks the transceiver's frequency synthesizer.
	// Scheduled every 30 seconds by a dedicated task.
	CalibratePLL() error

	// RandomByte returns a hardware random byte, used for CSMA backoff
	// seeding and join-challenge nonces.
	RandomByte() (byte, error)
}

// Clock abstracts the monotonic microsecond clock the radio ISR
// timestamps frames with, and that the scheduler advances continuously;
// interrupt handlers may read it without locking.
type Clock interface {
	NowMicros() uint64
	Now() time.Time
}
