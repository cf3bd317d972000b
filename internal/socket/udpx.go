package socket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// udpxHeaderLen is the wire size of the UDPX sub-header carried
// immediately after the UDP header: {flags, id}. UDPX is reliable
// unicast layered on UDP with message IDs, acks, and retries.
const udpxHeaderLen = 2

// Flags bits, preserved bit-for-bit for wire compatibility with
// deployed nodes.
const (
	flagVER1 = 0b10000000
	flagVER0 = 0b01000000
	flagSVR  = 0b00100000
	flagARQ  = 0b00010000
	flagACK  = 0b00001000
)

type udpxHeader struct {
	Flags byte
	ID    byte
}

func encodeUDPX(h udpxHeader, payload []byte) []byte {
	buf := make([]byte, udpxHeaderLen+len(payload))
	buf[0] = h.Flags
	buf[1] = h.ID
	copy(buf[udpxHeaderLen:], payload)

	return buf
}

func decodeUDPX(buf []byte) (udpxHeader, []byte, error) {
	if len(buf) < udpxHeaderLen {
		return udpxHeader{}, nil, ErrPacketTooShort
	}

	return udpxHeader{Flags: buf[0], ID: buf[1]}, buf[udpxHeaderLen:], nil
}

// Retry tuning: MaxTries counts the initial send plus the
// retransmissions after it.
const (
	DefaultMaxTries       = 5
	DefaultInitialTimeout = 500 * time.Millisecond
)

// ClientTuning configures a Client's retry behavior.
type ClientTuning struct {
	MaxTries       int
	InitialTimeout time.Duration
}

// DefaultClientTuning returns the standard retry parameters.
func DefaultClientTuning() ClientTuning {
	return ClientTuning{MaxTries: DefaultMaxTries, InitialTimeout: DefaultInitialTimeout}
}

// pendingRequest tracks one in-flight UDPX request awaiting a reply.
type pendingRequest struct {
	destAddr uint32
	srcPort  uint16
	destPort uint16
	payload  []byte
	ackReq   bool

	triesLeft int
	nextSend  time.Time

	done   chan Datagram
	failed chan struct{}
}

// ErrTimedOut is returned when a UDPX request exhausts its retries
// without a matching reply.
var ErrTimedOut = errors.New("socket: udpx request timed out")

// Client implements the UDPX request side: reliable unicast with a
// message-ID-matched reply, linear backoff, and a bounded number of
// tries.
type Client struct {
	log    *slog.Logger
	disp   *Dispatcher
	tuning ClientTuning

	mu      sync.Mutex
	nextID  byte
	pending map[byte]*pendingRequest
}

// NewClient creates a Client transmitting through disp.
func NewClient(log *slog.Logger, disp *Dispatcher, tuning ClientTuning) *Client {
	return &Client{log: log, disp: disp, tuning: tuning, pending: make(map[byte]*pendingRequest)}
}

// Request sends payload to destAddr:destPort with ARQ set and blocks
// until a matching SVR|ACK reply arrives, ctx is canceled, or retries
// are exhausted.
func (c *Client) Request(ctx context.Context, destAddr uint32, srcPort, destPort uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	req := &pendingRequest{
		destAddr:  destAddr,
		srcPort:   srcPort,
		destPort:  destPort,
		payload:   payload,
		ackReq:    true,
		triesLeft: c.tuning.MaxTries,
		done:      make(chan Datagram, 1),
		failed:    make(chan struct{}),
	}
	c.pending[id] = req
	c.mu.Unlock()

	if err := c.transmit(ctx, id, req); err != nil {
		c.clear(id)
		return nil, err
	}

	c.mu.Lock()
	req.nextSend = time.Now().Add(c.tuning.InitialTimeout)
	c.mu.Unlock()

	select {
	case d := <-req.done:
		return d.Payload, nil
	case <-req.failed:
		return nil, ErrTimedOut
	case <-ctx.Done():
		c.clear(id)
		return nil, ctx.Err()
	}
}

func (c *Client) transmit(ctx context.Context, id byte, req *pendingRequest) error {
	flags := byte(0)
	if req.ackReq {
		flags |= flagARQ
	}

	body := encodeUDPX(udpxHeader{Flags: flags, ID: id}, req.payload)
	packet := BuildIPv4UDP(c.disp.localAddr, req.destAddr, req.srcPort, req.destPort, body)

	return c.disp.sender.Send(ctx, req.destAddr, packet, false)
}

func (c *Client) clear(id byte) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleReply feeds a received datagram on srcPort to any matching
// pending request; it should be wired as the Handler bound to the
// client's reply port.
func (c *Client) HandleReply(d Datagram) {
	hdr, body, err := decodeUDPX(d.Payload)
	if err != nil {
		return
	}
	if hdr.Flags&flagVER1 != 0 || hdr.Flags&flagVER0 != 0 {
		return
	}
	if hdr.Flags&flagSVR == 0 || hdr.Flags&flagARQ != 0 || hdr.Flags&flagACK == 0 {
		return
	}

	c.mu.Lock()
	req, ok := c.pending[hdr.ID]
	if ok {
		delete(c.pending, hdr.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	d.Payload = body
	select {
	case req.done <- d:
	default:
	}
}

// Tick drives the retry timer for all pending requests: each tick
// either leaves a countdown running or, on expiry, retransmits with a
// linearly increasing timeout of InitialTimeout*(MaxTries-triesLeft).
func (c *Client) Tick(now time.Time) {
	c.mu.Lock()
	expired := make(map[byte]*pendingRequest)
	timedOut := make([]*pendingRequest, 0)
	for id, req := range c.pending {
		if !req.nextSend.IsZero() && now.Before(req.nextSend) {
			continue
		}
		req.triesLeft--
		if req.triesLeft <= 0 {
			delete(c.pending, id)
			timedOut = append(timedOut, req)
			continue
		}
		req.nextSend = now.Add(c.tuning.InitialTimeout * time.Duration(c.tuning.MaxTries-req.triesLeft))
		expired[id] = req
	}
	c.mu.Unlock()

	for _, req := range timedOut {
		close(req.failed)
	}

	for id, req := range expired {
		if err := c.transmit(context.Background(), id, req); err != nil {
			c.log.Debug("socket: udpx retransmit failed", "id", id, "err", err)
		}
	}
}

// Server implements the UDPX reply side: it remembers the message ID
// and ack-request flag of the most recent request on each bound port,
// so that the application's next Reply piggybacks the SVR(+ACK) flags
// the client is waiting on.
type Server struct {
	disp *Dispatcher

	mu    sync.Mutex
	state map[uint16]serverState
}

type serverState struct {
	msgID    byte
	ackReq   bool
	peerAddr uint32
	peerPort uint16
}

// NewServer creates a Server replying through disp.
func NewServer(disp *Dispatcher) *Server {
	return &Server{disp: disp, state: make(map[uint16]serverState)}
}

// Bind registers handler on localPort, wrapping it to track UDPX
// request state before invoking handler with the decoded payload.
func (s *Server) Bind(localPort uint16, handler func(peerAddr uint32, peerPort uint16, payload []byte)) error {
	return s.disp.Bind(localPort, func(d Datagram) {
		hdr, body, err := decodeUDPX(d.Payload)
		if err != nil {
			return
		}
		if hdr.Flags&flagVER1 != 0 || hdr.Flags&flagVER0 != 0 || hdr.Flags&flagSVR != 0 {
			return
		}

		s.mu.Lock()
		s.state[localPort] = serverState{
			msgID:    hdr.ID,
			ackReq:   hdr.Flags&flagARQ != 0,
			peerAddr: d.SrcAddr,
			peerPort: d.SrcPort,
		}
		s.mu.Unlock()

		handler(d.SrcAddr, d.SrcPort, body)
	})
}

// Reply sends payload back on localPort to the peer of the most
// recently received request, setting SVR and, if the request asked
// for one, ACK.
func (s *Server) Reply(ctx context.Context, localPort uint16, payload []byte) error {
	s.mu.Lock()
	st, ok := s.state[localPort]
	delete(s.state, localPort)
	s.mu.Unlock()
	if !ok {
		return errors.New("socket: no pending udpx request on this port")
	}

	flags := byte(flagSVR)
	if st.ackReq {
		flags |= flagACK
	}

	body := encodeUDPX(udpxHeader{Flags: flags, ID: st.msgID}, payload)
	packet := BuildIPv4UDP(s.disp.localAddr, st.peerAddr, localPort, st.peerPort, body)

	return s.disp.sender.Send(ctx, st.peerAddr, packet, false)
}
