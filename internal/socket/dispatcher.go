package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Sender is the subset of internal/frag's Pipeline the socket layer
// needs to transmit: enough to address a destination IP and hand off a
// composite packet. Declared here as a duck-typed interface, not bound
// to frag.Pipeline directly, so this package never imports internal/frag
// — frag imports internal/routing, and internal/routing's own control
// traffic is dispatched through this same Dispatcher, so a socket→frag
// import would close a cycle.
type Sender interface {
	Send(ctx context.Context, destIP uint32, packet []byte, plaintext bool) error
}

// Datagram is one received UDP datagram, demultiplexed to the socket
// bound on DestPort.
type Datagram struct {
	SrcAddr  uint32
	DestAddr uint32
	SrcPort  uint16
	DestPort uint16
	Payload  []byte
	Secure   bool
}

// Handler processes one received Datagram.
type Handler func(d Datagram)

// ErrPortInUse is returned by Bind when the port already has a handler.
var ErrPortInUse = errors.New("socket: port already bound")

// Dispatcher implements internal/frag's Deliverer: it parses each
// delivered IPv4 packet as UDP, verifies the checksum if present, and
// routes the payload to the handler bound on the destination port
// in a protocol-check / checksum-check / port-lookup sequence.
type Dispatcher struct {
	log *slog.Logger

	localAddr uint32
	sender    Sender

	mu       sync.Mutex
	handlers map[uint16]Handler
}

// NewDispatcher creates a Dispatcher for a node whose IPv4 address is
// localAddr, transmitting through sender.
func NewDispatcher(log *slog.Logger, localAddr uint32, sender Sender) *Dispatcher {
	return &Dispatcher{
		log:       log,
		localAddr: localAddr,
		sender:    sender,
		handlers:  make(map[uint16]Handler),
	}
}

// Bind registers h to receive datagrams addressed to port.
func (d *Dispatcher) Bind(port uint16, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[port]; exists {
		return fmt.Errorf("%w: port %d", ErrPortInUse, port)
	}
	d.handlers[port] = h

	return nil
}

// Unbind removes any handler on port.
func (d *Dispatcher) Unbind(port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, port)
}

// DeliverIPv4 implements frag.Deliverer.
func (d *Dispatcher) DeliverIPv4(packet []byte, secure bool) {
	srcAddr, dstAddr, proto, l4, err := ParseIPv4(packet)
	if err != nil {
		d.log.Debug("socket: short IPv4 packet dropped", "err", err)
		return
	}
	if proto != ipv4ProtoUDP {
		return
	}

	hdr, body, err := decodeUDP(l4)
	if err != nil {
		d.log.Debug("socket: short UDP datagram dropped", "err", err)
		return
	}
	if int(hdr.Length) > len(l4) {
		d.log.Debug("socket: UDP length exceeds datagram", "length", hdr.Length, "have", len(l4))
		return
	}
	body = body[:int(hdr.Length)-udpHeaderLen]

	if hdr.Checksum != 0 {
		segment := append([]byte(nil), l4[:hdr.Length]...)
		segment[6], segment[7] = 0, 0 // zero the checksum field before recomputing

		if udpChecksum(srcAddr, dstAddr, segment) != hdr.Checksum {
			d.log.Debug("socket: UDP checksum mismatch, dropping")
			return
		}
	}

	d.mu.Lock()
	h, ok := d.handlers[hdr.DestPort]
	d.mu.Unlock()
	if !ok {
		return
	}

	h(Datagram{
		SrcAddr:  srcAddr,
		DestAddr: dstAddr,
		SrcPort:  hdr.SourcePort,
		DestPort: hdr.DestPort,
		Payload:  body,
		Secure:   secure,
	})
}

// SendTo transmits payload as a plain (non-UDPX) UDP datagram.
func (d *Dispatcher) SendTo(ctx context.Context, destAddr uint32, srcPort, destPort uint16, payload []byte, plaintext bool) error {
	packet := BuildIPv4UDP(d.localAddr, destAddr, srcPort, destPort, payload)
	return d.sender.Send(ctx, destAddr, packet, plaintext)
}
