//go:build linux

package socket

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// HostBridge relays UDP datagrams between a Dispatcher (the mesh-side
// demux) and a real host UDP socket, for gateway nodes that expose the
// mesh to the outside IP world. The higher-level gateway application
// itself is out of scope, but the transport seam it would bind to is
// not.
//
// The socket is configured via a ListenConfig.Control callback and
// golang.org/x/sys/unix socket options rather than net.ListenUDP
// defaults.
type HostBridge struct {
	conn *net.UDPConn
	disp *Dispatcher
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// HostBridgeOption configures optional HostBridge parameters.
type HostBridgeOption func(*hostBridgeOpts)

type hostBridgeOpts struct {
	bindDevice string
}

// WithBindDevice sets SO_BINDTODEVICE, binding the bridge socket to a
// specific network interface.
func WithBindDevice(ifName string) HostBridgeOption {
	return func(o *hostBridgeOpts) { o.bindDevice = ifName }
}

// NewHostBridge opens a UDP socket on localAddr:port configured with
// SO_REUSEADDR (and, if requested, SO_BINDTODEVICE), and relays
// received datagrams into disp.
func NewHostBridge(log *slog.Logger, disp *Dispatcher, localAddr netip.Addr, port uint16, opts ...HostBridgeOption) (*HostBridge, error) {
	var cfg hostBridgeOpts
	for _, opt := range opts {
		opt(&cfg)
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setHostBridgeOpts(c, cfg.bindDevice)
		},
	}

	laddr := netip.AddrPortFrom(localAddr, port)

	network := "udp4"
	if localAddr.Is6() && !localAddr.Is4In6() {
		network = "udp6"
	}

	pc, err := lc.ListenPacket(context.Background(), network, laddr.String())
	if err != nil {
		return nil, fmt.Errorf("socket: listen host bridge %s: %w", laddr, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("socket: host bridge %s: unexpected conn type %T", laddr, pc)
	}

	b := &HostBridge{
		conn: conn,
		disp: disp,
		log:  log.With(slog.String("component", "socket.hostbridge"), slog.String("local", laddr.String())),
	}

	return b, nil
}

func setHostBridgeOpts(c syscall.RawConn, bindDevice string) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		//nolint:gosec // G115: fd is always a small positive kernel descriptor.
		intFD := int(fd)

		if sockErr = unix.SetsockoptInt(intFD, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			sockErr = fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
			return
		}

		if bindDevice != "" {
			if sockErr = unix.SetsockoptString(intFD, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, bindDevice); sockErr != nil {
				sockErr = fmt.Errorf("set SO_BINDTODEVICE(%s): %w", bindDevice, sockErr)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}

	return sockErr
}

// Serve reads datagrams from the host socket until ctx is canceled,
// handing each one to disp as if it had arrived off the mesh radio —
// the wire format on this side is a bare UDP payload, so the bridge
// wraps it back into the IPv4/UDP framing Dispatcher expects.
func (b *HostBridge) Serve(ctx context.Context, localAddr, remoteIPv4Prefix uint32, destPort uint16) error {
	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()

	buf := make([]byte, 2048)
	for {
		n, raddr, err := b.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("socket: host bridge read: %w", err)
		}

		srcAddr := remoteIPv4Prefix | uint32(raddr.Port())
		packet := BuildIPv4UDP(srcAddr, localAddr, raddr.Port(), destPort, buf[:n])
		b.disp.DeliverIPv4(packet, false)
	}
}

// Write sends a bare UDP payload to the host network, unwrapping it
// from the mesh-side IPv4/UDP framing a Dispatcher.SendTo would
// otherwise produce.
func (b *HostBridge) Write(addr netip.AddrPort, payload []byte) error {
	_, err := b.conn.WriteToUDPAddrPort(payload, addr)
	return err
}

// Close releases the underlying socket.
func (b *HostBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return b.conn.Close()
}
