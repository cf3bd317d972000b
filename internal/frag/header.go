// Package frag implements Sapphire's IPv4-over-802.15.4 fragmentation
// layer: a bit-exact 4-byte fragmentation header, the
// transmit pipeline (route lookup, composite body, authentication,
// splitting), and the receive pipeline (in-order reassembly, replay
// defense, verification, forward/re-transmit).
//
// The header codec uses explicit shift/mask constants and a single
// Encode/Decode pair rather than a reflection-based serializer, and the
// pipeline follows a "strip one header, hand the rest to the next
// layer" framing idiom throughout.
package frag

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the wire size of the fragmentation header.
const HeaderSize = 4

// HeaderFlags occupies the top 4 bits of the header's first byte.
type HeaderFlags uint8

// Flag bit positions within the 4-bit flags nibble, matching the
// full-byte values (0x80/0x40/0x20 once the nibble lands in byte0's top
// half).
const (
	flagReserved    HeaderFlags = 1 << iota
	FlagAuth                    // 0x20 once shifted into byte0
	FlagSourceRoute             // 0x40 once shifted into byte0
	FlagIPv4                    // 0x80 once shifted into byte0
)

// Header is Sapphire's fragmentation header: `{flags:4, tag:8,
// total_size:10, offset:10}` packed into 32 bits.
type Header struct {
	Flags     HeaderFlags
	Tag       uint8
	TotalSize uint16 // 10 bits: 0..1023
	Offset    uint16 // 10 bits: 0..1023
}

var (
	// ErrHeaderTooShort is returned by Decode on fewer than HeaderSize bytes.
	ErrHeaderTooShort = errors.New("frag: header too short")
	// ErrFieldOutOfRange is returned by Encode when TotalSize or Offset
	// does not fit in 10 bits.
	ErrFieldOutOfRange = errors.New("frag: field exceeds its bit width")
)

const tenBitMask = 0x3FF

// Encode packs h into its bit-exact 4-byte wire form: one big-endian
// 32-bit word laid out as flags(4) | tag(8) | total_size(10) | offset(10),
// preserving field order and widths exactly for wire compatibility.
func Encode(h Header) ([]byte, error) {
	if h.TotalSize > tenBitMask || h.Offset > tenBitMask {
		return nil, ErrFieldOutOfRange
	}

	word := uint32(h.Flags&0x0F)<<28 |
		uint32(h.Tag)<<20 |
		uint32(h.TotalSize&tenBitMask)<<10 |
		uint32(h.Offset&tenBitMask)

	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf, word)

	return buf, nil
}

// Decode unpacks a Header from its bit-exact wire form.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrHeaderTooShort
	}

	word := binary.BigEndian.Uint32(buf[:HeaderSize])

	return Header{
		Flags:     HeaderFlags((word >> 28) & 0x0F),
		Tag:       uint8((word >> 20) & 0xFF),
		TotalSize: uint16((word >> 10) & tenBitMask),
		Offset:    uint16(word & tenBitMask),
	}, nil
}

// SourceRouteHeader is emitted iff the route has more than one hop
// beyond this node.
type SourceRouteHeader struct {
	ForwardCost  uint16
	HopCount     uint8
	NextHopIndex uint8
	Hops         []uint16
}

// EncodeSourceRoute serializes h.
func EncodeSourceRoute(h SourceRouteHeader) []byte {
	buf := make([]byte, 0, 4+2*len(h.Hops))
	buf = binary.LittleEndian.AppendUint16(buf, h.ForwardCost)
	buf = append(buf, h.HopCount, h.NextHopIndex)
	for _, hop := range h.Hops {
		buf = binary.LittleEndian.AppendUint16(buf, hop)
	}

	return buf
}

// DecodeSourceRoute parses a SourceRouteHeader, returning the remaining
// bytes after it.
func DecodeSourceRoute(buf []byte) (SourceRouteHeader, []byte, error) {
	if len(buf) < 4 {
		return SourceRouteHeader{}, nil, ErrHeaderTooShort
	}

	h := SourceRouteHeader{
		ForwardCost:  binary.LittleEndian.Uint16(buf[0:2]),
		HopCount:     buf[2],
		NextHopIndex: buf[3],
	}
	buf = buf[4:]

	if len(buf) < int(h.HopCount)*2 {
		return SourceRouteHeader{}, nil, ErrHeaderTooShort
	}

	h.Hops = make([]uint16, h.HopCount)
	for i := range h.Hops {
		h.Hops[i] = binary.LittleEndian.Uint16(buf[i*2 : i*2+2])
	}

	return h, buf[int(h.HopCount)*2:], nil
}

// AuthHeader carries the 12-byte signature over the composite body:
// tag = xcbc_mac_96(auth_key, session_IV || body). Signer and verifier
// each build IV || body in a separate buffer; nothing is staged in the
// header's tag bytes.
type AuthHeader struct {
	ReplayCounter uint32
	Tag           [12]byte
}

const authHeaderSize = 4 + 12

func encodeAuthHeader(a AuthHeader) []byte {
	buf := make([]byte, 0, authHeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, a.ReplayCounter)
	return append(buf, a.Tag[:]...)
}

func decodeAuthHeader(buf []byte) (AuthHeader, []byte, error) {
	if len(buf) < authHeaderSize {
		return AuthHeader{}, nil, ErrHeaderTooShort
	}

	a := AuthHeader{ReplayCounter: binary.LittleEndian.Uint32(buf[0:4])}
	copy(a.Tag[:], buf[4:authHeaderSize])

	return a, buf[authHeaderSize:], nil
}
