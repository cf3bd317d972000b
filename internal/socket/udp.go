package socket

import "encoding/binary"

// udpHeaderLen is the wire size of a UDP header (source port, dest
// port, length, checksum).
const udpHeaderLen = 8

// encodeUDP lays out a UDP header followed by payload, then fixes up
// the checksum over the UDP pseudo-header (source/dest address, zero
// byte, protocol, UDP length) plus the datagram itself.
func encodeUDP(srcAddr, dstAddr uint32, srcPort, dstPort uint16, payload []byte) []byte {
	length := udpHeaderLen + len(payload)

	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:], srcPort)
	binary.BigEndian.PutUint16(buf[2:], dstPort)
	binary.BigEndian.PutUint16(buf[4:], uint16(length))
	copy(buf[udpHeaderLen:], payload)

	binary.BigEndian.PutUint16(buf[6:], udpChecksum(srcAddr, dstAddr, buf))

	return buf
}

// udpChecksum computes the checksum over the UDP pseudo-header
// (source/dest address, zero byte, protocol, UDP length) followed by
// segment, which must have its own checksum field zeroed.
func udpChecksum(srcAddr, dstAddr uint32, segment []byte) uint16 {
	pseudo := make([]byte, 12, 12+len(segment))
	binary.BigEndian.PutUint32(pseudo[0:], srcAddr)
	binary.BigEndian.PutUint32(pseudo[4:], dstAddr)
	pseudo[9] = ipv4ProtoUDP
	binary.BigEndian.PutUint16(pseudo[10:], uint16(len(segment)))

	return ones16Checksum(append(pseudo, segment...))
}

// udpHeader is a decoded UDP header.
type udpHeader struct {
	SourcePort uint16
	DestPort   uint16
	Length     uint16
	Checksum   uint16
}

func decodeUDP(buf []byte) (udpHeader, []byte, error) {
	if len(buf) < udpHeaderLen {
		return udpHeader{}, nil, ErrPacketTooShort
	}

	h := udpHeader{
		SourcePort: binary.BigEndian.Uint16(buf[0:2]),
		DestPort:   binary.BigEndian.Uint16(buf[2:4]),
		Length:     binary.BigEndian.Uint16(buf[4:6]),
		Checksum:   binary.BigEndian.Uint16(buf[6:8]),
	}

	return h, buf[udpHeaderLen:], nil
}
