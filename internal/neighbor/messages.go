package neighbor

import (
	"encoding/binary"
	"errors"
)

// MsgType distinguishes the four neighbor-protocol message kinds.
type MsgType uint8

const (
	MsgBeacon MsgType = iota
	MsgFlash
	MsgThunder
	MsgEvict
)

// ErrMessageTooShort is returned by every Decode* helper on truncated
// input.
var ErrMessageTooShort = errors.New("neighbor: message too short")

// Beacon announces this node's tree position and pairing willingness.
type Beacon struct {
	Flags         Flags
	Short         uint16
	Upstream      uint16
	Depth         uint8
	ReplayCounter uint32
	Tag           [12]byte
}

// EncodeBeaconBody serializes b without its auth tag (the tag
// authenticates exactly these bytes: tag =
// xcbc_mac_96(auth_key, peer_IV || beacon_body)).
func EncodeBeaconBody(b Beacon) []byte {
	buf := make([]byte, 0, 10)
	buf = append(buf, byte(b.Flags))
	buf = binary.LittleEndian.AppendUint16(buf, b.Short)
	buf = binary.LittleEndian.AppendUint16(buf, b.Upstream)
	buf = append(buf, b.Depth)
	buf = binary.LittleEndian.AppendUint32(buf, b.ReplayCounter)

	return buf
}

// DecodeBeacon parses a beacon body and trailing tag.
func DecodeBeacon(buf []byte) (Beacon, error) {
	if len(buf) < 10+12 {
		return Beacon{}, ErrMessageTooShort
	}

	b := Beacon{
		Flags:         Flags(buf[0]),
		Short:         binary.LittleEndian.Uint16(buf[1:3]),
		Upstream:      binary.LittleEndian.Uint16(buf[3:5]),
		Depth:         buf[5],
		ReplayCounter: binary.LittleEndian.Uint32(buf[6:10]),
	}
	copy(b.Tag[:], buf[10:22])

	return b, nil
}

// EncodeBeacon serializes b with its trailing auth tag.
func EncodeBeacon(b Beacon) []byte {
	buf := EncodeBeaconBody(b)
	return append(buf, b.Tag[:]...)
}

// Flash is the candidate's challenge, carrying its session IV.
type Flash struct {
	Challenge uint32
	SessionIV [16]byte
	Tag       [12]byte
}

func EncodeFlashBody(f Flash) []byte {
	buf := make([]byte, 0, 20)
	buf = binary.LittleEndian.AppendUint32(buf, f.Challenge)
	buf = append(buf, f.SessionIV[:]...)

	return buf
}

func EncodeFlash(f Flash) []byte {
	return append(EncodeFlashBody(f), f.Tag[:]...)
}

func DecodeFlash(buf []byte) (Flash, error) {
	if len(buf) < 20+12 {
		return Flash{}, ErrMessageTooShort
	}

	f := Flash{Challenge: binary.LittleEndian.Uint32(buf[0:4])}
	copy(f.SessionIV[:], buf[4:20])
	copy(f.Tag[:], buf[20:32])

	return f, nil
}

// Thunder answers a Flash with the incremented challenge, the
// responder's own replay counter, and its session IV.
type Thunder struct {
	Challenge     uint32
	ReplayCounter uint32
	SessionIV     [16]byte
	Tag           [12]byte
}

func EncodeThunderBody(th Thunder) []byte {
	buf := make([]byte, 0, 24)
	buf = binary.LittleEndian.AppendUint32(buf, th.Challenge)
	buf = binary.LittleEndian.AppendUint32(buf, th.ReplayCounter)
	buf = append(buf, th.SessionIV[:]...)

	return buf
}

func EncodeThunder(th Thunder) []byte {
	return append(EncodeThunderBody(th), th.Tag[:]...)
}

func DecodeThunder(buf []byte) (Thunder, error) {
	if len(buf) < 24+12 {
		return Thunder{}, ErrMessageTooShort
	}

	th := Thunder{
		Challenge:     binary.LittleEndian.Uint32(buf[0:4]),
		ReplayCounter: binary.LittleEndian.Uint32(buf[4:8]),
	}
	copy(th.SessionIV[:], buf[8:24])
	copy(th.Tag[:], buf[24:36])

	return th, nil
}

// Evict unsolicitedly tears down a session on both sides.
type Evict struct {
	Counter uint32
	Tag     [12]byte
}

func EncodeEvictBody(e Evict) []byte {
	return binary.LittleEndian.AppendUint32(nil, e.Counter)
}

func EncodeEvict(e Evict) []byte {
	return append(EncodeEvictBody(e), e.Tag[:]...)
}

func DecodeEvict(buf []byte) (Evict, error) {
	if len(buf) < 4+12 {
		return Evict{}, ErrMessageTooShort
	}

	e := Evict{Counter: binary.LittleEndian.Uint32(buf[0:4])}
	copy(e.Tag[:], buf[4:16])

	return e, nil
}
