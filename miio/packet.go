package miio

import (
	"fmt"
)

// -------------------------------------------------------------------------
// Wire Constants — Mi Home binary protocol header
// -------------------------------------------------------------------------

// HeaderSize is the fixed on-wire header size in bytes: magic(2) +
// packet_length(2) + unknown1(4) + device_id(4) + stamp(4) + checksum(16).
const HeaderSize = 32

// ChecksumSize is the length in bytes of the checksum field.
const ChecksumSize = 16

// magicByte0 and magicByte1 are the two constant framing bytes at the
// start of every frame.
const (
	magicByte0 = 0x21
	magicByte1 = 0x31
)

// sentinel32 is the all-ones 32-bit sentinel used for unknown1, device_id,
// and stamp in a handshake request.
const sentinel32 = 0xFFFFFFFF

// -------------------------------------------------------------------------
// Packet — on-wire frame
// -------------------------------------------------------------------------

// Packet is an immutable structured representation of one on-wire frame.
// All multi-byte fields are big-endian.
type Packet struct {
	// PacketLength is the total frame size in bytes, header included.
	// Invariant: PacketLength == HeaderSize + len(Payload).
	PacketLength uint16

	// Unknown1 is 0xFFFFFFFF for a handshake request, 0x00000000 otherwise
	// (including the handshake reply).
	Unknown1 uint32

	// DeviceID is 0xFFFFFFFF in a handshake request; otherwise the value
	// the device reported in its handshake reply.
	DeviceID uint32

	// Stamp is 0xFFFFFFFF in a handshake request; otherwise the
	// wall-clock-projected per-device counter.
	Stamp uint32

	// Checksum is all-0xFF in a handshake request, all-0x00 in a handshake
	// reply, or an MD5 digest of the header prefix, token, and payload
	// otherwise.
	Checksum [ChecksumSize]byte

	// Payload is the (possibly empty) AES-128-CBC ciphertext. Its length
	// is PacketLength - HeaderSize.
	Payload []byte
}

// ParseError describes a frame that failed ParsePacket's validation,
// naming the offending field.
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse packet: field %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParsePacket produces a Packet from buf if and only if the first two bytes
// equal the magic 0x21 0x31 and the declared packet_length equals len(buf).
// Any mismatch yields a *ParseError wrapping ErrMalformedFrame.
func ParsePacket(buf []byte) (Packet, error) {
	if len(buf) < HeaderSize {
		return Packet{}, &ParseError{
			Field: "length",
			Err:   fmt.Errorf("buffer is %d bytes, minimum %d: %w", len(buf), HeaderSize, ErrMalformedFrame),
		}
	}
	if buf[0] != magicByte0 || buf[1] != magicByte1 {
		return Packet{}, &ParseError{
			Field: "magic",
			Err:   fmt.Errorf("got %#02x%02x: %w", buf[0], buf[1], ErrMalformedFrame),
		}
	}

	pktLen := getUint16(buf[2:4])
	if int(pktLen) != len(buf) {
		return Packet{}, &ParseError{
			Field: "packet_length",
			Err:   fmt.Errorf("declared %d, buffer is %d bytes: %w", pktLen, len(buf), ErrMalformedFrame),
		}
	}

	p := Packet{
		PacketLength: pktLen,
		Unknown1:     getUint32(buf[4:8]),
		DeviceID:     getUint32(buf[8:12]),
		Stamp:        getUint32(buf[12:16]),
	}
	copy(p.Checksum[:], buf[16:32])

	if pktLen > HeaderSize {
		p.Payload = make([]byte, pktLen-HeaderSize)
		copy(p.Payload, buf[HeaderSize:])
	}

	return p, nil
}

// Serialize is the inverse of ParsePacket: the concatenation of all fields
// in wire order. Parse and Serialize are exact inverses for any valid frame.
func (p Packet) Serialize() ([]byte, error) {
	buf := make([]byte, HeaderSize+len(p.Payload))

	buf[0] = magicByte0
	buf[1] = magicByte1
	if err := putUint16(buf[2:4], p.PacketLength); err != nil {
		return nil, fmt.Errorf("serialize packet_length: %w", err)
	}
	if err := putUint32(buf[4:8], p.Unknown1); err != nil {
		return nil, fmt.Errorf("serialize unknown1: %w", err)
	}
	if err := putUint32(buf[8:12], p.DeviceID); err != nil {
		return nil, fmt.Errorf("serialize device_id: %w", err)
	}
	if err := putUint32(buf[12:16], p.Stamp); err != nil {
		return nil, fmt.Errorf("serialize stamp: %w", err)
	}
	copy(buf[16:32], p.Checksum[:])
	copy(buf[32:], p.Payload)

	return buf, nil
}

// headerPrefix returns the 16 bytes of the header preceding the checksum
// field: magic || packet_length || unknown1 || device_id || stamp. This is
// what the checksum is computed over, as opposed to the
// whole-header-with-checksum-zeroed form some implementations use.
func (p Packet) headerPrefix() ([16]byte, error) {
	var prefix [16]byte
	prefix[0] = magicByte0
	prefix[1] = magicByte1
	if err := putUint16(prefix[2:4], p.PacketLength); err != nil {
		return prefix, fmt.Errorf("header prefix packet_length: %w", err)
	}
	if err := putUint32(prefix[4:8], p.Unknown1); err != nil {
		return prefix, fmt.Errorf("header prefix unknown1: %w", err)
	}
	if err := putUint32(prefix[8:12], p.DeviceID); err != nil {
		return prefix, fmt.Errorf("header prefix device_id: %w", err)
	}
	if err := putUint32(prefix[12:16], p.Stamp); err != nil {
		return prefix, fmt.Errorf("header prefix stamp: %w", err)
	}
	return prefix, nil
}

// isHandshakeRequest reports whether p carries the all-sentinel fields of a
// handshake request.
func (p Packet) isHandshakeRequest() bool {
	return p.Unknown1 == sentinel32 && p.DeviceID == sentinel32 && p.Stamp == sentinel32 && p.allFFChecksum()
}

// isHandshakeReply classifies p as a handshake reply: unknown1 == 0,
// packet_length == HeaderSize, and an all-zero checksum.
func (p Packet) isHandshakeReply() bool {
	return p.Unknown1 == 0 && p.PacketLength == HeaderSize && p.allZeroChecksum()
}

func (p Packet) allFFChecksum() bool {
	for _, b := range p.Checksum {
		if b != 0xFF {
			return false
		}
	}
	return true
}

func (p Packet) allZeroChecksum() bool {
	for _, b := range p.Checksum {
		if b != 0 {
			return false
		}
	}
	return true
}
