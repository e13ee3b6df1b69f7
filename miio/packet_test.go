package miio_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/mihome-go/miioc/miio"
)

func handshakeRequestHeader() miio.Packet {
	p := miio.Packet{
		PacketLength: miio.HeaderSize,
		Unknown1:     miio.Sentinel32,
		DeviceID:     miio.Sentinel32,
		Stamp:        miio.Sentinel32,
	}
	for i := range p.Checksum {
		p.Checksum[i] = 0xFF
	}
	return p
}

func handshakeReplyHeader(deviceID, stamp uint32) miio.Packet {
	return miio.Packet{
		PacketLength: miio.HeaderSize,
		Unknown1:     0,
		DeviceID:     deviceID,
		Stamp:        stamp,
	}
}

func normalPacket(payload []byte) miio.Packet {
	p := miio.Packet{
		PacketLength: uint16(miio.HeaderSize + len(payload)),
		Unknown1:     0,
		DeviceID:     0x12345678,
		Stamp:        42,
		Payload:      payload,
	}
	for i := range p.Checksum {
		p.Checksum[i] = byte(i)
	}
	return p
}

func TestParseSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pkt  miio.Packet
	}{
		{"handshake request", handshakeRequestHeader()},
		{"handshake reply", handshakeReplyHeader(0x11223344, 99)},
		{"normal no payload", normalPacket(nil)},
		{"normal with payload", normalPacket([]byte("some ciphertext bytes"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			buf, err := tt.pkt.Serialize()
			if err != nil {
				t.Fatalf("Serialize() error: %v", err)
			}

			got, err := miio.ParsePacket(buf)
			if err != nil {
				t.Fatalf("ParsePacket() error: %v", err)
			}

			if got.PacketLength != tt.pkt.PacketLength ||
				got.Unknown1 != tt.pkt.Unknown1 ||
				got.DeviceID != tt.pkt.DeviceID ||
				got.Stamp != tt.pkt.Stamp ||
				got.Checksum != tt.pkt.Checksum ||
				!bytes.Equal(got.Payload, tt.pkt.Payload) {
				t.Errorf("round trip mismatch: got %+v, want %+v", got, tt.pkt)
			}
		})
	}
}

func TestParsePacketMalformed(t *testing.T) {
	t.Parallel()

	valid, err := normalPacket([]byte("abc")).Serialize()
	if err != nil {
		t.Fatalf("Serialize() error: %v", err)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"too short", valid[:miio.HeaderSize-1]},
		{"bad magic", append([]byte{0x00, 0x00}, valid[2:]...)},
		{"packet_length too small", func() []byte {
			b := append([]byte{}, valid...)
			_ = miio.PutUint16(b[2:4], miio.HeaderSize-1)
			return b
		}()},
		{"packet_length too large", func() []byte {
			b := append([]byte{}, valid...)
			_ = miio.PutUint16(b[2:4], uint16(len(valid)+1))
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := miio.ParsePacket(tt.buf)
			var parseErr *miio.ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("ParsePacket() error = %v, want *ParseError", err)
			}
			if !errors.Is(err, miio.ErrMalformedFrame) {
				t.Errorf("ParsePacket() error = %v, want wrapping ErrMalformedFrame", err)
			}
		})
	}
}

func TestHeaderPrefixLength(t *testing.T) {
	t.Parallel()

	prefix, err := normalPacket([]byte("xyz")).HeaderPrefix()
	if err != nil {
		t.Fatalf("headerPrefix() error: %v", err)
	}
	if len(prefix) != 16 {
		t.Errorf("len(headerPrefix()) = %d, want 16", len(prefix))
	}
	if prefix[0] != miio.MagicByte0 || prefix[1] != miio.MagicByte1 {
		t.Errorf("headerPrefix() magic = %#02x%02x, want %#02x%02x", prefix[0], prefix[1], miio.MagicByte0, miio.MagicByte1)
	}
}

func TestIsHandshakeRequest(t *testing.T) {
	t.Parallel()

	if !handshakeRequestHeader().IsHandshakeRequest() {
		t.Error("isHandshakeRequest() = false for a canonical handshake request")
	}
	if normalPacket(nil).IsHandshakeRequest() {
		t.Error("isHandshakeRequest() = true for a normal packet")
	}

	almost := handshakeRequestHeader()
	almost.Checksum[0] = 0x00
	if almost.IsHandshakeRequest() {
		t.Error("isHandshakeRequest() = true when checksum is not all-0xFF")
	}
}

func TestIsHandshakeReply(t *testing.T) {
	t.Parallel()

	if !handshakeReplyHeader(1, 2).IsHandshakeReply() {
		t.Error("isHandshakeReply() = false for a canonical handshake reply")
	}
	if normalPacket(nil).IsHandshakeReply() {
		t.Error("isHandshakeReply() = true for a normal packet")
	}

	wrongLen := handshakeReplyHeader(1, 2)
	wrongLen.PacketLength = miio.HeaderSize + 4
	if wrongLen.IsHandshakeReply() {
		t.Error("isHandshakeReply() = true when packet_length != HeaderSize")
	}

	nonZeroChecksum := handshakeReplyHeader(1, 2)
	nonZeroChecksum.Checksum[0] = 0x01
	if nonZeroChecksum.IsHandshakeReply() {
		t.Error("isHandshakeReply() = true when checksum is not all-zero")
	}
}
