package miio

import (
	"crypto/subtle"
	"fmt"
)

// Response is a classified logical response: either a Handshake reply
// carrying the device's identity and stamp, or a Normal reply carrying
// decrypted plaintext.
type Response struct {
	Handshake bool

	DeviceID  uint32
	Stamp     uint32
	Plaintext []byte
}

// DeserializeResponse validates a parsed Packet and classifies it.
//
// A frame is a handshake reply iff unknown1 == 0, packet_length ==
// HeaderSize, and the checksum is all-zero; in that case the checksum is
// not verified and the payload is not decrypted. Otherwise the frame is
// treated as a Normal reply: its checksum is verified against the same
// construction SerializeRequest uses, and on success the payload is
// decrypted.
func DeserializeResponse(p Packet, token [TokenSize]byte) (Response, error) {
	if p.isHandshakeReply() {
		return Response{
			Handshake: true,
			DeviceID:  p.DeviceID,
			Stamp:     p.Stamp,
		}, nil
	}

	expected, err := checksumFor(p, token, p.Payload)
	if err != nil {
		return Response{}, fmt.Errorf("deserialize response: %w", err)
	}
	if subtle.ConstantTimeCompare(expected[:], p.Checksum[:]) != 1 {
		return Response{}, fmt.Errorf("deserialize response: %w", ErrChecksumMismatch)
	}

	key, iv := deriveKeyIV(token)
	plaintext, err := decryptPayload(p.Payload, key, iv)
	if err != nil {
		return Response{}, fmt.Errorf("deserialize response: %w", err)
	}

	return Response{
		DeviceID:  p.DeviceID,
		Stamp:     p.Stamp,
		Plaintext: plaintext,
	}, nil
}
