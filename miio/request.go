package miio

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// Request is a logical request: either the opaque handshake, or a Normal
// call carrying plaintext JSON bound for a specific device/stamp.
type Request struct {
	// Handshake, when true, makes this a Handshake request and all other
	// fields are ignored.
	Handshake bool

	// DeviceID and Stamp address a Normal request; unused for Handshake.
	DeviceID uint32
	Stamp    uint32

	// Plaintext is the JSON-encoded application message for a Normal
	// request; unused for Handshake.
	Plaintext []byte
}

// deriveKeyIV computes K = MD5(token), IV = MD5(K || token), the key/IV
// pair used for AES-128-CBC.
func deriveKeyIV(token [TokenSize]byte) (key, iv [TokenSize]byte) {
	key = md5Chain(token[:])
	iv = md5Chain(key[:], token[:])
	return key, iv
}

// pkcs7Pad pads data to a multiple of aes.BlockSize using PKCS#7.
func pkcs7Pad(data []byte) []byte {
	pad := aes.BlockSize - len(data)%aes.BlockSize
	padded := make([]byte, len(data)+pad)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	return padded
}

// pkcs7Unpad strips PKCS#7 padding from data, validating the padding bytes.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	pad := int(data[len(data)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("pkcs7 unpad: invalid padding byte %d: %w", pad, ErrDecryptFailure)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("pkcs7 unpad: inconsistent padding: %w", ErrDecryptFailure)
		}
	}
	return data[:len(data)-pad], nil
}

// encryptPayload AES-128-CBC-encrypts plaintext under key/iv with PKCS#7
// padding. Empty plaintext yields empty ciphertext (no block is produced
// — reserved for handshake only, which never calls this).
func encryptPayload(plaintext []byte, key, iv [TokenSize]byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// decryptPayload reverses encryptPayload: AES-128-CBC-decrypt then strip
// PKCS#7 padding.
func decryptPayload(ciphertext []byte, key, iv [TokenSize]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("decrypt payload: ciphertext length %d not a multiple of block size: %w",
			len(ciphertext), ErrDecryptFailure)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: new cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload: %w", err)
	}

	return unpadded, nil
}

// checksumFor computes MD5(headerPrefix || token || ciphertext). Both the
// serializer and the deserializer share this one construction so they can
// never drift apart from one another.
func checksumFor(p Packet, token [TokenSize]byte, ciphertext []byte) ([ChecksumSize]byte, error) {
	prefix, err := p.headerPrefix()
	if err != nil {
		return [ChecksumSize]byte{}, fmt.Errorf("checksum: %w", err)
	}
	return md5Chain(prefix[:], token[:], ciphertext), nil
}

// SerializeRequest turns a logical Request into a wire-ready Packet,
// encrypting the payload and computing the checksum as needed.
func SerializeRequest(req Request, token [TokenSize]byte) (Packet, error) {
	if req.Handshake {
		return handshakeRequestPacket(), nil
	}
	return normalRequestPacket(req, token)
}

// handshakeRequestPacket builds the all-sentinel handshake request frame:
// every header field and the checksum are all-0xFF.
func handshakeRequestPacket() Packet {
	p := Packet{
		PacketLength: HeaderSize,
		Unknown1:     sentinel32,
		DeviceID:     sentinel32,
		Stamp:        sentinel32,
	}
	for i := range p.Checksum {
		p.Checksum[i] = 0xFF
	}
	return p
}

// normalRequestPacket builds an encrypted, checksummed Normal request
// frame.
func normalRequestPacket(req Request, token [TokenSize]byte) (Packet, error) {
	key, iv := deriveKeyIV(token)

	ciphertext, err := encryptPayload(req.Plaintext, key, iv)
	if err != nil {
		return Packet{}, fmt.Errorf("serialize normal request: %w", err)
	}

	p := Packet{
		PacketLength: uint16(HeaderSize + len(ciphertext)), //nolint:gosec // G115: bounded by UDP MTU in practice.
		Unknown1:     0,
		DeviceID:     req.DeviceID,
		Stamp:        req.Stamp,
		Payload:      ciphertext,
	}

	sum, err := checksumFor(p, token, ciphertext)
	if err != nil {
		return Packet{}, fmt.Errorf("serialize normal request: %w", err)
	}
	p.Checksum = sum

	return p, nil
}
