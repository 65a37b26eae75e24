package miio

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
)

// miIO binary packet layout (all fields big-endian):
//
//	magic (2) | length (2) | unknown (4) | device id (4) | stamp (4)
//	checksum (16, or device token in the hello reply)
//	encrypted payload (length-32 bytes, optional)
//
// The payload is AES-128-CBC with PKCS#7 padding. Key and IV derive from
// the device token: key = md5(token), iv = md5(key || token). The checksum
// is md5 over the packet with the checksum field substituted by the token.

const (
	packetMagic  = 0x2131
	headerSize   = 32
	helloField   = 0xFFFFFFFF
	maxPacketLen = 0xFFFF
)

var (
	errBadMagic    = errors.New("miio: bad packet magic")
	errBadLength   = errors.New("miio: bad packet length")
	errBadChecksum = errors.New("miio: checksum mismatch")
	errBadPadding  = errors.New("miio: bad payload padding")
)

type packet struct {
	deviceID uint32
	stamp    uint32
	checksum [16]byte
	payload  []byte
}

// deriveKey computes the AES key and IV for a device token.
func deriveKey(token []byte) (key, iv []byte) {
	k := md5.Sum(token)
	ivSum := md5.New()
	ivSum.Write(k[:])
	ivSum.Write(token)
	return k[:], ivSum.Sum(nil)
}

// encodeHello builds the 32-byte discovery packet that opens a session.
func encodeHello() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(packetMagic))
	binary.Write(buf, binary.BigEndian, uint16(headerSize))
	for i := 0; i < 7; i++ {
		binary.Write(buf, binary.BigEndian, uint32(helloField))
	}
	return buf.Bytes()
}

// encodePacket seals payload into a wire packet for an established session.
func encodePacket(deviceID, stamp uint32, payload, key, iv, token []byte) ([]byte, error) {
	sealed, err := encryptPayload(payload, key, iv)
	if err != nil {
		return nil, err
	}
	total := headerSize + len(sealed)
	if total > maxPacketLen {
		return nil, fmt.Errorf("miio: payload too large (%d bytes)", len(payload))
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(packetMagic))
	binary.Write(buf, binary.BigEndian, uint16(total))
	binary.Write(buf, binary.BigEndian, uint32(0))
	binary.Write(buf, binary.BigEndian, deviceID)
	binary.Write(buf, binary.BigEndian, stamp)

	sum := md5.New()
	sum.Write(buf.Bytes())
	sum.Write(token)
	sum.Write(sealed)
	buf.Write(sum.Sum(nil))
	buf.Write(sealed)

	return buf.Bytes(), nil
}

// decodePacket parses and, when a payload is present, verifies and decrypts
// a received packet. Hello replies carry the device token in the checksum
// field and no payload; they are returned without checksum verification.
func decodePacket(data []byte, key, iv, token []byte) (*packet, error) {
	if len(data) < headerSize {
		return nil, errBadLength
	}
	if binary.BigEndian.Uint16(data[0:2]) != packetMagic {
		return nil, errBadMagic
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if length != len(data) || length < headerSize {
		return nil, errBadLength
	}

	p := &packet{
		deviceID: binary.BigEndian.Uint32(data[8:12]),
		stamp:    binary.BigEndian.Uint32(data[12:16]),
	}
	copy(p.checksum[:], data[16:32])

	if length == headerSize {
		return p, nil
	}

	sum := md5.New()
	sum.Write(data[0:16])
	sum.Write(token)
	sum.Write(data[32:])
	if !bytes.Equal(sum.Sum(nil), p.checksum[:]) {
		return nil, errBadChecksum
	}

	plain, err := decryptPayload(data[32:], key, iv)
	if err != nil {
		return nil, err
	}
	p.payload = plain
	return p, nil
}

func encryptPayload(plain, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("miio: new cipher: %w", err)
	}
	padding := aes.BlockSize - len(plain)%aes.BlockSize
	data := make([]byte, len(plain)+padding)
	copy(data, plain)
	for i := len(plain); i < len(data); i++ {
		data[i] = byte(padding)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, data)
	return data, nil
}

func decryptPayload(sealed, key, iv []byte) ([]byte, error) {
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, errBadLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("miio: new cipher: %w", err)
	}
	data := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, sealed)

	padding := int(data[len(data)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(data) {
		return nil, errBadPadding
	}
	return data[:len(data)-padding], nil
}
