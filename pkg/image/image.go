// Package image builds and opens encrypted firmware images for the
// bootloader's encrypted programming protocol (revision 6+).
package image

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/helioflight/bltool/pkg/checksum"
)

const (
	// HeaderSize is the length of the plaintext header that precedes the
	// firmware: four little-endian 32-bit words.
	HeaderSize = 16

	// KeySize is the only key length the bootloader accepts (AES-128-CBC).
	KeySize = 16

	// IVSize is the CBC initialisation vector length.
	IVSize = aes.BlockSize

	// fill is the pad byte; matches the erased-flash value so padding is
	// indistinguishable from unprogrammed words.
	fill = 0xff
)

// Header is the plaintext header the bootloader reads from the first four
// decrypted words of an image.
type Header struct {
	NumToFlash uint32 // bytes to flash and to checksum
	CRC32Sum   uint32 // checksum.Sum over the flashed bytes
	Reserved1  uint32
	Reserved2  uint32
}

func (h Header) marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.NumToFlash)
	binary.LittleEndian.PutUint32(buf[4:], h.CRC32Sum)
	binary.LittleEndian.PutUint32(buf[8:], h.Reserved1)
	binary.LittleEndian.PutUint32(buf[12:], h.Reserved2)
	return buf
}

func parseHeader(buf []byte) Header {
	return Header{
		NumToFlash: binary.LittleEndian.Uint32(buf[0:]),
		CRC32Sum:   binary.LittleEndian.Uint32(buf[4:]),
		Reserved1:  binary.LittleEndian.Uint32(buf[8:]),
		Reserved2:  binary.LittleEndian.Uint32(buf[12:]),
	}
}

// Build encrypts firmware into an image the bootloader can flash. The
// firmware is padded to a word boundary, prefixed with a header carrying the
// flash length and checksum, padded to the AES block size and encrypted with
// AES-128-CBC under key and iv.
func Build(firmware, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pad(firmware, 4)
	hdr := Header{
		NumToFlash: uint32(len(padded)),
		CRC32Sum:   checksum.Sum(padded, 0),
	}

	plain := append(hdr.marshal(), padded...)
	plain = pad(plain, aes.BlockSize)

	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return out, nil
}

// Open decrypts an image built by Build (or by any compatible flasher),
// verifies the embedded checksum and returns the padded firmware.
func Open(encrypted, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(encrypted) < aes.BlockSize || len(encrypted)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("image is %d bytes: want a positive multiple of %d", len(encrypted), aes.BlockSize)
	}

	plain := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, encrypted)

	hdr := parseHeader(plain)
	body := plain[HeaderSize:]
	if hdr.NumToFlash > uint32(len(body)) {
		return nil, fmt.Errorf("header claims %d firmware bytes but image holds %d", hdr.NumToFlash, len(body))
	}

	firmware := body[:hdr.NumToFlash]
	if sum := checksum.Sum(firmware, 0); sum != hdr.CRC32Sum {
		return nil, fmt.Errorf("checksum mismatch: image %#x, computed %#x", hdr.CRC32Sum, sum)
	}
	return firmware, nil
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key is %d bytes: bootloader requires AES-128 (%d bytes)", len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv is %d bytes: want %d", len(iv), IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return block, nil
}

// pad extends buf to a multiple of align with the erased-flash fill byte.
func pad(buf []byte, align int) []byte {
	rem := len(buf) % align
	if rem == 0 {
		return buf
	}
	out := make([]byte, len(buf), len(buf)+align-rem)
	copy(out, buf)
	for i := rem; i < align; i++ {
		out = append(out, fill)
	}
	return out
}
