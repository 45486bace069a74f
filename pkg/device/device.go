// Package device emulates an encryption-enabled bootloader for testing the
// host-side protocol without hardware.
package device

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/helioflight/bltool/pkg/checksum"
	"github.com/helioflight/bltool/pkg/protocol"
)

const erasedWord = 0xffffffff

// BoardInfo describes the emulated hardware.
type BoardInfo struct {
	BoardType       uint32
	BoardRev        uint32
	FwSize          uint32 // flashable area in bytes, multiple of 4
	ChipID          uint32
	ChipDescription string
	SerialNumber    [3]uint32
	OTP             [4]uint32
}

// Device is an in-memory bootloader. It satisfies io.ReadWriter: commands
// written to it are processed byte by byte and replies become readable as
// soon as the command completes, so a protocol.Client can drive it directly
// with no goroutines or real I/O.
type Device struct {
	info  BoardInfo
	block cipher.Block

	flash     []uint32
	address   uint32
	firstWord uint32
	keyValid  bool
	iv        [16]byte

	numToFlash uint32
	crcSum     uint32
	bootDelay  uint8
	booted     bool

	out    bytes.Buffer
	state  parseState
	opcode byte
	need   int
	args   []byte
}

type parseState int

const (
	stateOpcode parseState = iota
	stateArgs
	stateLen
	stateData
	stateEOC
)

// New returns a Device with the given board info and AES-128 key. A nil key
// emulates an unprovisioned device (encrypted programming will answer
// BAD_KEY). The flash starts erased and the program address forces an erase
// before any upload, like a freshly reset bootloader.
func New(info BoardInfo, key []byte) (*Device, error) {
	if info.FwSize == 0 || info.FwSize%4 != 0 {
		return nil, fmt.Errorf("firmware area size %d: want a positive multiple of 4", info.FwSize)
	}

	d := &Device{
		info:      info,
		flash:     make([]uint32, info.FwSize/4),
		address:   info.FwSize, // force erase before the first upload
		firstWord: erasedWord,
	}
	for i := range d.flash {
		d.flash[i] = erasedWord
	}

	if key != nil {
		if len(key) != 16 {
			return nil, fmt.Errorf("key is %d bytes: want 16", len(key))
		}
		for _, b := range key {
			if b != 0 {
				d.keyValid = true
				break
			}
		}
		if d.keyValid {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, fmt.Errorf("failed to create cipher: %w", err)
			}
			d.block = block
		}
	}
	return d, nil
}

// Write feeds command bytes into the bootloader state machine.
func (d *Device) Write(p []byte) (int, error) {
	for _, b := range p {
		d.step(b)
	}
	return len(p), nil
}

// Read drains pending reply bytes. It reports io.EOF when no reply is
// pending, which surfaces host/device desync as a read error instead of a
// hang.
func (d *Device) Read(p []byte) (int, error) {
	if d.out.Len() == 0 {
		return 0, io.EOF
	}
	return d.out.Read(p)
}

// Booted reports whether the bootloader has jumped to the application.
func (d *Device) Booted() bool {
	return d.booted
}

// KeyValid reports whether the device key is still provisioned.
func (d *Device) KeyValid() bool {
	return d.keyValid
}

// BootDelay returns the configured minimum boot delay in seconds.
func (d *Device) BootDelay() uint8 {
	return d.bootDelay
}

// FlashBytes returns a copy of the flash contents as bytes, including the
// deferred first word once the device has booted.
func (d *Device) FlashBytes() []byte {
	buf := make([]byte, len(d.flash)*4)
	for i, w := range d.flash {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return buf
}

func (d *Device) step(b byte) {
	switch d.state {
	case stateOpcode:
		d.opcode = b
		d.args = d.args[:0]
		switch b {
		case protocol.CmdGetSync, protocol.CmdChipErase, protocol.CmdGetCRC,
			protocol.CmdGetChip, protocol.CmdGetChipDes, protocol.CmdBoot,
			protocol.CmdDebug, protocol.CmdCheckCRC, protocol.CmdCheckKey:
			d.state = stateEOC
		case protocol.CmdGetDevice, protocol.CmdSetBootDelay:
			d.need = 1
			d.state = stateArgs
		case protocol.CmdGetOTP, protocol.CmdGetSN:
			d.need = 4
			d.state = stateArgs
		case protocol.CmdSetIV:
			d.need = 16
			d.state = stateArgs
		case protocol.CmdProgMulti, protocol.CmdProgMultiEncrypted:
			d.state = stateLen
		default:
			// Not a command byte; the bootloader silently ignores it.
		}
	case stateLen:
		d.need = int(b)
		if d.need == 0 {
			d.state = stateEOC
		} else {
			d.state = stateData
		}
	case stateArgs, stateData:
		d.args = append(d.args, b)
		if len(d.args) == d.need {
			d.state = stateEOC
		}
	case stateEOC:
		if b == protocol.EOC {
			d.execute()
		} else {
			d.reply(protocol.StatusInvalid)
		}
		d.state = stateOpcode
	}
}

func (d *Device) execute() {
	switch d.opcode {
	case protocol.CmdGetSync, protocol.CmdDebug:
		d.reply(protocol.StatusOK)

	case protocol.CmdGetDevice:
		d.getDevice(d.args[0])

	case protocol.CmdChipErase:
		for i := range d.flash {
			d.flash[i] = erasedWord
		}
		d.address = 0
		d.reply(protocol.StatusOK)

	case protocol.CmdProgMulti:
		d.progMulti(d.args)

	case protocol.CmdProgMultiEncrypted:
		d.progMultiEncrypted(d.args)

	case protocol.CmdGetCRC:
		d.word(d.flashCRC(d.info.FwSize))
		d.reply(protocol.StatusOK)

	case protocol.CmdCheckCRC:
		d.checkCRC()

	case protocol.CmdCheckKey:
		if d.keyValid {
			d.reply(protocol.StatusOK)
		} else {
			d.reply(protocol.StatusBadKey)
		}

	case protocol.CmdGetOTP:
		d.word(d.areaWord(d.info.OTP[:], binary.LittleEndian.Uint32(d.args)))
		d.reply(protocol.StatusOK)

	case protocol.CmdGetSN:
		d.word(d.areaWord(d.info.SerialNumber[:], binary.LittleEndian.Uint32(d.args)))
		d.reply(protocol.StatusOK)

	case protocol.CmdGetChip:
		d.word(d.info.ChipID)
		d.reply(protocol.StatusOK)

	case protocol.CmdGetChipDes:
		d.word(uint32(len(d.info.ChipDescription)))
		d.out.WriteString(d.info.ChipDescription)
		d.reply(protocol.StatusOK)

	case protocol.CmdSetIV:
		copy(d.iv[:], d.args)
		d.reply(protocol.StatusOK)

	case protocol.CmdSetBootDelay:
		if d.args[0] > protocol.BootDelayMax {
			d.reply(protocol.StatusInvalid)
			return
		}
		d.bootDelay = d.args[0]
		d.reply(protocol.StatusOK)

	case protocol.CmdBoot:
		if d.firstWord != erasedWord {
			d.flash[0] &= d.firstWord
			if d.flash[0] != d.firstWord {
				d.reply(protocol.StatusFailed)
				return
			}
			d.firstWord = erasedWord
		}
		d.booted = true
		d.reply(protocol.StatusOK)
	}
}

func (d *Device) getDevice(selector byte) {
	switch selector {
	case protocol.InfoBLRev:
		d.word(protocol.Version)
	case protocol.InfoBoardID:
		d.word(d.info.BoardType)
	case protocol.InfoBoardRev:
		d.word(d.info.BoardRev)
	case protocol.InfoFwSize:
		d.word(d.info.FwSize)
	case protocol.InfoVecArea:
		// Vectors 7-10 only exist when the flash area covers them.
		if len(d.flash) < 11 {
			d.reply(protocol.StatusInvalid)
			return
		}
		for p := 7; p <= 10; p++ {
			d.word(d.flash[p])
		}
	default:
		d.reply(protocol.StatusInvalid)
		return
	}
	d.reply(protocol.StatusOK)
}

func (d *Device) progMulti(data []byte) {
	if len(data)%4 != 0 || d.address+uint32(len(data)) > d.info.FwSize {
		d.reply(protocol.StatusInvalid)
		return
	}

	words := toWords(data)
	if d.address == 0 {
		// A plain upload voids the encryption key permanently.
		d.zeroKey()
		d.firstWord = words[0]
		words[0] = erasedWord
	}
	if !d.writeWords(words) {
		d.reply(protocol.StatusFailed)
		return
	}
	d.reply(protocol.StatusOK)
}

func (d *Device) progMultiEncrypted(data []byte) {
	if len(data)%4 != 0 || d.address+uint32(len(data)) > d.info.FwSize {
		d.reply(protocol.StatusInvalid)
		return
	}
	if !d.keyValid {
		d.reply(protocol.StatusBadKey)
		return
	}
	if len(data)%16 != 0 || len(data) >= protocol.ProgMultiMax {
		d.reply(protocol.StatusInvalid)
		return
	}

	plain := make([]byte, len(data))
	for i := 0; i < len(data); i += 16 {
		d.block.Decrypt(plain[i:i+16], data[i:i+16])
		for j := 0; j < 16; j++ {
			plain[i+j] ^= d.iv[j]
		}
		copy(d.iv[:], data[i:i+16])
	}

	words := toWords(plain)
	start := 0
	if d.address == 0 {
		// The first four decrypted words are the image header.
		d.numToFlash = words[0]
		d.crcSum = words[1]
		start = 4
		if len(words) > start {
			d.firstWord = words[start]
			words[start] = erasedWord
		}
	}
	if d.numToFlash > d.info.FwSize {
		d.reply(protocol.StatusFailed)
		return
	}
	if !d.writeWords(words[start:]) {
		d.reply(protocol.StatusFailed)
		return
	}
	d.reply(protocol.StatusOK)
}

func (d *Device) checkCRC() {
	if d.numToFlash > d.info.FwSize {
		d.reply(protocol.StatusFailed)
		return
	}
	if d.flashCRC(d.numToFlash) != d.crcSum {
		d.reply(protocol.StatusFailed)
		return
	}
	d.reply(protocol.StatusOK)
}

// flashCRC checksums the first n flash bytes, substituting the deferred
// first word while it is still unprogrammed.
func (d *Device) flashCRC(n uint32) uint32 {
	var sum uint32
	var buf [4]byte
	for p := uint32(0); p < n; p += 4 {
		w := d.flash[p/4]
		if p == 0 && d.firstWord != erasedWord {
			w = d.firstWord
		}
		binary.LittleEndian.PutUint32(buf[:], w)
		sum = checksum.Sum(buf[:], sum)
	}
	return sum
}

// writeWords programs words at the current address with NOR flash semantics
// (bits can only be cleared) and read-back verification.
func (d *Device) writeWords(words []uint32) bool {
	for _, w := range words {
		idx := d.address / 4
		d.flash[idx] &= w
		if d.flash[idx] != w {
			return false
		}
		d.address += 4
	}
	return true
}

func (d *Device) areaWord(area []uint32, index uint32) uint32 {
	if i := index / 4; i < uint32(len(area)) {
		return area[i]
	}
	return 0
}

func (d *Device) zeroKey() {
	d.keyValid = false
	d.block = nil
}

func (d *Device) reply(status byte) {
	d.out.WriteByte(protocol.InSync)
	d.out.WriteByte(status)
}

func (d *Device) word(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.out.Write(buf[:])
}

func toWords(data []byte) []uint32 {
	words := make([]uint32, len(data)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	return words
}
