// Package protocol implements the host side of the bootloader flash update
// protocol (revision 7).
package protocol

// Command format:
//
//	<opcode>[<command_data>]<EOC>
//
// Reply format:
//
//	[<reply_data>]<INSYNC><status>
//
// Multi-byte integers are little endian.

// Version is the protocol revision this package speaks.
const Version = 7

// Framing bytes.
const (
	InSync byte = 0x12 // sent before every status byte
	EOC    byte = 0x20 // end of command
)

// Status bytes.
const (
	StatusOK            byte = 0x10
	StatusFailed        byte = 0x11
	StatusInvalid       byte = 0x13
	StatusBadSiliconRev byte = 0x14
	StatusBadKey        byte = 0x15 // encrypted programming attempted with a zeroed key
)

// Command opcodes.
const (
	CmdGetSync            byte = 0x21 // NOP for re-establishing sync
	CmdGetDevice          byte = 0x22 // get device info words
	CmdChipErase          byte = 0x23 // erase program area, reset program address
	CmdProgMulti          byte = 0x27 // write bytes at program address and increment
	CmdGetCRC             byte = 0x29 // compute and return CRC of the flash area
	CmdGetOTP             byte = 0x2a // read a word from OTP at the given address
	CmdGetSN              byte = 0x2b // read a word from the serial number area
	CmdGetChip            byte = 0x2c // read the MCU ID code
	CmdSetBootDelay       byte = 0x2d // set minimum boot delay
	CmdGetChipDes         byte = 0x2e // read the chip description string
	CmdBoot               byte = 0x30 // finalise programming and boot the application
	CmdDebug              byte = 0x31 // reserved
	CmdSetIV              byte = 0x36 // send the CBC initialisation vector (rev 6+)
	CmdProgMultiEncrypted byte = 0x37 // like ProgMulti but AES-128-CBC encrypted (rev 6+)
	CmdCheckCRC           byte = 0x38 // compare flashed CRC against the image header (rev 6+)
	CmdCheckKey           byte = 0x39 // check the device key is provisioned (rev 7+)
)

// Device info selectors for CmdGetDevice.
const (
	InfoBLRev    byte = 1 // bootloader protocol revision
	InfoBoardID  byte = 2 // board type
	InfoBoardRev byte = 3
	InfoFwSize   byte = 4 // size of the flashable area in bytes
	InfoVecArea  byte = 5 // reserved vectors 7-10
)

const (
	// ProgMultiMax is the largest payload of a single programming command.
	ProgMultiMax = 255

	// progChunk is the chunk size used for plain programming: the largest
	// word-aligned payload that fits the length byte.
	progChunk = 252

	// progChunkEncrypted is the chunk size for encrypted programming: the
	// largest AES-block-aligned payload below ProgMultiMax, since the
	// bootloader rejects chunks that are not 16-byte multiples.
	progChunkEncrypted = 240

	// BootDelayMax is the largest accepted boot delay in seconds.
	BootDelayMax = 30
)
