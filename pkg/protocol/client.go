package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel errors for the bootloader's reply statuses.
var (
	ErrFailed        = errors.New("bootloader: command failed")
	ErrInvalid       = errors.New("bootloader: invalid command")
	ErrBadSiliconRev = errors.New("bootloader: unsupported silicon revision")
	ErrBadKey        = errors.New("bootloader: encryption key has been zeroed")
)

// Client speaks the flash update protocol over a byte stream. The transport
// is anything that satisfies io.ReadWriter: a serial port, a pipe, or an
// in-process device emulator.
type Client struct {
	rw io.ReadWriter
}

// NewClient returns a Client speaking over rw.
func NewClient(rw io.ReadWriter) *Client {
	return &Client{rw: rw}
}

// Sync re-establishes command synchronisation with the bootloader.
func (c *Client) Sync() error {
	return c.command(CmdGetSync)
}

// BootloaderRevision returns the protocol revision the device speaks.
func (c *Client) BootloaderRevision() (uint32, error) {
	return c.deviceInfo(InfoBLRev)
}

// BoardID returns the board type identifier.
func (c *Client) BoardID() (uint32, error) {
	return c.deviceInfo(InfoBoardID)
}

// BoardRevision returns the board revision.
func (c *Client) BoardRevision() (uint32, error) {
	return c.deviceInfo(InfoBoardRev)
}

// FirmwareSize returns the size of the flashable area in bytes.
func (c *Client) FirmwareSize() (uint32, error) {
	return c.deviceInfo(InfoFwSize)
}

// VectorArea returns the contents of reserved vectors 7 through 10.
func (c *Client) VectorArea() ([4]uint32, error) {
	var vecs [4]uint32
	if err := c.send(CmdGetDevice, InfoVecArea, EOC); err != nil {
		return vecs, err
	}
	for i := range vecs {
		w, err := c.readWord()
		if err != nil {
			return vecs, err
		}
		vecs[i] = w
	}
	return vecs, c.recvSync()
}

// Erase erases the program area and resets the program address.
func (c *Client) Erase() error {
	return c.command(CmdChipErase)
}

// Program writes plaintext firmware at the current program address. The data
// length must be a multiple of 4. Note that on an encryption-enabled
// bootloader any plain programming permanently zeroes the device key.
func (c *Client) Program(data []byte) error {
	if len(data)%4 != 0 {
		return fmt.Errorf("program data is %d bytes: want a multiple of 4", len(data))
	}
	return c.program(CmdProgMulti, data, progChunk)
}

// SetIV sends the AES-CBC initialisation vector for encrypted programming.
func (c *Client) SetIV(iv []byte) error {
	if len(iv) != 16 {
		return fmt.Errorf("iv is %d bytes: want 16", len(iv))
	}
	frame := make([]byte, 0, len(iv)+2)
	frame = append(frame, CmdSetIV)
	frame = append(frame, iv...)
	frame = append(frame, EOC)
	if err := c.write(frame); err != nil {
		return err
	}
	return c.recvSync()
}

// ProgramEncrypted writes an encrypted image (see pkg/image) at the current
// program address. The image length must be a multiple of the AES block size.
func (c *Client) ProgramEncrypted(img []byte) error {
	if len(img)%16 != 0 {
		return fmt.Errorf("encrypted image is %d bytes: want a multiple of 16", len(img))
	}
	return c.program(CmdProgMultiEncrypted, img, progChunkEncrypted)
}

// CRC asks the device for the checksum of the entire flash area.
func (c *Client) CRC() (uint32, error) {
	if err := c.send(CmdGetCRC, EOC); err != nil {
		return 0, err
	}
	sum, err := c.readWord()
	if err != nil {
		return 0, err
	}
	return sum, c.recvSync()
}

// CheckCRC asks the device to compare the checksum of the flashed bytes
// against the one supplied in the image header. The comparison happens on the
// device because the host flashing an encrypted image may not know the key
// needed to see the expected sum.
func (c *Client) CheckCRC() error {
	return c.command(CmdCheckCRC)
}

// CheckKey reports whether the device still holds a valid encryption key.
// Returns ErrBadKey when the key has been zeroed.
func (c *Client) CheckKey() error {
	return c.command(CmdCheckKey)
}

// OTP reads a word from one-time-programmable memory at the given byte index.
func (c *Client) OTP(index uint32) (uint32, error) {
	return c.readIndexed(CmdGetOTP, index)
}

// SerialNumber reads a word of the device unique ID at the given byte index.
func (c *Client) SerialNumber(index uint32) (uint32, error) {
	return c.readIndexed(CmdGetSN, index)
}

// ChipID returns the MCU ID code.
func (c *Client) ChipID() (uint32, error) {
	if err := c.send(CmdGetChip, EOC); err != nil {
		return 0, err
	}
	id, err := c.readWord()
	if err != nil {
		return 0, err
	}
	return id, c.recvSync()
}

// ChipDescription returns the human-readable chip revision string.
func (c *Client) ChipDescription() (string, error) {
	if err := c.send(CmdGetChipDes, EOC); err != nil {
		return "", err
	}
	n, err := c.readWord()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.rw, buf); err != nil {
		return "", fmt.Errorf("failed to read chip description: %w", err)
	}
	return string(buf), c.recvSync()
}

// SetBootDelay asks the bootloader to wait at least the given number of
// seconds on boot before starting the application.
func (c *Client) SetBootDelay(seconds uint8) error {
	if seconds > BootDelayMax {
		return fmt.Errorf("boot delay %d exceeds maximum %d", seconds, BootDelayMax)
	}
	return c.send2(CmdSetBootDelay, seconds)
}

// Boot finalises programming and starts the application.
func (c *Client) Boot() error {
	return c.command(CmdBoot)
}

// command sends a bare opcode and reads the sync reply.
func (c *Client) command(opcode byte) error {
	if err := c.send(opcode, EOC); err != nil {
		return err
	}
	return c.recvSync()
}

func (c *Client) send2(opcode, arg byte) error {
	if err := c.send(opcode, arg, EOC); err != nil {
		return err
	}
	return c.recvSync()
}

func (c *Client) deviceInfo(selector byte) (uint32, error) {
	if err := c.send(CmdGetDevice, selector, EOC); err != nil {
		return 0, err
	}
	w, err := c.readWord()
	if err != nil {
		return 0, err
	}
	return w, c.recvSync()
}

func (c *Client) readIndexed(opcode byte, index uint32) (uint32, error) {
	frame := make([]byte, 6)
	frame[0] = opcode
	binary.LittleEndian.PutUint32(frame[1:5], index)
	frame[5] = EOC
	if err := c.write(frame); err != nil {
		return 0, err
	}
	w, err := c.readWord()
	if err != nil {
		return 0, err
	}
	return w, c.recvSync()
}

// program streams data in chunks as <opcode><len><data...><EOC>, syncing
// after every chunk.
func (c *Client) program(opcode byte, data []byte, chunk int) error {
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		part := data[off:end]

		frame := make([]byte, 0, len(part)+3)
		frame = append(frame, opcode, byte(len(part)))
		frame = append(frame, part...)
		frame = append(frame, EOC)
		if err := c.write(frame); err != nil {
			return err
		}
		if err := c.recvSync(); err != nil {
			return fmt.Errorf("programming failed at offset %d: %w", off, err)
		}
	}
	return nil
}

func (c *Client) send(frame ...byte) error {
	return c.write(frame)
}

func (c *Client) write(frame []byte) error {
	if _, err := c.rw.Write(frame); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// recvSync reads the INSYNC/status trailer and maps the status to an error.
func (c *Client) recvSync() error {
	var buf [2]byte
	if _, err := io.ReadFull(c.rw, buf[:]); err != nil {
		return fmt.Errorf("failed to read sync reply: %w", err)
	}
	if buf[0] != InSync {
		return fmt.Errorf("out of sync: got %#x, want INSYNC (%#x)", buf[0], InSync)
	}
	switch buf[1] {
	case StatusOK:
		return nil
	case StatusFailed:
		return ErrFailed
	case StatusInvalid:
		return ErrInvalid
	case StatusBadSiliconRev:
		return ErrBadSiliconRev
	case StatusBadKey:
		return ErrBadKey
	default:
		return fmt.Errorf("unknown reply status %#x", buf[1])
	}
}

func (c *Client) readWord() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(c.rw, buf[:]); err != nil {
		return 0, fmt.Errorf("failed to read reply word: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
