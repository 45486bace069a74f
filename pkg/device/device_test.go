package device_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/helioflight/bltool/pkg/checksum"
	"github.com/helioflight/bltool/pkg/device"
	"github.com/helioflight/bltool/pkg/image"
	"github.com/helioflight/bltool/pkg/protocol"
)

var testInfo = device.BoardInfo{
	BoardType:       9,
	BoardRev:        3,
	FwSize:          4096,
	ChipID:          0x10036413,
	ChipDescription: "STM32F40x,?",
	SerialNumber:    [3]uint32{0x11111111, 0x22222222, 0x33333333},
	OTP:             [4]uint32{0xaaaa0000, 0xaaaa0001, 0xaaaa0002, 0xaaaa0003},
}

var (
	testKey = []byte{
		0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0x70, 0x80,
		0x90, 0xa0, 0xb0, 0xc0, 0xd0, 0xe0, 0xf0, 0x01,
	}
	testIV = []byte{
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	}
)

func newDevice(t *testing.T, key []byte) *device.Device {
	t.Helper()
	d, err := device.New(testInfo, key)
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	return d
}

// testFirmware is deliberately not word aligned to exercise padding.
func testFirmware(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i*13 + 7)
	}
	return fw
}

func TestClient_DeviceInfo(t *testing.T) {
	d := newDevice(t, testKey)
	c := protocol.NewClient(d)

	if err := c.Sync(); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	rev, err := c.BootloaderRevision()
	if err != nil {
		t.Fatalf("BootloaderRevision() error = %v", err)
	}
	if rev != protocol.Version {
		t.Errorf("BootloaderRevision() = %d, want %d", rev, protocol.Version)
	}

	if id, err := c.BoardID(); err != nil || id != testInfo.BoardType {
		t.Errorf("BoardID() = %d, %v, want %d", id, err, testInfo.BoardType)
	}
	if rev, err := c.BoardRevision(); err != nil || rev != testInfo.BoardRev {
		t.Errorf("BoardRevision() = %d, %v, want %d", rev, err, testInfo.BoardRev)
	}
	if size, err := c.FirmwareSize(); err != nil || size != testInfo.FwSize {
		t.Errorf("FirmwareSize() = %d, %v, want %d", size, err, testInfo.FwSize)
	}
	if id, err := c.ChipID(); err != nil || id != testInfo.ChipID {
		t.Errorf("ChipID() = %#x, %v, want %#x", id, err, testInfo.ChipID)
	}

	des, err := c.ChipDescription()
	if err != nil {
		t.Fatalf("ChipDescription() error = %v", err)
	}
	if des != testInfo.ChipDescription {
		t.Errorf("ChipDescription() = %q, want %q", des, testInfo.ChipDescription)
	}

	if sn, err := c.SerialNumber(4); err != nil || sn != testInfo.SerialNumber[1] {
		t.Errorf("SerialNumber(4) = %#x, %v, want %#x", sn, err, testInfo.SerialNumber[1])
	}
	if otp, err := c.OTP(0); err != nil || otp != testInfo.OTP[0] {
		t.Errorf("OTP(0) = %#x, %v, want %#x", otp, err, testInfo.OTP[0])
	}

	vecs, err := c.VectorArea()
	if err != nil {
		t.Fatalf("VectorArea() error = %v", err)
	}
	for i, v := range vecs {
		if v != 0xffffffff {
			t.Errorf("VectorArea()[%d] = %#x, want erased flash", i, v)
		}
	}
}

func TestFlasher_Flash(t *testing.T) {
	firmware := testFirmware(1237)
	img, err := image.Build(firmware, testKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, testKey)
	f := protocol.NewFlasher(d, nil)
	if err := f.Flash(img, testIV); err != nil {
		t.Fatalf("Flash() error = %v", err)
	}

	if !d.Booted() {
		t.Error("device did not boot after Flash()")
	}
	if !d.KeyValid() {
		t.Error("encrypted programming should not invalidate the device key")
	}

	flashed := d.FlashBytes()[:1240] // firmware padded to the word boundary
	want := append(append([]byte(nil), firmware...), 0xff, 0xff, 0xff)
	if !bytes.Equal(flashed, want) {
		t.Error("flash contents do not match the firmware")
	}
}

func TestFlasher_FlashFullArea(t *testing.T) {
	firmware := testFirmware(int(testInfo.FwSize))
	img, err := image.Build(firmware, testKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, testKey)
	if err := protocol.NewFlasher(d, nil).Flash(img, testIV); err != nil {
		t.Fatalf("Flash() error = %v", err)
	}
	if !bytes.Equal(d.FlashBytes(), firmware) {
		t.Error("flash contents do not match the full-size firmware")
	}
}

func TestFlasher_ImageTooLarge(t *testing.T) {
	firmware := testFirmware(int(testInfo.FwSize) + 4)
	img, err := image.Build(firmware, testKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, testKey)
	if err := protocol.NewFlasher(d, nil).Flash(img, testIV); err == nil {
		t.Error("Flash() expected error for oversized image")
	}
}

func TestFlasher_UnprovisionedDevice(t *testing.T) {
	firmware := testFirmware(256)
	img, err := image.Build(firmware, testKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, nil)
	err = protocol.NewFlasher(d, nil).Flash(img, testIV)
	if !errors.Is(err, protocol.ErrBadKey) {
		t.Errorf("Flash() error = %v, want ErrBadKey", err)
	}
}

func TestFlasher_WrongImageKey(t *testing.T) {
	otherKey := append([]byte(nil), testKey...)
	otherKey[0] ^= 0xff

	firmware := testFirmware(256)
	img, err := image.Build(firmware, otherKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, testKey)
	if err := protocol.NewFlasher(d, nil).Flash(img, testIV); err == nil {
		t.Error("Flash() expected error for image encrypted under a different key")
	}
	if d.Booted() {
		t.Error("device booted a corrupt image")
	}
}

func TestClient_PlainProgramZeroesKey(t *testing.T) {
	d := newDevice(t, testKey)
	c := protocol.NewClient(d)

	if err := c.CheckKey(); err != nil {
		t.Fatalf("CheckKey() before plain programming error = %v", err)
	}
	if err := c.Erase(); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}

	data := testFirmware(512)
	if err := c.Program(data); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	if err := c.CheckKey(); !errors.Is(err, protocol.ErrBadKey) {
		t.Errorf("CheckKey() after plain programming = %v, want ErrBadKey", err)
	}
	if d.KeyValid() {
		t.Error("plain programming must zero the device key")
	}

	if err := c.Boot(); err != nil {
		t.Fatalf("Boot() error = %v", err)
	}
	if !bytes.Equal(d.FlashBytes()[:len(data)], data) {
		t.Error("flash contents do not match the programmed data")
	}
}

func TestClient_ProgramRequiresErase(t *testing.T) {
	d := newDevice(t, testKey)
	c := protocol.NewClient(d)

	err := c.Program(testFirmware(8))
	if !errors.Is(err, protocol.ErrInvalid) {
		t.Errorf("Program() without erase = %v, want ErrInvalid", err)
	}
}

func TestClient_CRC(t *testing.T) {
	d := newDevice(t, testKey)
	c := protocol.NewClient(d)

	if err := c.Erase(); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	data := testFirmware(512)
	if err := c.Program(data); err != nil {
		t.Fatalf("Program() error = %v", err)
	}

	// GET_CRC covers the whole flash area, substituting the deferred first
	// word, so it must match a sum over data plus erased-flash fill.
	whole := append([]byte(nil), data...)
	for len(whole) < int(testInfo.FwSize) {
		whole = append(whole, 0xff)
	}
	want := checksum.Sum(whole, 0)

	got, err := c.CRC()
	if err != nil {
		t.Fatalf("CRC() error = %v", err)
	}
	if got != want {
		t.Errorf("CRC() = %#x, want %#x", got, want)
	}
}

func TestClient_CheckCRCAfterReErase(t *testing.T) {
	firmware := testFirmware(256)
	img, err := image.Build(firmware, testKey, testIV)
	if err != nil {
		t.Fatalf("image.Build() error = %v", err)
	}

	d := newDevice(t, testKey)
	c := protocol.NewClient(d)
	if err := c.Erase(); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if err := c.SetIV(testIV); err != nil {
		t.Fatalf("SetIV() error = %v", err)
	}
	if err := c.ProgramEncrypted(img); err != nil {
		t.Fatalf("ProgramEncrypted() error = %v", err)
	}
	if err := c.CheckCRC(); err != nil {
		t.Fatalf("CheckCRC() error = %v", err)
	}

	// Erasing invalidates the flashed bytes but not the recorded header, so
	// the device must now report a checksum failure.
	if err := c.Erase(); err != nil {
		t.Fatalf("Erase() error = %v", err)
	}
	if err := c.CheckCRC(); !errors.Is(err, protocol.ErrFailed) {
		t.Errorf("CheckCRC() after re-erase = %v, want ErrFailed", err)
	}
}

func TestClient_SetBootDelay(t *testing.T) {
	d := newDevice(t, testKey)
	c := protocol.NewClient(d)

	if err := c.SetBootDelay(5); err != nil {
		t.Fatalf("SetBootDelay(5) error = %v", err)
	}
	if d.BootDelay() != 5 {
		t.Errorf("BootDelay() = %d, want 5", d.BootDelay())
	}

	if err := c.SetBootDelay(protocol.BootDelayMax + 1); err == nil {
		t.Error("SetBootDelay() expected error above the maximum")
	}
}

func TestDevice_Framing(t *testing.T) {
	d := newDevice(t, testKey)

	t.Run("unknown bytes are ignored", func(t *testing.T) {
		if _, err := d.Write([]byte{0x00, 0x01, 0xfe}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		var buf [2]byte
		if _, err := d.Read(buf[:]); err != io.EOF {
			t.Errorf("Read() after junk bytes error = %v, want io.EOF", err)
		}
	})

	t.Run("missing EOC answers invalid", func(t *testing.T) {
		if _, err := d.Write([]byte{protocol.CmdGetSync, 0x00}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		var buf [2]byte
		if _, err := io.ReadFull(d, buf[:]); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if buf[0] != protocol.InSync || buf[1] != protocol.StatusInvalid {
			t.Errorf("reply = %#x %#x, want INSYNC/INVALID", buf[0], buf[1])
		}
	})

	t.Run("bad device info selector", func(t *testing.T) {
		if _, err := d.Write([]byte{protocol.CmdGetDevice, 0x99, protocol.EOC}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		var buf [2]byte
		if _, err := io.ReadFull(d, buf[:]); err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if buf[0] != protocol.InSync || buf[1] != protocol.StatusInvalid {
			t.Errorf("reply = %#x %#x, want INSYNC/INVALID", buf[0], buf[1])
		}
	})

	t.Run("still in sync afterwards", func(t *testing.T) {
		if err := protocol.NewClient(d).Sync(); err != nil {
			t.Errorf("Sync() error = %v", err)
		}
	})
}

func TestClient_VectorAreaTinyFlash(t *testing.T) {
	info := testInfo
	info.FwSize = 16 // too small to hold vectors 7-10

	d, err := device.New(info, testKey)
	if err != nil {
		t.Fatalf("device.New() error = %v", err)
	}
	c := protocol.NewClient(d)

	if _, err := c.VectorArea(); err == nil {
		t.Error("VectorArea() expected error when the flash area has no vector words")
	}
	if err := c.Sync(); err != nil {
		t.Errorf("Sync() after rejected VectorArea() error = %v", err)
	}
}

func TestDevice_BadBoardInfo(t *testing.T) {
	if _, err := device.New(device.BoardInfo{FwSize: 0}, testKey); err == nil {
		t.Error("New() expected error for zero firmware area")
	}
	if _, err := device.New(device.BoardInfo{FwSize: 1022}, testKey); err == nil {
		t.Error("New() expected error for unaligned firmware area")
	}
	if _, err := device.New(testInfo, testKey[:8]); err == nil {
		t.Error("New() expected error for short key")
	}
}
