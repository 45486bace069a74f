package protocol

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/helioflight/bltool/pkg/image"
)

// Flasher drives the full encrypted programming workflow against a
// bootloader: sync, identify, erase, program, verify, boot.
type Flasher struct {
	client *Client
	logger *zap.Logger
}

// NewFlasher returns a Flasher speaking over rw. A nil logger disables
// logging.
func NewFlasher(rw io.ReadWriter, logger *zap.Logger) *Flasher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Flasher{client: NewClient(rw), logger: logger}
}

// Client returns the underlying protocol client for ad-hoc commands.
func (f *Flasher) Client() *Client {
	return f.client
}

// Flash uploads an encrypted image built by image.Build, verifies the
// on-device checksum and boots the application. The iv must be the one the
// image was encrypted with.
func (f *Flasher) Flash(img, iv []byte) error {
	if err := f.client.Sync(); err != nil {
		return fmt.Errorf("failed to sync with bootloader: %w", err)
	}

	rev, err := f.client.BootloaderRevision()
	if err != nil {
		return fmt.Errorf("failed to read bootloader revision: %w", err)
	}
	if rev < 6 {
		return fmt.Errorf("bootloader revision %d does not support encrypted programming", rev)
	}

	boardID, err := f.client.BoardID()
	if err != nil {
		return fmt.Errorf("failed to read board id: %w", err)
	}
	fwSize, err := f.client.FirmwareSize()
	if err != nil {
		return fmt.Errorf("failed to read firmware area size: %w", err)
	}
	f.logger.Info("connected to bootloader",
		zap.Uint32("revision", rev),
		zap.Uint32("board_id", boardID),
		zap.Uint32("fw_size", fwSize),
	)

	// The image header occupies no flash; everything after it must fit.
	if flashed := len(img) - image.HeaderSize; flashed > int(fwSize) {
		return fmt.Errorf("image needs %d flash bytes but device has %d", flashed, fwSize)
	}

	if rev >= 7 {
		if err := f.client.CheckKey(); err != nil {
			return fmt.Errorf("device key check failed: %w", err)
		}
	}

	f.logger.Info("erasing flash")
	if err := f.client.Erase(); err != nil {
		return fmt.Errorf("erase failed: %w", err)
	}

	if err := f.client.SetIV(iv); err != nil {
		return fmt.Errorf("failed to set initialisation vector: %w", err)
	}

	f.logger.Info("programming encrypted image", zap.Int("bytes", len(img)))
	if err := f.client.ProgramEncrypted(img); err != nil {
		return fmt.Errorf("encrypted programming failed: %w", err)
	}

	if err := f.client.CheckCRC(); err != nil {
		return fmt.Errorf("on-device checksum verification failed: %w", err)
	}

	f.logger.Info("booting application")
	if err := f.client.Boot(); err != nil {
		return fmt.Errorf("boot failed: %w", err)
	}
	return nil
}
