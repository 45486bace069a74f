package main

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helioflight/bltool/pkg/device"
	"github.com/helioflight/bltool/pkg/escape"
	"github.com/helioflight/bltool/pkg/image"
	"github.com/helioflight/bltool/pkg/keygen"
	"github.com/helioflight/bltool/pkg/protocol"
)

func newSelftestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run the full key/encrypt/flash flow against an emulated bootloader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyHex := keygen.MustGenerate(keygen.DefaultBits)

			// The escape round trip covers the build-command side of the key.
			fragment := escape.Key(keyHex)
			back, err := escape.Unescape(fragment)
			if err != nil || back != keyHex {
				return fmt.Errorf("escape round trip failed: got %q, %v", back, err)
			}

			key, err := keygen.Decode(keyHex)
			if err != nil {
				return err
			}
			iv := make([]byte, image.IVSize)
			if _, err := rand.Read(iv); err != nil {
				return fmt.Errorf("failed to generate iv: %w", err)
			}

			firmware := make([]byte, 4093)
			if _, err := rand.Read(firmware); err != nil {
				return fmt.Errorf("failed to generate firmware: %w", err)
			}

			img, err := image.Build(firmware, key, iv)
			if err != nil {
				return err
			}

			dev, err := device.New(device.BoardInfo{
				BoardType:       9,
				BoardRev:        1,
				FwSize:          8192,
				ChipID:          0x10036413,
				ChipDescription: "emulated",
			}, key)
			if err != nil {
				return err
			}

			if err := protocol.NewFlasher(dev, logger).Flash(img, iv); err != nil {
				return err
			}

			if !dev.Booted() {
				return fmt.Errorf("emulated device did not boot")
			}
			if !bytes.Equal(dev.FlashBytes()[:len(firmware)], firmware) {
				return fmt.Errorf("flashed firmware does not match the input")
			}

			logger.Info("self test passed", zap.Int("firmware_bytes", len(firmware)))
			fmt.Println("self test passed")
			return nil
		},
	}
	return cmd
}
