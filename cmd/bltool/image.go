package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helioflight/bltool/pkg/checksum"
	"github.com/helioflight/bltool/pkg/image"
	"github.com/helioflight/bltool/pkg/keygen"
	"github.com/helioflight/bltool/pkg/keystore"
)

// resolveKey returns the raw AES key from either an inline hex flag or a
// keystore entry, marking stored keys as used.
func resolveKey(keyHex, keyName string) ([]byte, error) {
	switch {
	case keyHex != "" && keyName != "":
		return nil, fmt.Errorf("--key and --key-name are mutually exclusive")
	case keyHex != "":
		return keygen.Decode(keyHex)
	case keyName != "":
		store, err := keystore.Open(cfg.KeystorePath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		entry, err := store.Get(keyName)
		if err != nil {
			return nil, err
		}
		if err := store.Touch(keyName); err != nil {
			return nil, err
		}
		return keygen.Decode(entry.KeyHex)
	default:
		return nil, fmt.Errorf("either --key or --key-name is required")
	}
}

func newEncryptCmd() *cobra.Command {
	var keyHex, keyName, ivHex string

	cmd := &cobra.Command{
		Use:   "encrypt <firmware> <output>",
		Short: "Build an encrypted firmware image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey(keyHex, keyName)
			if err != nil {
				return err
			}

			iv := make([]byte, image.IVSize)
			if ivHex != "" {
				iv, err = hex.DecodeString(ivHex)
				if err != nil {
					return fmt.Errorf("invalid iv: %w", err)
				}
			} else {
				if _, err := rand.Read(iv); err != nil {
					return fmt.Errorf("failed to generate iv: %w", err)
				}
				fmt.Printf("iv: %s\n", hex.EncodeToString(iv))
			}

			firmware, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read firmware: %w", err)
			}

			img, err := image.Build(firmware, key, iv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], img, 0644); err != nil {
				return fmt.Errorf("failed to write image: %w", err)
			}

			logger.Info("image built",
				zap.String("output", args[1]),
				zap.Int("firmware_bytes", len(firmware)),
				zap.Int("image_bytes", len(img)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex AES key")
	cmd.Flags().StringVar(&keyName, "key-name", "", "name of a key in the keystore")
	cmd.Flags().StringVar(&ivHex, "iv", "", "hex CBC initialisation vector (random if omitted)")
	return cmd
}

func newDecryptCmd() *cobra.Command {
	var keyHex, keyName, ivHex string

	cmd := &cobra.Command{
		Use:   "decrypt <image> <output>",
		Short: "Decrypt and verify an encrypted firmware image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey(keyHex, keyName)
			if err != nil {
				return err
			}
			iv, err := hex.DecodeString(ivHex)
			if err != nil {
				return fmt.Errorf("invalid iv: %w", err)
			}

			img, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read image: %w", err)
			}

			firmware, err := image.Open(img, key, iv)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], firmware, 0644); err != nil {
				return fmt.Errorf("failed to write firmware: %w", err)
			}

			logger.Info("image verified",
				zap.String("output", args[1]),
				zap.Int("firmware_bytes", len(firmware)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex AES key")
	cmd.Flags().StringVar(&keyName, "key-name", "", "name of a key in the keystore")
	cmd.Flags().StringVar(&ivHex, "iv", "", "hex CBC initialisation vector")
	_ = cmd.MarkFlagRequired("iv")
	return cmd
}

func newCRCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crc <file>",
		Short: "Compute the bootloader checksum of a firmware file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			// Word-align with the erased-flash fill, the way the flashed
			// area is summed on the device.
			for len(data)%4 != 0 {
				data = append(data, 0xff)
			}
			fmt.Printf("%08x\n", checksum.Sum(data, 0))
			return nil
		},
	}
	return cmd
}
