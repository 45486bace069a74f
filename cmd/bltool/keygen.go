package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helioflight/bltool/pkg/keygen"
	"github.com/helioflight/bltool/pkg/keystore"
)

func newKeygenCmd() *cobra.Command {
	var (
		bits int
		save string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random AES key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits == 0 {
				bits = cfg.DefaultKeyBits
			}
			key, err := keygen.Generate(bits)
			if err != nil {
				return err
			}

			if save != "" {
				store, err := keystore.Open(cfg.KeystorePath)
				if err != nil {
					return err
				}
				defer store.Close()
				if err := store.Put(save, key); err != nil {
					return err
				}
				logger.Info("key registered", zap.String("name", save), zap.Int("bits", bits))
			}

			fmt.Println(key)
			return nil
		},
	}

	cmd.Flags().IntVar(&bits, "bits", 0, "key size in bits: 128, 192 or 256 (default from config)")
	cmd.Flags().StringVar(&save, "save", "", "register the key in the keystore under this name")
	return cmd
}
