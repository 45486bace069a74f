package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helioflight/bltool/pkg/escape"
)

func newEscapeKeyCmd() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "escape-key <hex-key>",
		Short: "Format a hex key as an escaped AES_KEY make argument",
		Long: `Format a hex-encoded AES key as the escaped macro argument used to embed
the key into the bootloader build command, e.g.

  bltool escape-key deadbeef
  AES_KEY=\"\\xde\\xad\\xbe\\xef\" make`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				fmt.Println("Usage: bltool escape-key <hex-key>")
				if logger != nil {
					_ = logger.Sync()
				}
				os.Exit(1)
			}
			key := args[0]
			if strict {
				if err := escape.ValidateKey(key); err != nil {
					return err
				}
			}
			fmt.Println(escape.Key(key))
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "reject keys that are not even-length hex")
	return cmd
}
