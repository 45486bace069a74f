package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helioflight/bltool/internal/version"
	"github.com/helioflight/bltool/pkg/protocol"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bltool version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bltool v%s (bootloader protocol revision %d)\n", version.GetVersion(), protocol.Version)
		},
	}
}
