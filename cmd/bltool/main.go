// Package main provides the bltool CLI: host-side key and firmware image
// tooling for the encrypted bootloader flow.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helioflight/bltool/internal/logging"
	"github.com/helioflight/bltool/pkg/config"
)

var (
	cfg    *config.Config
	logger *zap.Logger

	cfgFile string
	verbose bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bltool",
		Short:         "Key and firmware image tooling for the encrypted bootloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfgFile != "" {
				cfg, err = config.LoadFile(cfgFile)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			logger, err = logging.New(cfg.LogLevel, verbose)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.bltool/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newEscapeKeyCmd(),
		newKeygenCmd(),
		newEncryptCmd(),
		newDecryptCmd(),
		newCRCCmd(),
		newSelftestCmd(),
		newKeysCmd(),
		newVersionCmd(),
	)
	return root
}
