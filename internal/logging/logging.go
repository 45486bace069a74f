// Package logging builds the zap loggers used by the bltool commands.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a logger at the given level. Verbose switches to zap's
// development configuration (human-readable output, debug level).
func New(level string, verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
