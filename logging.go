package cepa

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger constructs the process-wide structured logger. In production
// builds this is JSON-encoded to stderr; callers that need a test logger
// should use zap.NewNop() or zaptest directly.
func NewLogger(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
