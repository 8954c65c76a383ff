// Package logging builds the process-wide zap logger.
package logging

import (
	"go.uber.org/zap"
)

// New returns a logger tuned for the given environment. Production gets
// JSON output with sampling; everything else gets the development console
// encoder.
func New(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
