// Package adapter bridges the component runtime to external systems:
// HTTP health endpoints and OpenTelemetry providers.
package adapter

import (
	"errors"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/component-runtime/pkg/runtime"
)

// NewHealthHandler exposes the runtime's health over the standard
// /live and /ready endpoints. Liveness fails once the runtime is
// closed; readiness additionally fails while any component sits in
// the error sub-state.
func NewHealthHandler(c *runtime.Coordinator) http.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("runtime", func() error {
		if err := c.Healthy(); errors.Is(err, runtime.ErrClosed) {
			return err
		}
		return nil
	})
	h.AddReadinessCheck("components", c.Healthy)
	return h
}
