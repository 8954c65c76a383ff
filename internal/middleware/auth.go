package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

type contextKey string

const deviceContextKey contextKey = "device"

// DeviceAuth verifies the device access token and attaches the device
// identity to the request context. The registration is re-checked on
// every request so revocation takes effect immediately.
func DeviceAuth(reg *registry.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			device, err := reg.Verify(r.Context(), parts[1])
			switch {
			case errors.Is(err, errs.ErrDeviceRevoked):
				http.Error(w, "Device revoked", http.StatusForbidden)
				return
			case errors.Is(err, errs.ErrDeviceNotFound):
				http.Error(w, "Device not registered", http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			reg.Touch(r.Context(), device.DeviceID)

			ctx := context.WithValue(r.Context(), deviceContextKey, *device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DeviceFromContext returns the authenticated device identity
func DeviceFromContext(ctx context.Context) (sync.DeviceContext, bool) {
	device, ok := ctx.Value(deviceContextKey).(sync.DeviceContext)
	return device, ok
}
