package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/middleware"
	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/websocket"
)

// deviceLogin registers (or reactivates) a device and issues its token
func (r *Router) deviceLogin(w http.ResponseWriter, req *http.Request) {
	var loginReq registry.LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&loginReq); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	resp, err := r.registry.Register(req.Context(), loginReq)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrDeviceRevoked):
			respondError(w, http.StatusForbidden, "Device revoked")
		case errors.Is(err, errs.ErrTenantIsolation):
			respondError(w, http.StatusForbidden, "Device bound to a different tenant")
		case errors.Is(err, errs.ErrInvalidToken):
			respondError(w, http.StatusForbidden, "Invalid invite token")
		case errors.Is(err, errs.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			r.log.Error("device login failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Registration failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// listDevices returns registrations of the caller's organization
func (r *Router) listDevices(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	devices, err := r.registry.List(req.Context(), device.OrganizationID)
	if err != nil {
		r.log.Error("list devices failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Listing failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(devices),
		"devices": devices,
	})
}

// revokeDevice bans a device of the caller's organization
func (r *Router) revokeDevice(w http.ResponseWriter, req *http.Request) {
	caller, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	deviceID := mux.Vars(req)["deviceId"]

	target, err := r.registry.Get(req.Context(), deviceID)
	if errors.Is(err, errs.ErrDeviceNotFound) {
		respondError(w, http.StatusNotFound, "Device not found")
		return
	}
	if err != nil {
		r.log.Error("revoke lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Revocation failed")
		return
	}

	// A device may revoke itself or a sibling in its organization
	if target.OrganizationID != caller.OrganizationID {
		respondError(w, http.StatusForbidden, "Device outside caller organization")
		return
	}

	if err := r.registry.Revoke(req.Context(), deviceID); err != nil {
		r.log.Error("revoke failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Revocation failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"deviceId": deviceID,
		"status":   "revoked",
	})
}

// pairingQR returns a QR code the desktop client scans to reach this
// server with a short-lived invite token
func (r *Router) pairingQR(w http.ResponseWriter, req *http.Request) {
	invite, err := r.registry.InviteToken()
	if err != nil {
		r.log.Error("invite token failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Pairing unavailable")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"serverUrl":   r.cfg.ServerURL,
		"inviteToken": invite,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Pairing unavailable")
		return
	}

	png, err := qrcode.Encode(string(payload), qrcode.Medium, 256)
	if err != nil {
		r.log.Error("qr encode failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Pairing unavailable")
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// eventStream upgrades to a websocket fed with the device tenant's events
func (r *Router) eventStream(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	if err := websocket.ServeWS(r.hub, device, w, req); err != nil {
		r.log.Error("websocket upgrade failed", zap.Error(err))
	}
}
