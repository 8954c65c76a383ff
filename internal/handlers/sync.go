package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/errs"
	"github.com/clinicore/dentsyncgo/internal/middleware"
	"github.com/clinicore/dentsyncgo/internal/sync"
)

// upload applies a batch of offline changes from the authenticated device
func (r *Router) upload(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	var batch sync.SyncBatch
	if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	result, err := r.gateway.Upload(req.Context(), device, batch)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrLimitExceeded):
			respondError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, errs.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			r.log.Error("upload failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Upload failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// download returns changes since the given sequence for the device tenant
func (r *Router) download(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	query := req.URL.Query()

	sinceSequence := int64(0)
	if v := query.Get("sinceSequence"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "Invalid sinceSequence")
			return
		}
		sinceSequence = parsed
	}

	limit := 0
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	page, err := r.gateway.Download(req.Context(), device, sinceSequence, limit, query.Get("entityType"))
	if err != nil {
		r.log.Error("download failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Download failed")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

// CheckpointRequest acknowledges a fully applied download page
type CheckpointRequest struct {
	Sequence       int64 `json:"sequence"`
	PendingChanges int   `json:"pendingChanges"`
}

// ackCheckpoint advances the device watermark
func (r *Router) ackCheckpoint(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	var body CheckpointRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request payload")
		return
	}

	cp, err := r.gateway.AckCheckpoint(req.Context(), device, body.Sequence, body.PendingChanges)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrCheckpointRegression):
			respondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, errs.ErrValidation):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			r.log.Error("checkpoint ack failed", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Checkpoint update failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, cp)
}

// getCheckpoint returns the device's current watermark
func (r *Router) getCheckpoint(w http.ResponseWriter, req *http.Request) {
	device, ok := middleware.DeviceFromContext(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Device identity missing")
		return
	}

	cp, err := r.gateway.Checkpoint(req.Context(), device)
	if err != nil {
		r.log.Error("checkpoint lookup failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Checkpoint lookup failed")
		return
	}
	if cp == nil {
		respondError(w, http.StatusNotFound, "No checkpoint yet")
		return
	}

	respondJSON(w, http.StatusOK, cp)
}

// syncStatus returns an operational summary
func (r *Router) syncStatus(w http.ResponseWriter, req *http.Request) {
	status, err := r.gateway.Status(req.Context())
	if err != nil {
		r.log.Error("status failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Status unavailable")
		return
	}
	status["connectedStreams"] = r.hub.Connected()

	respondJSON(w, http.StatusOK, status)
}
