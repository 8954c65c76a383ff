package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/clinicore/dentsyncgo/internal/config"
	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/middleware"
	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/sync"
	"github.com/clinicore/dentsyncgo/internal/websocket"
)

// Router wraps the mux router and the service dependencies
type Router struct {
	*mux.Router
	db       *database.DB
	log      *zap.Logger
	cfg      *config.Config
	gateway  *sync.Gateway
	registry *registry.Registry
	hub      *websocket.Hub
}

// NewRouter creates a new HTTP router with all routes
func NewRouter(db *database.DB, log *zap.Logger, cfg *config.Config, gateway *sync.Gateway, reg *registry.Registry, hub *websocket.Hub) *Router {
	r := &Router{
		Router:   mux.NewRouter(),
		db:       db,
		log:      log,
		cfg:      cfg,
		gateway:  gateway,
		registry: reg,
		hub:      hub,
	}

	r.Use(middleware.RequestLogger(log))

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")
	r.HandleFunc("/api/status", r.getStatus).Methods("GET")

	// Device routes; login and pairing are the only open endpoints
	devices := r.PathPrefix("/api/devices").Subrouter()
	devices.HandleFunc("/login", r.deviceLogin).Methods("POST")
	devices.HandleFunc("/pairing-qr", r.pairingQR).Methods("GET")

	deviceAdmin := r.PathPrefix("/api/devices").Subrouter()
	deviceAdmin.Use(middleware.DeviceAuth(reg))
	deviceAdmin.HandleFunc("", r.listDevices).Methods("GET")
	deviceAdmin.HandleFunc("/{deviceId}/revoke", r.revokeDevice).Methods("POST")

	// Sync routes (device-authenticated)
	syncAPI := r.PathPrefix("/api/sync").Subrouter()
	syncAPI.Use(middleware.DeviceAuth(reg))
	syncAPI.HandleFunc("/upload", r.upload).Methods("POST")
	syncAPI.HandleFunc("/download", r.download).Methods("GET")
	syncAPI.HandleFunc("/checkpoint", r.getCheckpoint).Methods("GET")
	syncAPI.HandleFunc("/checkpoint", r.ackCheckpoint).Methods("POST")
	syncAPI.HandleFunc("/status", r.syncStatus).Methods("GET")

	// Live event stream (device-authenticated)
	events := r.PathPrefix("/api/events").Subrouter()
	events.Use(middleware.DeviceAuth(reg))
	events.HandleFunc("/ws", r.eventStream).Methods("GET")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// getStatus returns the current status
func (r *Router) getStatus(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "running",
		"service": "dentsync",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}
