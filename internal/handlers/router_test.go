package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clinicore/dentsyncgo/internal/broker"
	"github.com/clinicore/dentsyncgo/internal/config"
	"github.com/clinicore/dentsyncgo/internal/database"
	"github.com/clinicore/dentsyncgo/internal/models"
	"github.com/clinicore/dentsyncgo/internal/registry"
	"github.com/clinicore/dentsyncgo/internal/sync"
	"github.com/clinicore/dentsyncgo/internal/websocket"
)

type testServer struct {
	*httptest.Server
	registry *registry.Registry
}

// newTestServer wires the full HTTP stack against a throwaway SQLite store
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "api.db") + "?_busy_timeout=5000"
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	db := database.Wrap(g)
	require.NoError(t, db.AutoMigrate(
		&models.OfflineChange{},
		&models.TenantSequence{},
		&models.EntityState{},
		&models.SyncCheckpoint{},
		&models.DeviceRegistration{},
		&models.OutboxEvent{},
	))

	log := zap.NewNop()
	cfg := &config.Config{
		ServerURL: "http://test.local",
		JWTSecret: "handler-test-secret",
	}

	reg := registry.New(db, log, cfg.JWTSecret, registry.Options{TokenTTL: time.Hour})
	changelog := sync.NewChangeLog(db)
	resolver := sync.NewConflictResolver(sync.StrategyServerWins, nil)
	gateway := sync.NewGateway(db, log, changelog, resolver, sync.GatewayOptions{
		MaxBatchSize:    10,
		DefaultPageSize: 5,
		MaxPageSize:     20,
	})

	bus := broker.New()
	t.Cleanup(bus.Close)
	events, cancel := bus.Subscribe(broker.TopicAll, 16)
	t.Cleanup(cancel)

	hub := websocket.NewHub(log, events)
	go hub.Run()
	t.Cleanup(hub.Stop)

	router := NewRouter(db, log, cfg, gateway, reg, hub)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, registry: reg}
}

func (s *testServer) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func (s *testServer) login(t *testing.T, deviceID string) string {
	t.Helper()

	resp := s.request(t, http.MethodPost, "/api/devices/login", "", registry.LoginRequest{
		DeviceID:       deviceID,
		DeviceName:     "Test Workstation",
		TenantID:       "tenant-a",
		OrganizationID: "org-1",
		UserID:         "user-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var login registry.LoginResponse
	decode(t, resp, &login)
	require.NotEmpty(t, login.DeviceAccessToken)
	return login.DeviceAccessToken
}

func uploadBody(entityID string, data map[string]interface{}) sync.SyncBatch {
	return sync.SyncBatch{
		Changes: []sync.ChangeRequest{{
			ChangeID:       uuid.NewString(),
			TenantID:       "tenant-a",
			OrganizationID: "org-1",
			EntityType:     sync.EntityTypePatient,
			EntityID:       entityID,
			Operation:      models.OperationInsert,
			Data:           data,
			Timestamp:      time.Now().UTC(),
		}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/sync/download", "/api/sync/status", "/api/sync/checkpoint"} {
		resp, err := http.Get(s.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	resp := s.request(t, http.MethodPost, "/api/sync/upload", token, uploadBody("p1", map[string]interface{}{"name": "Alice"}))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result sync.SyncResult
	decode(t, resp, &result)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, int64(1), result.NewSequence)

	resp = s.request(t, http.MethodGet, "/api/sync/download?sinceSequence=0", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page sync.DownloadPage
	decode(t, resp, &page)
	require.Len(t, page.Changes, 1)
	assert.Equal(t, "p1", page.Changes[0].EntityID)
	assert.Equal(t, int64(1), page.CurrentSequence)
}

func TestUploadOversizedBatchReturns413(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	batch := sync.SyncBatch{}
	for i := 0; i < 11; i++ {
		batch.Changes = append(batch.Changes, uploadBody(fmt.Sprintf("p%d", i), map[string]interface{}{"n": i}).Changes[0])
	}

	resp := s.request(t, http.MethodPost, "/api/sync/upload", token, batch)
	resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestDownloadRejectsBadQuery(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	resp := s.request(t, http.MethodGet, "/api/sync/download?sinceSequence=abc", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/sync/download?limit=-5", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckpointEndpoints(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	// Nothing acked yet
	resp := s.request(t, http.MethodGet, "/api/sync/checkpoint", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/api/sync/checkpoint", token, CheckpointRequest{Sequence: 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cp models.SyncCheckpoint
	decode(t, resp, &cp)
	assert.Equal(t, int64(7), cp.LastSyncedSequence)

	// Regression refused
	resp = s.request(t, http.MethodPost, "/api/sync/checkpoint", token, CheckpointRequest{Sequence: 3})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/sync/checkpoint", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &cp)
	assert.Equal(t, int64(7), cp.LastSyncedSequence)
}

// A revoked device is cut off at the HTTP boundary even though its token
// is still cryptographically valid.
func TestRevokedDeviceLosesAccess(t *testing.T) {
	s := newTestServer(t)
	adminToken := s.login(t, "dev-admin")
	victimToken := s.login(t, "dev-victim")

	// Works before revocation
	resp := s.request(t, http.MethodGet, "/api/sync/download", victimToken, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/api/devices/dev-victim/revoke", adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Same token, next request: locked out
	resp = s.request(t, http.MethodGet, "/api/sync/download", victimToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Re-login refused too
	resp = s.request(t, http.MethodPost, "/api/devices/login", "", registry.LoginRequest{
		DeviceID: "dev-victim", TenantID: "tenant-a", OrganizationID: "org-1", UserID: "user-1",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRevokeOutsideOrganizationForbidden(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	// Register a device in another organization directly
	resp := s.request(t, http.MethodPost, "/api/devices/login", "", registry.LoginRequest{
		DeviceID: "dev-foreign", TenantID: "tenant-b", OrganizationID: "org-2", UserID: "user-2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.request(t, http.MethodPost, "/api/devices/dev-foreign/revoke", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.request(t, http.MethodPost, "/api/devices/ghost/revoke", token, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDevicesScopedToCallerOrg(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")
	s.login(t, "dev-2")

	resp := s.request(t, http.MethodPost, "/api/devices/login", "", registry.LoginRequest{
		DeviceID: "dev-foreign", TenantID: "tenant-b", OrganizationID: "org-2", UserID: "user-2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.request(t, http.MethodGet, "/api/devices", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count   int                         `json:"count"`
		Devices []models.DeviceRegistration `json:"devices"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	for _, d := range body.Devices {
		assert.Equal(t, "org-1", d.OrganizationID)
	}
}

func TestPairingQRReturnsPNG(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.URL + "/api/devices/pairing-qr")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestLoginWithInviteToken(t *testing.T) {
	s := newTestServer(t)

	invite, err := s.registry.InviteToken()
	require.NoError(t, err)

	good := registry.LoginRequest{
		DeviceID:       "dev-inv",
		DeviceName:     "Paired Workstation",
		TenantID:       "tenant-a",
		OrganizationID: "org-1",
		UserID:         "user-1",
		InviteToken:    invite,
	}
	resp := s.request(t, http.MethodPost, "/api/devices/login", "", good)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	bad := good
	bad.DeviceID = "dev-inv-2"
	bad.InviteToken = "scanned-garbage"
	resp = s.request(t, http.MethodPost, "/api/devices/login", "", bad)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestSyncStatus(t *testing.T) {
	s := newTestServer(t)
	token := s.login(t, "dev-1")

	resp := s.request(t, http.MethodPost, "/api/sync/upload", token, uploadBody("p1", map[string]interface{}{"n": 1}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.request(t, http.MethodGet, "/api/sync/status", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status map[string]interface{}
	decode(t, resp, &status)
	assert.EqualValues(t, 1, status["totalChanges"])
	assert.EqualValues(t, 1, status["activeDevices"])
	assert.EqualValues(t, 0, status["connectedStreams"])
}
