package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-classb/internal/auth"
	"github.com/lorawan-server/lorawan-classb/internal/config"
	"github.com/lorawan-server/lorawan-classb/internal/events"
	"github.com/lorawan-server/lorawan-classb/internal/models"
	"github.com/lorawan-server/lorawan-classb/internal/sim"
	"github.com/lorawan-server/lorawan-classb/internal/storage"
	"github.com/lorawan-server/lorawan-classb/pkg/lorawan"
)

type testEnv struct {
	srv   *RESTServer
	sim   *sim.Simulation
	store *storage.MemoryStore
	token string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.JWT.Secret = "test-secret"
	hash, err := auth.HashPassword("secret")
	require.NoError(t, err)
	cfg.API.AdminPasswordHash = hash

	reg := prometheus.NewRegistry()
	s, err := sim.New(cfg, sim.Options{Registerer: reg})
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	srv, err := NewRESTServer(cfg, s, store, reg)
	require.NoError(t, err)

	env := &testEnv{srv: srv, sim: s, store: store}
	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Bearer", resp.TokenType)
	env.token = resp.AccessToken
	return env
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func total(t *testing.T, rec *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Total
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "classb_devices_in_class_b")

	rec = env.do(t, http.MethodGet, "/api/v1/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), env.sim.RunID().String())
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "admin"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/status", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/status", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st sim.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, env.sim.RunID(), st.RunID)
	require.Len(t, st.Gateways, 1)
	assert.Equal(t, "gw-1", st.Gateways[0].ID)
	assert.True(t, st.Gateways[0].BeaconEnabled)

	rec = env.do(t, http.MethodGet, "/api/v1/summary", env.token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"groups"`)
}

func TestDevices(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/devices", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/devices/01000001", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var d sim.DeviceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	assert.Equal(t, lorawan.DevAddrFromUint32(0x01000001), d.DevAddr)
	assert.Equal(t, lorawan.DevAddrFromUint32(0xfe000001), d.MulticastAddr)
	assert.Equal(t, lorawan.ClassA, d.Class)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/zz", env.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/devices/0a0b0c0d", env.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceControl(t *testing.T) {
	env := newTestEnv(t)
	classPath := "/api/v1/devices/01000001/class"

	reader, _, err := env.srv.auth.GenerateToken("viewer", auth.RoleReader)
	require.NoError(t, err)
	rec := env.do(t, http.MethodPost, classPath, reader, map[string]string{"class": "B"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, classPath, env.token, map[string]string{"class": "D"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, classPath, env.token, map[string]string{"class": "B"})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	// The beacon search is already running.
	rec = env.do(t, http.MethodPost, classPath, env.token, map[string]string{"class": "B"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, classPath, env.token, map[string]string{"class": "C"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/devices/0a0b0c0d/class", env.token, map[string]string{"class": "B"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	pingPath := "/api/v1/devices/01000003/ping-slot-info"
	rec = env.do(t, http.MethodPost, pingPath, env.token, map[string]int{"periodicity": 9})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, pingPath, env.token, map[string]int{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodPost, pingPath, env.token, map[string]int{"periodicity": 0})
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestGatewayBeacon(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/gateways/gw-9/beacon", env.token, map[string]bool{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/gateways/gw-1/beacon", env.token, map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/gateways", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, total(t, rec))
	assert.False(t, env.sim.Status().Gateways[0].BeaconEnabled)
}

func storeEvent(t *testing.T, store storage.Store, runID uuid.UUID, e events.Event) {
	t.Helper()
	env, err := events.NewEnvelope(runID, e)
	require.NoError(t, err)
	log, err := models.NewEventLog(env)
	require.NoError(t, err)
	require.NoError(t, store.CreateEventLog(context.Background(), log))
}

func TestEvents(t *testing.T) {
	env := newTestEnv(t)
	run, other := uuid.New(), uuid.New()
	dev := lorawan.DevAddrFromUint32(0x01000001)
	storeEvent(t, env.store, run, events.BeaconLost{Header: events.Header{At: 10 * time.Second, DevAddr: dev}, Missed: 1})
	storeEvent(t, env.store, run, events.BeaconLost{Header: events.Header{At: 20 * time.Second, DevAddr: dev}, Missed: 2})
	storeEvent(t, env.store, other, events.BeaconLost{Header: events.Header{At: 30 * time.Second, DevAddr: dev}, Missed: 1})

	rec := env.do(t, http.MethodGet, "/api/v1/events", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/events?run_id="+run.String(), env.token, nil)
	assert.Equal(t, 2, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/events?level=warning&from=15s", env.token, nil)
	assert.Equal(t, 2, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/events?kind=beacon_received", env.token, nil)
	assert.Equal(t, 0, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/events?run_id=nope", env.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/events?to=soon", env.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRuns(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	summary, err := env.sim.RunSummary(now, now)
	require.NoError(t, err)
	require.NoError(t, env.store.SaveRunSummary(context.Background(), summary))

	rec := env.do(t, http.MethodGet, "/api/v1/runs", env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, total(t, rec))

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+summary.ID.String(), env.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, summary.ID, got.ID)
	assert.Equal(t, 3, got.Devices)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+uuid.New().String(), env.token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/runs/x", env.token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
