package web_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerodesk/charterflow/pkg/log"
	"github.com/aerodesk/charterflow/pkg/models"
	"github.com/aerodesk/charterflow/pkg/persistence/memory"
	"github.com/aerodesk/charterflow/pkg/reconciler"
	"github.com/aerodesk/charterflow/pkg/services"
	"github.com/aerodesk/charterflow/pkg/testutil"
	"github.com/aerodesk/charterflow/pkg/web"
)

const testSecret = "test-webhook-secret"

func setupTestApp(t *testing.T) (*fiber.App, *memory.Persistence, *testutil.RecordingBus) {
	t.Helper()

	store := memory.NewPersistence()
	bus := testutil.NewRecordingBus()
	logger := log.WithModule("test")

	rec, err := reconciler.New(logger, store, bus, testSecret)
	require.NoError(t, err)

	handlers := web.NewAPIHandlers(
		services.NewIntake(logger, store, bus),
		services.NewStatus(store),
		rec,
	)

	app := fiber.New()

	r := app.Group("/requests")
	r.Post("/", handlers.CreateRequest)
	r.Get("/:id", handlers.GetRequest)
	r.Post("/:id/cancel", handlers.CancelRequest)

	app.Post("/webhooks/marketplace", handlers.MarketplaceWebhook)
	app.Get("/health", handlers.HealthCheck)

	return app, store, bus
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)

	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestCreateRequest(t *testing.T) {
	app, store, _ := setupTestApp(t)

	body, err := json.Marshal(testutil.CreateTestRequest())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var instance models.Instance
	require.NoError(t, json.Unmarshal(respBody, &instance))
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, models.StageCreated, instance.Stage)

	stored, err := store.InstanceByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCreated, stored.Stage)
}

func TestCreateRequest_Invalid(t *testing.T) {
	app, _, _ := setupTestApp(t)

	invalid := testutil.CreateTestRequest(func(r *models.RFPRequest) {
		r.PassengerCount = 0
	})

	body, err := json.Marshal(invalid)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/requests", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRequest(t *testing.T) {
	app, store, _ := setupTestApp(t)

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/requests/"+instance.ID, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var status services.InstanceStatus
	require.NoError(t, json.Unmarshal(respBody, &status))
	assert.Equal(t, instance.ID, status.Instance.ID)
	assert.Equal(t, models.StageAnalyzing, status.Instance.Stage)
}

func TestGetRequest_NotFound(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/requests/no-such-id", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRequest(t *testing.T) {
	app, store, bus := setupTestApp(t)

	instance := testutil.CreateTestInstance(models.StageAnalyzing)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	req := httptest.NewRequest(
		http.MethodPost,
		"/requests/"+instance.ID+"/cancel",
		bytes.NewReader([]byte(`{"reason":"client withdrew"}`)),
	)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, bus.Published(), 1)
}

func TestCancelRequest_TerminalConflicts(t *testing.T) {
	app, store, _ := setupTestApp(t)

	instance := testutil.CreateTestInstance(models.StageCompleted)
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/requests/"+instance.ID+"/cancel", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestMarketplaceWebhook(t *testing.T) {
	app, store, _ := setupTestApp(t)

	deadline := time.Now().UTC().Add(time.Hour)
	instance := testutil.CreateTestInstance(models.StageAwaitingExternalOffers, func(i *models.Instance) {
		i.CorrelationKeys = []string{"atrip-100"}
		i.WaitDeadline = &deadline
	})
	require.NoError(t, store.CreateInstance(t.Context(), instance))

	body := []byte(`{"event_id":"evt-1","event_type":"trip.quoted","trip_id":"atrip-100"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", bytes.NewReader(body))
	req.Header.Set(web.SignatureHeader, sign(body))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var result struct {
		Outcome string `json:"outcome"`
	}
	require.NoError(t, json.Unmarshal(respBody, &result))
	assert.Equal(t, "accepted", result.Outcome)
}

func TestMarketplaceWebhook_BadSignature(t *testing.T) {
	app, _, _ := setupTestApp(t)

	body := []byte(`{"event_id":"evt-1","event_type":"trip.quoted","trip_id":"atrip-100"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", bytes.NewReader(body))
	req.Header.Set(web.SignatureHeader, "sha256=deadbeef")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMarketplaceWebhook_InvalidPayload(t *testing.T) {
	app, _, _ := setupTestApp(t)

	body := []byte(`{"event_type":"trip.quoted"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/marketplace", bytes.NewReader(body))
	req.Header.Set(web.SignatureHeader, sign(body))

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	app, _, _ := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
