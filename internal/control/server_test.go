package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
)

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Server().Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, StatusHealthy, body["status"])

	_, err := app.Circuits.GetOrCreate("ubereats")
	require.NoError(t, err)
	rec = do(t, h, http.MethodPost, "/api/circuits/ubereats/open", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[map[string]any](t, rec)
	assert.Equal(t, StatusDegraded, body["status"])
	assert.Equal(t, []any{"ubereats"}, body["open_circuits"])

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Circuits(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Server().Handler()
	_, err := app.Circuits.GetOrCreate("openai")
	require.NoError(t, err)

	rec := do(t, h, http.MethodPost, "/api/circuits/openai/open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OPEN", decode[map[string]any](t, rec)["state"])

	rec = do(t, h, http.MethodPost, "/api/circuits/openai/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CLOSED", decode[map[string]any](t, rec)["state"])

	rec = do(t, h, http.MethodGet, "/api/circuits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]any](t, rec), 1)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/circuits/missing/open", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/circuits/openai/explode", "").Code)
}

func TestServer_DLQ(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Server().Handler()
	ctx := context.Background()

	op, err := app.Queue.Enqueue(ctx, dlq.Failure{
		Type:     domain.OperationTypeDishExtraction,
		Platform: "ubereats",
		VenueID:  "venue-9",
	})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/dlq?status=pending_retry&platform=ubereats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.FailedOperation](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/dlq?platform=deliveroo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]domain.FailedOperation](t, rec))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dlq?status=bogus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/dlq?from=yesterday", "").Code)

	rec = do(t, h, http.MethodGet, "/api/dlq/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.OperationStats](t, rec)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByType[domain.OperationTypeDishExtraction])

	rec = do(t, h, http.MethodPost, "/api/dlq/"+op.ID+"/escalate", `{"reason":"selector changed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.FailedOperation](t, rec)
	assert.Equal(t, domain.OperationStatusRequiresManual, got.Status)
	assert.Equal(t, "selector changed", got.ManualReason)

	rec = do(t, h, http.MethodPost, "/api/dlq/"+op.ID+"/retry", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.OperationStatusPendingRetry, decode[domain.FailedOperation](t, rec).Status)

	rec = do(t, h, http.MethodPost, "/api/dlq/"+op.ID+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.OperationStatusResolved, decode[domain.FailedOperation](t, rec).Status)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/dlq/"+op.ID+"/escalate", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/dlq/missing", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/dlq/"+op.ID+"/delete", "").Code)

	rec = do(t, h, http.MethodGet, "/api/dlq/"+op.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, op.ID, decode[domain.FailedOperation](t, rec).ID)
}

func TestServer_Adapters(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Server().Handler()

	rec := do(t, h, http.MethodPost, "/api/adapters/ubereats/versions", `{"version":"1.0.0","status":"active"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.Equal(t, http.StatusConflict,
		do(t, h, http.MethodPost, "/api/adapters/ubereats/versions", `{"version":"1.0.0"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/adapters/ubereats/versions", `{"version":"latest"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		do(t, h, http.MethodPost, "/api/adapters/ubereats/versions", `not json`).Code)

	rec = do(t, h, http.MethodPost, "/api/adapters/ubereats/versions", `{"version":"1.1.0","status":"testing"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/adapters/ubereats/promote", `{"version":"1.1.0"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/adapters/ubereats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[domain.AdapterSummary](t, rec)
	assert.Equal(t, "1.1.0", summary.ActiveVersion)
	assert.Equal(t, 2, summary.VersionCount)

	rec = do(t, h, http.MethodPost, "/api/adapters/ubereats/rollback", `{"reason":"bad parse"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decode[domain.RollbackEvent](t, rec)
	assert.Equal(t, "1.1.0", ev.FromVersion)
	assert.Equal(t, "1.0.0", ev.ToVersion)
	assert.False(t, ev.Automatic)

	assert.Equal(t, http.StatusConflict,
		do(t, h, http.MethodPost, "/api/adapters/ubereats/promote", `{"version":"1.0.0"}`).Code)

	rec = do(t, h, http.MethodGet, "/api/adapters/ubereats/versions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.AdapterVersion](t, rec), 2)

	rec = do(t, h, http.MethodGet, "/api/rollbacks?platform=ubereats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.RollbackEvent](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/adapters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.AdapterSummary](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/alerts", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/adapters/doordash", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/rollbacks?limit=-1", "").Code)
}

func TestServer_Platforms(t *testing.T) {
	app, _ := newTestApp(t)
	h := app.Server().Handler()

	_, err := app.Scraper.Scrape(context.Background(), ScrapeRequest{URL: "https://www.just-eat.co.uk/r/1", Platform: "justeat"})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)
	platforms := decode[[]domain.PlatformHealth](t, rec)
	require.Len(t, platforms, 1)
	assert.Equal(t, "justeat", platforms[0].Platform)

	rec = do(t, h, http.MethodGet, "/api/platforms/healthy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.PlatformHealth](t, rec), 1)
}
