package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/octoroute/internal/storage"
)

func logsRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := storage.NewRequestLogRepository(db, zap.NewNop())

	for _, tier := range []string{"fast", "fast", "deep"} {
		_, err := repo.Insert(context.Background(), &storage.RequestLogEntry{
			RequestID:    "req-" + tier,
			Tier:         tier,
			Strategy:     "rule",
			EndpointName: tier + "-1",
			StatusCode:   200,
			Success:      true,
		})
		require.NoError(t, err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewLogsHandler(repo, zap.NewNop())
	r.GET("/admin/logs", h.List)
	r.GET("/admin/logs/stats", h.Stats)
	return r
}

func getJSON(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	body := map[string]json.RawMessage{}
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestLogsList(t *testing.T) {
	r := logsRouter(t)
	w, body := getJSON(t, r, "/admin/logs")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "3", string(body["total"]))

	var logs []map[string]any
	require.NoError(t, json.Unmarshal(body["logs"], &logs))
	assert.Len(t, logs, 3)
}

func TestLogsListTierFilter(t *testing.T) {
	r := logsRouter(t)
	w, body := getJSON(t, r, "/admin/logs?tier=fast")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "2", string(body["total"]))
}

func TestLogsListRejectsBadParams(t *testing.T) {
	r := logsRouter(t)

	w, _ := getJSON(t, r, "/admin/logs?limit=0")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = getJSON(t, r, "/admin/logs?limit=501")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = getJSON(t, r, "/admin/logs?offset=-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = getJSON(t, r, "/admin/logs?tier=turbo")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogsStats(t *testing.T) {
	r := logsRouter(t)
	w, body := getJSON(t, r, "/admin/logs/stats")

	require.Equal(t, http.StatusOK, w.Code)

	var stats []storage.TierStats
	require.NoError(t, json.Unmarshal(body["by_tier"], &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, "deep", stats[0].Tier)
	assert.Equal(t, "fast", stats[1].Tier)
	assert.InDelta(t, 100.0, stats[1].SuccessRate, 0.01)
}
