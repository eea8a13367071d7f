package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockpipe/pkg/core"
	"stockpipe/pkg/logger"
	"stockpipe/pkg/pipeline"
	"stockpipe/pkg/storage"
)

type staticCheckpoints struct {
	cp *core.Checkpoint
}

func (s staticCheckpoints) Latest() *core.Checkpoint { return s.cp }

type staticStatus map[string]interface{}

func (s staticStatus) GetStatus() map[string]interface{} { return s }

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *storage.PartitionedStore {
	t.Helper()
	store, err := storage.NewPartitionedStore(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	_, err = store.Persist(context.Background(), &core.OHLCVSeries{Ticker: "BRK-B", Bars: []core.Bar{
		{Timestamp: day, Open: 410, High: 412, Low: 405, Close: 409, Volume: 3_000_000},
		{Timestamp: day.AddDate(0, 0, 3), Open: 409, High: 415, Low: 408, Close: 414, Volume: 2_800_000},
	}})
	require.NoError(t, err)
	return store
}

func do(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{Mode: gin.TestMode}, logger.Discard())
	w, body := do(t, s.Router(), "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotContains(t, body, "last_run")
}

func TestLatestRun(t *testing.T) {
	cp := &core.Checkpoint{RunID: "run-1", Phase: 2, Step: "data_acquisition", Status: "completed", SuccessfulDownloads: 48}
	s := NewServer(Options{Mode: gin.TestMode, Checkpoints: staticCheckpoints{cp: cp}}, logger.Discard())
	router := s.Router()

	w, body := do(t, router, "/api/v1/runs/latest")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, float64(48), body["successful_downloads"])

	_, health := do(t, router, "/health")
	lastRun, ok := health["last_run"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "run-1", lastRun["run_id"])
}

func TestLatestRun_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phase2_checkpoint.json")
	require.NoError(t, pipeline.WriteCheckpoint(path, &core.Checkpoint{RunID: "from-disk", Phase: 2}))

	s := NewServer(Options{
		Mode:           gin.TestMode,
		Checkpoints:    staticCheckpoints{},
		CheckpointPath: path,
	}, logger.Discard())

	w, body := do(t, s.Router(), "/api/v1/runs/latest")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "from-disk", body["run_id"])
}

func TestLatestRun_NotFound(t *testing.T) {
	s := NewServer(Options{Mode: gin.TestMode, CheckpointPath: filepath.Join(t.TempDir(), "none.json")}, logger.Discard())
	w, body := do(t, s.Router(), "/api/v1/runs/latest")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestPartitions_FromStore(t *testing.T) {
	store := newStore(t)
	s := NewServer(Options{Mode: gin.TestMode, Partitions: store}, logger.Discard())

	// 代码会被规范化：brk.b → BRK-B
	w, body := do(t, s.Router(), "/api/v1/partitions/brk.b")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BRK-B", body["ticker"])
	assert.Equal(t, float64(1), body["count"])

	parts := body["partitions"].([]interface{})
	first := parts[0].(map[string]interface{})
	assert.Equal(t, "2024-03-01", first["day"])
	assert.Equal(t, float64(2), first["data_points"])
	assert.Equal(t, store.DataPath("BRK-B", day), first["path"])

	w, body = do(t, s.Router(), "/api/v1/partitions/NVDA")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestPartitions_FromCatalog(t *testing.T) {
	catalog, err := storage.NewCatalog(filepath.Join(t.TempDir(), "catalog.db"), logger.Discard())
	require.NoError(t, err)
	defer catalog.Close()

	require.NoError(t, catalog.Record(context.Background(), &core.PartitionMetadata{
		Ticker:    "AAPL",
		DateRange: core.DateRange{Start: day, End: day},
		Checksum:  "abc",
		SavedAt:   day,
		Provider:  "alpaca",
	}))

	s := NewServer(Options{Mode: gin.TestMode, Catalog: catalog}, logger.Discard())
	w, body := do(t, s.Router(), "/api/v1/partitions/AAPL")
	require.Equal(t, http.StatusOK, w.Code)

	first := body["partitions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "alpaca", first["provider"])
	assert.Equal(t, "abc", first["checksum"])
}

func TestPartition_Verify(t *testing.T) {
	store := newStore(t)
	router := NewServer(Options{Mode: gin.TestMode, Partitions: store}, logger.Discard()).Router()

	w, body := do(t, router, "/api/v1/partitions/BRK-B/2024-03-01?verify=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["verified"])

	w, body = do(t, router, "/api/v1/partitions/BRK-B/2024-03-01")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, body, "verified")

	require.NoError(t, os.WriteFile(store.DataPath("BRK-B", day), []byte("garbage"), 0o644))
	w, body = do(t, router, "/api/v1/partitions/BRK-B/2024-03-01?verify=true")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, body["error"], "STORAGE_CORRUPTED")

	w, _ = do(t, router, "/api/v1/partitions/BRK-B/2024-03-02")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, router, "/api/v1/partitions/BRK-B/03-01-2024")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProviders(t *testing.T) {
	router := NewServer(Options{Mode: gin.TestMode}, logger.Discard()).Router()
	w, _ := do(t, router, "/api/v1/providers")
	assert.Equal(t, http.StatusNotFound, w.Code)

	router = NewServer(Options{
		Mode:    gin.TestMode,
		Limiter: staticStatus{"yahoo": map[string]interface{}{"min_interval": "1s"}},
	}, logger.Discard()).Router()
	w, body := do(t, router, "/api/v1/providers")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "yahoo")
}

func TestServer_StartServesAndReportsBindFailure(t *testing.T) {
	s := NewServer(Options{Mode: gin.TestMode, Partitions: newStore(t)}, logger.Discard())
	require.NoError(t, s.Start("127.0.0.1:0"))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.NotEmpty(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 端口已被占用
	other := NewServer(Options{Mode: gin.TestMode, Partitions: newStore(t)}, logger.Discard())
	err = other.Start(s.Addr())
	require.Error(t, err)
	assert.Contains(t, err.Error(), s.Addr())
	assert.Empty(t, other.Addr())
}
