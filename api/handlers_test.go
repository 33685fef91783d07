package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CanuteTheGreat/horcrux-sub000/pkg/replication"
	"github.com/CanuteTheGreat/horcrux-sub000/pkg/scheduler"
)

type stubExecutor struct {
	bytes uint64
	err   error
}

func (s *stubExecutor) Name() string     { return "stub" }
func (s *stubExecutor) Available() error { return nil }
func (s *stubExecutor) Replicate(ctx context.Context, task *replication.ExtendedTask, isRetry bool) (uint64, error) {
	return s.bytes, s.err
}
func (s *stubExecutor) Verify(ctx context.Context, task *replication.ExtendedTask) error {
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *replication.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m := replication.NewManager(replication.Options{})
	m.RegisterExecutor(replication.StorageZfs, &stubExecutor{bytes: 4096})
	Init(m, scheduler.New(m))
	return SetupRouter(), m
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

const taskBody = `{
	"id": "t1",
	"name": "nightly",
	"source_dataset": "tank/data",
	"target_host": "backup.example.com",
	"target_dataset": "backup/data",
	"source_type": "zfs",
	"retry_delay": 0
}`

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "replication-engine")
}

func TestRunTaskAcceptedAndRecorded(t *testing.T) {
	router, m := newTestRouter(t)

	w := doJSON(router, http.MethodPost, "/api/replication/run", taskBody)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp["task_id"])

	require.Eventually(t, func() bool {
		return len(m.History(0)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	entry := m.History(0)[0]
	assert.True(t, entry.Success)
	assert.Equal(t, uint64(4096), entry.BytesTransferred)
}

func TestRunTaskRejectsMissingFields(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodPost, "/api/replication/run", `{"name":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "source_dataset")
}

func TestRunTaskRejectsBadSchedule(t *testing.T) {
	router, _ := newTestRouter(t)
	body := strings.Replace(taskBody, `"retry_delay": 0`, `"retry_delay": 0, "schedule": "nope"`, 1)
	w := doJSON(router, http.MethodPost, "/api/replication/run", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetProgressNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodGet, "/api/replication/progress/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelUnknownTask(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodDelete, "/api/replication/active/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	router, m := newTestRouter(t)
	task := replication.NewExtendedTask(replication.Task{
		ID: "h1", Name: "n", SourceDataset: "tank/a", TargetDataset: "backup/a",
	})
	task.RetryDelay = 0
	_, err := m.RunTask(context.Background(), task)
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/api/replication/history", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"h1"`)

	w = doJSON(router, http.MethodGet, "/api/replication/history/h1?limit=1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"h1"`)

	w = doJSON(router, http.MethodGet, "/api/replication/history/other", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), `"h1"`)
}

func TestScheduleLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)
	body := strings.Replace(taskBody, `"retry_delay": 0`, `"retry_delay": 0, "schedule": "0 * * * *", "enabled": true`, 1)

	w := doJSON(router, http.MethodPost, "/api/schedules", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(router, http.MethodGet, "/api/schedules/t1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/schedules/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"active_tasks":1`)

	w = doJSON(router, http.MethodPost, "/api/schedules/t1/disable", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodDelete, "/api/schedules/t1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/schedules/t1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleRequiresCron(t *testing.T) {
	router, _ := newTestRouter(t)
	w := doJSON(router, http.MethodPost, "/api/schedules", taskBody)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "schedule is required")
}
