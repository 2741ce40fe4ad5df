package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
)

type client struct {
	t   *testing.T
	srv *httptest.Server
}

func newClient(t *testing.T, b queue.Backend) *client {
	srv := httptest.NewServer(NewRouter(b, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return &client{t: t, srv: srv}
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, c.srv.URL+path, &buf)
	require.NoError(c.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouter_JobLifecycle(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())

	var created domain.Job
	code := c.do(http.MethodPost, "/v1/jobs", map[string]any{
		"job_type": "email",
		"payload":  map[string]any{"to": "a@example.com"},
		"priority": 5,
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, domain.Pending, created.Status)

	var got domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/jobs/"+created.ID, nil, &got))
	assert.Equal(t, created.ID, got.ID)

	var leased domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/lease", map[string]any{
		"job_types": []string{"email"},
		"worker_id": "http-worker",
	}, &leased))
	assert.Equal(t, domain.Processing, leased.Status)
	assert.Equal(t, "http-worker", *leased.LockedBy)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/v1/lease", nil, nil))

	var done domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/jobs/"+created.ID+"/complete",
		map[string]any{"result": map[string]any{"sent": true}}, &done))
	assert.Equal(t, domain.Completed, done.Status)
	assert.Equal(t, true, done.Result["sent"])

	var eb errorBody
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/v1/jobs/"+created.ID+"/complete", nil, &eb),
		"completing twice is a state error")

	var st statsResponse
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/stats", nil, &st))
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Total)

	assert.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/v1/jobs/"+created.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/v1/jobs/"+created.ID, nil, &eb))
}

func TestRouter_FailAndRelease(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())

	var j domain.Job
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/v1/jobs",
		map[string]any{"job_type": "x", "max_retries": 2}, &j))

	var leased domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/lease", nil, &leased))

	var released domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/jobs/"+j.ID+"/release", nil, &released))
	assert.Equal(t, domain.Pending, released.Status)
	assert.Nil(t, released.LockedBy)

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/lease", nil, &leased))
	var info domain.FailedJobInfo
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/jobs/"+j.ID+"/fail",
		map[string]any{"error_message": "smtp down", "error_type": "IOError"}, &info))
	assert.True(t, info.WillRetry)
	assert.Equal(t, 1, info.Attempt)
	assert.Equal(t, "IOError", info.ErrorType)
}

func TestRouter_CorrelationConflict(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())
	body := map[string]any{"job_type": "x", "correlation_id": "order-1"}

	var first domain.Job
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/v1/jobs", body, &first))

	var eb errorBody
	require.Equal(t, http.StatusConflict, c.do(http.MethodPost, "/v1/jobs", body, &eb))
	assert.Equal(t, first.ID, eb.ExistingID)

	var byCid domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/correlations/order-1", nil, &byCid))
	assert.Equal(t, first.ID, byCid.ID)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/v1/correlations/nope", nil, &eb))
}

func TestRouter_BatchListAndUpdate(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())

	var batch struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/v1/jobs/batch", map[string]any{
		"jobs": []map[string]any{{"job_type": "a"}, {"job_type": "b"}, {"job_type": "a"}},
	}, &batch))
	require.Len(t, batch.Jobs, 3)

	var eb errorBody
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/jobs/batch", map[string]any{
		"jobs": []map[string]any{{"job_type": "a"}, {"job_type": ""}},
	}, &eb))

	var list struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/jobs?job_type=a&status=pending", nil, &list))
	assert.Len(t, list.Jobs, 2)
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/v1/jobs?limit=1&offset=1", nil, &list))
	assert.Len(t, list.Jobs, 1)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/v1/jobs?status=lost", nil, &eb))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodGet, "/v1/jobs?limit=-3", nil, &eb))

	var updated domain.Job
	require.Equal(t, http.StatusOK, c.do(http.MethodPatch, "/v1/jobs/"+batch.Jobs[0].ID,
		map[string]any{"status": "dead", "metadata": map[string]any{"by": "ops"}}, &updated))
	assert.Equal(t, domain.Dead, updated.Status)
	assert.Equal(t, "ops", updated.Metadata["by"])

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPatch, "/v1/jobs/"+batch.Jobs[1].ID,
		map[string]any{"status": "processing"}, &eb))
}

func TestRouter_LeaseBatch(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/v1/jobs", map[string]any{"job_type": "x"}, nil))
	}

	var out struct {
		Jobs []*domain.Job `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/v1/lease", map[string]any{"count": 5}, &out))
	assert.Len(t, out.Jobs, 3)
	assert.Equal(t, http.StatusNoContent, c.do(http.MethodPost, "/v1/lease", map[string]any{"count": 5}, nil))
}

func TestRouter_RejectsBadBodies(t *testing.T) {
	c := newClient(t, queue.NewMemoryQueue())
	var eb errorBody

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/jobs", map[string]any{"job_type": "x", "colour": "red"}, &eb))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/jobs", map[string]any{"job_type": "x", "priority": 1000}, &eb))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/v1/jobs", nil, &eb))
}

type downBackend struct{ queue.Backend }

func (downBackend) HealthCheck(context.Context) bool { return false }

func (downBackend) Stats(context.Context) (*domain.Stats, error) {
	return nil, errors.New("dial tcp: refused")
}

func TestRouter_HealthAndInternalErrors(t *testing.T) {
	var body map[string]string
	ok := newClient(t, queue.NewMemoryQueue())
	assert.Equal(t, http.StatusOK, ok.do(http.MethodGet, "/healthz", nil, &body))
	assert.Equal(t, "ok", body["status"])

	down := newClient(t, downBackend{queue.NewMemoryQueue()})
	assert.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/healthz", nil, &body))

	var eb errorBody
	assert.Equal(t, http.StatusInternalServerError, down.do(http.MethodGet, "/v1/stats", nil, &eb))
	assert.Equal(t, "internal error", eb.Error, "backend details stay in the log")
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.ConflictError{CorrelationID: "c", ExistingID: "j"}, http.StatusConflict},
		{errors.Wrap(domain.ErrNotFound, "get"), http.StatusNotFound},
		{&domain.StateError{JobID: "j", Status: domain.Pending, Want: domain.Processing}, http.StatusNotFound},
		{errors.Wrap(domain.ErrInvalidJob, "job_type"), http.StatusBadRequest},
		{domain.ErrInvalidTransition, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := errorResponse(tt.err)
		assert.Equal(t, tt.want, code, tt.err.Error())
	}
}
