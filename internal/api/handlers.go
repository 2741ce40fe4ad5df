package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

type handler struct {
	backend queue.Backend
	log     *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if !h.backend.HealthCheck(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var in domain.JobCreate
	if err := decode(r, &in, false); err != nil {
		h.respondErr(w, r, err)
		return
	}
	job, err := h.backend.Enqueue(r.Context(), in)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *handler) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Jobs []domain.JobCreate `json:"jobs"`
	}
	if err := decode(r, &in, false); err != nil {
		h.respondErr(w, r, err)
		return
	}
	jobs, err := h.backend.EnqueueBatch(r.Context(), in.Jobs)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"jobs": jobs})
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.ListFilter{JobType: q.Get("job_type")}
	if s := q.Get("status"); s != "" {
		st := domain.Status(s)
		if !st.Valid() {
			h.respondErr(w, r, errors.Wrapf(errBadRequest, "unknown status %q", s))
			return
		}
		f.Status = &st
	}
	var err error
	if f.Limit, err = intParam(q.Get("limit")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	jobs, err := h.backend.ListJobs(r.Context(), f)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	job, err := h.backend.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) getByCorrelation(w http.ResponseWriter, r *http.Request) {
	job, err := h.backend.GetJobByCorrelationID(r.Context(), chi.URLParam(r, "cid"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	var in domain.JobUpdate
	if err := decode(r, &in, false); err != nil {
		h.respondErr(w, r, err)
		return
	}
	job, err := h.backend.UpdateJob(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.respondErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type leaseRequest struct {
	domain.DequeueOptions
	// Count above one leases up to that many jobs and returns a list.
	Count int `json:"count,omitempty"`
}

func (h *handler) lease(w http.ResponseWriter, r *http.Request) {
	var in leaseRequest
	if err := decode(r, &in, true); err != nil {
		h.respondErr(w, r, err)
		return
	}
	if in.Count > 1 {
		jobs, err := h.backend.DequeueBatch(r.Context(), in.Count, in.DequeueOptions)
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		if len(jobs) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
		return
	}

	job, err := h.backend.Dequeue(r.Context(), in.DequeueOptions)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) complete(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Result map[string]any `json:"result"`
	}
	if err := decode(r, &in, true); err != nil {
		h.respondErr(w, r, err)
		return
	}
	job, err := h.backend.Complete(r.Context(), chi.URLParam(r, "id"), in.Result)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}

func (h *handler) failJob(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ErrorMessage string `json:"error_message"`
		ErrorType    string `json:"error_type"`
	}
	if err := decode(r, &in, false); err != nil {
		h.respondErr(w, r, err)
		return
	}
	info, err := h.backend.Fail(r.Context(), chi.URLParam(r, "id"), in.ErrorMessage, in.ErrorType)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) release(w http.ResponseWriter, r *http.Request) {
	job, err := h.backend.Release(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type statsResponse struct {
	*domain.Stats
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
	OldestPendingSeconds float64 `json:"oldest_pending_age_seconds"`
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.backend.Stats(r.Context())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:                st,
		AvgProcessingSeconds: st.AvgProcessingTime.Seconds(),
		OldestPendingSeconds: st.OldestPendingAge.Seconds(),
	})
}

type errorBody struct {
	Error      string `json:"error"`
	ExistingID string `json:"existing_id,omitempty"`
}

func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}
	var conflict *domain.ConflictError
	switch {
	case errors.As(err, &conflict):
		body.ExistingID = conflict.ExistingID
		return http.StatusConflict, body
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrInvalidJob),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, body
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

// decode reads a JSON body. With optional set an empty body leaves v untouched.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrapf(errBadRequest, "decode body: %v", err)
	}
	return nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(errBadRequest, "%q is not a non-negative integer", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
