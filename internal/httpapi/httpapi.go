// Package httpapi exposes the northbound consumer surface: capability
// submission endpoints, Job lookup/list/cancel, and the two health routes.
// Authentication and TLS termination live outside this package's scope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ai-gateway/orchestrator/internal/capability"
	"github.com/ai-gateway/orchestrator/internal/dispatcher"
	"github.com/ai-gateway/orchestrator/internal/gwerr"
	"github.com/ai-gateway/orchestrator/internal/jobmanager"
	"github.com/ai-gateway/orchestrator/internal/obs"
)

type API struct {
	dispatcher    *dispatcher.Dispatcher
	logger        *zap.Logger
	waitForResult time.Duration
	audit         *AuditLogger
	limiter       *clientLimiter
}

func New(d *dispatcher.Dispatcher, logger *zap.Logger, waitForResult time.Duration, audit *AuditLogger) *API {
	return &API{dispatcher: d, logger: logger, waitForResult: waitForResult, audit: audit, limiter: newClientLimiter(0, 0)}
}

// WithRateLimit enables the per-client token bucket in front of every
// route; omitted (rps<=0) the limiter is a no-op, matching New's default.
func (a *API) WithRateLimit(rps float64, burst int) *API {
	a.limiter = newClientLimiter(rps, burst)
	return a
}

// Router builds the mux.Router and wraps every route with RequestID,
// Recovery, rate-limit, and Audit middleware.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, a.recoveryMiddleware, a.rateLimitMiddleware, a.auditMiddleware)

	r.HandleFunc("/health", a.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/comprehensive", a.handleComprehensiveHealth).Methods(http.MethodGet)

	r.HandleFunc("/ai/llm/completion", a.submitHandler(capability.LLMCompletion)).Methods(http.MethodPost)
	r.HandleFunc("/ai/llm/chat", a.submitHandler(capability.LLMChat)).Methods(http.MethodPost)
	r.HandleFunc("/ai/vision/analyze", a.submitHandler(capability.VisionAnalyze)).Methods(http.MethodPost)
	r.HandleFunc("/ai/nlp/process", a.submitHandler(capability.NLPAnalyze)).Methods(http.MethodPost)
	r.HandleFunc("/data/process", a.submitHandler(capability.DataProcess)).Methods(http.MethodPost)

	r.HandleFunc("/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	r.HandleFunc("/jobs", a.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", a.handleCancelJob).Methods(http.MethodDelete)

	r.HandleFunc("/admin/cache/purge", a.handlePurgeCache).Methods(http.MethodPost)
	r.HandleFunc("/admin/backends/{id}/reset", a.handleResetBackend).Methods(http.MethodPost)

	return r
}

// submissionEnvelope is the response body for all capability endpoints.
type submissionEnvelope struct {
	JobID          string          `json:"job_id"`
	Status         string          `json:"status"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *errorBody      `json:"error,omitempty"`
	ProcessingTime *float64        `json:"processing_time,omitempty"`
}

type errorBody struct {
	Kind    string            `json:"kind"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (a *API) submitHandler(cap capability.Capability) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(r)
		if err != nil {
			writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, "failed to read request body"))
			return
		}
		req, decErr := capability.Decode(cap, body)
		if decErr != nil {
			writeGatewayError(w, capability.AsGatewayError(decErr))
			return
		}

		deadline := parseDeadline(r)
		handle, gerr := a.dispatcher.Submit(r.Context(), cap, req, deadline)
		if gerr != nil {
			writeGatewayError(w, gerr)
			return
		}

		select {
		case <-awaitChan(handle):
			writeEnvelope(w, handle.Snapshot())
		case <-time.After(a.waitForResult):
			writeEnvelope(w, handle.Snapshot())
		}
	}
}

func awaitChan(h *dispatcher.JobHandle) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		h.Await()
		close(ch)
	}()
	return ch
}

func parseDeadline(r *http.Request) time.Duration {
	if v := r.URL.Query().Get("timeout_ms"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 30 * time.Second
}

func writeEnvelope(w http.ResponseWriter, snap jobmanager.Snapshot) {
	env := submissionEnvelope{JobID: snap.ID, Status: snap.ExternalStatus, Result: snap.Result}
	if snap.Err != nil {
		env.Error = &errorBody{Kind: string(snap.Err.Kind), Message: snap.Err.Message, Details: snap.Err.Details}
	}
	if !snap.FinishTS.IsZero() {
		d := snap.FinishTS.Sub(snap.SubmitTS).Seconds()
		env.ProcessingTime = &d
	}
	obs.RequestsTotal.WithLabelValues(string(snap.Capability), env.Status).Inc()

	status := http.StatusOK
	if env.Error != nil {
		status = gwerr.HTTPStatus(snap.Err.Kind)
	}
	writeJSON(w, status, env)
}

func writeGatewayError(w http.ResponseWriter, gerr *gwerr.Error) {
	writeJSON(w, gwerr.HTTPStatus(gerr.Kind), errorBody{Kind: string(gerr.Kind), Message: gerr.Message, Details: gerr.Details})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := a.dispatcher.Get(id)
	if !ok {
		writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, "job not found").WithDetail("id", id))
		return
	}
	writeEnvelope(w, snap)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobmanager.ListFilter{
		Status:     q.Get("status"),
		Capability: capability.Capability(q.Get("capability")),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	snaps := a.dispatcher.List(filter)
	writeJSON(w, http.StatusOK, snaps)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, ok := a.dispatcher.Get(id)
	if !ok {
		writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, "job not found").WithDetail("id", id))
		return
	}
	// Cancel is idempotent. The response carries the snapshot taken before
	// the cancel was issued, not the Job's post-cancel state.
	a.dispatcher.Cancel(id)
	writeEnvelope(w, snap)
}

// adminConfirmBody mirrors the teacher's --yes flag for destructive admin
// CLI commands, translated to an explicit confirmation phrase in the body
// since this is an HTTP surface rather than a CLI.
type adminConfirmBody struct {
	Confirm string `json:"confirm"`
}

func (a *API) handlePurgeCache(w http.ResponseWriter, r *http.Request) {
	body, _ := readBody(r)
	var confirm adminConfirmBody
	_ = json.Unmarshal(body, &confirm)
	if confirm.Confirm != "PURGE" {
		writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, `requires {"confirm":"PURGE"}`))
		return
	}
	n, err := a.dispatcher.PurgeCache(r.Context())
	if err != nil {
		writeGatewayError(w, gwerr.New(gwerr.Internal, err.Error()))
		return
	}
	a.logger.Warn("admin cache purge", zap.Int("entries_purged", n))
	writeJSON(w, http.StatusOK, map[string]any{"purged": n})
}

func (a *API) handleResetBackend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	body, _ := readBody(r)
	var confirm adminConfirmBody
	_ = json.Unmarshal(body, &confirm)
	if confirm.Confirm != "RESET" {
		writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, `requires {"confirm":"RESET"}`))
		return
	}
	if !a.dispatcher.ResetBackend(id) {
		writeGatewayError(w, gwerr.New(gwerr.InvalidRequest, "unknown backend").WithDetail("id", id))
		return
	}
	a.logger.Warn("admin backend reset", zap.String("backend_id", id))
	writeJSON(w, http.StatusOK, map[string]any{"reset": id})
}

func (a *API) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *API) handleComprehensiveHealth(w http.ResponseWriter, r *http.Request) {
	report := a.dispatcher.Health()
	writeJSON(w, http.StatusOK, report)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := r.Body.Read(tmp)
		buf = append(buf, tmp[:n]...)
		if err != nil {
			break
		}
	}
	return buf, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (a *API) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.logger.Error("panic recovered in handler", zap.Any("panic", rec))
				writeGatewayError(w, gwerr.New(gwerr.Internal, "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
