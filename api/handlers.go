// Package api exposes the run engine over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/oar-cd/conductor/domain"
	"github.com/oar-cd/conductor/orchestrator"
	"github.com/oar-cd/conductor/repository"
	"github.com/oar-cd/conductor/scheduler"
)

const maxBodyBytes = 1 << 20

// Engine is the subset of the orchestrator the API drives
type Engine interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*orchestrator.Submission, error)
	SubmitAdHoc(ctx context.Context, req orchestrator.AdHocRequest) (*orchestrator.Submission, error)
	GetRun(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]*domain.Run, int64, error)
	CancelRun(ctx context.Context, id uuid.UUID, actor domain.Actor) error
	BatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error)
	Follow(runID uuid.UUID) (*domain.Run, <-chan string, func(), error)
}

type WebhookTrigger interface {
	TriggerWebhook(ctx context.Context, req scheduler.WebhookRequest) (*scheduler.WebhookResult, error)
}

type AuditLog interface {
	List(limit, offset int) ([]*domain.AuditLog, int64, error)
}

type Handlers struct {
	engine    Engine
	webhooks  WebhookTrigger
	audit     AuditLog
	jwtSecret string
}

func NewHandlers(engine Engine, webhooks WebhookTrigger, auditLog AuditLog, jwtSecret string) *Handlers {
	return &Handlers{
		engine:    engine,
		webhooks:  webhooks,
		audit:     auditLog,
		jwtSecret: jwtSecret,
	}
}

// RegisterRoutes mounts the authenticated API and the token-authenticated webhook endpoints
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/forms/{token}", h.TriggerWebhook)
		r.Post("/webhooks/forms/{formID}/{token}", h.TriggerWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.Authenticate)

			r.Post("/runs", h.SubmitRun)
			r.Post("/runs/adhoc", h.SubmitAdHoc)
			r.Get("/runs", h.ListRuns)
			r.Get("/runs/{runID}", h.GetRun)
			r.Get("/runs/{runID}/stream", h.StreamRun)
			r.Post("/runs/{runID}/cancel", h.CancelRun)
			r.Get("/batches/{batchID}", h.GetBatch)
			r.Get("/audit", h.ListAudit)
		})
	})
}

// Request and response bodies

type submitRequest struct {
	FormID    uuid.UUID      `json:"form_id"`
	Variables map[string]any `json:"variables"`
}

type adHocRequest struct {
	PlaybookID uuid.UUID      `json:"playbook_id"`
	ServerID   uuid.UUID      `json:"server_id"`
	VaultID    *uuid.UUID     `json:"vault_id,omitempty"`
	Variables  map[string]any `json:"variables"`
}

type submitResponse struct {
	RunID   *uuid.UUID  `json:"run_id,omitempty"`
	BatchID *uuid.UUID  `json:"batch_id,omitempty"`
	RunIDs  []uuid.UUID `json:"run_ids"`
	Status  string      `json:"status"`
}

type runResponse struct {
	ID         uuid.UUID      `json:"id"`
	FormID     *uuid.UUID     `json:"form_id,omitempty"`
	PlaybookID uuid.UUID      `json:"playbook_id"`
	ServerID   uuid.UUID      `json:"server_id"`
	BatchID    *uuid.UUID     `json:"batch_id,omitempty"`
	Variables  map[string]any `json:"variables"`
	Status     string         `json:"status"`
	Trigger    string         `json:"trigger"`
	Output     *string        `json:"output,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type batchResponse struct {
	ID     uuid.UUID      `json:"id"`
	FormID *uuid.UUID     `json:"form_id,omitempty"`
	Status string         `json:"status"`
	Runs   []*runResponse `json:"runs"`
}

type auditResponse struct {
	ID         uuid.UUID      `json:"id"`
	UserID     *uuid.UUID     `json:"user_id,omitempty"`
	Username   string         `json:"username"`
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	ResourceID string         `json:"resource_id"`
	Details    map[string]any `json:"details,omitempty"`
	IP         string         `json:"ip,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func newRunResponse(run *domain.Run, withOutput bool) *runResponse {
	resp := &runResponse{
		ID:         run.ID,
		FormID:     run.FormID,
		PlaybookID: run.PlaybookID,
		ServerID:   run.ServerID,
		BatchID:    run.BatchID,
		Variables:  run.Variables,
		Status:     run.Status.String(),
		Trigger:    run.Trigger.String(),
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		CreatedAt:  run.CreatedAt,
	}
	if withOutput {
		output := run.Output
		resp.Output = &output
	}
	return resp
}

func newSubmitResponse(sub *orchestrator.Submission) submitResponse {
	resp := submitResponse{
		BatchID: sub.BatchID,
		RunIDs:  sub.RunIDs(),
		Status:  domain.RunStatusPending.String(),
	}
	if sub.BatchID == nil && len(sub.Runs) == 1 {
		resp.RunID = &sub.Runs[0].ID
	}
	return resp
}

// Helper functions

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func mustActor(r *http.Request) domain.Actor {
	actor, _ := ActorFromContext(r.Context())
	return actor
}

func queryUUID(r *http.Request, key string) (*uuid.UUID, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s", key)
	}
	return &id, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func setupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func flushResponse(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Run handlers

// SubmitRun submits a form and returns once its runs are persisted
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FormID == uuid.Nil {
		writeJSONError(w, http.StatusBadRequest, "form_id is required")
		return
	}

	sub, err := h.engine.Submit(r.Context(), orchestrator.SubmitRequest{
		FormID:    req.FormID,
		Variables: req.Variables,
		Actor:     mustActor(r),
		Trigger:   domain.TriggerManual,
	})
	if err != nil {
		writeError(w, "submit_run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(sub))
}

func (h *Handlers) SubmitAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlaybookID == uuid.Nil || req.ServerID == uuid.Nil {
		writeJSONError(w, http.StatusBadRequest, "playbook_id and server_id are required")
		return
	}

	sub, err := h.engine.SubmitAdHoc(r.Context(), orchestrator.AdHocRequest{
		PlaybookID: req.PlaybookID,
		ServerID:   req.ServerID,
		VaultID:    req.VaultID,
		Variables:  req.Variables,
		Actor:      mustActor(r),
	})
	if err != nil {
		writeError(w, "submit_adhoc", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(sub))
}

// ListRuns supports filtering by form, batch, server and status. The total
// number of matching runs is returned in X-Total-Count.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	var (
		filter repository.RunFilter
		err    error
	)
	for key, dst := range map[string]**uuid.UUID{
		"form_id":   &filter.FormID,
		"batch_id":  &filter.BatchID,
		"server_id": &filter.ServerID,
	} {
		if *dst, err = queryUUID(r, key); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := domain.ParseRunStatus(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.Offset, err = queryInt(r, "offset"); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, total, err := h.engine.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, "list_runs", err)
		return
	}

	resp := make([]*runResponse, len(runs))
	for i, run := range runs {
		resp[i] = newRunResponse(run, false)
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "runID")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, "get_run", err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run, true))
}

// StreamRun sends the stored output of a run followed by live output as
// server-sent events, ending with a "status" event once the run is terminal.
func (h *Handlers) StreamRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "runID")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, chunks, unsubscribe, err := h.engine.Follow(runID)
	if err != nil {
		writeError(w, "stream_run", err)
		return
	}
	defer unsubscribe()

	setupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if run.Output != "" {
		if err := writeEvent(w, "output", run.Output); err != nil {
			return
		}
	}
	flushResponse(w)

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				h.finishStream(w, r, runID)
				return
			}
			if err := writeEvent(w, "output", chunk); err != nil {
				slog.Debug("Stream client went away",
					"layer", "api",
					"operation", "stream_write",
					"run_id", runID,
					"error", err)
				return
			}
			flushResponse(w)
		}
	}
}

// finishStream reports the final status. A subscriber dropped for falling
// behind sees the current, possibly non-terminal, status instead.
func (h *Handlers) finishStream(w http.ResponseWriter, r *http.Request, runID uuid.UUID) {
	run, err := h.engine.GetRun(r.Context(), runID)
	if err != nil {
		slog.Error("Handler operation failed",
			"layer", "api",
			"operation", "stream_status",
			"run_id", runID,
			"error", err)
		return
	}
	if err := writeEvent(w, "status", run.Status.String()); err == nil {
		flushResponse(w)
	}
}

// writeEvent encodes data as JSON so multi-line output stays one SSE data field
func writeEvent(w io.Writer, event, data string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, encoded)
	return err
}

func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseUUIDParam(r, "runID")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	if err := h.engine.CancelRun(r.Context(), runID, mustActor(r)); err != nil {
		writeError(w, "cancel_run", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid batch ID")
		return
	}

	batch, err := h.engine.BatchStatus(r.Context(), batchID)
	if err != nil {
		writeError(w, "get_batch", err)
		return
	}

	resp := batchResponse{
		ID:     batch.ID,
		FormID: batch.FormID,
		Status: batch.Status.String(),
		Runs:   make([]*runResponse, len(batch.Runs)),
	}
	for i, run := range batch.Runs {
		resp.Runs[i] = newRunResponse(run, false)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	if mustActor(r).Role != domain.RoleAdmin {
		writeJSONError(w, http.StatusForbidden, "audit log requires the admin role")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, total, err := h.audit.List(limit, offset)
	if err != nil {
		writeError(w, "list_audit", err)
		return
	}

	resp := make([]auditResponse, len(entries))
	for i, e := range entries {
		resp[i] = auditResponse{
			ID:         e.ID,
			UserID:     e.UserID,
			Username:   e.Username,
			Action:     e.Action,
			Resource:   e.Resource,
			ResourceID: e.ResourceID,
			Details:    e.Details,
			IP:         e.IP,
			CreatedAt:  e.CreatedAt,
		}
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	writeJSON(w, http.StatusOK, resp)
}

// Webhook handlers

// TriggerWebhook authenticates by form token. The payload is optional and
// must be a JSON object when present.
func (h *Handlers) TriggerWebhook(w http.ResponseWriter, r *http.Request) {
	req := scheduler.WebhookRequest{
		Token: chi.URLParam(r, "token"),
		IP:    clientIP(r),
	}
	if raw := chi.URLParam(r, "formID"); raw != "" {
		formID, err := uuid.Parse(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid form ID")
			return
		}
		req.FormID = &formID
	}
	if err := decodeJSON(w, r, &req.Payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "payload must be a JSON object")
		return
	}

	result, err := h.webhooks.TriggerWebhook(r.Context(), req)
	if err != nil {
		var authErr *domain.AuthorizationError
		if errors.As(err, &authErr) {
			writeJSONError(w, http.StatusUnauthorized, "invalid webhook token")
			return
		}
		writeError(w, "trigger_webhook", err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSubmitResponse(result.Submission))
}
