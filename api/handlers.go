package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/vigiecall/automation-orchestrator/contracts"
)

// maxRequestBodySize limits the size of incoming trigger request bodies.
const maxRequestBodySize = 64 * 1024

// Handlers is the thin admin surface SPEC_FULL.md §3 scopes to: one
// trigger endpoint that publishes `automation/run`, nothing else. Schedule
// CRUD and RBAC are out of scope.
type Handlers struct {
	Repo contracts.Repository
	Bus  contracts.EventBus
}

// NewHandlers wires a Handlers.
func NewHandlers(repo contracts.Repository, bus contracts.EventBus) *Handlers {
	return &Handlers{Repo: repo, Bus: bus}
}

// TriggerRequest is the optional body of a trigger request: an ad-hoc
// selection override for "run now with different fiches" (§3 RunTrigger).
type TriggerRequest struct {
	OverrideSelection *contracts.SelectionSpec `json:"overrideSelection,omitempty"`
}

// TriggerResponse acknowledges that a run was dispatched; it does not wait
// for the Run-Orchestrator to finish (that is tracked via the realtime
// channel / GET polling against the Repository, out of this surface's
// scope).
type TriggerResponse struct {
	ScheduleID contracts.ScheduleID `json:"scheduleId"`
	EventID    string               `json:"eventId"`
	DueAt      time.Time            `json:"dueAt"`
}

// HandleTrigger handles POST /api/v1/schedules/{id}/trigger: validate the
// schedule exists and is active, then publish one `automation/run` event
// with a fresh id (an ad-hoc trigger is never deduped against a Scheduler
// tick's deterministic id, since it is not that tick).
func (h *Handlers) HandleTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, fmt.Errorf("missing schedule id: %w", contracts.ErrInvalidInput))
		return
	}
	scheduleID := contracts.ScheduleID(id)

	var req TriggerRequest
	if r.ContentLength != 0 {
		limited := io.LimitReader(r.Body, maxRequestBodySize+1)
		body, err := io.ReadAll(limited)
		if err != nil {
			WriteError(w, fmt.Errorf("reading request body: %w", contracts.ErrInvalidInput))
			return
		}
		if len(body) > maxRequestBodySize {
			WriteError(w, fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, contracts.ErrInvalidInput))
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				WriteError(w, fmt.Errorf("invalid JSON: %w", contracts.ErrInvalidInput))
				return
			}
		}
	}
	if req.OverrideSelection != nil {
		if err := contracts.ValidateSelection(*req.OverrideSelection); err != nil {
			WriteError(w, fmt.Errorf("overrideSelection: %w", err))
			return
		}
	}

	sched, err := h.Repo.GetSchedule(r.Context(), scheduleID)
	if err != nil {
		WriteError(w, contracts.Classify(contracts.CodeConfigError, fmt.Errorf("loading schedule %s: %w", scheduleID, contracts.ErrScheduleNotFound)))
		return
	}
	if !sched.IsActive {
		WriteError(w, fmt.Errorf("schedule %s: %w", scheduleID, contracts.ErrScheduleInactive))
		return
	}

	dueAt := time.Now().UTC()
	trigger := contracts.RunTrigger{ScheduleID: scheduleID, DueAt: &dueAt, OverrideSelection: req.OverrideSelection}
	evID := fmt.Sprintf("automation-trigger-%s-%s", scheduleID, uuid.NewString())
	ev := contracts.Event{Name: "automation/run", ID: evID, Data: trigger}
	if err := h.Bus.Publish(r.Context(), ev); err != nil {
		WriteError(w, fmt.Errorf("publishing automation/run for schedule %s: %w", scheduleID, err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, TriggerResponse{ScheduleID: scheduleID, EventID: evID, DueAt: dueAt})
}
