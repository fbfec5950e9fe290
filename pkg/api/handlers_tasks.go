package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strandline/ferryman/pkg/bus"
	ferrors "github.com/strandline/ferryman/pkg/errors"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/task"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned before the response was ready.
const StatusClientClosedRequest = 499

// SubmitTaskRequest is the body of POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Steps     []task.Step `json:"steps"`
	TimeoutMS int64       `json:"timeout_ms,omitempty"`
	Priority  int         `json:"priority,omitempty"`

	// Async makes the call return 202 immediately; poll
	// GET /api/v1/tasks/{id} for the result.
	Async bool `json:"async,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}

	tk := task.New(req.Steps, time.Duration(req.TimeoutMS)*time.Millisecond, req.Priority)
	rec := s.records.create(tk.ID.String())

	if err := tk.Validate(s.cfg.Task.MaxSteps); err != nil {
		_ = rec.advance(StateRejected)
		metricTasksRejected.Inc()
		writeError(w, http.StatusBadRequest, validationReason(err), ferrors.UserMessage(err))
		return
	}
	_ = rec.advance(StateValidated)
	_ = rec.advance(StateQueued)

	s.publishSubmitted(tk)

	if req.Async {
		// Detached from the request context: the submitter is not
		// required to stay connected.
		go s.runTask(context.Background(), tk, rec)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"task_id": tk.ID.String(),
			"state":   string(StateQueued),
		})
		return
	}

	res := s.runTask(r.Context(), tk, rec)
	writeJSON(w, statusForResult(res), res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.records.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such task")
		return
	}
	writeJSON(w, http.StatusOK, rec.view())
}

// runTask drives the record through Executing into its terminal state.
func (s *Server) runTask(ctx context.Context, tk task.Task, rec *TaskRecord) task.Result {
	_ = rec.advance(StateExecuting)

	res := s.exec.Run(ctx, tk)
	rec.complete(res)

	metricTasksTotal.WithLabelValues(string(res.Status)).Inc()
	metricTaskDuration.Observe(float64(res.DurationMS) / 1000)
	return res
}

func (s *Server) publishSubmitted(tk task.Task) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"task_id": tk.ID.String(),
		"steps":   len(tk.Steps),
	})
	if err != nil {
		return
	}
	if err := s.bus.Publish(context.Background(), bus.SubjectTaskSubmitted, payload); err != nil {
		s.log.Warn(logging.CategoryBus, "publish_failed", "task submitted event not published", map[string]any{
			"error": err.Error(),
		})
	}
}

// statusForResult maps a terminal task result onto an HTTP status. Step
// failures still return the result body with 200: the task executed and
// the result reports what happened. Pool availability and timeouts get
// their own statuses so callers can back off or retry elsewhere.
func statusForResult(res task.Result) int {
	switch res.Status {
	case task.StatusSucceeded:
		return http.StatusOK
	case task.StatusTimedOut:
		return http.StatusGatewayTimeout
	case task.StatusCancelled:
		return StatusClientClosedRequest
	}

	if res.Error == nil {
		return http.StatusInternalServerError
	}
	switch ferrors.ErrorCode(res.Error.Code) {
	case ferrors.ErrCodePoolExhausted, ferrors.ErrCodePoolDegraded, ferrors.ErrCodePoolClosed:
		return http.StatusServiceUnavailable
	case ferrors.ErrCodeInternal, ferrors.ErrCodeEngineUnavailable:
		return http.StatusInternalServerError
	case ferrors.ErrCodeInvalidTask:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// validationReason extracts the machine-readable reason from a
// validation error.
func validationReason(err error) string {
	var ferr *ferrors.Error
	if errors.As(err, &ferr) {
		if reason, ok := ferr.Context["reason"].(string); ok {
			return reason
		}
	}
	return "invalid_task"
}
