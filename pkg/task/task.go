// Package task defines the automation task model: an immutable ordered
// list of steps plus an overall time budget, and the result produced by
// running it. Validation happens here, before any browser resource is
// touched.
package task

import (
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	ferrors "github.com/strandline/ferryman/pkg/errors"
)

// StepType discriminates the step variants.
type StepType string

const (
	StepNavigate   StepType = "navigate"
	StepWaitFor    StepType = "wait_for"
	StepExtract    StepType = "extract"
	StepInteract   StepType = "interact"
	StepScreenshot StepType = "screenshot"
)

// Interaction actions supported by the interact step.
const (
	ActionClick = "click"
	ActionFill  = "fill"
	ActionPress = "press"
	ActionFocus = "focus"
)

// Step is one unit of work. Which fields are meaningful depends on Type;
// Validate enforces the per-type requirements.
type Step struct {
	Type StepType `json:"type" validate:"required,oneof=navigate wait_for extract interact screenshot"`

	// navigate
	URL string `json:"url,omitempty"`

	// wait_for
	Selector string `json:"selector,omitempty"`

	// extract: result field name -> selector
	Fields map[string]string `json:"fields,omitempty"`

	// interact
	Action string `json:"action,omitempty" validate:"omitempty,oneof=click fill press focus"`
	Target string `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`

	// screenshot
	Screenshot *ScreenshotSpec `json:"screenshot,omitempty"`
}

// ScreenshotSpec tunes a screenshot step. The zero value means a viewport
// PNG.
type ScreenshotSpec struct {
	Name     string `json:"name,omitempty"`
	FullPage bool   `json:"full_page,omitempty"`
	Format   string `json:"format,omitempty" validate:"omitempty,oneof=png jpeg"`
	Quality  int    `json:"quality,omitempty" validate:"min=0,max=100"`
}

// Task is an automation task. Immutable once constructed; the executor
// never mutates it.
type Task struct {
	ID        uuid.UUID `json:"id"`
	Steps     []Step    `json:"steps" validate:"required,min=1,dive"`
	TimeoutMS int64     `json:"timeout_ms,omitempty" validate:"min=0"`
	// Priority is carried on the task and reported back but does not
	// reorder execution.
	Priority int `json:"priority,omitempty"`
}

// New builds a task with a fresh id.
func New(steps []Step, timeout time.Duration, priority int) Task {
	return Task{
		ID:        uuid.New(),
		Steps:     steps,
		TimeoutMS: timeout.Milliseconds(),
		Priority:  priority,
	}
}

// Timeout returns the task's overall budget, or zero when unset.
func (t Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

var validate = validator.New()

// Validate checks the task against the schema and the per-step-type
// requirements. All failures are INVALID_TASK errors carrying a stable
// machine-readable reason under the "reason" context key.
func (t Task) Validate(maxSteps int) error {
	if len(t.Steps) == 0 {
		return invalid("empty_steps", "task has no steps")
	}
	if maxSteps > 0 && len(t.Steps) > maxSteps {
		return invalid("too_many_steps", fmt.Sprintf("task has %d steps, limit is %d", len(t.Steps), maxSteps)).
			WithContext("limit", maxSteps)
	}
	if err := validate.Struct(t); err != nil {
		return invalid("schema", "task does not match the schema").
			WithContext("detail", err.Error())
	}

	for i, s := range t.Steps {
		if ferr := validateStep(s); ferr != nil {
			return ferr.WithContext("step", i)
		}
	}
	return nil
}

func validateStep(s Step) *ferrors.Error {
	switch s.Type {
	case StepNavigate:
		u, err := url.Parse(s.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid("invalid_url", "navigate requires an absolute http(s) url")
		}
	case StepWaitFor:
		if s.Selector == "" {
			return invalid("missing_selector", "wait_for requires a selector")
		}
	case StepExtract:
		if len(s.Fields) == 0 {
			return invalid("missing_fields", "extract requires at least one field mapping")
		}
		for name, sel := range s.Fields {
			if name == "" || sel == "" {
				return invalid("missing_fields", "extract field names and selectors must be non-empty")
			}
		}
	case StepInteract:
		switch s.Action {
		case ActionClick, ActionPress, ActionFocus:
			if s.Target == "" && s.Action != ActionPress {
				return invalid("missing_target", s.Action+" requires a target selector")
			}
		case ActionFill:
			if s.Target == "" {
				return invalid("missing_target", "fill requires a target selector")
			}
			if s.Value == "" {
				return invalid("missing_value", "fill requires a value")
			}
		default:
			return invalid("unsupported_action", "unsupported interact action "+s.Action)
		}
	case StepScreenshot:
		// ScreenshotSpec limits are covered by struct tags.
	default:
		return invalid("unsupported_step", "unsupported step type "+string(s.Type))
	}
	return nil
}

func invalid(reason, msg string) *ferrors.Error {
	return ferrors.New(ferrors.ErrCodeInvalidTask, msg).WithContext("reason", reason)
}

// Status is the terminal status of a task run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// ResultError is the client-facing error of a failed run: taxonomy code
// plus a sanitized message, never raw driver output.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Screenshot is one captured image.
type Screenshot struct {
	Name   string `json:"name,omitempty"`
	Format string `json:"format"`
	// Data is base64-encoded by encoding/json.
	Data []byte `json:"data"`
}

// Result is the outcome of running a task.
type Result struct {
	TaskID   string `json:"task_id"`
	Status   Status `json:"status"`
	Priority int    `json:"priority,omitempty"`

	// Data holds extracted fields. Fields whose selector matched nothing
	// are listed in MissingFields instead of appearing here.
	Data          map[string]string `json:"data,omitempty"`
	MissingFields []string          `json:"missing_fields,omitempty"`

	Screenshots []Screenshot `json:"screenshots,omitempty"`

	StepsCompleted int          `json:"steps_completed"`
	Error          *ResultError `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}
