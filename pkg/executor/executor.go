// Package executor runs one automation task against one leased browsing
// context. Steps run strictly in order under a single overall deadline;
// timeout and cancellation are observed at step boundaries; the lease is
// released exactly once on every exit path.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/strandline/ferryman/pkg/bus"
	"github.com/strandline/ferryman/pkg/engine"
	ferrors "github.com/strandline/ferryman/pkg/errors"
	"github.com/strandline/ferryman/pkg/logging"
	"github.com/strandline/ferryman/pkg/pool"
	"github.com/strandline/ferryman/pkg/task"
)

// Config tunes the executor.
type Config struct {
	// DefaultTimeout is the overall task budget when the task carries none.
	DefaultTimeout time.Duration

	// StepTimeout bounds each individual step, never exceeding what is
	// left of the overall budget.
	StepTimeout time.Duration

	// AcquireTimeout caps how long a task may wait for a pool slot.
	// Zero means the task's own budget is the only bound.
	AcquireTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 30 * time.Second
	}
	if out.StepTimeout <= 0 {
		out.StepTimeout = 10 * time.Second
	}
	return out
}

// Executor runs tasks against the session pool.
type Executor struct {
	pool *pool.Pool
	cfg  Config
	log  *logging.Logger
	bus  bus.MessageBus
}

// New creates an executor. The bus is optional; when set, a
// ferryman.task.finished event is published per run.
func New(p *pool.Pool, cfg Config, log *logging.Logger, b bus.MessageBus) *Executor {
	if log == nil {
		log = logging.Nop()
	}
	return &Executor{pool: p, cfg: cfg.withDefaults(), log: log, bus: b}
}

// Run executes the task and always returns a terminal result; errors are
// folded into it. The caller is expected to have validated the task.
func (e *Executor) Run(ctx context.Context, t task.Task) task.Result {
	started := time.Now()
	res := task.Result{
		TaskID:    t.ID.String(),
		Priority:  t.Priority,
		StartedAt: started,
	}

	budget := t.Timeout()
	if budget <= 0 {
		budget = e.cfg.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	e.log.Info(logging.CategoryTask, "task_started", "task execution started", map[string]any{
		"task_id": res.TaskID,
		"steps":   len(t.Steps),
		"budget":  budget.String(),
	})

	acquireCtx := taskCtx
	if e.cfg.AcquireTimeout > 0 {
		var acquireCancel context.CancelFunc
		acquireCtx, acquireCancel = context.WithTimeout(taskCtx, e.cfg.AcquireTimeout)
		defer acquireCancel()
	}
	lease, err := e.pool.AcquireContext(acquireCtx)
	if err != nil {
		e.finish(&res, taskCtx, err)
		return res
	}
	defer lease.Release()

	for i, step := range t.Steps {
		// Cooperative cancellation at step boundaries.
		if ctxErr := taskCtx.Err(); ctxErr != nil {
			e.finish(&res, taskCtx, ctxErr)
			return res
		}

		final := i == len(t.Steps)-1
		if err := e.runStep(taskCtx, lease, step, i, final, &res); err != nil {
			// A plain, uncoded error means the driver itself broke,
			// which is how a dead engine surfaces mid-task.
			if !isTaxonomy(err) {
				lease.MarkCrashed()
			}
			e.finish(&res, taskCtx, err)
			return res
		}
		res.StepsCompleted++
	}

	res.Status = task.StatusSucceeded
	e.seal(&res)
	return res
}

// runStep executes one step with its own sub-deadline, bounded by the
// overall budget through context inheritance.
func (e *Executor) runStep(taskCtx context.Context, lease *pool.Lease, s task.Step, index int, final bool, res *task.Result) error {
	stepCtx, cancel := context.WithTimeout(taskCtx, e.cfg.StepTimeout)
	defer cancel()

	bctx := lease.Context()

	switch s.Type {
	case task.StepNavigate:
		return bctx.Navigate(stepCtx, s.URL)

	case task.StepWaitFor:
		return bctx.WaitFor(stepCtx, s.Selector)

	case task.StepExtract:
		return e.extract(stepCtx, bctx, s, final, res)

	case task.StepInteract:
		return bctx.Interact(stepCtx, engine.Interaction{
			Action: engine.InteractionAction(s.Action),
			Target: s.Target,
			Value:  s.Value,
		})

	case task.StepScreenshot:
		opts := engine.ScreenshotOptions{}
		name := fmt.Sprintf("step-%d", index)
		if s.Screenshot != nil {
			opts.FullPage = s.Screenshot.FullPage
			opts.Format = engine.ScreenshotFormat(s.Screenshot.Format)
			opts.Quality = s.Screenshot.Quality
			if s.Screenshot.Name != "" {
				name = s.Screenshot.Name
			}
		}
		data, err := bctx.Screenshot(stepCtx, opts)
		if err != nil {
			return err
		}
		format := string(opts.Format)
		if format == "" {
			format = string(engine.ScreenshotFormatPNG)
		}
		res.Screenshots = append(res.Screenshots, task.Screenshot{
			Name:   name,
			Format: format,
			Data:   data,
		})
		return nil

	default:
		return ferrors.Newf(ferrors.ErrCodeInvalidTask, "unsupported step type %s", s.Type)
	}
}

// extract pulls every requested field. A field whose selector matches
// nothing is recorded as missing rather than failing the task, except on
// the final step where a miss fails the run (the caller asked for exactly
// this and got nothing to continue with).
func (e *Executor) extract(ctx context.Context, bctx engine.BrowsingContext, s task.Step, final bool, res *task.Result) error {
	// Deterministic field order keeps logs and failures stable.
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstMiss error
	for _, name := range names {
		text, err := bctx.Extract(ctx, s.Fields[name])
		if err != nil {
			if ferrors.IsCode(err, ferrors.ErrCodeSelectorNotFound) {
				res.MissingFields = append(res.MissingFields, name)
				if firstMiss == nil {
					firstMiss = err
				}
				continue
			}
			return err
		}
		if res.Data == nil {
			res.Data = make(map[string]string)
		}
		res.Data[name] = text
	}

	if final && firstMiss != nil {
		return firstMiss
	}
	return nil
}

// finish folds an error into a terminal status. The overall deadline wins
// over whatever the step reported: a step that died because the budget ran
// out is a timeout, not a step failure. Pool conditions rank above the
// deadline so the gateway can answer 503 instead of 504.
func (e *Executor) finish(res *task.Result, taskCtx context.Context, err error) {
	switch {
	case taskCtx.Err() == context.Canceled:
		res.Status = task.StatusCancelled
		res.Error = &task.ResultError{
			Code:    string(ferrors.ErrCodeCancelled),
			Message: "task was cancelled",
		}
	case isPoolCondition(err):
		res.Status = task.StatusFailed
		res.Error = &task.ResultError{
			Code:    string(ferrors.CodeOf(err)),
			Message: ferrors.UserMessage(err),
		}
	case taskCtx.Err() == context.DeadlineExceeded:
		res.Status = task.StatusTimedOut
		res.Error = &task.ResultError{
			Code:    string(ferrors.ErrCodeTaskTimeout),
			Message: "task exceeded its time budget",
		}
	default:
		res.Status = task.StatusFailed
		res.Error = &task.ResultError{
			Code:    string(ferrors.CodeOf(err)),
			Message: ferrors.UserMessage(err),
		}
	}
	e.seal(res)
}

// seal stamps timing, logs and publishes the terminal event.
func (e *Executor) seal(res *task.Result) {
	res.FinishedAt = time.Now()
	res.DurationMS = res.FinishedAt.Sub(res.StartedAt).Milliseconds()

	details := map[string]any{
		"task_id":     res.TaskID,
		"status":      string(res.Status),
		"steps_done":  res.StepsCompleted,
		"duration_ms": res.DurationMS,
	}
	if res.Error != nil {
		details["error_code"] = res.Error.Code
	}
	if res.Status == task.StatusSucceeded {
		e.log.Info(logging.CategoryTask, "task_finished", "task execution finished", details)
	} else {
		e.log.Warn(logging.CategoryTask, "task_finished", "task execution finished", details)
	}

	if e.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"task_id": res.TaskID,
			"status":  string(res.Status),
		})
		if err == nil {
			_ = e.bus.Publish(context.Background(), bus.SubjectTaskFinished, payload)
		}
	}
}

// isTaxonomy reports whether err carries one of the stable error codes.
func isTaxonomy(err error) bool {
	return ferrors.CodeOf(err) != ferrors.ErrCodeInternal
}

// isPoolCondition reports whether err is a pool availability condition.
func isPoolCondition(err error) bool {
	switch ferrors.CodeOf(err) {
	case ferrors.ErrCodePoolExhausted, ferrors.ErrCodePoolDegraded, ferrors.ErrCodePoolClosed:
		return true
	}
	return false
}
