package task

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/strandline/ferryman/pkg/errors"
)

func validTask() Task {
	return New([]Step{
		{Type: StepNavigate, URL: "https://example.com"},
		{Type: StepWaitFor, Selector: "#content"},
		{Type: StepExtract, Fields: map[string]string{"title": "h1"}},
		{Type: StepInteract, Action: ActionClick, Target: "#go"},
		{Type: StepScreenshot, Screenshot: &ScreenshotSpec{FullPage: true, Format: "jpeg", Quality: 80}},
	}, 30*time.Second, 0)
}

func TestTaskValidateOK(t *testing.T) {
	tk := validTask()
	require.NoError(t, tk.Validate(20))
	assert.NotEqual(t, "", tk.ID.String())
	assert.Equal(t, 30*time.Second, tk.Timeout())
}

func TestTaskValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		reason string
	}{
		{
			name:   "empty steps",
			mutate: func(tk *Task) { tk.Steps = nil },
			reason: "empty_steps",
		},
		{
			name: "too many steps",
			mutate: func(tk *Task) {
				for i := 0; i < 30; i++ {
					tk.Steps = append(tk.Steps, Step{Type: StepWaitFor, Selector: "x"})
				}
			},
			reason: "too_many_steps",
		},
		{
			name:   "relative url",
			mutate: func(tk *Task) { tk.Steps[0].URL = "/relative/path" },
			reason: "invalid_url",
		},
		{
			name:   "bad scheme",
			mutate: func(tk *Task) { tk.Steps[0].URL = "ftp://example.com/file" },
			reason: "invalid_url",
		},
		{
			name:   "wait_for without selector",
			mutate: func(tk *Task) { tk.Steps[1].Selector = "" },
			reason: "missing_selector",
		},
		{
			name:   "extract without fields",
			mutate: func(tk *Task) { tk.Steps[2].Fields = nil },
			reason: "missing_fields",
		},
		{
			name:   "extract with empty selector",
			mutate: func(tk *Task) { tk.Steps[2].Fields = map[string]string{"title": ""} },
			reason: "missing_fields",
		},
		{
			name:   "unsupported action",
			mutate: func(tk *Task) { tk.Steps[3].Action = "hover" },
			reason: "schema",
		},
		{
			name:   "click without target",
			mutate: func(tk *Task) { tk.Steps[3].Target = "" },
			reason: "missing_target",
		},
		{
			name: "fill without value",
			mutate: func(tk *Task) {
				tk.Steps[3] = Step{Type: StepInteract, Action: ActionFill, Target: "#q"}
			},
			reason: "missing_value",
		},
		{
			name: "unknown step type",
			mutate: func(tk *Task) {
				tk.Steps[0] = Step{Type: "teleport", URL: "https://example.com"}
			},
			reason: "schema",
		},
		{
			name: "screenshot quality out of range",
			mutate: func(tk *Task) {
				tk.Steps[4].Screenshot.Quality = 150
			},
			reason: "schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tt.mutate(&tk)

			err := tk.Validate(20)
			require.Error(t, err)
			assert.True(t, ferrors.IsCode(err, ferrors.ErrCodeInvalidTask), "code = %s", ferrors.CodeOf(err))

			var ferr *ferrors.Error
			require.ErrorAs(t, err, &ferr)
			assert.Equal(t, tt.reason, ferr.Context["reason"])
		})
	}
}

func TestTaskValidateNoStepLimit(t *testing.T) {
	tk := validTask()
	for i := 0; i < 100; i++ {
		tk.Steps = append(tk.Steps, Step{Type: StepWaitFor, Selector: "x"})
	}
	assert.NoError(t, tk.Validate(0))
}

func TestStepJSONRoundTrip(t *testing.T) {
	tk := validTask()
	raw, err := json.Marshal(tk)
	require.NoError(t, err)

	var back Task
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, tk.ID, back.ID)
	require.Len(t, back.Steps, 5)
	assert.Equal(t, StepNavigate, back.Steps[0].Type)
	assert.Equal(t, "h1", back.Steps[2].Fields["title"])
	require.NotNil(t, back.Steps[4].Screenshot)
	assert.True(t, back.Steps[4].Screenshot.FullPage)
}
