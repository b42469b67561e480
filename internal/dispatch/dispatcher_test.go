package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// stubTool is a scriptable tool: each call pops the next feedback from the
// queue; the last entry repeats.
type stubTool struct {
	name     string
	args     []ArgSpec
	script   []schemas.ActionFeedback
	calls    int
	seenArgs []map[string]any
	sleep    time.Duration
	waitErr  error
	waited   []string
}

func (s *stubTool) Name() string    { return s.name }
func (s *stubTool) Guide() string   { return "stub tool" }
func (s *stubTool) Args() []ArgSpec { return s.args }

func (s *stubTool) Invoke(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback) {
	s.calls++
	s.seenArgs = append(s.seenArgs, args)
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
		}
	}
	idx := s.calls - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	fb := s.script[idx]
	obs := &schemas.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		CurrentURL:              "https://example.com",
		HTTPStatusCode:          200,
		KeyElements:             []schemas.KeyElement{},
		LastActionFeedback:      &fb,
		BrowserHealthStatus:     "healthy",
	}
	return obs, fb
}

func (s *stubTool) WaitCondition(ctx context.Context, condition string) error {
	s.waited = append(s.waited, condition)
	return s.waitErr
}

func success() schemas.ActionFeedback {
	return schemas.ActionFeedback{Status: schemas.FeedbackSuccess, ErrorCode: "0", Message: "ok"}
}

func failure(code string) schemas.ActionFeedback {
	return schemas.ActionFeedback{Status: schemas.FeedbackFailed, ErrorCode: code, Message: "it broke"}
}

func newTestDispatcher(tools ...Tool) (*Dispatcher, *Registry) {
	reg := NewRegistry()
	for _, tool := range tools {
		reg.Register(tool)
	}
	d := NewDispatcher(reg, zap.NewNop())
	d.backoffBase = 2 * time.Millisecond
	return d, reg
}

func action(tool string, args map[string]any) schemas.DecisionAction {
	return schemas.DecisionAction{
		ToolName:                tool,
		ToolArgs:                args,
		MaxAttempts:             1,
		ExecutionTimeoutSeconds: 5,
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d, _ := newTestDispatcher()
	obs, fb := d.Dispatch(context.Background(), action("nope", nil), nil)

	assert.Equal(t, schemas.FeedbackFailed, fb.Status)
	assert.Equal(t, schemas.ErrCodeToolUnknown, fb.ErrorCode)
	require.NotNil(t, obs)
	assert.Equal(t, fb, *obs.LastActionFeedback)
}

func TestDispatchValidatesArguments(t *testing.T) {
	tool := &stubTool{
		name:   "navigate_to",
		args:   []ArgSpec{{Name: "url", Type: ArgString, Required: true}},
		script: []schemas.ActionFeedback{success()},
	}
	d, _ := newTestDispatcher(tool)

	_, fb := d.Dispatch(context.Background(), action("navigate_to", map[string]any{}), nil)
	assert.Equal(t, schemas.ErrCodeBadArg, fb.ErrorCode)
	assert.Zero(t, tool.calls, "tool must not run on invalid args")

	_, fb = d.Dispatch(context.Background(), action("navigate_to", map[string]any{"url": 42}), nil)
	assert.Equal(t, schemas.ErrCodeBadArg, fb.ErrorCode)
}

func TestDispatchEnumValidation(t *testing.T) {
	tool := &stubTool{
		name:   "scroll",
		args:   []ArgSpec{{Name: "direction", Type: ArgString, Required: true, Enum: []string{"up", "down", "top", "bottom"}}},
		script: []schemas.ActionFeedback{success()},
	}
	d, _ := newTestDispatcher(tool)

	_, fb := d.Dispatch(context.Background(), action("scroll", map[string]any{"direction": "sideways"}), nil)
	assert.Equal(t, schemas.ErrCodeBadArg, fb.ErrorCode)

	_, fb = d.Dispatch(context.Background(), action("scroll", map[string]any{"direction": "down"}), nil)
	assert.Equal(t, schemas.FeedbackSuccess, fb.Status)
}

func TestDispatchResolvesTemplates(t *testing.T) {
	tool := &stubTool{
		name:   "open_notepad",
		args:   []ArgSpec{{Name: "initial_content", Type: ArgString, Required: true}},
		script: []schemas.ActionFeedback{success()},
	}
	d, _ := newTestDispatcher(tool)

	output := "line one\nline two"
	source := &schemas.ExecutionNode{
		NodeID:         "n1",
		CurrentStatus:  schemas.NodeSuccess,
		ResolvedOutput: &output,
	}
	dctx := &Context{Lookup: func(id string) *schemas.ExecutionNode {
		if id == "n1" {
			return source
		}
		return nil
	}}

	_, fb := d.Dispatch(context.Background(), action("open_notepad", map[string]any{
		"initial_content": "results:\n${n1.resolved_output}",
	}), dctx)

	require.Equal(t, schemas.FeedbackSuccess, fb.Status)
	require.Len(t, tool.seenArgs, 1)
	assert.Equal(t, "results:\nline one\nline two", tool.seenArgs[0]["initial_content"])
}

func TestDispatchUnresolvedReference(t *testing.T) {
	tool := &stubTool{name: "open_notepad", script: []schemas.ActionFeedback{success()}}
	d, _ := newTestDispatcher(tool)

	cases := map[string]*schemas.ExecutionNode{
		"missing node":   nil,
		"not successful": {NodeID: "n1", CurrentStatus: schemas.NodePending},
		"no output":      {NodeID: "n1", CurrentStatus: schemas.NodeSuccess},
	}
	for name, source := range cases {
		t.Run(name, func(t *testing.T) {
			dctx := &Context{Lookup: func(string) *schemas.ExecutionNode { return source }}
			_, fb := d.Dispatch(context.Background(), action("open_notepad", map[string]any{
				"initial_content": "${n1.resolved_output}",
			}), dctx)
			assert.Equal(t, schemas.ErrCodeUnresolvedRef, fb.ErrorCode)
			assert.Zero(t, tool.calls)
		})
	}
}

func TestDispatchRetriesTransientThenSucceeds(t *testing.T) {
	tool := &stubTool{
		name:   "click_element",
		script: []schemas.ActionFeedback{failure(schemas.ErrCodeNet), failure(schemas.ErrCodeNet), success()},
	}
	d, _ := newTestDispatcher(tool)

	act := action("click_element", nil)
	act.MaxAttempts = 3

	start := time.Now()
	_, fb := d.Dispatch(context.Background(), act, nil)
	elapsed := time.Since(start)

	assert.Equal(t, schemas.FeedbackSuccess, fb.Status)
	assert.Equal(t, 3, tool.calls)
	// Two backoff sleeps: base + 2*base.
	assert.GreaterOrEqual(t, elapsed, 3*d.backoffBase)
}

func TestDispatchDoesNotRetryPermanentErrors(t *testing.T) {
	tool := &stubTool{
		name:   "click_element",
		script: []schemas.ActionFeedback{failure(schemas.ErrCodeBadArg)},
	}
	d, _ := newTestDispatcher(tool)

	act := action("click_element", nil)
	act.MaxAttempts = 5

	_, fb := d.Dispatch(context.Background(), act, nil)
	assert.Equal(t, schemas.FeedbackFailed, fb.Status)
	assert.Equal(t, 1, tool.calls)
}

func TestDispatchStopsRetryingWhenCancelled(t *testing.T) {
	tool := &stubTool{
		name:   "click_element",
		script: []schemas.ActionFeedback{failure(schemas.ErrCodeNet)},
	}
	d, _ := newTestDispatcher(tool)

	act := action("click_element", nil)
	act.MaxAttempts = 5

	dctx := &Context{Cancelled: func() bool { return true }}
	_, fb := d.Dispatch(context.Background(), act, dctx)

	assert.Equal(t, schemas.FeedbackFailed, fb.Status)
	assert.Equal(t, 1, tool.calls, "cancellation must stop further attempts")
}

func TestDispatchTimeoutCeiling(t *testing.T) {
	tool := &stubTool{
		name:   "wait",
		sleep:  2 * time.Second,
		script: []schemas.ActionFeedback{success()},
	}
	d, _ := newTestDispatcher(tool)

	act := action("wait", nil)
	act.ExecutionTimeoutSeconds = 1

	start := time.Now()
	obs, fb := d.Dispatch(context.Background(), act, nil)
	elapsed := time.Since(start)

	assert.Equal(t, schemas.FeedbackTimeout, fb.Status)
	assert.Equal(t, schemas.ErrCodeTimeout, fb.ErrorCode)
	assert.Less(t, elapsed, 1900*time.Millisecond)
	require.NotNil(t, obs)
	assert.Equal(t, fb, *obs.LastActionFeedback)
}

func TestDispatchWaitConditionAfter(t *testing.T) {
	tool := &stubTool{name: "navigate_to", script: []schemas.ActionFeedback{success()}}
	d, _ := newTestDispatcher(tool)

	act := action("navigate_to", nil)
	act.WaitForConditionAfter = "selector:#content_left"

	_, fb := d.Dispatch(context.Background(), act, nil)
	assert.Equal(t, schemas.FeedbackSuccess, fb.Status)
	assert.Equal(t, []string{"selector:#content_left"}, tool.waited)
}

func TestDispatchWaitConditionFailureBecomesTimeout(t *testing.T) {
	tool := &stubTool{
		name:    "navigate_to",
		script:  []schemas.ActionFeedback{success()},
		waitErr: context.DeadlineExceeded,
	}
	d, _ := newTestDispatcher(tool)

	act := action("navigate_to", nil)
	act.WaitForConditionAfter = "networkidle"

	_, fb := d.Dispatch(context.Background(), act, nil)
	assert.Equal(t, schemas.FeedbackTimeout, fb.Status)
	assert.Equal(t, schemas.ErrCodeTimeout, fb.ErrorCode)
}
