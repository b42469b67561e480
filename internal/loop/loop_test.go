package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
	"github.com/likeaw/ai-web-agent-industrial/internal/planner"
)

// stubPlanner serves canned plans and corrections.
type stubPlanner struct {
	plan        []*schemas.ExecutionNode
	planErr     error
	corrections [][]*schemas.ExecutionNode
	correctErr  error
	correctCall int
}

func (p *stubPlanner) Plan(context.Context, *schemas.TaskGoal, *schemas.WebObservation, *planner.Context) ([]*schemas.ExecutionNode, error) {
	return clonePlan(p.plan), p.planErr
}

func (p *stubPlanner) Correct(context.Context, *schemas.TaskGoal, *schemas.WebObservation, *schemas.ExecutionNode, *planner.Context) ([]*schemas.ExecutionNode, error) {
	if p.correctErr != nil {
		return nil, p.correctErr
	}
	if p.correctCall >= len(p.corrections) {
		return nil, errors.New("no more canned corrections")
	}
	nodes := clonePlan(p.corrections[p.correctCall])
	p.correctCall++
	return nodes, nil
}

func clonePlan(nodes []*schemas.ExecutionNode) []*schemas.ExecutionNode {
	out := make([]*schemas.ExecutionNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Clone())
	}
	return out
}

// stubDispatcher scripts feedback per node id and records dispatch order.
type stubDispatcher struct {
	mu       sync.Mutex
	script   map[string]schemas.ActionFeedback
	delay    time.Duration
	order    []string
	onNodeFn func(nodeID string)
}

func (d *stubDispatcher) Dispatch(ctx context.Context, action schemas.DecisionAction, dctx *dispatch.Context) (*schemas.WebObservation, schemas.ActionFeedback) {
	nodeID, _ := action.ToolArgs["__node"].(string)
	d.mu.Lock()
	d.order = append(d.order, nodeID)
	fn := d.onNodeFn
	d.mu.Unlock()
	if fn != nil {
		fn(nodeID)
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
		}
	}
	fb, ok := d.script[nodeID]
	if !ok {
		fb = schemas.ActionFeedback{Status: schemas.FeedbackSuccess, ErrorCode: "0", Message: "ok"}
	}
	obs := &schemas.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		CurrentURL:              "https://example.com/" + nodeID,
		HTTPStatusCode:          200,
		KeyElements:             []schemas.KeyElement{},
		LastActionFeedback:      &fb,
		BrowserHealthStatus:     "healthy",
	}
	return obs, fb
}

func (d *stubDispatcher) dispatchedNodes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.order...)
}

func planNode(id, parent, tool string, priority int, policy schemas.OnFailurePolicy) *schemas.ExecutionNode {
	return &schemas.ExecutionNode{
		NodeID:                 id,
		ParentID:               parent,
		ExecutionOrderPriority: priority,
		CurrentStatus:          schemas.NodePending,
		RequiredPrecondition:   "True",
		Action: schemas.DecisionAction{
			ToolName:                tool,
			ToolArgs:                map[string]any{"__node": id},
			MaxAttempts:             1,
			ExecutionTimeoutSeconds: 5,
			OnFailureAction:         policy,
		},
	}
}

func loopGoal(step int) *schemas.TaskGoal {
	return &schemas.TaskGoal{
		TaskUUID:                "TASK-loop0001",
		TargetDescription:       "navigate to https://example.com and take a screenshot",
		MaxExecutionTimeSeconds: step,
		AllowedActions:          []string{"navigate_to", "take_screenshot", "wait", "extract_data"},
		PriorityLevel:           5,
	}
}

type recordedEvents struct {
	mu     sync.Mutex
	events []*schemas.Event
}

func (r *recordedEvents) add(ev *schemas.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedEvents) all() []*schemas.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*schemas.Event{}, r.events...)
}

// watchEvents records everything published for the task until cancel.
func watchEvents(t *testing.T, b *bus.Bus, taskID string) *recordedEvents {
	t.Helper()
	rec := &recordedEvents{}
	ch, cancel := b.Subscribe(taskID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			rec.add(ev)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return rec
}

func newLoop(goal *schemas.TaskGoal, p Planner, d Dispatcher, b *bus.Bus, released *bool) *Loop {
	release := func() {}
	if released != nil {
		release = func() { *released = true }
	}
	return New(goal, p, d, b, zap.NewNop(), release, Options{CorrectionBudget: 3, MaxIterations: 50})
}

func TestHappyPathNavigateAndScreenshot(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)
	rec := watchEvents(t, b, goal.TaskUUID)

	p := &stubPlanner{plan: []*schemas.ExecutionNode{
		planNode("n1", "", "navigate_to", 1, schemas.FailureReEvaluate),
		planNode("n2", "n1", "take_screenshot", 1, schemas.FailureReEvaluate),
	}}
	p.plan[1].Action.ToolArgs["task_topic"] = "example"

	d := &stubDispatcher{script: map[string]schemas.ActionFeedback{
		"n2": {Status: schemas.FeedbackSuccess, ErrorCode: "0", Message: "/tmp/shots/example_20250101_000000.png"},
	}}

	released := false
	l := newLoop(goal, p, d, b, &released)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskCompleted, status)
	assert.Equal(t, []string{"n1", "n2"}, d.dispatchedNodes())
	assert.True(t, released, "browser session must be released in finalization")

	exec := l.Execution()
	require.NotNil(t, exec.Nodes["n1"])
	require.NotNil(t, exec.Nodes["n2"])
	assert.Equal(t, schemas.TaskCompleted, exec.Status)
	assert.Equal(t, schemas.NodeSuccess, exec.Nodes["n1"].CurrentStatus)
	assert.Equal(t, schemas.NodeSuccess, exec.Nodes["n2"].CurrentStatus)
	assert.Regexp(t, `.*\.png$`, exec.Nodes["n2"].Output())

	// Event stream: running task update, RUNNING + SUCCESS per node, final
	// terminal task update.
	time.Sleep(50 * time.Millisecond)
	var running, success, taskUpdates, terminalTasks int
	for _, ev := range rec.all() {
		switch ev.Type {
		case schemas.EventNodeUpdate:
			switch ev.Node.CurrentStatus {
			case schemas.NodeRunning:
				running++
			case schemas.NodeSuccess:
				success++
			}
		case schemas.EventTaskUpdate:
			taskUpdates++
			if ev.Terminal {
				terminalTasks++
			}
		}
	}
	assert.Equal(t, 2, running)
	assert.Equal(t, 2, success)
	assert.GreaterOrEqual(t, taskUpdates, 2)
	assert.Equal(t, 1, terminalTasks)
}

func TestPlannerFailureFailsTask(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)
	rec := watchEvents(t, b, goal.TaskUUID)

	p := &stubPlanner{planErr: fmt.Errorf("%w: confidence out of range", planner.ErrPlanner)}
	l := newLoop(goal, p, &stubDispatcher{}, b, nil)

	status := l.Run(context.Background())
	assert.Equal(t, schemas.TaskFailed, status)

	time.Sleep(50 * time.Millisecond)
	errorLogs := 0
	for _, ev := range rec.all() {
		if ev.Type == schemas.EventLog && ev.Log.Severity == schemas.LogError {
			errorLogs++
		}
	}
	assert.GreaterOrEqual(t, errorLogs, 1)
}

func TestCorrectionInjectionRecoversTask(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)

	p := &stubPlanner{
		plan: []*schemas.ExecutionNode{
			planNode("root", "", "navigate_to", 1, schemas.FailureReEvaluate),
			planNode("a", "root", "extract_data", 1, schemas.FailureReEvaluate),
		},
		corrections: [][]*schemas.ExecutionNode{{
			planNode("fix-wait", "", "wait", 1, schemas.FailureAbort),
			planNode("fix-extract", "fix-wait", "extract_data", 1, schemas.FailureAbort),
		}},
	}
	d := &stubDispatcher{script: map[string]schemas.ActionFeedback{
		"a": {Status: schemas.FeedbackFailed, ErrorCode: schemas.ErrCodeStaleDOM, Message: "stale element"},
	}}

	l := newLoop(goal, p, d, b, nil)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskCompleted, status)
	assert.Equal(t, []string{"root", "a", "fix-wait", "fix-extract"}, d.dispatchedNodes())

	exec := l.Execution()
	require.NotNil(t, exec.Nodes["fix-wait"])
	assert.Equal(t, schemas.NodeFailed, exec.Nodes["a"].CurrentStatus)
	assert.Equal(t, schemas.NodeSuccess, exec.Nodes["fix-wait"].CurrentStatus)
	assert.Equal(t, schemas.NodeSuccess, exec.Nodes["fix-extract"].CurrentStatus)
	assert.Equal(t, "a", exec.Nodes["fix-wait"].ParentID)
}

func TestCorrectionBudgetForcesAbort(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)

	// Every correction produces another failing node, burning the budget.
	p := &stubPlanner{
		plan: []*schemas.ExecutionNode{
			planNode("root", "", "navigate_to", 1, schemas.FailureReEvaluate),
			planNode("bad0", "root", "extract_data", 1, schemas.FailureReEvaluate),
		},
		corrections: [][]*schemas.ExecutionNode{
			{planNode("bad1", "", "extract_data", 1, schemas.FailureReEvaluate)},
			{planNode("bad2", "", "extract_data", 1, schemas.FailureReEvaluate)},
			{planNode("bad3", "", "extract_data", 1, schemas.FailureReEvaluate)},
		},
	}
	fail := schemas.ActionFeedback{Status: schemas.FeedbackFailed, ErrorCode: schemas.ErrCodeStaleDOM, Message: "nope"}
	d := &stubDispatcher{script: map[string]schemas.ActionFeedback{
		"bad0": fail, "bad1": fail, "bad2": fail, "bad3": fail,
	}}

	l := newLoop(goal, p, d, b, nil)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskFailed, status)
	// Budget of 3: bad0 triggers round 1, bad1 round 2, bad2 round 3, bad3
	// has no budget left and aborts.
	assert.Equal(t, 3, p.correctCall)
	assert.Len(t, d.dispatchedNodes(), 5)
}

func TestCancellationMidFlight(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)
	rec := watchEvents(t, b, goal.TaskUUID)

	plan := []*schemas.ExecutionNode{planNode("n1", "", "navigate_to", 1, schemas.FailureReEvaluate)}
	for i := 2; i <= 5; i++ {
		plan = append(plan, planNode(fmt.Sprintf("n%d", i), fmt.Sprintf("n%d", i-1), "wait", 1, schemas.FailureReEvaluate))
	}
	p := &stubPlanner{plan: plan}

	var l *Loop
	d := &stubDispatcher{}
	d.onNodeFn = func(nodeID string) {
		if nodeID == "n2" {
			l.Cancel()
		}
	}
	l = newLoop(goal, p, d, b, nil)

	status := l.Run(context.Background())
	assert.Equal(t, schemas.TaskCancelled, status)
	// n2 completes its attempt; nothing enters RUNNING afterwards.
	assert.Equal(t, []string{"n1", "n2"}, d.dispatchedNodes())

	time.Sleep(50 * time.Millisecond)
	terminalTasks := 0
	for _, ev := range rec.all() {
		if ev.Type == schemas.EventTaskUpdate && ev.Terminal {
			terminalTasks++
			assert.Equal(t, schemas.TaskCancelled, ev.Task.Status)
		}
	}
	assert.Equal(t, 1, terminalTasks)
}

func TestHangingToolsStayWithinWallClockBound(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(5)

	p := &stubPlanner{plan: []*schemas.ExecutionNode{
		planNode("n1", "", "navigate_to", 1, schemas.FailureSkip),
		planNode("n2", "n1", "wait", 1, schemas.FailureSkip),
	}}
	// Each tool reports a timeout after a short delay, in the form the
	// dispatcher produces when its per-action ceiling fires; the stub also
	// honors ctx cancellation.
	hang := schemas.ActionFeedback{Status: schemas.FeedbackTimeout, ErrorCode: schemas.ErrCodeTimeout, Message: "hung"}
	d := &stubDispatcher{
		delay:  100 * time.Millisecond,
		script: map[string]schemas.ActionFeedback{"n1": hang, "n2": hang},
	}

	l := newLoop(goal, p, d, b, nil)
	start := time.Now()
	status := l.Run(context.Background())
	elapsed := time.Since(start)

	assert.Equal(t, schemas.TaskFailed, status)
	assert.Less(t, elapsed, 15*time.Second, "loop must terminate within wall-clock bound plus grace")

	exec := l.Execution()
	assert.Equal(t, schemas.NodeFailed, exec.Nodes["n1"].CurrentStatus)
	// n2 was skipped by n1's policy before it could run.
	assert.Equal(t, schemas.NodeSkipped, exec.Nodes["n2"].CurrentStatus)
}

func TestWallClockExceededFailsTask(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)
	rec := watchEvents(t, b, goal.TaskUUID)

	// An already-expired task deadline collapses the wall-clock budget, so
	// the first scheduling pass after planning trips the bound.
	past := time.Now().Add(-time.Minute).UTC()
	goal.TaskDeadlineUTC = &past

	p := &stubPlanner{plan: []*schemas.ExecutionNode{
		planNode("n1", "", "navigate_to", 1, schemas.FailureReEvaluate),
	}}
	d := &stubDispatcher{}

	l := newLoop(goal, p, d, b, nil)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskFailed, status)
	assert.Empty(t, d.dispatchedNodes(), "no node may run past the wall clock")

	time.Sleep(50 * time.Millisecond)
	found := false
	for _, ev := range rec.all() {
		if ev.Type == schemas.EventLog && ev.Log.Severity == schemas.LogError &&
			strings.Contains(ev.Log.Message, schemas.ErrCodeWallClock) {
			found = true
		}
	}
	assert.True(t, found, "a log entry must carry %s", schemas.ErrCodeWallClock)
}

func TestRetryOnlyPolicyEndsTask(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)

	p := &stubPlanner{plan: []*schemas.ExecutionNode{
		planNode("n1", "", "navigate_to", 1, schemas.FailureRetryOnly),
		planNode("n2", "n1", "wait", 1, schemas.FailureReEvaluate),
	}}
	d := &stubDispatcher{script: map[string]schemas.ActionFeedback{
		"n1": {Status: schemas.FeedbackFailed, ErrorCode: schemas.ErrCodeNet, Message: "down"},
	}}

	l := newLoop(goal, p, d, b, nil)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskFailed, status)
	assert.Equal(t, []string{"n1"}, d.dispatchedNodes())
}

func TestAbortOnRootFailsTask(t *testing.T) {
	b := bus.New(zap.NewNop())
	defer b.Close()
	goal := loopGoal(60)

	p := &stubPlanner{plan: []*schemas.ExecutionNode{
		planNode("n1", "", "navigate_to", 1, schemas.FailureAbort),
		planNode("n2", "n1", "wait", 1, schemas.FailureReEvaluate),
	}}
	d := &stubDispatcher{script: map[string]schemas.ActionFeedback{
		"n1": {Status: schemas.FeedbackFailed, ErrorCode: schemas.ErrCodeNet, Message: "unreachable"},
	}}

	l := newLoop(goal, p, d, b, nil)
	status := l.Run(context.Background())

	assert.Equal(t, schemas.TaskFailed, status)
	exec := l.Execution()
	assert.Equal(t, schemas.NodeFailed, exec.Nodes["n1"].CurrentStatus)
	assert.Equal(t, schemas.NodePruned, exec.Nodes["n2"].CurrentStatus)
}
