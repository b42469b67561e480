// Package loop runs the decision/execution cycle of one task: initial plan,
// schedule, dispatch, observe, update, and on failure either prune or graft a
// correction subplan, until the graph has no runnable node or a terminal
// condition holds. The loop owns the graph and its browser session; planner,
// dispatcher and bus are collaborators passed in.
package loop

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
	"github.com/likeaw/ai-web-agent-industrial/internal/graph"
	"github.com/likeaw/ai-web-agent-industrial/internal/metrics"
	"github.com/likeaw/ai-web-agent-industrial/internal/paths"
	"github.com/likeaw/ai-web-agent-industrial/internal/planner"
)

// State names the loop's phase; transitions are strictly forward per cycle.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateScheduling   State = "SCHEDULING"
	StateDispatching  State = "DISPATCHING"
	StateFinalizing   State = "FINALIZING"
)

// minWallClock is the floor of the per-task wall-clock budget.
const minWallClock = 30 * time.Second

// Planner is the planning capability the loop depends on.
type Planner interface {
	Plan(ctx context.Context, goal *schemas.TaskGoal, obs *schemas.WebObservation, pctx *planner.Context) ([]*schemas.ExecutionNode, error)
	Correct(ctx context.Context, goal *schemas.TaskGoal, obs *schemas.WebObservation, failed *schemas.ExecutionNode, pctx *planner.Context) ([]*schemas.ExecutionNode, error)
}

// Dispatcher is the synchronous tool-call capability.
type Dispatcher interface {
	Dispatch(ctx context.Context, action schemas.DecisionAction, dctx *dispatch.Context) (*schemas.WebObservation, schemas.ActionFeedback)
}

// Options tune one loop instance.
type Options struct {
	// CorrectionBudget bounds self-correction rounds; exceeding it forces
	// the ABORT policy on the failing node.
	CorrectionBudget int
	// MaxIterations is the safety ceiling on dispatched nodes.
	MaxIterations int
	// Paths, when set, enables per-transition graph HTML snapshots.
	Paths *paths.Builder
}

// Loop drives one task from submission to a terminal status.
type Loop struct {
	goal       *schemas.TaskGoal
	planner    Planner
	dispatcher Dispatcher
	events     *bus.Bus
	graph      *graph.Graph
	logger     *zap.Logger
	opts       Options

	// releaseSession is invoked exactly once during finalization.
	releaseSession func()

	cancelled atomic.Bool

	// Mutable run state, owned by the loop goroutine.
	latestObs    *schemas.WebObservation
	pctx         planner.Context
	dispatched   int
	corrections  int
	wallDeadline time.Time
	failureCode  string
	lastURL      string

	// snapMu guards the cached execution snapshot read by other goroutines.
	snapMu   sync.Mutex
	snapshot *schemas.TaskExecution
}

// New creates a loop for one goal. releaseSession may be nil.
func New(
	goal *schemas.TaskGoal,
	plan Planner,
	dispatcher Dispatcher,
	events *bus.Bus,
	logger *zap.Logger,
	releaseSession func(),
	opts Options,
) *Loop {
	if opts.CorrectionBudget <= 0 {
		opts.CorrectionBudget = 3
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 50
	}
	l := &Loop{
		goal:           goal,
		planner:        plan,
		dispatcher:     dispatcher,
		events:         events,
		graph:          graph.New(logger),
		logger:         logger.Named("decision_loop").With(zap.String("task_id", goal.TaskUUID)),
		opts:           opts,
		releaseSession: releaseSession,
	}
	l.storeSnapshot(schemas.TaskIdle, nil, nil)
	return l
}

// Cancel requests cooperative cancellation. The node being dispatched (if
// any) completes its current attempt; no further node enters RUNNING.
func (l *Loop) Cancel() {
	l.cancelled.Store(true)
}

// Execution returns a snapshot of the task state, safe for concurrent use.
func (l *Loop) Execution() *schemas.TaskExecution {
	l.snapMu.Lock()
	defer l.snapMu.Unlock()
	return l.snapshot.Clone()
}

// Run executes the task to completion and returns its terminal status.
func (l *Loop) Run(ctx context.Context) schemas.TaskStatus {
	start := time.Now().UTC()
	l.setRunning(start)
	l.log(schemas.LogInfo, "", "Task started: %s", l.goal.TargetDescription)

	state := StateInitializing
	var current *schemas.ExecutionNode

	for {
		switch state {
		case StateInitializing:
			if err := l.initialize(ctx); err != nil {
				l.log(schemas.LogError, "", "Planning failed: %v", err)
				return l.finalize(start, schemas.TaskFailed)
			}
			state = StateScheduling

		case StateScheduling:
			if l.cancelled.Load() || ctx.Err() != nil {
				return l.finalize(start, schemas.TaskCancelled)
			}
			if time.Now().After(l.wallDeadline) {
				l.failureCode = schemas.ErrCodeWallClock
				l.log(schemas.LogError, "", "Wall-clock budget exhausted (%s)", schemas.ErrCodeWallClock)
				return l.finalize(start, schemas.TaskFailed)
			}
			current = l.graph.NextRunnable()
			if current == nil {
				return l.finalize(start, l.naturalStatus())
			}
			if l.dispatched >= l.opts.MaxIterations {
				l.log(schemas.LogError, "", "Safety iteration limit reached (%d)", l.opts.MaxIterations)
				return l.finalize(start, schemas.TaskFailed)
			}
			state = StateDispatching

		case StateDispatching:
			next, done := l.dispatchNode(ctx, current)
			if done {
				return l.finalize(start, next)
			}
			state = StateScheduling
		}
	}
}

// initialize asks the planner for the initial plan and populates the graph.
func (l *Loop) initialize(ctx context.Context) error {
	nodes, err := l.planner.Plan(ctx, l.goal, l.latestObs, &l.pctx)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := l.graph.AddNode(node); err != nil {
			return fmt.Errorf("plan rejected by graph: %w", err)
		}
	}
	l.recomputeWallDeadline()
	l.log(schemas.LogInfo, "", "Initial plan ready: %d nodes", l.graph.Len())
	l.publishTask(false)
	l.saveGraphSnapshot("initial_plan")
	return nil
}

// recomputeWallDeadline rebuilds the wall-clock budget from the per-step
// budget and the current node count; corrections extend it.
func (l *Loop) recomputeWallDeadline() {
	budget := time.Duration(l.goal.MaxExecutionTimeSeconds*l.graph.Len()) * time.Second
	if budget < minWallClock {
		budget = minWallClock
	}
	if deadline := l.goal.TaskDeadlineUTC; deadline != nil {
		if until := time.Until(*deadline); until < budget {
			budget = until
		}
	}
	l.wallDeadline = time.Now().Add(budget)
}

// dispatchNode runs one node through the dispatcher and applies the outcome.
// It returns (terminalStatus, true) when the loop should finalize.
func (l *Loop) dispatchNode(ctx context.Context, node *schemas.ExecutionNode) (schemas.TaskStatus, bool) {
	if err := l.graph.Mark(node.NodeID, schemas.NodeRunning); err != nil {
		l.log(schemas.LogError, node.NodeID, "Scheduling error: %v", err)
		return schemas.TaskFailed, true
	}
	l.publishNode(node.NodeID, false)
	l.dispatched++

	dispatchCtx, cancel := context.WithDeadline(ctx, l.wallDeadline)
	observation, feedback := l.dispatcher.Dispatch(dispatchCtx, node.Action, &dispatch.Context{
		TaskID:    l.goal.TaskUUID,
		Lookup:    l.graph.Get,
		Cancelled: l.cancelled.Load,
	})
	cancel()

	l.latestObs = observation
	l.updateMemory(node, feedback)
	l.publishBrowserURL(observation)

	if feedback.Status == schemas.FeedbackSuccess {
		output := projectOutput(node.Action, observation, feedback)
		if err := l.graph.Mark(node.NodeID, schemas.NodeSuccess,
			graph.WithOutput(output), graph.WithObservation(observation)); err != nil {
			l.log(schemas.LogError, node.NodeID, "State update error: %v", err)
			return schemas.TaskFailed, true
		}
		metrics.NodesExecuted.WithLabelValues(string(schemas.NodeSuccess)).Inc()
		l.publishNode(node.NodeID, true)
		l.publishTask(false)
		l.log(schemas.LogSuccess, node.NodeID, "%s succeeded", node.Action.ToolName)
		l.saveGraphSnapshot(node.NodeID)
		return "", false
	}

	return l.handleFailure(ctx, node, observation, feedback)
}

// handleFailure marks the node FAILED and applies its on-failure policy.
func (l *Loop) handleFailure(ctx context.Context, node *schemas.ExecutionNode, observation *schemas.WebObservation, feedback schemas.ActionFeedback) (schemas.TaskStatus, bool) {
	l.pctx.FailureHistory = append(l.pctx.FailureHistory, planner.FailureRecord{
		NodeID:       node.NodeID,
		ToolName:     node.Action.ToolName,
		ErrorMessage: feedback.Message,
		Reasoning:    node.Action.Reasoning,
	})
	l.failureCode = feedback.ErrorCode

	policy := node.Action.OnFailureAction
	forceAbort := policy == schemas.FailureReEvaluate && l.corrections >= l.opts.CorrectionBudget
	if forceAbort {
		// Correction budget exhausted: degrade to ABORT so the subtree
		// cannot spin forever.
		l.failureCode = schemas.ErrCodeCorrectionBudget
		node.Action.OnFailureAction = schemas.FailureAbort
		policy = schemas.FailureAbort
		l.log(schemas.LogWarning, node.NodeID, "Correction budget exhausted, aborting subtree")
	}

	if err := l.graph.Mark(node.NodeID, schemas.NodeFailed,
		graph.WithReason(feedback.Message), graph.WithObservation(observation)); err != nil {
		l.log(schemas.LogError, node.NodeID, "State update error: %v", err)
		return schemas.TaskFailed, true
	}
	metrics.NodesExecuted.WithLabelValues(string(schemas.NodeFailed)).Inc()
	l.publishNode(node.NodeID, true)
	l.publishSubtree(node.NodeID)
	l.publishTask(false)
	l.log(schemas.LogWarning, node.NodeID, "%s failed [%s]: %s", node.Action.ToolName, feedback.ErrorCode, feedback.Message)
	l.saveGraphSnapshot(node.NodeID + "_FAIL")

	switch policy {
	case schemas.FailureAbort:
		if node.NodeID == l.graph.RootID() {
			return schemas.TaskFailed, true
		}
		return "", false

	case schemas.FailureSkip:
		return "", false

	case schemas.FailureRetryOnly:
		// The dispatcher already spent the retry budget.
		return l.naturalStatus(), true

	case schemas.FailureReEvaluate:
		if l.correct(ctx, node) {
			return "", false
		}
		return schemas.TaskFailed, true

	default:
		return "", false
	}
}

// correct asks the planner for a correction subplan and grafts it under the
// failed node. Returns false when the task cannot recover.
func (l *Loop) correct(ctx context.Context, failed *schemas.ExecutionNode) bool {
	l.corrections++
	metrics.CorrectionRounds.Inc()
	l.log(schemas.LogInfo, failed.NodeID, "Requesting correction plan (round %d/%d)", l.corrections, l.opts.CorrectionBudget)

	nodes, err := l.planner.Correct(ctx, l.goal, l.latestObs, failed, &l.pctx)
	if err != nil {
		l.log(schemas.LogError, failed.NodeID, "Correction planning failed: %v", err)
		return false
	}
	if err := l.graph.InjectCorrection(failed.NodeID, nodes); err != nil {
		l.log(schemas.LogError, failed.NodeID, "Failed to graft correction subplan: %v", err)
		return false
	}
	l.recomputeWallDeadline()
	l.publishTask(false)
	l.log(schemas.LogInfo, failed.NodeID, "Injected %d correction nodes", len(nodes))
	return true
}

// naturalStatus derives the terminal status once no node is runnable: the
// task completed iff at least one node succeeded and every failure was
// recovered by a successful correction child.
func (l *Loop) naturalStatus() schemas.TaskStatus {
	nodes, _ := l.graph.Snapshot()
	anySuccess := false
	for _, n := range nodes {
		switch n.CurrentStatus {
		case schemas.NodeSuccess:
			anySuccess = true
		case schemas.NodeFailed:
			if !hasSuccessChild(nodes, n) {
				return schemas.TaskFailed
			}
		}
	}
	if !anySuccess {
		return schemas.TaskFailed
	}
	return schemas.TaskCompleted
}

func hasSuccessChild(nodes map[string]*schemas.ExecutionNode, node *schemas.ExecutionNode) bool {
	for _, cid := range node.ChildIDs {
		if child, ok := nodes[cid]; ok && child.CurrentStatus == schemas.NodeSuccess {
			return true
		}
	}
	return false
}

// finalize commits the terminal status, emits the final events, logs the
// execution summary and releases the browser session.
func (l *Loop) finalize(start time.Time, status schemas.TaskStatus) schemas.TaskStatus {
	if l.cancelled.Load() && status != schemas.TaskCompleted {
		status = schemas.TaskCancelled
	}
	end := time.Now().UTC()
	l.storeSnapshot(status, &start, &end)
	metrics.TasksFinished.WithLabelValues(string(status)).Inc()

	l.logSummary()

	severity := schemas.LogSuccess
	message := "Task completed"
	switch status {
	case schemas.TaskFailed:
		severity = schemas.LogError
		message = "Task failed"
		if l.failureCode != "" {
			message = fmt.Sprintf("Task failed [%s]", l.failureCode)
		}
	case schemas.TaskCancelled:
		severity = schemas.LogError
		message = "Task cancelled"
	}
	l.log(severity, "", "%s", message)
	l.publishTask(true)
	l.saveGraphSnapshot("final")

	if l.releaseSession != nil {
		l.releaseSession()
		l.releaseSession = nil
	}
	l.logger.Info("Decision loop finished",
		zap.String("status", string(status)),
		zap.Int("nodes_dispatched", l.dispatched),
		zap.Duration("elapsed", end.Sub(start)),
	)
	return status
}

// logSummary writes the per-node execution report.
func (l *Loop) logSummary() {
	nodes, _ := l.graph.Snapshot()
	for id, n := range nodes {
		fields := []zap.Field{
			zap.String("node_id", id),
			zap.String("tool", n.Action.ToolName),
			zap.String("status", string(n.CurrentStatus)),
		}
		if out := n.Output(); out != "" {
			fields = append(fields, zap.String("output", truncate(out, 80)))
		}
		if n.FailureReason != "" {
			fields = append(fields, zap.String("failure", truncate(n.FailureReason, 80)))
		}
		l.logger.Info("Node summary", fields...)
	}
}

// updateMemory maintains the short rolling context fed back to the planner.
func (l *Loop) updateMemory(node *schemas.ExecutionNode, fb schemas.ActionFeedback) {
	l.pctx.MemoryContext = fmt.Sprintf("last action %s on node %s finished with %s",
		node.Action.ToolName, node.NodeID, fb.Status)
}

// projectOutput derives the resolved output from a successful dispatch, using
// the per-tool convention: data-producing tools yield their payload, page
// interactions yield the post-action URL.
func projectOutput(action schemas.DecisionAction, obs *schemas.WebObservation, fb schemas.ActionFeedback) string {
	switch action.ToolName {
	case "extract_data", "take_screenshot", "find_link_by_text", "get_element_attribute", "open_notepad":
		return fb.Message
	default:
		if obs != nil && obs.CurrentURL != "" {
			return obs.CurrentURL
		}
		return fb.Message
	}
}

// -- Snapshots and events --

func (l *Loop) setRunning(start time.Time) {
	l.storeSnapshot(schemas.TaskRunning, &start, nil)
	l.publishTask(false)
}

func (l *Loop) storeSnapshot(status schemas.TaskStatus, start, end *time.Time) {
	nodes, rootID := l.graph.Snapshot()
	exec := &schemas.TaskExecution{
		TaskID:     l.goal.TaskUUID,
		Goal:       *l.goal,
		Nodes:      nodes,
		RootNodeID: rootID,
		Status:     status,
	}
	l.snapMu.Lock()
	if l.snapshot != nil {
		exec.StartTime = l.snapshot.StartTime
		exec.EndTime = l.snapshot.EndTime
	}
	if start != nil {
		exec.StartTime = start
	}
	if end != nil {
		exec.EndTime = end
	}
	l.snapshot = exec
	l.snapMu.Unlock()
}

// refreshSnapshot re-snapshots the graph, keeping status and timestamps.
func (l *Loop) refreshSnapshot() *schemas.TaskExecution {
	l.snapMu.Lock()
	status := l.snapshot.Status
	start, end := l.snapshot.StartTime, l.snapshot.EndTime
	l.snapMu.Unlock()
	l.storeSnapshot(status, start, end)
	return l.Execution()
}

func (l *Loop) publishTask(terminal bool) {
	l.events.Publish(&schemas.Event{
		Type:     schemas.EventTaskUpdate,
		TaskID:   l.goal.TaskUUID,
		Task:     l.refreshSnapshot(),
		Terminal: terminal,
	})
}

func (l *Loop) publishNode(nodeID string, terminal bool) {
	node := l.graph.Get(nodeID)
	if node == nil {
		return
	}
	l.events.Publish(&schemas.Event{
		Type:     schemas.EventNodeUpdate,
		TaskID:   l.goal.TaskUUID,
		Node:     node.Clone(),
		Terminal: terminal,
	})
}

// publishSubtree emits terminal node updates for descendants that were pruned
// or skipped as a policy side effect.
func (l *Loop) publishSubtree(rootID string) {
	for _, child := range l.graph.Children(rootID) {
		if child.CurrentStatus == schemas.NodePruned || child.CurrentStatus == schemas.NodeSkipped {
			l.events.Publish(&schemas.Event{
				Type:     schemas.EventNodeUpdate,
				TaskID:   l.goal.TaskUUID,
				Node:     child.Clone(),
				Terminal: true,
			})
		}
		l.publishSubtree(child.NodeID)
	}
}

func (l *Loop) publishBrowserURL(obs *schemas.WebObservation) {
	if obs == nil || obs.CurrentURL == "" || obs.CurrentURL == l.lastURL {
		return
	}
	l.lastURL = obs.CurrentURL
	l.events.Publish(&schemas.Event{
		Type:   schemas.EventBrowserURL,
		TaskID: l.goal.TaskUUID,
		URL:    obs.CurrentURL,
	})
}

func (l *Loop) log(severity schemas.LogSeverity, nodeID, format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	entry := &schemas.LogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Severity:  severity,
		Message:   message,
		NodeID:    nodeID,
	}
	l.events.Publish(&schemas.Event{
		Type:   schemas.EventLog,
		TaskID: l.goal.TaskUUID,
		Log:    entry,
	})
	switch severity {
	case schemas.LogError:
		l.logger.Error(message, zap.String("node_id", nodeID))
	case schemas.LogWarning:
		l.logger.Warn(message, zap.String("node_id", nodeID))
	default:
		l.logger.Info(message, zap.String("node_id", nodeID))
	}
}

// saveGraphSnapshot writes the visualization HTML for audit, when enabled.
func (l *Loop) saveGraphSnapshot(label string) {
	if l.opts.Paths == nil {
		return
	}
	nodes, _ := l.graph.Snapshot()
	path, err := l.opts.Paths.GraphSnapshotPath(l.goal.TaskUUID, l.dispatched, label)
	if err != nil {
		l.logger.Warn("Visualization path failed", zap.Error(err))
		return
	}
	html := bus.RenderHTML(fmt.Sprintf("%s step %d", l.goal.TaskUUID, l.dispatched), nodes)
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		l.logger.Warn("Visualization write failed", zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
