// Package registry is the process-local mapping of task identifiers to live
// executions. It assembles the per-task collaborators (browser session handle,
// tool registry, planner, dispatcher, decision loop), spawns one worker per
// task and supports listing, lookup and cooperative cancellation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/bus"
	"github.com/likeaw/ai-web-agent-industrial/internal/config"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
	"github.com/likeaw/ai-web-agent-industrial/internal/llmclient"
	"github.com/likeaw/ai-web-agent-industrial/internal/loop"
	"github.com/likeaw/ai-web-agent-industrial/internal/metrics"
	"github.com/likeaw/ai-web-agent-industrial/internal/paths"
	"github.com/likeaw/ai-web-agent-industrial/internal/planner"
	"github.com/likeaw/ai-web-agent-industrial/internal/tools"
)

// ErrTaskNotFound is returned by lookups on unknown task ids.
var ErrTaskNotFound = errors.New("task not found")

// CDPStatus describes the availability of a task's live browser endpoint.
type CDPStatus string

const (
	CDPReady     CDPStatus = "ready"
	CDPWaiting   CDPStatus = "waiting"
	CDPCompleted CDPStatus = "completed"
)

// Options customize one task submission.
type Options struct {
	// Headless overrides the configured default when set.
	Headless *bool
	// AllowedActions overrides the configured tool whitelist when non-empty.
	AllowedActions []string
	// RequiredData carries credentials or parameters for the planner.
	RequiredData map[string]string
	// Priority is the business priority (1..10); 0 means the default of 5.
	Priority int
	// StaticPlan bypasses the language model: the given nodes are executed
	// as-is (replay mode). Self-correction is unavailable.
	StaticPlan []*schemas.ExecutionNode
}

// entry tracks one live or finished task.
type entry struct {
	loop    *loop.Loop
	handle  *tools.SessionHandle
	cancel  context.CancelFunc
	created time.Time
	done    chan struct{}
}

// Registry owns all task executions of this process.
type Registry struct {
	cfg    *config.Config
	events *bus.Bus
	logger *zap.Logger
	// newClient builds the LLM capability; swappable in tests.
	newClient func() (llmclient.Client, error)

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// New creates an empty registry.
func New(cfg *config.Config, events *bus.Bus, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		events:  events,
		logger:  logger.Named("task_registry"),
		entries: make(map[string]*entry),
	}
	r.newClient = func() (llmclient.Client, error) {
		return llmclient.NewClient(cfg.Agent.LLM, logger)
	}
	return r
}

// Create builds a goal from the description, wires up the per-task
// collaborators and spawns the decision loop worker. The returned snapshot
// has status idle or running depending on scheduling timing.
func (r *Registry) Create(description string, opts Options) (*schemas.TaskExecution, error) {
	if description == "" {
		return nil, fmt.Errorf("task description must not be empty")
	}

	goal := r.buildGoal(description, opts)

	browserCfg := r.cfg.Browser
	if opts.Headless != nil {
		browserCfg.Headless = *opts.Headless
	}

	taskLogger := r.logger.With(zap.String("task_id", goal.TaskUUID))
	handle := tools.NewSessionHandle(browserCfg, taskLogger)
	builder := paths.NewBuilder(r.cfg.Paths.ArtifactRoot)

	toolRegistry := dispatch.NewRegistry()
	tools.NewToolkit(handle, builder, browserCfg, taskLogger).RegisterAll(toolRegistry)

	var plan loop.Planner
	if len(opts.StaticPlan) > 0 {
		plan = &staticPlanner{nodes: opts.StaticPlan}
	} else {
		client, err := r.newClient()
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
		plan = planner.New(client, toolRegistry, r.cfg.Agent, taskLogger)
	}

	dispatcher := dispatch.NewDispatcher(toolRegistry, taskLogger)

	l := loop.New(goal, plan, dispatcher, r.events, taskLogger, handle.Release, loop.Options{
		CorrectionBudget: r.cfg.Agent.CorrectionBudget,
		MaxIterations:    r.cfg.Agent.MaxIterations,
		Paths:            builder,
	})

	taskCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		loop:    l,
		handle:  handle,
		cancel:  cancel,
		created: time.Now().UTC(),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.entries[goal.TaskUUID] = e
	r.mu.Unlock()

	metrics.TasksCreated.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer cancel()
		l.Run(taskCtx)
	}()

	return l.Execution(), nil
}

func (r *Registry) buildGoal(description string, opts Options) *schemas.TaskGoal {
	allowed := opts.AllowedActions
	if len(allowed) == 0 {
		allowed = append([]string{}, r.cfg.Agent.DefaultAllowedActions...)
	}
	priority := opts.Priority
	if priority < 1 || priority > 10 {
		priority = 5
	}
	return &schemas.TaskGoal{
		TaskUUID:                "TASK-" + uuid.New().String()[:8],
		TargetDescription:       description,
		MaxExecutionTimeSeconds: r.cfg.Agent.StepTimeoutSeconds,
		RequiredData:            opts.RequiredData,
		CurrentAgentPersona:     r.cfg.Agent.Persona,
		ExecutionEnvironment:    r.cfg.Agent.Environment,
		AllowedActions:          allowed,
		PriorityLevel:           priority,
	}
}

// Get returns a snapshot of one task.
func (r *Registry) Get(taskID string) (*schemas.TaskExecution, error) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e.loop.Execution(), nil
}

// List returns snapshots of all tasks, most recently started first.
func (r *Registry) List() []*schemas.TaskExecution {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.After(entries[j].created)
	})
	out := make([]*schemas.TaskExecution, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.loop.Execution())
	}
	return out
}

// Stop requests cooperative cancellation of a running task.
func (r *Registry) Stop(taskID string) error {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	e.loop.Cancel()
	r.logger.Info("Cancellation requested", zap.String("task_id", taskID))
	return nil
}

// Screenshot captures the current page of a task's live browser.
func (r *Registry) Screenshot(ctx context.Context, taskID string) ([]byte, error) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	session := e.handle.Peek()
	if session == nil {
		return nil, fmt.Errorf("task %s has no live browser session", taskID)
	}
	return session.CaptureScreenshot(ctx)
}

// CDPInfo reports the DevTools endpoint availability for a task.
func (r *Registry) CDPInfo(taskID string) (string, CDPStatus, string, error) {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return "", "", "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if e.loop.Execution().Status.Terminal() {
		return "", CDPCompleted, "task has finished; the browser session is released", nil
	}
	session := e.handle.Peek()
	if session == nil {
		return "", CDPWaiting, "browser session not started yet", nil
	}
	url := session.CDPURL()
	if url == "" {
		return "", CDPWaiting, "remote debugging is not enabled", nil
	}
	return url, CDPReady, "", nil
}

// Shutdown cancels every task and waits for the workers to drain.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, e := range r.entries {
		e.loop.Cancel()
		e.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Wait blocks until the given task's worker has finished (tests, CLI mode).
func (r *Registry) Wait(taskID string) error {
	r.mu.Lock()
	e, ok := r.entries[taskID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	<-e.done
	return nil
}

// staticPlanner replays a pre-built plan instead of calling the model.
type staticPlanner struct {
	nodes []*schemas.ExecutionNode
}

func (p *staticPlanner) Plan(context.Context, *schemas.TaskGoal, *schemas.WebObservation, *planner.Context) ([]*schemas.ExecutionNode, error) {
	out := make([]*schemas.ExecutionNode, 0, len(p.nodes))
	for _, n := range p.nodes {
		out = append(out, n.Clone())
	}
	return out, nil
}

func (p *staticPlanner) Correct(context.Context, *schemas.TaskGoal, *schemas.WebObservation, *schemas.ExecutionNode, *planner.Context) ([]*schemas.ExecutionNode, error) {
	return nil, fmt.Errorf("%w: static plans cannot self-correct", planner.ErrPlanner)
}
