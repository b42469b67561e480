package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// Context is the per-task execution context handed into every dispatch. It
// carries the lookup for prior nodes' resolved outputs and the cooperative
// cancellation probe checked between retries.
type Context struct {
	TaskID string
	// Lookup resolves a node id to its current state, or nil.
	Lookup func(nodeID string) *schemas.ExecutionNode
	// Cancelled reports whether the task has been asked to stop.
	Cancelled func() bool
}

func (c *Context) cancelled() bool {
	return c != nil && c.Cancelled != nil && c.Cancelled()
}

// Dispatcher performs one synchronous tool call per Dispatch invocation. It is
// stateless between calls; tool-side session state lives in the tools.
type Dispatcher struct {
	registry *Registry
	logger   *zap.Logger

	// backoffBase is the first retry delay; doubled per attempt, capped at
	// backoffCap. Overridable in tests.
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewDispatcher creates a dispatcher over the given tool registry.
func NewDispatcher(registry *Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:    registry,
		logger:      logger.Named("dispatcher"),
		backoffBase: 250 * time.Millisecond,
		backoffCap:  4 * time.Second,
	}
}

// Dispatch executes the action's tool with its arguments. Permanent argument
// or lookup failures return immediately; transient tool failures are retried
// up to the action's max_attempts with exponential backoff, all under the
// action's execution timeout as a hard ceiling. A fresh observation is
// produced for every attempt; the last one is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, action schemas.DecisionAction, dctx *Context) (*schemas.WebObservation, schemas.ActionFeedback) {
	tool, ok := d.registry.Get(action.ToolName)
	if !ok {
		fb := schemas.ActionFeedback{
			Status:    schemas.FeedbackFailed,
			ErrorCode: schemas.ErrCodeToolUnknown,
			Message:   fmt.Sprintf("no tool registered under name %q", action.ToolName),
		}
		return syntheticObservation(fb), fb
	}

	resolvedArgs, err := d.resolveArgs(action.ToolArgs, dctx)
	if err != nil {
		fb := schemas.ActionFeedback{
			Status:    schemas.FeedbackFailed,
			ErrorCode: schemas.ErrCodeUnresolvedRef,
			Message:   err.Error(),
		}
		return syntheticObservation(fb), fb
	}

	if err := validateArgs(tool.Args(), resolvedArgs); err != nil {
		fb := schemas.ActionFeedback{
			Status:    schemas.FeedbackFailed,
			ErrorCode: schemas.ErrCodeBadArg,
			Message:   fmt.Sprintf("invalid arguments for %s: %v", action.ToolName, err),
		}
		return syntheticObservation(fb), fb
	}

	timeout := time.Duration(action.ExecutionTimeoutSeconds) * time.Second
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.backoffBase
	bo.Multiplier = 2
	bo.MaxInterval = d.backoffCap
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := action.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		observation *schemas.WebObservation
		feedback    schemas.ActionFeedback
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		observation, feedback = tool.Invoke(actionCtx, resolvedArgs)

		if actionCtx.Err() != nil {
			feedback = schemas.ActionFeedback{
				Status:    schemas.FeedbackTimeout,
				ErrorCode: schemas.ErrCodeTimeout,
				Message:   fmt.Sprintf("tool %s exceeded its %s execution timeout", action.ToolName, timeout),
			}
			if observation == nil {
				observation = syntheticObservation(feedback)
			} else {
				observation.LastActionFeedback = &feedback
			}
			return observation, feedback
		}
		if observation == nil {
			observation = syntheticObservation(feedback)
		}

		if feedback.Status == schemas.FeedbackSuccess {
			break
		}
		if !schemas.IsTransientError(feedback.ErrorCode) || attempt == attempts {
			d.logger.Debug("Tool attempt failed, not retrying",
				zap.String("tool", action.ToolName),
				zap.Int("attempt", attempt),
				zap.String("error_code", feedback.ErrorCode),
			)
			return observation, feedback
		}
		if dctx.cancelled() {
			return observation, feedback
		}

		delay := bo.NextBackOff()
		d.logger.Debug("Transient tool failure, backing off",
			zap.String("tool", action.ToolName),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("error_code", feedback.ErrorCode),
		)
		select {
		case <-time.After(delay):
		case <-actionCtx.Done():
			feedback = schemas.ActionFeedback{
				Status:    schemas.FeedbackTimeout,
				ErrorCode: schemas.ErrCodeTimeout,
				Message:   fmt.Sprintf("tool %s exceeded its %s execution timeout during backoff", action.ToolName, timeout),
			}
			observation.LastActionFeedback = &feedback
			return observation, feedback
		}
	}

	// Post-action wait shares the action's remaining timeout budget.
	if feedback.Status == schemas.FeedbackSuccess && action.WaitForConditionAfter != "" {
		if waiter, ok := tool.(ConditionWaiter); ok {
			if err := waiter.WaitCondition(actionCtx, action.WaitForConditionAfter); err != nil {
				feedback = schemas.ActionFeedback{
					Status:    schemas.FeedbackTimeout,
					ErrorCode: schemas.ErrCodeTimeout,
					Message:   fmt.Sprintf("wait condition %q not met: %v", action.WaitForConditionAfter, err),
				}
				observation.LastActionFeedback = &feedback
			}
		}
	}

	return observation, feedback
}

// resolveArgs substitutes ${node_id.field} references in string argument
// values with the source node's resolved output. A reference to a node that is
// not yet successful, or that captured no output, fails the dispatch.
func (d *Dispatcher) resolveArgs(args map[string]any, dctx *Context) (map[string]any, error) {
	resolved := make(map[string]any, len(args))
	for key, value := range args {
		str, isString := value.(string)
		if !isString {
			resolved[key] = value
			continue
		}
		refs := schemas.TemplateRefs(str)
		if len(refs) == 0 {
			resolved[key] = value
			continue
		}
		for _, ref := range refs {
			var source *schemas.ExecutionNode
			if dctx != nil && dctx.Lookup != nil {
				source = dctx.Lookup(ref.NodeID)
			}
			if source == nil {
				return nil, fmt.Errorf("argument %q references unknown node %q", key, ref.NodeID)
			}
			if source.CurrentStatus != schemas.NodeSuccess {
				return nil, fmt.Errorf("argument %q references node %q which is %s, not SUCCESS", key, ref.NodeID, source.CurrentStatus)
			}
			if source.ResolvedOutput == nil {
				return nil, fmt.Errorf("argument %q references node %q which captured no output", key, ref.NodeID)
			}
			str = strings.ReplaceAll(str, ref.Raw, *source.ResolvedOutput)
		}
		resolved[key] = str
	}
	return resolved, nil
}

// syntheticObservation wraps feedback produced before (or without) any tool
// execution into a minimal observation, so every dispatch yields one.
func syntheticObservation(fb schemas.ActionFeedback) *schemas.WebObservation {
	return &schemas.WebObservation{
		ObservationTimestampUTC: time.Now().UTC().Format(time.RFC3339),
		CurrentURL:              "local://dispatcher",
		HTTPStatusCode:          0,
		KeyElements:             []schemas.KeyElement{},
		LastActionFeedback:      &fb,
		MemoryContext:           "dispatcher-level failure",
		BrowserHealthStatus:     "unknown",
	}
}
