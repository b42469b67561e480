// Package planner turns a task goal plus the latest observation into a list
// of validated execution nodes by prompting the language model with the node
// JSON schema. The model only ever produces plan fragments; it never drives
// control flow.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/config"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
	"github.com/likeaw/ai-web-agent-industrial/internal/llmclient"
)

// ErrPlanner is the terminal planning failure: the model could not produce a
// valid plan even after the clarification retry.
var ErrPlanner = errors.New("planner failed to produce a valid plan")

// FailureRecord summarizes one failed node so later planning rounds can avoid
// repeating the same mistake.
type FailureRecord struct {
	NodeID       string `json:"node_id"`
	ToolName     string `json:"tool_name"`
	ErrorMessage string `json:"error_message"`
	Reasoning    string `json:"reasoning"`
}

// Context is the rolling planning context owned by the decision loop.
type Context struct {
	MemoryContext  string
	FailureHistory []FailureRecord
}

// Planner mediates between the decision loop and the language model.
type Planner struct {
	client      llmclient.Client
	registry    *dispatch.Registry
	logger      *zap.Logger
	temperature float32
	callTimeout time.Duration
}

// New creates a planner over the given model client and tool registry.
func New(client llmclient.Client, registry *dispatch.Registry, cfg config.AgentConfig, logger *zap.Logger) *Planner {
	return &Planner{
		client:      client,
		registry:    registry,
		logger:      logger.Named("planner"),
		temperature: cfg.LLM.Temperature,
		callTimeout: cfg.LLM.APITimeout,
	}
}

// planEnvelope is the required response contract.
type planEnvelope struct {
	ExecutionPlan []*schemas.ExecutionNode `json:"execution_plan"`
}

// Plan produces the initial plan for a goal. Nodes without a parent_id (other
// than the first, which becomes the root) are attached under the root.
func (p *Planner) Plan(ctx context.Context, goal *schemas.TaskGoal, obs *schemas.WebObservation, pctx *Context) ([]*schemas.ExecutionNode, error) {
	system := p.buildSystemPrompt(goal)
	user := p.buildPlanningPrompt(goal, obs, pctx)

	nodes, err := p.generate(ctx, goal, system, user)
	if err != nil {
		return nil, err
	}

	// The first node anchors the plan; later orphans hang under it.
	nodes[0].ParentID = ""
	rootID := nodes[0].NodeID
	for _, n := range nodes[1:] {
		if n.ParentID == "" {
			n.ParentID = rootID
		}
	}
	return nodes, nil
}

// Correct produces a short corrective subplan for a failed node. Parent
// assignment is left to the graph's grafting logic.
func (p *Planner) Correct(ctx context.Context, goal *schemas.TaskGoal, obs *schemas.WebObservation, failed *schemas.ExecutionNode, pctx *Context) ([]*schemas.ExecutionNode, error) {
	system := p.buildSystemPrompt(goal)
	user := p.buildCorrectionPrompt(goal, obs, failed, pctx)
	return p.generate(ctx, goal, system, user)
}

// generate runs one model call and validates the result. A single retry with
// a clarification is allowed; after that the planner gives up.
func (p *Planner) generate(ctx context.Context, goal *schemas.TaskGoal, system, user string) ([]*schemas.ExecutionNode, error) {
	prompt := user
	var lastErr error

	for round := 0; round < 2; round++ {
		callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
		response, err := p.client.GenerateResponse(callCtx, llmclient.GenerationRequest{
			SystemPrompt: system,
			UserPrompt:   prompt,
			Options: llmclient.GenerationOptions{
				Temperature:     p.temperature,
				ForceJSONFormat: true,
			},
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: model call failed: %v", ErrPlanner, err)
		}

		nodes, err := p.parseAndValidate(response, goal)
		if err == nil {
			p.logger.Info("Plan generated",
				zap.String("task_id", goal.TaskUUID),
				zap.Int("nodes", len(nodes)),
				zap.Int("round", round+1),
			)
			return nodes, nil
		}

		lastErr = err
		p.logger.Warn("Plan failed validation, requesting correction from model",
			zap.String("task_id", goal.TaskUUID),
			zap.Error(err),
		)
		prompt = user + "\n\n" + clarification(err)
	}

	return nil, fmt.Errorf("%w: %v", ErrPlanner, lastErr)
}

// clarification phrases a validation failure for the retry prompt.
func clarification(err error) string {
	var verr *schemas.ValidationError
	if errors.As(err, &verr) {
		return fmt.Sprintf("The previous response failed validation at %s: %s. Return a corrected execution_plan.", verr.FieldPath, verr.Reason)
	}
	return fmt.Sprintf("The previous response failed validation: %v. Return a corrected execution_plan.", err)
}

// parseAndValidate extracts the JSON envelope from the raw model output and
// validates every node against the schema and the goal's tool whitelist.
func (p *Planner) parseAndValidate(response string, goal *schemas.TaskGoal) ([]*schemas.ExecutionNode, error) {
	raw := extractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("could not find any JSON object in the model response")
	}

	var envelope planEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution_plan envelope: %w", err)
	}
	if len(envelope.ExecutionPlan) == 0 {
		return nil, fmt.Errorf("model returned an empty execution_plan")
	}

	seen := make(map[string]struct{}, len(envelope.ExecutionPlan))
	for i, node := range envelope.ExecutionPlan {
		applyNodeDefaults(node)
		if err := schemas.ValidateNode(node, goal); err != nil {
			return nil, fmt.Errorf("execution_plan[%d]: %w", i, err)
		}
		if _, dup := seen[node.NodeID]; dup {
			return nil, &schemas.ValidationError{
				FieldPath: fmt.Sprintf("execution_plan[%d].node_id", i),
				Reason:    fmt.Sprintf("duplicate node id %q", node.NodeID),
			}
		}
		seen[node.NodeID] = struct{}{}
	}
	return envelope.ExecutionPlan, nil
}

// applyNodeDefaults fills the optional fields the model is allowed to omit.
func applyNodeDefaults(node *schemas.ExecutionNode) {
	node.CurrentStatus = schemas.NodePending
	if node.ExecutionOrderPriority == 0 {
		node.ExecutionOrderPriority = 1
	}
	if node.Action.MaxAttempts == 0 {
		node.Action.MaxAttempts = 1
	}
	if node.Action.ExecutionTimeoutSeconds == 0 {
		node.Action.ExecutionTimeoutSeconds = 10
	}
	if node.Action.OnFailureAction == "" {
		node.Action.OnFailureAction = schemas.FailureReEvaluate
	}
	if node.Action.ToolArgs == nil {
		node.Action.ToolArgs = map[string]any{}
	}
	if node.RequiredPrecondition == "" {
		node.RequiredPrecondition = "True"
	}
	if node.ExpectedCostUnits == 0 {
		node.ExpectedCostUnits = 1
	}
}

// extractJSON pulls the outermost JSON object out of a possibly chatty model
// response (markdown fences and all).
func extractJSON(response string) string {
	s := strings.TrimSpace(response)
	if idx := strings.Index(s, "```json"); idx >= 0 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	} else if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
	}
	first := strings.Index(s, "{")
	last := strings.LastIndex(s, "}")
	if first == -1 || last == -1 || last <= first {
		return ""
	}
	return s[first : last+1]
}
