package schemas

import "time"

// -- Decision Engine Schemas --

// OnFailurePolicy tells the decision loop what to do when an action has
// exhausted its attempts and still failed.
type OnFailurePolicy string

const (
	// FailureReEvaluate asks the planner for a correction subplan grafted
	// under the failed node.
	FailureReEvaluate OnFailurePolicy = "RE_EVALUATE"
	// FailureAbort prunes every descendant of the failed node.
	FailureAbort OnFailurePolicy = "ABORT"
	// FailureSkip marks every descendant of the failed node as SKIPPED.
	FailureSkip OnFailurePolicy = "SKIP"
	// FailureRetryOnly relies on the dispatcher-level retries alone; once
	// those are spent the task is over.
	FailureRetryOnly OnFailurePolicy = "RETRY_ONLY"
)

// ValidOnFailurePolicies enumerates the accepted policy tokens. The planner
// rejects anything else coming back from the model.
var ValidOnFailurePolicies = map[OnFailurePolicy]struct{}{
	FailureReEvaluate: {},
	FailureAbort:      {},
	FailureSkip:       {},
	FailureRetryOnly:  {},
}

// TaskGoal is the immutable description of one submitted task. It is built by
// the task registry from the user's request plus configuration defaults and
// is never mutated afterwards.
type TaskGoal struct {
	TaskUUID          string `json:"task_uuid" validate:"required"`
	TargetDescription string `json:"target_description" validate:"required"`

	// TaskDeadlineUTC, when set, is an absolute cutoff for the whole task.
	TaskDeadlineUTC         *time.Time `json:"task_deadline_utc,omitempty"`
	MaxExecutionTimeSeconds int        `json:"max_execution_time_seconds" validate:"gt=0"`

	// RequiredData carries credentials or parameters the planner may weave
	// into tool arguments.
	RequiredData map[string]string `json:"required_data,omitempty"`

	CurrentAgentPersona  string `json:"current_agent_persona"`
	ExecutionEnvironment string `json:"execution_environment"`

	// AllowedActions is the ordered whitelist of tool names the planner may
	// schedule. Non-empty, no duplicates.
	AllowedActions []string `json:"allowed_actions" validate:"required,min=1,unique"`

	// PriorityLevel is the business priority, 1 (highest) to 10 (lowest).
	PriorityLevel int `json:"priority_level" validate:"gte=1,lte=10"`
}

// Allows returns true when the given tool name is on the goal's whitelist.
func (g *TaskGoal) Allows(toolName string) bool {
	for _, name := range g.AllowedActions {
		if name == toolName {
			return true
		}
	}
	return false
}

// DecisionAction is a single tool invocation directive produced by the
// planner. The argument bag stays string-keyed for flexibility; the dispatcher
// validates its shape against the tool's declared argument spec before use.
type DecisionAction struct {
	ToolName string         `json:"tool_name" validate:"required"`
	ToolArgs map[string]any `json:"tool_args"`

	// Execution control.
	MaxAttempts             int    `json:"max_attempts" validate:"gte=1,lte=5"`
	ExecutionTimeoutSeconds int    `json:"execution_timeout_seconds" validate:"gt=0"`
	WaitForConditionAfter   string `json:"wait_for_condition_after,omitempty"`

	// Decision metadata straight from the model.
	Reasoning       string  `json:"reasoning"`
	ConfidenceScore float64 `json:"confidence_score" validate:"gte=0,lte=1"`
	ExpectedOutcome string  `json:"expected_outcome"`

	OnFailureAction OnFailurePolicy `json:"on_failure_action"`
}

// Clone returns a deep copy of the action, including its argument bag.
func (a *DecisionAction) Clone() DecisionAction {
	out := *a
	if a.ToolArgs != nil {
		out.ToolArgs = make(map[string]any, len(a.ToolArgs))
		for k, v := range a.ToolArgs {
			out.ToolArgs[k] = v
		}
	}
	return out
}
