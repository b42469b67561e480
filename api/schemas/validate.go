package schemas

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the shared validator instance. Struct tags carry the numeric
// bounds; the functions below add the cross-field rules tags cannot express.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidationError pins a rejection to the field that caused it, so the planner
// can echo the path back to the model in its retry clarification.
type ValidationError struct {
	FieldPath string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %s: %s", e.FieldPath, e.Reason)
}

// newFieldError translates the first validator.v10 failure into our error shape.
func newFieldError(prefix string, err error) error {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		// Namespace looks like "TaskGoal.AllowedActions"; drop the struct name.
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		return &ValidationError{
			FieldPath: prefix + path,
			Reason:    fmt.Sprintf("failed rule %q (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &ValidationError{FieldPath: prefix, Reason: err.Error()}
}

// ValidateGoal checks a TaskGoal for structural sanity.
func ValidateGoal(goal *TaskGoal) error {
	if err := validate.Struct(goal); err != nil {
		return newFieldError("goal.", err)
	}
	return nil
}

// ValidateAction checks a DecisionAction against the goal's tool whitelist.
func ValidateAction(action *DecisionAction, goal *TaskGoal) error {
	if err := validate.Struct(action); err != nil {
		return newFieldError("action.", err)
	}
	if !goal.Allows(action.ToolName) {
		return &ValidationError{
			FieldPath: "action.tool_name",
			Reason:    fmt.Sprintf("tool %q is not in the goal's allowed_actions", action.ToolName),
		}
	}
	if action.OnFailureAction != "" {
		if _, ok := ValidOnFailurePolicies[action.OnFailureAction]; !ok {
			return &ValidationError{
				FieldPath: "action.on_failure_action",
				Reason:    fmt.Sprintf("unknown policy %q", action.OnFailureAction),
			}
		}
	}
	return nil
}

// ValidateNode checks an ExecutionNode, including its embedded action, against
// the goal. Parent existence is a graph-level concern and is checked there.
func ValidateNode(node *ExecutionNode, goal *TaskGoal) error {
	if node.NodeID == "" {
		return &ValidationError{FieldPath: "node.node_id", Reason: "must not be empty"}
	}
	if node.CurrentStatus != "" {
		if _, ok := ValidNodeStatuses[node.CurrentStatus]; !ok {
			return &ValidationError{
				FieldPath: "node.current_status",
				Reason:    fmt.Sprintf("unknown status %q", node.CurrentStatus),
			}
		}
	}
	if node.ExpectedCostUnits < 0 {
		return &ValidationError{FieldPath: "node.expected_cost_units", Reason: "must be non-negative"}
	}
	if err := ValidateAction(&node.Action, goal); err != nil {
		if verr, ok := err.(*ValidationError); ok {
			return &ValidationError{FieldPath: "node." + verr.FieldPath, Reason: verr.Reason}
		}
		return err
	}
	return nil
}
