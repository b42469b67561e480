package schemas

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGoal() *TaskGoal {
	return &TaskGoal{
		TaskUUID:                "TASK-abcd1234",
		TargetDescription:       "extract the top headlines",
		MaxExecutionTimeSeconds: 60,
		CurrentAgentPersona:     "standard_user",
		ExecutionEnvironment:    "desktop_chrome",
		AllowedActions:          []string{"navigate_to", "extract_data", "take_screenshot"},
		PriorityLevel:           5,
	}
}

func validAction() DecisionAction {
	return DecisionAction{
		ToolName:                "navigate_to",
		ToolArgs:                map[string]any{"url": "https://example.com"},
		MaxAttempts:             2,
		ExecutionTimeoutSeconds: 15,
		Reasoning:               "open the page",
		ConfidenceScore:         0.9,
		ExpectedOutcome:         "page loaded",
		OnFailureAction:         FailureReEvaluate,
	}
}

func TestValidateGoal(t *testing.T) {
	require.NoError(t, ValidateGoal(validGoal()))

	tests := []struct {
		name   string
		mutate func(*TaskGoal)
	}{
		{"empty tool list", func(g *TaskGoal) { g.AllowedActions = nil }},
		{"duplicate tools", func(g *TaskGoal) { g.AllowedActions = []string{"wait", "wait"} }},
		{"zero step budget", func(g *TaskGoal) { g.MaxExecutionTimeSeconds = 0 }},
		{"priority out of range", func(g *TaskGoal) { g.PriorityLevel = 11 }},
		{"missing description", func(g *TaskGoal) { g.TargetDescription = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			goal := validGoal()
			tt.mutate(goal)
			err := ValidateGoal(goal)
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateAction(t *testing.T) {
	goal := validGoal()
	require.NoError(t, ValidateAction(ptr(validAction()), goal))

	tests := []struct {
		name   string
		mutate func(*DecisionAction)
	}{
		{"tool not allowed", func(a *DecisionAction) { a.ToolName = "rm_rf" }},
		{"confidence above one", func(a *DecisionAction) { a.ConfidenceScore = 1.2 }},
		{"non-positive timeout", func(a *DecisionAction) { a.ExecutionTimeoutSeconds = 0 }},
		{"too many attempts", func(a *DecisionAction) { a.MaxAttempts = 6 }},
		{"unknown policy", func(a *DecisionAction) { a.OnFailureAction = "EXPLODE" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := validAction()
			tt.mutate(&action)
			err := ValidateAction(&action, goal)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.FieldPath, "action.")
		})
	}
}

func ptr(a DecisionAction) *DecisionAction { return &a }

func TestValidateNode(t *testing.T) {
	goal := validGoal()
	node := &ExecutionNode{NodeID: "n1", Action: validAction(), CurrentStatus: NodePending}
	require.NoError(t, ValidateNode(node, goal))

	noID := &ExecutionNode{Action: validAction()}
	assert.Error(t, ValidateNode(noID, goal))

	badStatus := &ExecutionNode{NodeID: "n1", Action: validAction(), CurrentStatus: "LIMBO"}
	assert.Error(t, ValidateNode(badStatus, goal))

	badTool := &ExecutionNode{NodeID: "n1", Action: validAction()}
	badTool.Action.ToolName = "unknown_tool"
	err := ValidateNode(badTool, goal)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "node.action.tool_name", verr.FieldPath)
}

func TestTemplateRefs(t *testing.T) {
	refs := TemplateRefs("prefix ${n1.resolved_output} mid ${step-2.output} end")
	require.Len(t, refs, 2)
	assert.Equal(t, "n1", refs[0].NodeID)
	assert.Equal(t, "resolved_output", refs[0].Field)
	assert.Equal(t, "step-2", refs[1].NodeID)
	assert.Equal(t, "output", refs[1].Field)

	assert.Nil(t, TemplateRefs("no refs here"))
	assert.Nil(t, TemplateRefs("${malformed"))
}

func TestExecutionRoundTrip(t *testing.T) {
	output := "https://example.com"
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)
	exec := &TaskExecution{
		TaskID: "TASK-abcd1234",
		Goal:   *validGoal(),
		Nodes: map[string]*ExecutionNode{
			"n1": {
				NodeID:                 "n1",
				ChildIDs:               []string{"n2"},
				ExecutionOrderPriority: 1,
				Action:                 validAction(),
				CurrentStatus:          NodeSuccess,
				RequiredPrecondition:   "True",
				ExpectedCostUnits:      1,
				ResolvedOutput:         &output,
				LastObservation: &WebObservation{
					ObservationTimestampUTC: "2025-06-01T12:00:05Z",
					CurrentURL:              "https://example.com",
					HTTPStatusCode:          200,
					KeyElements: []KeyElement{{
						ElementID: "q", TagName: "input", XPath: `//*[@id="q"]`,
						IsVisible: true, IsClickable: true,
						BBox: BoundingBox{XMin: 1, YMin: 2, XMax: 3, YMax: 4},
					}},
					LastActionFeedback:  &ActionFeedback{Status: FeedbackSuccess, ErrorCode: "0", Message: "ok"},
					MemoryContext:       "navigated",
					BrowserHealthStatus: "healthy",
				},
			},
			"n2": {
				NodeID:                 "n2",
				ParentID:               "n1",
				ExecutionOrderPriority: 1,
				Action:                 validAction(),
				CurrentStatus:          NodePending,
				RequiredPrecondition:   "${n1.resolved_output} != ''",
			},
		},
		RootNodeID: "n1",
		Status:     TaskRunning,
		StartTime:  &start,
		EndTime:    &end,
	}

	raw, err := json.Marshal(exec)
	require.NoError(t, err)

	var decoded TaskExecution
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, exec, &decoded)
}

func TestCloneIsDeep(t *testing.T) {
	output := "x"
	node := &ExecutionNode{
		NodeID:         "n1",
		ChildIDs:       []string{"n2"},
		Action:         validAction(),
		ResolvedOutput: &output,
	}
	clone := node.Clone()
	clone.ChildIDs[0] = "mutated"
	clone.Action.ToolArgs["url"] = "mutated"
	*clone.ResolvedOutput = "mutated"

	assert.Equal(t, "n2", node.ChildIDs[0])
	assert.Equal(t, "https://example.com", node.Action.ToolArgs["url"])
	assert.Equal(t, "x", *node.ResolvedOutput)
}

func TestStatusTerminality(t *testing.T) {
	assert.True(t, NodeSuccess.Terminal())
	assert.True(t, NodePruned.Terminal())
	assert.False(t, NodeRunning.Terminal())
	assert.False(t, NodePending.Terminal())

	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskRunning.Terminal())
}
