package schemas

// NodeSchema returns the JSON Schema document for ExecutionNode. The planner
// embeds it verbatim in the system prompt so the model's plan fragments come
// back in an executable shape.
func NodeSchema() map[string]any {
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "ExecutionNode",
		"type":    "object",
		"properties": map[string]any{
			"node_id": map[string]any{
				"type":        "string",
				"description": "Unique identifier of this node within the plan.",
			},
			"parent_id": map[string]any{
				"type":        "string",
				"description": "Identifier of the parent node; omit for the root.",
			},
			"execution_order_priority": map[string]any{
				"type":        "integer",
				"description": "Sibling ordering; a lower number runs earlier.",
				"default":     1,
			},
			"action": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"tool_name": map[string]any{
						"type":        "string",
						"description": "One of the allowed tool names for this task.",
					},
					"tool_args": map[string]any{
						"type":        "object",
						"description": "Arguments for the tool. String values may reference prior outputs as ${node_id.field}.",
					},
					"max_attempts": map[string]any{
						"type": "integer", "minimum": 1, "maximum": 5, "default": 1,
					},
					"execution_timeout_seconds": map[string]any{
						"type": "integer", "minimum": 1, "default": 10,
					},
					"wait_for_condition_after": map[string]any{
						"type":        "string",
						"description": "Optional post-action wait, e.g. \"networkidle\" or \"selector:#content_left\".",
					},
					"reasoning":        map[string]any{"type": "string"},
					"confidence_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					"expected_outcome": map[string]any{"type": "string"},
					"on_failure_action": map[string]any{
						"type": "string",
						"enum": []string{
							string(FailureReEvaluate),
							string(FailureAbort),
							string(FailureSkip),
							string(FailureRetryOnly),
						},
						"default": string(FailureReEvaluate),
					},
				},
				"required": []string{"tool_name", "tool_args", "reasoning", "confidence_score", "expected_outcome"},
			},
			"required_precondition": map[string]any{
				"type":    "string",
				"default": "True",
			},
			"expected_cost_units": map[string]any{
				"type": "integer", "minimum": 0, "default": 1,
			},
		},
		"required": []string{"node_id", "action"},
	}
}
