package planner

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// maxElementsInPrompt caps how many harvested page elements are described to
// the model per observation.
const maxElementsInPrompt = 15

// buildSystemPrompt assembles the stable part of the conversation: the role,
// the tool catalog with per-tool parameter guides, the node schema and the
// response contract.
func (p *Planner) buildSystemPrompt(goal *schemas.TaskGoal) string {
	var b strings.Builder
	b.WriteString("You are a professional web-automation planning engine. ")
	b.WriteString("You decompose a user's goal into a tree of executable steps for a browser agent.\n\n")

	fmt.Fprintf(&b, "OBJECTIVE: %s\n", goal.TargetDescription)
	fmt.Fprintf(&b, "TASK ID: %s (priority %d, persona %q, environment %q)\n\n",
		goal.TaskUUID, goal.PriorityLevel, goal.CurrentAgentPersona, goal.ExecutionEnvironment)

	b.WriteString("AVAILABLE TOOLS (use only these):\n")
	for _, name := range goal.AllowedActions {
		guide := p.registry.GuideFor(name)
		if guide == "" {
			guide = "no parameter guide available"
		}
		fmt.Fprintf(&b, "- %s: %s\n", name, guide)
	}

	if len(goal.RequiredData) > 0 {
		b.WriteString("\nREQUIRED DATA (use these values where the plan needs them):\n")
		for key, value := range goal.RequiredData {
			fmt.Fprintf(&b, "- %s: %s\n", key, value)
		}
	}

	schemaDoc, _ := json.MarshalIndent(schemas.NodeSchema(), "", "  ")
	b.WriteString("\nEach step is an ExecutionNode matching this JSON Schema:\n")
	b.Write(schemaDoc)

	b.WriteString("\n\nRESPONSE CONTRACT: respond with a single JSON object of the form ")
	b.WriteString(`{"execution_plan": [node, node, ...]}`)
	b.WriteString(". The first node is the root of the plan. ")
	b.WriteString("Use parent_id and execution_order_priority to shape the tree; a lower priority number runs earlier. ")
	b.WriteString("String arguments may reference a prior step's result as ${node_id.resolved_output}. ")
	b.WriteString("No prose, no markdown, JSON only.")
	return b.String()
}

// buildPlanningPrompt renders the situational part for an initial plan.
func (p *Planner) buildPlanningPrompt(goal *schemas.TaskGoal, obs *schemas.WebObservation, pctx *Context) string {
	var b strings.Builder
	b.WriteString("Plan the steps to achieve the objective from the current browser state.\n\n")
	writeObservation(&b, obs)
	writeContext(&b, pctx)
	fmt.Fprintf(&b, "\nEvery step has at most %d seconds; the whole task is budgeted at %d seconds per step.\n",
		goal.MaxExecutionTimeSeconds, goal.MaxExecutionTimeSeconds)
	return b.String()
}

// buildCorrectionPrompt renders the situational part for a correction round.
func (p *Planner) buildCorrectionPrompt(goal *schemas.TaskGoal, obs *schemas.WebObservation, failed *schemas.ExecutionNode, pctx *Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ORIGINAL GOAL: %s\n", goal.TargetDescription)
	fmt.Fprintf(&b, "CONTEXT: the step %q (tool %s) FAILED.\n", failed.NodeID, failed.Action.ToolName)
	if failed.FailureReason != "" {
		fmt.Fprintf(&b, "ERROR MESSAGE: %s\n", failed.FailureReason)
	}
	if fb := lastFeedback(failed); fb != nil {
		fmt.Fprintf(&b, "LAST FEEDBACK: [%s/%s] %s\n", fb.Status, fb.ErrorCode, fb.Message)
	}
	args, _ := json.Marshal(failed.Action.ToolArgs)
	fmt.Fprintf(&b, "FAILED STEP ARGS: %s\n", args)
	b.WriteString("\nTASK: generate a short corrective plan (1-3 steps) that fixes this error and still achieves the original goal. ")
	b.WriteString("Do not repeat the exact failing call with identical arguments.\n\n")
	writeObservation(&b, obs)
	writeContext(&b, pctx)
	return b.String()
}

func lastFeedback(node *schemas.ExecutionNode) *schemas.ActionFeedback {
	if node.LastObservation == nil {
		return nil
	}
	return node.LastObservation.LastActionFeedback
}

// writeObservation summarizes the latest environment snapshot.
func writeObservation(b *strings.Builder, obs *schemas.WebObservation) {
	if obs == nil {
		b.WriteString("CURRENT STATE: no page loaded yet.\n")
		return
	}
	fmt.Fprintf(b, "CURRENT STATE: url=%s http_status=%d load_ms=%d authenticated=%v health=%s\n",
		obs.CurrentURL, obs.HTTPStatusCode, obs.PageLoadTimeMs, obs.IsAuthenticated, obs.BrowserHealthStatus)
	if fb := obs.LastActionFeedback; fb != nil {
		fmt.Fprintf(b, "LAST ACTION: [%s/%s] %s\n", fb.Status, fb.ErrorCode, fb.Message)
	}
	if len(obs.KeyElements) > 0 {
		b.WriteString("KEY ELEMENTS:\n")
		for i, el := range obs.KeyElements {
			if i >= maxElementsInPrompt {
				fmt.Fprintf(b, "... and %d more\n", len(obs.KeyElements)-maxElementsInPrompt)
				break
			}
			text := el.InnerText
			if len(text) > 80 {
				text = text[:80] + "..."
			}
			fmt.Fprintf(b, "- <%s> xpath=%s visible=%v clickable=%v text=%q\n",
				el.TagName, el.XPath, el.IsVisible, el.IsClickable, text)
		}
	}
}

// writeContext appends the rolling memory and the failure history.
func writeContext(b *strings.Builder, pctx *Context) {
	if pctx == nil {
		return
	}
	if pctx.MemoryContext != "" {
		fmt.Fprintf(b, "MEMORY: %s\n", pctx.MemoryContext)
	}
	if len(pctx.FailureHistory) > 0 {
		b.WriteString("PREVIOUSLY FAILED STEPS (do not repeat these mistakes):\n")
		for _, rec := range pctx.FailureHistory {
			fmt.Fprintf(b, "- node %s tool %s: %s\n", rec.NodeID, rec.ToolName, rec.ErrorMessage)
		}
	}
}
