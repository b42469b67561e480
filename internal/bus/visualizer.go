package bus

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

// htmlTemplate wraps the generated Mermaid source into a standalone page.
const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8" />
    <title>Agent Execution Graph: %s</title>
    <script src="https://cdn.jsdelivr.net/npm/mermaid@10/dist/mermaid.min.js"></script>
    <style>
        body { font-family: sans-serif; padding: 20px; }
        h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
        .mermaid { width: 100%%; height: auto; border: 1px solid #ddd; padding: 10px; box-sizing: border-box; }
        .node.success rect { fill: #90EE90; stroke: #3C3; stroke-width: 2px; }
        .node.running rect { fill: yellow; stroke: #FF0; stroke-width: 2px; }
        .node.failed rect { fill: #FA8072; stroke: #F00; stroke-width: 2px; }
        .node.pending rect { fill: lightblue; stroke: #39F; stroke-width: 2px; }
        .node.pruned rect { fill: grey; stroke: #666; stroke-width: 2px; }
        .node.skipped rect { fill: #ddd; stroke: #999; stroke-width: 2px; }
    </style>
</head>
<body>
    <h1>Agent Execution Graph Snapshot: %s</h1>
    <p>Timestamp: %s</p>
    <pre class="mermaid">
%s
    </pre>
    <script>
        mermaid.initialize({ startOnLoad: true, theme: 'default' });
    </script>
</body>
</html>
`

// RenderMermaid converts a graph snapshot into Mermaid "graph TD" source:
// nodes keyed by id, edges parent to child, labels carrying the tool name,
// CSS class carrying the status. It is a pure function of the snapshot.
func RenderMermaid(nodes map[string]*schemas.ExecutionNode) string {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString("graph TD\n")
	for _, id := range ids {
		n := nodes[id]
		label := fmt.Sprintf("ID: %s<br/>P: %d<br/>Tool: %s<br/>Status: %s",
			n.NodeID, n.ExecutionOrderPriority, n.Action.ToolName, n.CurrentStatus)
		fmt.Fprintf(&b, "    %s[\"%s\"]\n", n.NodeID, label)
	}
	for _, id := range ids {
		n := nodes[id]
		if n.ParentID == "" {
			continue
		}
		if _, ok := nodes[n.ParentID]; !ok {
			continue
		}
		fmt.Fprintf(&b, "    %s -->|P%d| %s\n", n.ParentID, n.ExecutionOrderPriority, n.NodeID)
	}
	for _, id := range ids {
		fmt.Fprintf(&b, "    class %s %s;\n", id, strings.ToLower(string(nodes[id].CurrentStatus)))
	}
	return b.String()
}

// RenderHTML wraps the Mermaid source of a snapshot into a standalone HTML
// document, the per-transition audit artifact written under logs/graphs.
func RenderHTML(title string, nodes map[string]*schemas.ExecutionNode) string {
	stamp := time.Now().Format("2006-01-02 15:04:05")
	return fmt.Sprintf(htmlTemplate, title, title, stamp, RenderMermaid(nodes))
}
