package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nodeEvent(taskID, nodeID string, status schemas.ExecutionNodeStatus, terminal bool) *schemas.Event {
	return &schemas.Event{
		Type:     schemas.EventNodeUpdate,
		TaskID:   taskID,
		Node:     &schemas.ExecutionNode{NodeID: nodeID, CurrentStatus: status},
		Terminal: terminal,
	}
}

func collect(ch <-chan *schemas.Event, n int, timeout time.Duration) []*schemas.Event {
	out := make([]*schemas.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(nodeEvent("t1", fmt.Sprintf("n%d", i), schemas.NodeRunning, false))
	}

	events := collect(ch, 5, time.Second)
	require.Len(t, events, 5)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("n%d", i), ev.Node.NodeID)
	}
}

func TestPublishIsScopedPerTask(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	ch1, cancel1 := b.Subscribe("t1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("t2")
	defer cancel2()

	b.Publish(nodeEvent("t1", "n1", schemas.NodeRunning, false))

	events := collect(ch1, 1, time.Second)
	require.Len(t, events, 1)
	assert.Empty(t, collect(ch2, 1, 50*time.Millisecond))
}

func TestOverflowDropsOldestNonTerminalForSameNode(t *testing.T) {
	b := NewWithLimit(zap.NewNop(), 3)

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	// Nobody reads yet: the pump takes the first event off the queue and
	// blocks on the channel send, so the queue can still hold `limit` more.
	b.Publish(nodeEvent("t1", "n1", schemas.NodeRunning, false))
	time.Sleep(20 * time.Millisecond)

	b.Publish(nodeEvent("t1", "n2", schemas.NodeRunning, false))
	b.Publish(nodeEvent("t1", "n3", schemas.NodeRunning, false))
	b.Publish(nodeEvent("t1", "n2", schemas.NodePending, false))
	// Queue is now full; this update for n2 displaces the stale n2 entry.
	b.Publish(nodeEvent("t1", "n2", schemas.NodeSuccess, true))

	events := collect(ch, 4, time.Second)
	require.Len(t, events, 4)

	var n2Statuses []schemas.ExecutionNodeStatus
	for _, ev := range events {
		if ev.Node.NodeID == "n2" {
			n2Statuses = append(n2Statuses, ev.Node.CurrentStatus)
		}
	}
	// The stale RUNNING update for n2 was dropped, the terminal one survived.
	assert.Equal(t, []schemas.ExecutionNodeStatus{schemas.NodePending, schemas.NodeSuccess}, n2Statuses)
	b.Close()
}

func TestTerminalEventsAreNeverDropped(t *testing.T) {
	b := NewWithLimit(zap.NewNop(), 2)

	ch, cancel := b.Subscribe("t1")
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(nodeEvent("t1", fmt.Sprintf("n%d", i), schemas.NodeSuccess, true))
	}

	events := collect(ch, 10, time.Second)
	assert.Len(t, events, 10)
	b.Close()
}

func TestCancelStopsDelivery(t *testing.T) {
	b := New(zap.NewNop())
	defer b.Close()

	ch, cancel := b.Subscribe("t1")
	cancel()

	b.Publish(nodeEvent("t1", "n1", schemas.NodeRunning, false))
	events := collect(ch, 1, 50*time.Millisecond)
	assert.Empty(t, events)
}

func TestRenderMermaidContainsNodesAndEdges(t *testing.T) {
	nodes := map[string]*schemas.ExecutionNode{
		"n1": {NodeID: "n1", ExecutionOrderPriority: 1, CurrentStatus: schemas.NodeSuccess,
			Action: schemas.DecisionAction{ToolName: "navigate_to"}},
		"n2": {NodeID: "n2", ParentID: "n1", ExecutionOrderPriority: 1, CurrentStatus: schemas.NodePending,
			Action: schemas.DecisionAction{ToolName: "take_screenshot"}},
	}

	src := RenderMermaid(nodes)
	assert.Contains(t, src, "graph TD")
	assert.Contains(t, src, "Tool: navigate_to")
	assert.Contains(t, src, "n1 -->|P1| n2")
	assert.Contains(t, src, "class n1 success;")
	assert.Contains(t, src, "class n2 pending;")

	html := RenderHTML("t1_snapshot", nodes)
	assert.Contains(t, html, "mermaid")
	assert.Contains(t, html, "t1_snapshot")
}
