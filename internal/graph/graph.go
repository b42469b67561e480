// Package graph owns the dynamic execution graph of one task: a forest of
// execution nodes with parent/child dependencies, priorities and runtime
// status. The graph is a single-writer structure — only the decision loop
// mutates it; every other reader works from deep-copied snapshots.
package graph

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
)

var (
	// ErrRootExists is returned when a second parentless node is added.
	ErrRootExists = errors.New("graph already has a root node")
	// ErrParentMissing is returned when a node references an unknown parent.
	ErrParentMissing = errors.New("parent node does not exist")
	// ErrDuplicateNode is returned when a node id is already taken.
	ErrDuplicateNode = errors.New("node id already exists")
	// ErrNodeNotFound is returned by lookups and mutations on unknown ids.
	ErrNodeNotFound = errors.New("node not found")
	// ErrIllegalTransition is returned by Mark for a disallowed status change.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrOutputImmutable is returned when a resolved output would be replaced.
	ErrOutputImmutable = errors.New("resolved output is immutable once set")
	// ErrBadAnchor is returned when a correction subplan is grafted under a
	// node that is neither FAILED nor SUCCESS.
	ErrBadAnchor = errors.New("correction anchor must be a FAILED or SUCCESS node")
)

// Graph is the in-memory execution tree for one task.
type Graph struct {
	logger *zap.Logger

	nodes  map[string]*schemas.ExecutionNode
	rootID string

	// seq records insertion order, the deterministic tie-break for nodes
	// sharing a priority under the same parent.
	seq     map[string]int
	nextSeq int
}

// New creates an empty graph.
func New(logger *zap.Logger) *Graph {
	return &Graph{
		logger: logger.Named("graph"),
		nodes:  make(map[string]*schemas.ExecutionNode),
		seq:    make(map[string]int),
	}
}

// Len returns the number of nodes currently in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// RootID returns the root node id, or "" while the graph is empty.
func (g *Graph) RootID() string { return g.rootID }

// AddNode inserts a node, wiring it under its parent and keeping the parent's
// child list sorted by ascending priority (insertion order on ties). A node
// without a parent becomes the root; adding a second root is an error.
func (g *Graph) AddNode(node *schemas.ExecutionNode) error {
	if node.NodeID == "" {
		return fmt.Errorf("%w: empty node id", ErrNodeNotFound)
	}
	if _, ok := g.nodes[node.NodeID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.NodeID)
	}
	if node.ParentID == "" {
		if g.rootID != "" {
			return fmt.Errorf("%w: cannot add %s as root", ErrRootExists, node.NodeID)
		}
	} else if _, ok := g.nodes[node.ParentID]; !ok {
		return fmt.Errorf("%w: %s references %s", ErrParentMissing, node.NodeID, node.ParentID)
	}

	// The graph owns the child lists; whatever the planner put there is
	// rebuilt from the actual insertions.
	node.ChildIDs = nil
	if node.CurrentStatus == "" {
		node.CurrentStatus = schemas.NodePending
	}
	if node.RequiredPrecondition == "" {
		node.RequiredPrecondition = "True"
	}

	g.nodes[node.NodeID] = node
	g.seq[node.NodeID] = g.nextSeq
	g.nextSeq++

	if node.ParentID == "" {
		g.rootID = node.NodeID
	} else {
		parent := g.nodes[node.ParentID]
		parent.ChildIDs = append(parent.ChildIDs, node.NodeID)
		g.sortChildren(parent)
	}
	return nil
}

// sortChildren keeps a child list in execution order: ascending priority,
// insertion order on ties.
func (g *Graph) sortChildren(parent *schemas.ExecutionNode) {
	sort.SliceStable(parent.ChildIDs, func(i, j int) bool {
		a, b := g.nodes[parent.ChildIDs[i]], g.nodes[parent.ChildIDs[j]]
		if a.ExecutionOrderPriority != b.ExecutionOrderPriority {
			return a.ExecutionOrderPriority < b.ExecutionOrderPriority
		}
		return g.seq[a.NodeID] < g.seq[b.NodeID]
	})
}

// Get returns the node with the given id, or nil.
func (g *Graph) Get(id string) *schemas.ExecutionNode {
	return g.nodes[id]
}

// Children returns a node's children in execution order.
func (g *Graph) Children(id string) []*schemas.ExecutionNode {
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}
	out := make([]*schemas.ExecutionNode, 0, len(node.ChildIDs))
	for _, cid := range node.ChildIDs {
		out = append(out, g.nodes[cid])
	}
	return out
}

// NextRunnable selects the next node to dispatch: a deterministic
// priority-biased depth-first walk from the root. A PENDING node is returned
// as soon as its precondition references resolve; the walk descends through
// SUCCESS nodes (normal continuation) and FAILED nodes (correction subplans)
// in child priority order, and skips PRUNED, SKIPPED and RUNNING subtrees.
// Returns nil when nothing is runnable.
func (g *Graph) NextRunnable() *schemas.ExecutionNode {
	if g.rootID == "" {
		return nil
	}
	return g.findRunnable(g.rootID)
}

func (g *Graph) findRunnable(id string) *schemas.ExecutionNode {
	node := g.nodes[id]
	switch node.CurrentStatus {
	case schemas.NodePending:
		if g.preconditionMet(node) {
			return node
		}
	case schemas.NodeSuccess, schemas.NodeFailed:
		for _, cid := range node.ChildIDs {
			if found := g.findRunnable(cid); found != nil {
				return found
			}
		}
	}
	return nil
}

// preconditionMet reports whether every ${node_id.field} reference in the
// node's required precondition resolves to a successful node with a captured
// output.
func (g *Graph) preconditionMet(node *schemas.ExecutionNode) bool {
	for _, ref := range schemas.TemplateRefs(node.RequiredPrecondition) {
		source, ok := g.nodes[ref.NodeID]
		if !ok || source.CurrentStatus != schemas.NodeSuccess || source.ResolvedOutput == nil {
			return false
		}
	}
	return true
}

// markOptions collects the optional payloads of a Mark call.
type markOptions struct {
	reason      string
	output      *string
	observation *schemas.WebObservation
}

// MarkOption customizes a Mark call.
type MarkOption func(*markOptions)

// WithReason records a failure reason on the node.
func WithReason(reason string) MarkOption {
	return func(o *markOptions) { o.reason = reason }
}

// WithOutput captures the node's resolved output (SUCCESS only).
func WithOutput(output string) MarkOption {
	return func(o *markOptions) { o.output = &output }
}

// WithObservation attaches the observation that accompanied the transition.
func WithObservation(obs *schemas.WebObservation) MarkOption {
	return func(o *markOptions) { o.observation = obs }
}

// legalTransitions is the node lifecycle: PENDING at insertion, RUNNING while
// the loop dispatches, then a terminal status. PRUNED and SKIPPED are assigned
// without passing through RUNNING.
var legalTransitions = map[schemas.ExecutionNodeStatus][]schemas.ExecutionNodeStatus{
	schemas.NodePending: {schemas.NodeRunning, schemas.NodePruned, schemas.NodeSkipped},
	schemas.NodeRunning: {schemas.NodeSuccess, schemas.NodeFailed},
}

// Mark transitions a node to a new status and applies the failure policy side
// effects: ABORT prunes the descendants, SKIP marks them SKIPPED, RE_EVALUATE
// and RETRY_ONLY leave them untouched for the loop to re-examine. Marking a
// node with its current status leaves the status unchanged; a second output
// for a node that already captured one is rejected with ErrOutputImmutable.
func (g *Graph) Mark(id string, status schemas.ExecutionNodeStatus, opts ...MarkOption) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var o markOptions
	for _, opt := range opts {
		opt(&o)
	}

	if node.CurrentStatus != status {
		if !transitionAllowed(node.CurrentStatus, status) {
			return fmt.Errorf("%w: %s -> %s on node %s", ErrIllegalTransition, node.CurrentStatus, status, id)
		}
		node.CurrentStatus = status
	}

	if o.reason != "" {
		node.FailureReason = o.reason
	}
	if o.observation != nil {
		node.LastObservation = o.observation
	}
	if o.output != nil {
		if status != schemas.NodeSuccess {
			return fmt.Errorf("output may only be captured on SUCCESS (node %s)", id)
		}
		if node.ResolvedOutput != nil {
			return fmt.Errorf("%w: node %s", ErrOutputImmutable, id)
		}
		node.ResolvedOutput = o.output
	}

	if status == schemas.NodeFailed {
		switch node.Action.OnFailureAction {
		case schemas.FailureAbort:
			g.pruneDescendants(node, fmt.Sprintf("pruned due to failure of ancestor node %s", id))
		case schemas.FailureSkip:
			g.skipDescendants(node)
		}
	}
	return nil
}

func transitionAllowed(from, to schemas.ExecutionNodeStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Prune sets a node and every descendant to PRUNED. Idempotent.
func (g *Graph) Prune(id string) error {
	node, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if node.CurrentStatus != schemas.NodePruned {
		node.CurrentStatus = schemas.NodePruned
		if node.FailureReason == "" {
			node.FailureReason = "pruned"
		}
	}
	g.pruneDescendants(node, fmt.Sprintf("pruned due to failure of ancestor node %s", id))
	return nil
}

func (g *Graph) pruneDescendants(node *schemas.ExecutionNode, reason string) {
	for _, cid := range node.ChildIDs {
		child := g.nodes[cid]
		if child.CurrentStatus != schemas.NodePruned {
			child.CurrentStatus = schemas.NodePruned
			child.FailureReason = reason
		}
		g.pruneDescendants(child, reason)
	}
}

func (g *Graph) skipDescendants(node *schemas.ExecutionNode) {
	for _, cid := range node.ChildIDs {
		child := g.nodes[cid]
		if child.CurrentStatus == schemas.NodePending {
			child.CurrentStatus = schemas.NodeSkipped
		}
		g.skipDescendants(child)
	}
}

// InjectCorrection grafts a correction subplan under a finished node. The
// injected nodes keep their internal parent links; any node without a parent
// inside the subplan is reparented onto the anchor and given a priority
// strictly lower than every still-pending sibling, so the correction runs
// before the original continuation. All injected nodes start PENDING.
func (g *Graph) InjectCorrection(afterID string, nodes []*schemas.ExecutionNode) error {
	anchor, ok := g.nodes[afterID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, afterID)
	}
	if anchor.CurrentStatus != schemas.NodeFailed && anchor.CurrentStatus != schemas.NodeSuccess {
		return fmt.Errorf("%w: %s is %s", ErrBadAnchor, afterID, anchor.CurrentStatus)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("correction subplan is empty")
	}

	// Priority for top-level grafts: strictly below the earliest pending
	// sibling already queued under the anchor.
	grafted := 0
	for _, cid := range anchor.ChildIDs {
		if g.nodes[cid].CurrentStatus == schemas.NodePending {
			grafted++
		}
	}
	topPriority := 0
	if first := g.firstPendingChildPriority(anchor); first != nil {
		topPriority = *first - 1
	}

	inPlan := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		inPlan[n.NodeID] = struct{}{}
	}

	for _, n := range nodes {
		n.CurrentStatus = schemas.NodePending
		if n.ParentID == "" {
			n.ParentID = afterID
		} else if _, internal := inPlan[n.ParentID]; !internal {
			if _, exists := g.nodes[n.ParentID]; !exists {
				n.ParentID = afterID
			}
		}
		if n.ParentID == afterID {
			n.ExecutionOrderPriority = topPriority
		}
		if err := g.AddNode(n); err != nil {
			return fmt.Errorf("failed to graft correction node %s: %w", n.NodeID, err)
		}
	}

	g.logger.Debug("Injected correction subplan",
		zap.String("anchor", afterID),
		zap.Int("nodes", len(nodes)),
		zap.Int("displaced_pending_siblings", grafted),
	)
	return nil
}

func (g *Graph) firstPendingChildPriority(anchor *schemas.ExecutionNode) *int {
	var min *int
	for _, cid := range anchor.ChildIDs {
		child := g.nodes[cid]
		if child.CurrentStatus != schemas.NodePending {
			continue
		}
		if min == nil || child.ExecutionOrderPriority < *min {
			p := child.ExecutionOrderPriority
			min = &p
		}
	}
	return min
}

// Snapshot returns a deep copy of the node map and the root id, suitable for
// serialization to the event bus.
func (g *Graph) Snapshot() (map[string]*schemas.ExecutionNode, string) {
	out := make(map[string]*schemas.ExecutionNode, len(g.nodes))
	for id, node := range g.nodes {
		out[id] = node.Clone()
	}
	return out, g.rootID
}
