package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridianqms/capaflow/internal/expr"
)

// ErrInvalidGraph is wrapped by Graph.Validate with the offending node ids.
// It is an authoring-time error; a graph that persisted cleanly never raises
// it at runtime.
var ErrInvalidGraph = errors.New("invalid workflow graph")

type NodeKind string

const (
	NodeStart    NodeKind = "start"
	NodeProcess  NodeKind = "process"
	NodeDecision NodeKind = "decision"
	NodeApproval NodeKind = "approval"
	NodeEnd      NodeKind = "end"
)

type ApprovalPolicy string

const (
	PolicyAny ApprovalPolicy = "ANY" // first approve advances, siblings superseded
	PolicyAll ApprovalPolicy = "ALL" // every approver must approve; one reject routes rejected
)

// Edge handles used by the engine when leaving a node.
const (
	HandleYes      = "yes"
	HandleNo       = "no"
	HandleApproved = "approved"
	HandleRejected = "rejected"
	HandleDone     = "done"
)

// Node is a tagged union: Kind selects which of the optional fields apply.
type Node struct {
	ID    string   `json:"id"`
	Kind  NodeKind `json:"kind"`
	Label string   `json:"label"`

	// process nodes
	AssignedRole  string `json:"assignedRole,omitempty"`
	DeadlineHours int    `json:"deadlineHours,omitempty"`

	// decision nodes
	Condition string `json:"condition,omitempty"`

	// approval nodes
	Approvers []int64        `json:"approvers,omitempty"`
	Policy    ApprovalPolicy `json:"policy,omitempty"`

	// end nodes
	Outcome InstanceStatus `json:"outcome,omitempty"`
}

type Edge struct {
	SourceID string `json:"source"`
	Handle   string `json:"handle,omitempty"`
	TargetID string `json:"target"`
}

type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// WorkflowDefinition is one version of the step graph for an entity type
// (Finding, Action, DOF and so on).
type WorkflowDefinition struct {
	ID         int64
	Name       string
	EntityType string
	Version    int
	Graph      Graph
	Created    time.Time
	Updated    time.Time
}

func (g *Graph) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

func (g *Graph) StartNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Kind == NodeStart {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutEdge returns the edge leaving source via the named handle. An empty
// handle on the edge acts as a wildcard so simple process chains do not need
// labelled connectors.
func (g *Graph) OutEdge(sourceID, handle string) *Edge {
	var wildcard *Edge
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.SourceID != sourceID {
			continue
		}
		if e.Handle == handle {
			return e
		}
		if e.Handle == "" {
			wildcard = e
		}
	}
	return wildcard
}

// Validate enforces the structural invariants: exactly one start node, at
// least one end node, every non-start node reachable from start, every
// decision/approval node carrying edges for all of its handles, and every
// decision condition parsing. Violations are reported together so authors can
// fix a graph in one pass.
func (g *Graph) Validate() error {
	var problems []string

	var start *Node
	startCount := 0
	endCount := 0
	seen := make(map[string]bool, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			problems = append(problems, "node with empty id")
			continue
		}
		if seen[n.ID] {
			problems = append(problems, fmt.Sprintf("duplicate node id %s", n.ID))
		}
		seen[n.ID] = true
		switch n.Kind {
		case NodeStart:
			startCount++
			start = n
		case NodeEnd:
			endCount++
		}
	}
	if startCount != 1 {
		problems = append(problems, fmt.Sprintf("expected exactly one start node, found %d", startCount))
	}
	if endCount == 0 {
		problems = append(problems, "no end node")
	}
	for _, e := range g.Edges {
		if !seen[e.SourceID] {
			problems = append(problems, fmt.Sprintf("edge from unknown node %s", e.SourceID))
		}
		if !seen[e.TargetID] {
			problems = append(problems, fmt.Sprintf("edge to unknown node %s", e.TargetID))
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Kind {
		case NodeStart, NodeProcess:
			if g.OutEdge(n.ID, HandleDone) == nil {
				problems = append(problems, fmt.Sprintf("node %s has no outgoing edge", n.ID))
			}
		case NodeDecision:
			if g.OutEdge(n.ID, HandleYes) == nil || g.OutEdge(n.ID, HandleNo) == nil {
				problems = append(problems, fmt.Sprintf("decision node %s is missing a yes/no edge", n.ID))
			}
			if _, err := expr.Parse(n.Condition); err != nil {
				problems = append(problems, fmt.Sprintf("decision node %s condition: %v", n.ID, err))
			}
		case NodeApproval:
			if g.OutEdge(n.ID, HandleApproved) == nil || g.OutEdge(n.ID, HandleRejected) == nil {
				problems = append(problems, fmt.Sprintf("approval node %s is missing an approved/rejected edge", n.ID))
			}
			if len(n.Approvers) == 0 {
				problems = append(problems, fmt.Sprintf("approval node %s has no approvers", n.ID))
			}
			if n.Policy != PolicyAny && n.Policy != PolicyAll {
				problems = append(problems, fmt.Sprintf("approval node %s has invalid policy %q", n.ID, n.Policy))
			}
		case NodeEnd:
			if n.Outcome != InstanceCompleted && n.Outcome != InstanceRejected {
				problems = append(problems, fmt.Sprintf("end node %s has invalid outcome %q", n.ID, n.Outcome))
			}
		default:
			problems = append(problems, fmt.Sprintf("node %s has unknown kind %q", n.ID, n.Kind))
		}
	}

	if start != nil && startCount == 1 {
		reachable := make(map[string]bool, len(g.Nodes))
		var walk func(id string)
		walk = func(id string) {
			if reachable[id] {
				return
			}
			reachable[id] = true
			for _, e := range g.Edges {
				if e.SourceID == id {
					walk(e.TargetID)
				}
			}
		}
		walk(start.ID)
		for _, n := range g.Nodes {
			if !reachable[n.ID] {
				problems = append(problems, fmt.Sprintf("node %s is unreachable from start", n.ID))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidGraph, strings.Join(problems, "; "))
	}
	return nil
}
