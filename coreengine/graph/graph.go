// Package graph builds the per-email task dependency graph submitted to the
// workflow engine.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/history"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// =============================================================================
// TYPES
// =============================================================================

// SkipPredicate skips a node unless the named field of an upstream node's
// findings holds one of the listed values.
type SkipPredicate struct {
	Input stages.Stage `json:"input"`
	Field string       `json:"field"`
	In    []string     `json:"in"`
}

// ShouldSkip evaluates the predicate against the upstream output. A missing
// upstream output or field skips the node.
func (p *SkipPredicate) ShouldSkip(upstream *execution.StageOutput) bool {
	if p == nil {
		return false
	}
	if upstream == nil || upstream.Findings == nil {
		return true
	}
	raw, err := json.Marshal(upstream.Findings)
	if err != nil {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return true
	}
	value, ok := fields[p.Field].(string)
	if !ok {
		return true
	}
	for _, allowed := range p.In {
		if strings.EqualFold(value, allowed) {
			return false
		}
	}
	return true
}

// NodeConfig is the per-stage executor selection carried on a node.
type NodeConfig struct {
	Provider string        `json:"provider,omitempty"`
	Model    string        `json:"model,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	URL      string        `json:"agent_url,omitempty"`
}

// NodeInput is the email context handed to a stage.
type NodeInput struct {
	EmailID           string                 `json:"email_id"`
	ExecutionID       string                 `json:"session_id"`
	Subject           string                 `json:"subject,omitempty"`
	Body              string                 `json:"body,omitempty"`
	Sender            string                 `json:"sender,omitempty"`
	Attachments       []execution.Attachment `json:"attachments,omitempty"`
	HistoricalContext []history.Record       `json:"historical_context,omitempty"`
	CheckpointEnabled bool                   `json:"checkpoint_enabled"`
}

// TaskNode is one stage invocation within a graph.
type TaskNode struct {
	ID        string       `json:"task_id"`
	Stage     stages.Stage `json:"stage"`
	DependsOn []string     `json:"depends_on"`
	// Consumes maps "<stage>_output" to the upstream node providing it.
	Consumes        map[string]string `json:"consumes,omitempty"`
	Skippable       bool              `json:"skippable"`
	Skip            *SkipPredicate    `json:"skip,omitempty"`
	Critical        bool              `json:"critical"`
	MaxRetries      int               `json:"max_retries"`
	FallbackAllowed bool              `json:"fallback_allowed"`
	Config          NodeConfig        `json:"config"`
	Input           NodeInput         `json:"input"`
}

// Metadata describes the email a graph was built for.
type Metadata struct {
	EmailID        string `json:"email_id"`
	ExecutionID    string `json:"execution_id"`
	Subject        string `json:"subject"`
	HasAttachments bool   `json:"has_attachments"`
	Category       string `json:"category,omitempty"`
}

// Definition is an immutable, validated task graph.
type Definition struct {
	ID          string        `json:"dag_id"`
	Description string        `json:"description"`
	Nodes       []*TaskNode   `json:"tasks"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	Metadata    Metadata      `json:"metadata"`

	topologicalOrder []string
	dependents       map[string][]string
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks node references, computes the topological order with
// Kahn's algorithm and enforces the synthesis invariants.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return execution.NewValidationError("graph_id", "graph id is required")
	}

	byID := make(map[string]*TaskNode, len(d.Nodes))
	for _, n := range d.Nodes {
		if n.ID == "" {
			return execution.NewValidationError("task_id", "node id is required")
		}
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("duplicate node %q", n.ID)
		}
		byID[n.ID] = n
	}

	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			if dep == n.ID {
				return fmt.Errorf("node %q cannot depend on itself", n.ID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("node %q depends on unknown node %q", n.ID, dep)
			}
		}
		if n.Critical && (n.MaxRetries != 0 || n.FallbackAllowed) {
			return fmt.Errorf("critical node %q must have no retries and no fallback", n.ID)
		}
	}

	d.dependents = make(map[string][]string, len(d.Nodes))
	inDegree := make(map[string]int, len(d.Nodes))
	for _, n := range d.Nodes {
		d.dependents[n.ID] = []string{}
		inDegree[n.ID] = 0
	}
	for _, n := range d.Nodes {
		for _, dep := range n.DependsOn {
			d.dependents[dep] = append(d.dependents[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	// Seed in declaration order so the result is deterministic.
	queue := make([]string, 0)
	for _, n := range d.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(d.Nodes))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, dependent := range d.dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		cycle := make([]string, 0)
		for id, degree := range inDegree {
			if degree > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return fmt.Errorf("dependency cycle detected involving nodes: %v", cycle)
	}
	d.topologicalOrder = order

	if synth, ok := byID[string(stages.Synthesis)]; ok {
		if len(synth.DependsOn) != len(d.Nodes)-1 {
			return fmt.Errorf("synthesis must depend on all %d other nodes, has %d", len(d.Nodes)-1, len(synth.DependsOn))
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Node returns the node with the given id.
func (d *Definition) Node(id string) *TaskNode {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// TopologicalOrder returns the order computed by Validate.
func (d *Definition) TopologicalOrder() []string {
	return d.topologicalOrder
}

// Dependents returns the nodes that directly depend on id.
func (d *Definition) Dependents(id string) []string {
	return d.dependents[id]
}

// ReadyNodes returns nodes not yet done whose dependencies are all done.
func (d *Definition) ReadyNodes(done map[string]bool) []string {
	ready := make([]string, 0)
	for _, n := range d.Nodes {
		if done[n.ID] {
			continue
		}
		satisfied := true
		for _, dep := range n.DependsOn {
			if !done[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// Render draws the graph as indented text in topological order.
func (d *Definition) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%d nodes, timeout %s)\n", d.ID, len(d.Nodes), d.Timeout)

	order := d.topologicalOrder
	if order == nil {
		for _, n := range d.Nodes {
			order = append(order, n.ID)
		}
	}
	for _, id := range order {
		n := d.Node(id)
		flags := make([]string, 0, 3)
		if n.Critical {
			flags = append(flags, "critical")
		}
		if n.Skippable {
			flags = append(flags, "skippable")
		}
		if n.FallbackAllowed {
			flags = append(flags, "fallback")
		}
		fmt.Fprintf(&b, "  %-20s retries=%d", n.ID, n.MaxRetries)
		if len(flags) > 0 {
			fmt.Fprintf(&b, " [%s]", strings.Join(flags, ","))
		}
		if len(n.DependsOn) > 0 {
			fmt.Fprintf(&b, " <- %s", strings.Join(n.DependsOn, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
