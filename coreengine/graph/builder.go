package graph

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/history"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// taskTypes are the classification types that make task extraction worthwhile.
var taskTypes = []string{"task", "action_required"}

// Builder turns an email into a graph Definition.
type Builder struct {
	registry   *stages.Registry
	timeout    time.Duration
	maxRetries int
}

// NewBuilder creates a Builder. timeout and maxRetries become the graph-level
// budget; per-node retries come from the registry.
func NewBuilder(registry *stages.Registry, timeout time.Duration, maxRetries int) *Builder {
	return &Builder{
		registry:   registry,
		timeout:    timeout,
		maxRetries: maxRetries,
	}
}

type buildOptions struct {
	history           []history.Record
	checkpointEnabled bool
}

// Option customizes a single Build call.
type Option func(*buildOptions)

// WithHistory attaches historical records to the synthesis node input.
func WithHistory(records []history.Record) Option {
	return func(o *buildOptions) { o.history = records }
}

// WithCheckpoints toggles stage checkpoint capture.
func WithCheckpoints(enabled bool) Option {
	return func(o *buildOptions) { o.checkpointEnabled = enabled }
}

// Build produces the graph for email within exec. It is pure apart from
// reading the registry.
func (b *Builder) Build(email *execution.Email, exec *execution.Execution, opts ...Option) (*Definition, error) {
	if err := email.Validate(); err != nil {
		return nil, err
	}
	if exec == nil || exec.ID == "" {
		return nil, execution.NewValidationError("execution_id", "execution id is required")
	}

	o := buildOptions{checkpointEnabled: true}
	for _, opt := range opts {
		opt(&o)
	}

	input := NodeInput{
		EmailID:           email.ID,
		ExecutionID:       exec.ID,
		Subject:           email.Subject,
		Body:              email.Body,
		Sender:            email.Sender,
		CheckpointEnabled: o.checkpointEnabled,
	}

	nodes := make([]*TaskNode, 0, len(stages.All))

	classification := b.node(stages.Classification, nil, input)
	nodes = append(nodes, classification)

	if email.HasAttachments() {
		docInput := input
		docInput.Body = ""
		docInput.Attachments = email.Attachments
		nodes = append(nodes, b.node(stages.DocumentAnalysis, []*TaskNode{classification}, docInput))
	}

	nodes = append(nodes, b.node(stages.DeadlineExtraction, []*TaskNode{classification}, input))

	task := b.node(stages.TaskExtraction, []*TaskNode{classification}, input)
	task.Skip = &SkipPredicate{Input: stages.Classification, Field: "type", In: taskTypes}
	nodes = append(nodes, task)

	synthInput := input
	synthInput.HistoricalContext = o.history
	if synthInput.HistoricalContext == nil {
		synthInput.HistoricalContext = []history.Record{}
	}
	synth := b.node(stages.Synthesis, nodes, synthInput)
	// Synthesis has no degraded mode regardless of configuration.
	synth.Critical = true
	synth.MaxRetries = 0
	synth.FallbackAllowed = false
	synth.Skippable = false
	nodes = append(nodes, synth)

	def := &Definition{
		ID:          exec.GraphID,
		Description: fmt.Sprintf("Email processing: %s", email.Subject),
		Nodes:       nodes,
		Timeout:     b.timeout,
		MaxRetries:  b.maxRetries,
		Metadata: Metadata{
			EmailID:        email.ID,
			ExecutionID:    exec.ID,
			Subject:        email.Subject,
			HasAttachments: email.HasAttachments(),
			Category:       string(email.Category),
		},
	}
	if def.ID == "" {
		def.ID = execution.GraphIDFor(email.ID)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func (b *Builder) node(stage stages.Stage, deps []*TaskNode, input NodeInput) *TaskNode {
	desc, ok := b.registry.Get(stage)
	if !ok {
		desc = stages.Descriptor{Name: stage, FallbackAllowed: true}
	}

	n := &TaskNode{
		ID:              string(stage),
		Stage:           stage,
		DependsOn:       make([]string, 0, len(deps)),
		Consumes:        make(map[string]string, len(deps)),
		Skippable:       desc.Skippable,
		Critical:        desc.Critical,
		MaxRetries:      desc.MaxRetries,
		FallbackAllowed: desc.FallbackAllowed,
		Config: NodeConfig{
			Provider: desc.Provider,
			Model:    desc.Model,
			Timeout:  desc.Timeout,
			URL:      desc.URL,
		},
		Input: input,
	}
	for _, dep := range deps {
		n.DependsOn = append(n.DependsOn, dep.ID)
		n.Consumes[dep.Stage.OutputKey()] = dep.ID
	}
	return n
}
