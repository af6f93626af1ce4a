// Package stages is the static catalog of email processing stages.
//
// A stage is an opaque unit of classification work executed by an external
// stage executor. The registry only describes how the orchestrator may treat
// each stage: whether it can be skipped, whether a degraded fallback is
// allowed, its timeout and its retry budget.
package stages

import (
	"fmt"
	"sort"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
)

// Stage names a processing stage. Node ids in a built graph equal stage names.
type Stage string

const (
	Classification     Stage = "classification"
	DocumentAnalysis   Stage = "document_analysis"
	DeadlineExtraction Stage = "deadline_extraction"
	TaskExtraction     Stage = "task_extraction"
	Synthesis          Stage = "synthesis"
)

// All lists every stage in canonical execution order.
var All = []Stage{Classification, DocumentAnalysis, DeadlineExtraction, TaskExtraction, Synthesis}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	for _, known := range All {
		if s == known {
			return true
		}
	}
	return false
}

// OutputKey is the key under which downstream nodes consume this stage's output.
func (s Stage) OutputKey() string {
	return string(s) + "_output"
}

// Descriptor is a stage's capability record.
type Descriptor struct {
	Name            Stage
	Description     string
	Skippable       bool
	FallbackAllowed bool
	// Critical stages fail the whole execution and are never retried.
	Critical   bool
	Timeout    time.Duration
	MaxRetries int
	Provider   string
	Model      string
	URL        string
}

// Registry is an immutable lookup of stage descriptors.
type Registry struct {
	descriptors map[Stage]Descriptor
}

// NewRegistry builds a registry from explicit descriptors.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[Stage]Descriptor, len(descs))}
	for _, d := range descs {
		if !d.Name.IsValid() {
			return nil, fmt.Errorf("unknown stage: %q", d.Name)
		}
		if _, dup := r.descriptors[d.Name]; dup {
			return nil, fmt.Errorf("duplicate stage descriptor: %s", d.Name)
		}
		if d.Critical {
			d.MaxRetries = 0
			d.FallbackAllowed = false
		}
		r.descriptors[d.Name] = d
	}
	return r, nil
}

// FromConfig builds the registry for the five known stages using cfg for
// per-stage executor settings and the shared retry budget.
func FromConfig(cfg *config.Config) *Registry {
	byName := cfg.Stages.ByName()
	descs := make([]Descriptor, 0, len(All))
	for _, s := range All {
		sc := byName[string(s)]
		d := Descriptor{
			Name:            s,
			Description:     descriptions[s],
			Skippable:       s == TaskExtraction,
			FallbackAllowed: true,
			Timeout:         sc.Timeout,
			MaxRetries:      cfg.Execution.MaxRetries,
			Provider:        sc.Provider,
			Model:           sc.Model,
			URL:             sc.URL,
		}
		if s == Synthesis {
			d.Critical = true
		}
		descs = append(descs, d)
	}
	// The fixed stage set cannot produce a registry error.
	r, _ := NewRegistry(descs...)
	return r
}

// Default is FromConfig over the built-in configuration.
func Default() *Registry {
	return FromConfig(config.DefaultConfig())
}

var descriptions = map[Stage]string{
	Classification:     "Categorize the email and decide which downstream stages apply",
	DocumentAnalysis:   "Extract text and structured data from attachments",
	DeadlineExtraction: "Find deadlines, recurring events and dates",
	TaskExtraction:     "Extract actionable tasks, priorities and assignees",
	Synthesis:          "Combine stage outputs and history into recommendations and a risk assessment",
}

// Get returns the descriptor for s.
func (r *Registry) Get(s Stage) (Descriptor, bool) {
	d, ok := r.descriptors[s]
	return d, ok
}

// MustGet returns the descriptor for s or panics. Use only for stages known
// to be registered.
func (r *Registry) MustGet(s Stage) Descriptor {
	d, ok := r.descriptors[s]
	if !ok {
		panic(fmt.Sprintf("stage not registered: %s", s))
	}
	return d
}

// List returns descriptors in canonical stage order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return order(out[i].Name) < order(out[j].Name) })
	return out
}

func order(s Stage) int {
	for i, known := range All {
		if s == known {
			return i
		}
	}
	return len(All)
}
