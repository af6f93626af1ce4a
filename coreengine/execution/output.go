package execution

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// RawOutput is a stage result as reported by a stage executor or the
// workflow engine, before findings are typed.
type RawOutput struct {
	Findings    json.RawMessage `json:"findings"`
	Confidence  float64         `json:"confidence"`
	NextActions []string        `json:"next_actions,omitempty"`
	DurationMS  int64           `json:"execution_time_ms"`
	Model       string          `json:"model_used,omitempty"`
	Checkpoints []string        `json:"checkpoints,omitempty"`
	Skipped     bool            `json:"skipped,omitempty"`
}

// StageOutput is the normalized result of one stage within an execution.
type StageOutput struct {
	Stage       stages.Stage  `json:"stage"`
	Findings    Findings      `json:"findings"`
	Confidence  float64       `json:"confidence"`
	NextActions []string      `json:"next_actions,omitempty"`
	Duration    time.Duration `json:"duration"`
	Model       string        `json:"model_used,omitempty"`
	Checkpoints []string      `json:"checkpoints,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
}

// Normalize types the findings and clamps confidence into [0, 1].
func Normalize(stage stages.Stage, raw RawOutput) (*StageOutput, error) {
	findings, err := DecodeFindings(stage, raw.Findings)
	if err != nil {
		return nil, err
	}
	return &StageOutput{
		Stage:       stage,
		Findings:    findings,
		Confidence:  ClampConfidence(raw.Confidence),
		NextActions: raw.NextActions,
		Duration:    time.Duration(raw.DurationMS) * time.Millisecond,
		Model:       raw.Model,
		Checkpoints: raw.Checkpoints,
		Skipped:     raw.Skipped,
	}, nil
}

// ClampConfidence bounds c to [0, 1].
func ClampConfidence(c float64) float64 {
	switch {
	case c < 0 || math.IsNaN(c):
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// Synthesis returns the typed synthesis findings when this output carries them.
func (o *StageOutput) Synthesis() (*SynthesisFindings, bool) {
	if o == nil {
		return nil, false
	}
	f, ok := o.Findings.(*SynthesisFindings)
	return f, ok
}

// Clone returns a shallow copy safe to hand to readers; findings are shared
// because they are never mutated after normalization.
func (o *StageOutput) Clone() *StageOutput {
	if o == nil {
		return nil
	}
	c := *o
	c.NextActions = append([]string(nil), o.NextActions...)
	c.Checkpoints = append([]string(nil), o.Checkpoints...)
	return &c
}

// UnmarshalJSON decodes findings according to the stage field.
func (o *StageOutput) UnmarshalJSON(data []byte) error {
	type alias StageOutput
	aux := struct {
		*alias
		Findings json.RawMessage `json:"findings"`
	}{alias: (*alias)(o)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if !o.Stage.IsValid() {
		return fmt.Errorf("stage output has unknown stage %q", o.Stage)
	}
	findings, err := DecodeFindings(o.Stage, aux.Findings)
	if err != nil {
		return err
	}
	o.Findings = findings
	return nil
}
