package execution

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/stages"
)

// RiskLevel is the synthesis stage's risk classification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RequiresReview reports whether the level alone forces human review.
func (r RiskLevel) RequiresReview() bool {
	return r == RiskHigh || r == RiskCritical
}

// Findings is the stage-specific payload of a StageOutput. Each stage has
// exactly one concrete type.
type Findings interface {
	Stage() stages.Stage
	isFindings()
}

// ClassificationFindings is produced by the classification stage.
type ClassificationFindings struct {
	Category Category `json:"category,omitempty"`
	Urgency  int      `json:"urgency"`
	// Type drives conditional stages, e.g. "task" or "action_required".
	Type                     string `json:"type,omitempty"`
	RequiresDocumentAnalysis bool   `json:"requires_vision"`
	HasDeadline              bool   `json:"has_deadline"`
}

// DocumentFindings is produced by the document analysis stage.
type DocumentFindings struct {
	ExtractedText   any            `json:"extracted_text,omitempty"`
	InvoiceData     map[string]any `json:"invoice_data,omitempty"`
	ReceiptData     map[string]any `json:"receipt_data,omitempty"`
	ImagesProcessed int            `json:"images_processed"`
}

// DeadlineFindings is produced by the deadline extraction stage.
type DeadlineFindings struct {
	Deadlines       []map[string]any `json:"deadlines"`
	RecurringEvents []map[string]any `json:"recurring_events"`
	ParsedDates     []string         `json:"parsed_dates"`
}

// TaskFindings is produced by the task extraction stage.
type TaskFindings struct {
	Tasks      []map[string]any `json:"tasks"`
	Priorities map[string]any   `json:"priorities,omitempty"`
	Assignees  map[string]any   `json:"assignees,omitempty"`
}

// Recommendation is one suggested downstream action.
type Recommendation struct {
	ActionType ActionKind     `json:"action_type"`
	Data       map[string]any `json:"data,omitempty"`
	// Confidence overrides the synthesis confidence for this action when set.
	Confidence *float64 `json:"confidence,omitempty"`
}

// SynthesisFindings is produced by the synthesis stage and drives routing.
type SynthesisFindings struct {
	Narrative         string           `json:"synthesis"`
	HistoricalPattern any              `json:"historical_pattern,omitempty"`
	VendorReliability any              `json:"vendor_reliability,omitempty"`
	Recommendations   []Recommendation `json:"recommendations"`
	RiskAssessment    RiskLevel        `json:"risk_assessment"`
}

func (ClassificationFindings) Stage() stages.Stage { return stages.Classification }
func (DocumentFindings) Stage() stages.Stage       { return stages.DocumentAnalysis }
func (DeadlineFindings) Stage() stages.Stage       { return stages.DeadlineExtraction }
func (TaskFindings) Stage() stages.Stage           { return stages.TaskExtraction }
func (SynthesisFindings) Stage() stages.Stage      { return stages.Synthesis }

func (ClassificationFindings) isFindings() {}
func (DocumentFindings) isFindings()       {}
func (DeadlineFindings) isFindings()       {}
func (TaskFindings) isFindings()           {}
func (SynthesisFindings) isFindings()      {}

// DecodeFindings decodes raw findings JSON into the stage's concrete type.
// Empty input yields the zero value for the stage.
func DecodeFindings(stage stages.Stage, raw json.RawMessage) (Findings, error) {
	empty := len(raw) == 0 || string(raw) == "null"

	switch stage {
	case stages.Classification:
		var f ClassificationFindings
		return &f, decodeInto(stage, raw, &f, empty)
	case stages.DocumentAnalysis:
		var f DocumentFindings
		return &f, decodeInto(stage, raw, &f, empty)
	case stages.DeadlineExtraction:
		var f DeadlineFindings
		return &f, decodeInto(stage, raw, &f, empty)
	case stages.TaskExtraction:
		var f TaskFindings
		return &f, decodeInto(stage, raw, &f, empty)
	case stages.Synthesis:
		var f SynthesisFindings
		if err := decodeInto(stage, raw, &f, empty); err != nil {
			return nil, err
		}
		f.RiskAssessment = RiskLevel(strings.ToLower(string(f.RiskAssessment)))
		if f.RiskAssessment == "" {
			f.RiskAssessment = RiskLow
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("no findings type for stage %q", stage)
	}
}

func decodeInto(stage stages.Stage, raw json.RawMessage, dst any, empty bool) error {
	if empty {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s findings: %w", stage, err)
	}
	return nil
}
