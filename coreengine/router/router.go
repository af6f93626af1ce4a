// Package router turns a completed execution's synthesis output into
// downstream actions.
//
// Gates are evaluated in order and the first that fires ends routing with a
// single human-review action. Only when every gate passes are the synthesis
// recommendations dispatched.
package router

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jeeves-cluster-organization/mailpipe/coreengine/config"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/dispatch"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/execution"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/logging"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/observability"
	"github.com/jeeves-cluster-organization/mailpipe/coreengine/recovery"
)

// Routing outcomes, also used as metric labels.
const (
	OutcomeNoSynthesis   = "no_synthesis"
	OutcomeLowConfidence = "low_confidence"
	OutcomeHighRisk      = "high_risk"
	OutcomeDispatched    = "dispatched"
)

// ReasonLowConfidence is the review reason set by the confidence gate.
const ReasonLowConfidence = "low confidence"

// Router is the decision router. It is safe for concurrent use.
type Router struct {
	threshold     float64
	keywords      []string
	reviewBaseURL string
	dispatchers   *dispatch.Registry
	review        dispatch.ReviewQueue
	logger        logging.Logger
}

// New creates a Router. review may be nil.
func New(cfg config.RoutingConfig, dispatchers *dispatch.Registry, review dispatch.ReviewQueue, logger logging.Logger) *Router {
	return &Router{
		threshold:     cfg.ConfidenceThreshold,
		keywords:      cfg.Keywords(),
		reviewBaseURL: strings.TrimRight(cfg.ReviewBaseURL, "/"),
		dispatchers:   dispatchers,
		review:        review,
		logger:        logger.Bind("component", "router"),
	}
}

// verdict is the result of a gate that fired.
type verdict struct {
	outcome string
	reason  string
	keyword string
}

// gate inspects the synthesis and returns a verdict when review is required.
type gate func(out *execution.StageOutput, f *execution.SynthesisFindings) *verdict

// Route returns the actions for exec given its synthesis output. It never
// fails: dispatch problems drop the affected action and routing continues.
func (r *Router) Route(ctx context.Context, exec *execution.Execution, synthesis *execution.StageOutput) []*execution.Action {
	ctx, span := observability.Tracer("mailpipe/router").Start(ctx, "route")
	defer span.End()
	span.SetAttributes(attribute.String("execution_id", exec.ID))

	log := r.logger.Bind("execution_id", exec.ID)

	findings, ok := synthesis.Synthesis()
	if !ok {
		log.Warn("route_without_synthesis")
		observability.RecordRoutingDecision(OutcomeNoSynthesis)
		span.SetAttributes(attribute.String("outcome", OutcomeNoSynthesis))
		return nil
	}

	for _, g := range []gate{r.confidenceGate, r.riskGate} {
		if v := g(synthesis, findings); v != nil {
			log.Info("routed_to_review", "outcome", v.outcome, "reason", v.reason, "confidence", synthesis.Confidence)
			observability.RecordRoutingDecision(v.outcome)
			span.SetAttributes(attribute.String("outcome", v.outcome))
			return []*execution.Action{r.reviewAction(ctx, exec, synthesis, v, log)}
		}
	}

	actions := r.dispatchAll(ctx, exec, synthesis, findings, log)
	observability.RecordRoutingDecision(OutcomeDispatched)
	span.SetAttributes(attribute.String("outcome", OutcomeDispatched), attribute.Int("action_count", len(actions)))
	return actions
}

// =============================================================================
// GATES
// =============================================================================

func (r *Router) confidenceGate(out *execution.StageOutput, _ *execution.SynthesisFindings) *verdict {
	if out.Confidence < r.threshold {
		return &verdict{outcome: OutcomeLowConfidence, reason: ReasonLowConfidence}
	}
	return nil
}

func (r *Router) riskGate(_ *execution.StageOutput, f *execution.SynthesisFindings) *verdict {
	keyword := r.matchKeyword(f.Narrative)
	if !f.RiskAssessment.RequiresReview() && keyword == "" {
		return nil
	}
	return &verdict{
		outcome: OutcomeHighRisk,
		reason:  fmt.Sprintf("high risk: %s", f.RiskAssessment),
		keyword: keyword,
	}
}

// matchKeyword returns the first configured keyword found in text.
func (r *Router) matchKeyword(text string) string {
	lower := strings.ToLower(text)
	for _, k := range r.keywords {
		if strings.Contains(lower, k) {
			return k
		}
	}
	return ""
}

// =============================================================================
// ACTIONS
// =============================================================================

// reviewAction builds the human-review action and offers it to the review
// queue. Queue failures are logged only.
func (r *Router) reviewAction(ctx context.Context, exec *execution.Execution, out *execution.StageOutput, v *verdict, log logging.Logger) *execution.Action {
	action := execution.NewAction(exec.ID, &execution.ReviewPayload{
		Reason:         v.reason,
		ContextOutput:  out.Clone(),
		ReviewURL:      r.reviewBaseURL + "/" + exec.ID,
		Priority:       "high",
		MatchedKeyword: v.keyword,
	}, 0)
	observability.RecordAction(string(execution.ActionHumanReview), string(action.Status))

	if r.review != nil {
		if err := r.review.Enqueue(ctx, action); err != nil {
			log.Warn("review_enqueue_failed", "action_id", action.ID, "error", err.Error())
		}
	}
	return action
}

func (r *Router) dispatchAll(ctx context.Context, exec *execution.Execution, out *execution.StageOutput, f *execution.SynthesisFindings, log logging.Logger) []*execution.Action {
	actions := make([]*execution.Action, 0, len(f.Recommendations))

	for i, rec := range f.Recommendations {
		d, ok := r.dispatchers.Get(rec.ActionType)
		if !ok {
			log.Warn("unknown_action_type", "index", i, "action_type", string(rec.ActionType))
			continue
		}

		confidence := out.Confidence
		if rec.Confidence != nil {
			confidence = *rec.Confidence
		}

		action, err := r.dispatchOne(ctx, d, exec, rec, confidence)
		if err != nil {
			log.Error("action_dropped", "index", i, "action_type", string(rec.ActionType), "error", err.Error())
			continue
		}
		actions = append(actions, action)
	}
	return actions
}

func (r *Router) dispatchOne(ctx context.Context, d dispatch.Dispatcher, exec *execution.Execution, rec execution.Recommendation, confidence float64) (*execution.Action, error) {
	ctx, span := observability.Tracer("mailpipe/router").Start(ctx, "dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("action_type", string(rec.ActionType)))

	action, err := recovery.SafeExecuteWithResult(r.logger, "dispatch_"+string(rec.ActionType), func() (*execution.Action, error) {
		return d.Dispatch(ctx, exec, rec.Data, confidence)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("action_status", string(action.Status)))
	return action, nil
}
