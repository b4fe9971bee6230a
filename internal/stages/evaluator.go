package stages

import (
	"context"
	"fmt"
	"strings"

	"ideafactory/internal/domain"
)

// Evaluator scores an enriched idea with a jobs-to-be-done lens.
type Evaluator struct{ Options }

func NewEvaluator(o Options) *Evaluator { return &Evaluator{o} }

func (e *Evaluator) Evaluate(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult) (domain.EvaluationOutput, error) {
	en := enrichment.Output
	prompt := fmt.Sprintf(`You are an innovation strategist. Evaluate the idea using jobs-to-be-done and disruptive innovation theory.

TITLE: %s
PROBLEM: %s
DESCRIPTION:
%s
POTENTIAL SOLUTIONS:
%s
MARKET CONTEXT: %s

Respond with JSON only:
{"jtbd_analysis": "...", "disruption_potential": "...", "disruption_score": 0.0-1.0, "overall_score": 0-100,
 "capabilities_fit": "strong|developing|missing", "recommendation": "develop|refine|reject|defer",
 "recommendation_rationale": "...", "key_risks": ["..."], "case_study_matches": ["..."]}`,
		en.EnhancedTitle, en.ProblemStatement, en.EnhancedDescription, bullet(en.PotentialSolutions), en.MarketContext)

	var out domain.EvaluationOutput
	if err := e.completeJSON(ctx, "evaluation", prompt, &out); err != nil {
		return out, err
	}
	return out, validateEvaluation(&out)
}

func validateEvaluation(out *domain.EvaluationOutput) error {
	if out.DisruptionScore < 0 || out.DisruptionScore > 1 {
		return fmt.Errorf("evaluation: %w: disruption_score %v outside [0,1]", ErrInvalidOutput, out.DisruptionScore)
	}
	if out.OverallScore < 0 || out.OverallScore > 100 {
		return fmt.Errorf("evaluation: %w: overall_score %v outside [0,100]", ErrInvalidOutput, out.OverallScore)
	}
	out.CapabilitiesFit = strings.ToLower(strings.TrimSpace(out.CapabilitiesFit))
	switch out.CapabilitiesFit {
	case domain.FitStrong, domain.FitDeveloping, domain.FitMissing:
	default:
		return fmt.Errorf("evaluation: %w: capabilities_fit %q", ErrInvalidOutput, out.CapabilitiesFit)
	}
	out.Recommendation = strings.ToLower(strings.TrimSpace(out.Recommendation))
	switch out.Recommendation {
	case domain.RecommendationDevelop, domain.RecommendationRefine, domain.RecommendationReject, domain.RecommendationDefer:
	default:
		return fmt.Errorf("evaluation: %w: recommendation %q", ErrInvalidOutput, out.Recommendation)
	}
	return nil
}
