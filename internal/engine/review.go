package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"ideafactory/internal/domain"
)

// ApplyReview records a reviewer's decision on an idea at human review and
// acts on it. The review is stored before the decision is validated against
// the idea's current status.
func (e Engine) ApplyReview(ctx context.Context, ideaID string, decision domain.ReviewDecision, rationale, reviewer string) (PipelineResult, error) {
	if !decision.Valid() {
		return failure(nil, fmt.Sprintf("Unknown review decision %q", decision)), nil
	}
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return failure(nil, "Reviewer is required"), nil
	}
	return e.withIdea(ctx, ideaID, func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
		if idea.CurrentStage != domain.StageHumanReview {
			return failure(&idea, fmt.Sprintf("Idea not in HUMAN_REVIEW stage: %s", idea.CurrentStage)), nil
		}
		rv, err := e.Repo.SaveReview(ctx, domain.HumanReview{
			IdeaID:     idea.ID,
			Stage:      idea.CurrentStage,
			Decision:   decision,
			Rationale:  rationale,
			ReviewerID: reviewer,
		})
		if err != nil {
			return PipelineResult{}, fmt.Errorf("save review for %s: %w", idea.ID, err)
		}
		e.Metrics.ObserveReview(string(decision))
		e.log().Info("review recorded",
			zap.String("idea_id", idea.ID), zap.String("decision", string(decision)), zap.String("reviewer", reviewer), zap.Stringer("state", stateOf(idea)))

		tr := e.Machine.ApplyReviewDecision(idea.CurrentStage, decision)
		if !tr.Success {
			return failure(&idea, tr.Err), nil
		}
		target := key(tr.NewStage, tr.NewStatus)
		if decision == domain.DecisionApprove {
			scaffolded, err := e.Repo.HasResult(ctx, idea.ID, domain.StageScaffolding)
			if err != nil {
				return PipelineResult{}, fmt.Errorf("check scaffolding for %s: %w", idea.ID, err)
			}
			if scaffolded {
				target.Stage = domain.StageBuilding
			} else {
				target.Stage = domain.StageScaffolding
			}
		}
		if check := e.Machine.Transition(idea.CurrentStage, idea.CurrentStatus, target.Stage, target.Status); !check.Success {
			return failure(&idea, check.Err), nil
		}
		meta := map[string]any{"review_id": rv.ID, "decision": string(decision)}

		switch decision {
		case domain.DecisionApprove:
			return e.enterAndRun(ctx, idea, target.Stage, reviewer, "", meta)
		case domain.DecisionRefine:
			res, err := e.enterAndRun(ctx, idea, domain.StageEnrichment, reviewer, rationale, meta)
			if err == nil && res.Success {
				res.Message = "Sent back for refinement. " + res.Message
			}
			return res, err
		case domain.DecisionReject:
			res, ok, err := e.move(ctx, &idea, target.Stage, target.Status, reviewer, meta)
			if !ok || err != nil {
				return res, err
			}
			return success(idea, "Rejected and archived."), nil
		case domain.DecisionDefer:
			res, ok, err := e.move(ctx, &idea, target.Stage, target.Status, reviewer, meta)
			if !ok || err != nil {
				return res, err
			}
			return success(idea, "Deferred. Idea paused for later review."), nil
		}
		return failure(&idea, fmt.Sprintf("Unknown review decision %q", decision)), nil
	})
}

// ResumeReview puts a deferred idea back in front of reviewers.
func (e Engine) ResumeReview(ctx context.Context, ideaID, actor string) (PipelineResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return failure(nil, "Actor is required"), nil
	}
	return e.withIdea(ctx, ideaID, func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
		if stateOf(idea) != key(domain.StageHumanReview, domain.StatusPaused) {
			return failure(&idea, fmt.Sprintf("Only deferred reviews can be resumed, idea is at %s", stateOf(idea))), nil
		}
		res, ok, err := e.move(ctx, &idea, domain.StageHumanReview, domain.StatusAwaitingReview, actor, map[string]any{"resumed": true})
		if !ok || err != nil {
			return res, err
		}
		return success(idea, "Review resumed. Awaiting human review decision."), nil
	})
}

// Archive abandons an idea whose current stage failed.
func (e Engine) Archive(ctx context.Context, ideaID, actor string) (PipelineResult, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return failure(nil, "Actor is required"), nil
	}
	return e.withIdea(ctx, ideaID, func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
		if idea.CurrentStatus != domain.StatusFailed {
			return failure(&idea, fmt.Sprintf("Only failed ideas can be archived, idea is at %s", stateOf(idea))), nil
		}
		res, ok, err := e.move(ctx, &idea, domain.StageArchived, domain.StatusCompleted, actor, map[string]any{"abandoned_stage": string(idea.CurrentStage)})
		if !ok || err != nil {
			return res, err
		}
		return success(idea, "Archived."), nil
	})
}
