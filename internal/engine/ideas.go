package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ideafactory/internal/domain"
	"ideafactory/internal/repo"
)

// SubmitIdeaInput are the fields a submitter provides.
type SubmitIdeaInput struct {
	Title              string
	Content            string
	Tags               []string
	Mode               domain.Mode
	ProjectSource      *domain.ProjectSource
	PreferredTechStack []string
	SubmittedBy        string
}

func validateSubmission(in *SubmitIdeaInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Content = strings.TrimSpace(in.Content)
	if n := utf8.RuneCountInString(in.Title); n < 3 || n > 200 {
		return fmt.Errorf("%w: title must be 3 to 200 characters", ErrInvalidIdea)
	}
	if utf8.RuneCountInString(in.Content) < 10 {
		return fmt.Errorf("%w: content must be at least 10 characters", ErrInvalidIdea)
	}
	if in.Mode == "" {
		in.Mode = domain.ModeNew
	}
	if !in.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidIdea, in.Mode)
	}
	if in.Mode == domain.ModeNew {
		if in.ProjectSource != nil {
			return fmt.Errorf("%w: project_source is only allowed for existing-project modes", ErrInvalidIdea)
		}
		return nil
	}
	src := in.ProjectSource
	if src == nil {
		return fmt.Errorf("%w: project_source is required for mode %s", ErrInvalidIdea, in.Mode)
	}
	if src.SourceType != domain.SourceLocalPath && src.SourceType != domain.SourceGitURL {
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidIdea, src.SourceType)
	}
	if strings.TrimSpace(src.Location) == "" {
		return fmt.Errorf("%w: project_source.location is required", ErrInvalidIdea)
	}
	return nil
}

// SubmitIdea validates and stores a new idea at (input, pending). Submitters
// are limited to Limits.IdeasPerDay ideas in any 24 hour window.
func (e Engine) SubmitIdea(ctx context.Context, in SubmitIdeaInput) (domain.Idea, error) {
	if err := validateSubmission(&in); err != nil {
		return domain.Idea{}, err
	}
	var idea domain.Idea
	err := e.lock(ctx, "submit:"+in.SubmittedBy, func(ctx context.Context) error {
		now := e.now().UTC()
		if in.SubmittedBy != "" && e.Config != nil && e.Config.Limits.IdeasPerDay > 0 {
			n, err := e.Repo.CountIdeasSince(ctx, in.SubmittedBy, now.Add(-24*time.Hour))
			if err != nil {
				return fmt.Errorf("count ideas: %w", err)
			}
			if n >= e.Config.Limits.IdeasPerDay {
				return fmt.Errorf("%w: %d ideas in the last 24h", ErrQuotaExceeded, n)
			}
		}
		ts := now.Format(time.RFC3339)
		idea = domain.Idea{
			ID:                 uuid.NewString(),
			Title:              in.Title,
			Content:            in.Content,
			Tags:               in.Tags,
			Mode:               in.Mode,
			ProjectSource:      in.ProjectSource,
			PreferredTechStack: in.PreferredTechStack,
			CurrentStage:       domain.StageInput,
			CurrentStatus:      domain.StatusPending,
			CreatedAt:          ts,
			UpdatedAt:          ts,
		}
		if in.SubmittedBy != "" {
			by := in.SubmittedBy
			idea.SubmittedBy = &by
		}
		if err := e.Repo.InsertIdea(ctx, idea); err != nil {
			return fmt.Errorf("insert idea: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Idea{}, err
	}
	e.log().Info("idea submitted", zap.String("idea_id", idea.ID), zap.String("mode", string(idea.Mode)), zap.String("submitted_by", in.SubmittedBy))
	return idea, nil
}

// Quota is a submitter's standing against the daily idea limit. A zero
// Limit means submissions are not limited and Remaining is meaningless.
type Quota struct {
	Limit     int     `json:"limit"`
	Used      int     `json:"used"`
	Remaining int     `json:"remaining"`
	ResetAt   *string `json:"reset_at,omitempty" format:"date-time"`
}

// Quota reports how many ideas userID submitted in the last 24 hours and how
// many more fit under the limit. ResetAt is when the oldest counted idea
// leaves the window.
func (e Engine) Quota(ctx context.Context, userID string) (Quota, error) {
	since := e.now().UTC().Add(-24 * time.Hour)
	used, err := e.Repo.CountIdeasSince(ctx, userID, since)
	if err != nil {
		return Quota{}, fmt.Errorf("count ideas: %w", err)
	}
	q := Quota{Used: used}
	if e.Config != nil {
		q.Limit = e.Config.Limits.IdeasPerDay
	}
	if q.Limit > 0 {
		q.Remaining = max(q.Limit-used, 0)
	}
	if used == 0 {
		return q, nil
	}
	oldest, err := e.Repo.OldestIdeaSince(ctx, userID, since)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return q, nil
		}
		return Quota{}, fmt.Errorf("oldest idea: %w", err)
	}
	reset := oldest.Add(24 * time.Hour).UTC().Format(time.RFC3339)
	q.ResetAt = &reset
	return q, nil
}

// Next actions reported by Status.
const (
	ActionStart    = "start"
	ActionContinue = "continue"
	ActionReview   = "review"
	ActionResume   = "resume"
	ActionRetry    = "retry"
	ActionWait     = "wait"
)

// PipelineStatus is a read-only view of where an idea stands.
type PipelineStatus struct {
	Idea        domain.Idea              `json:"idea"`
	CanAdvance  bool                     `json:"can_advance"`
	NextAction  string                   `json:"next_action,omitempty"`
	NextStage   domain.Stage             `json:"next_stage,omitempty"`
	Gate        int                      `json:"gate,omitempty"`
	Transitions []domain.StateTransition `json:"transitions"`
	Reviews     []domain.HumanReview     `json:"reviews"`
}

// Status reports the idea's state, history and the advisory next step.
func (e Engine) Status(ctx context.Context, ideaID string) (PipelineStatus, error) {
	idea, err := e.Repo.GetIdea(ctx, ideaID)
	if err != nil {
		return PipelineStatus{}, err
	}
	st := PipelineStatus{Idea: idea}
	if st.Transitions, err = e.Repo.ListTransitions(ctx, ideaID); err != nil {
		return st, err
	}
	if st.Reviews, err = e.Repo.ListReviews(ctx, ideaID); err != nil {
		return st, err
	}
	if st.Transitions == nil {
		st.Transitions = []domain.StateTransition{}
	}
	if st.Reviews == nil {
		st.Reviews = []domain.HumanReview{}
	}

	switch {
	case idea.CurrentStage.Terminal():
	case idea.CurrentStage == domain.StageInput && idea.CurrentStatus == domain.StatusPending:
		st.NextAction = ActionStart
	case idea.CurrentStatus == domain.StatusAwaitingReview:
		st.NextAction = ActionReview
	case idea.CurrentStatus == domain.StatusPaused:
		st.NextAction = ActionResume
	case idea.CurrentStatus == domain.StatusFailed:
		st.NextAction = ActionRetry
	case idea.CurrentStatus == domain.StatusProcessing:
		st.NextAction = ActionWait
	case idea.CurrentStatus == domain.StatusCompleted:
		st.NextAction = ActionContinue
	}
	switch st.NextAction {
	case ActionStart, ActionContinue, ActionRetry:
		st.CanAdvance = true
	}

	if next, ok := e.Machine.NextStage(idea.CurrentStage, idea.Mode); ok {
		st.NextStage = next
	}
	if idea.CurrentStage == domain.StageHumanReview {
		scaffolded, err := e.Repo.HasResult(ctx, ideaID, domain.StageScaffolding)
		if err != nil {
			return st, err
		}
		st.Gate = 1
		if scaffolded {
			st.Gate = 2
			st.NextStage = domain.StageBuilding
		}
	}
	return st, nil
}

// RecoverInterrupted marks ideas left processing for longer than olderThan
// as failed so they can be retried. It returns how many were recovered.
func (e Engine) RecoverInterrupted(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := e.Repo.ListStaleProcessing(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list stale ideas: %w", err)
	}
	recovered := 0
	for _, s := range stale {
		res, err := e.withIdea(ctx, s.ID, func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
			if stateOf(idea) != stateOf(s) || idea.UpdatedAt != s.UpdatedAt {
				return failure(&idea, "idea moved on"), nil
			}
			res, ok, err := e.move(ctx, &idea, idea.CurrentStage, domain.StatusFailed, TriggerRecovery,
				map[string]any{"error": "interrupted while processing", "stale_since": s.UpdatedAt})
			if !ok || err != nil {
				return res, err
			}
			return success(idea, "recovered"), nil
		})
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return recovered, err
		}
		if res.Success {
			recovered++
			e.log().Warn("recovered interrupted idea", zap.String("idea_id", s.ID), zap.String("stage", string(s.CurrentStage)))
		}
	}
	return recovered, nil
}
