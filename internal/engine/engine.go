package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ideafactory/internal/artifacts"
	"ideafactory/internal/config"
	"ideafactory/internal/domain"
	"ideafactory/internal/locks"
	"ideafactory/internal/metrics"
	"ideafactory/internal/notify"
	"ideafactory/internal/repo"
	"ideafactory/internal/statemachine"
)

// Repository is the persistence the orchestrator drives. repo.Repo
// implements it.
type Repository interface {
	InsertIdea(ctx context.Context, idea domain.Idea) error
	GetIdea(ctx context.Context, id string) (domain.Idea, error)
	UpdateIdeaState(ctx context.Context, ch repo.StateChange) (domain.Idea, domain.StateTransition, error)
	CountIdeasSince(ctx context.Context, submittedBy string, since time.Time) (int, error)
	OldestIdeaSince(ctx context.Context, submittedBy string, since time.Time) (time.Time, error)
	ListStaleProcessing(ctx context.Context, before time.Time) ([]domain.Idea, error)
	HasResult(ctx context.Context, ideaID string, stage domain.Stage) (bool, error)

	SaveProjectAnalysis(ctx context.Context, ideaID string, out domain.ProjectAnalysisOutput, producedBy string) (domain.ProjectAnalysisResult, error)
	GetProjectAnalysis(ctx context.Context, ideaID string) (domain.ProjectAnalysisResult, error)
	SaveEnrichment(ctx context.Context, ideaID string, out domain.EnrichmentOutput, producedBy string) (domain.EnrichmentResult, error)
	GetEnrichment(ctx context.Context, ideaID string) (domain.EnrichmentResult, error)
	SaveEvaluation(ctx context.Context, ideaID string, out domain.EvaluationOutput, producedBy string) (domain.EvaluationResult, error)
	GetEvaluation(ctx context.Context, ideaID string) (domain.EvaluationResult, error)
	SaveScaffolding(ctx context.Context, ideaID string, out domain.ScaffoldingOutput, producedBy string) (domain.ScaffoldingResult, error)
	GetScaffolding(ctx context.Context, ideaID string) (domain.ScaffoldingResult, error)
	SaveBuild(ctx context.Context, ideaID string, out domain.BuildOutput, producedBy, startedAt string) (domain.BuildResult, error)
	UpdateBuildStorage(ctx context.Context, ideaID, downloadURL, storageKey string) error

	SaveReview(ctx context.Context, rv domain.HumanReview) (domain.HumanReview, error)
	ListReviews(ctx context.Context, ideaID string) ([]domain.HumanReview, error)
	ListTransitions(ctx context.Context, ideaID string) ([]domain.StateTransition, error)
}

type ProjectAnalyzer interface {
	Analyze(ctx context.Context, idea domain.Idea) (domain.ProjectAnalysisOutput, error)
}

type Enricher interface {
	Enrich(ctx context.Context, idea domain.Idea, analysis *domain.ProjectAnalysisResult, feedback string) (domain.EnrichmentOutput, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult) (domain.EvaluationOutput, error)
}

type Scaffolder interface {
	Scaffold(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, evaluation domain.EvaluationResult, analysis *domain.ProjectAnalysisResult) (domain.ScaffoldingOutput, error)
}

type Builder interface {
	Build(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, scaffolding domain.ScaffoldingResult) (domain.BuildOutput, error)
}

// Notifier announces ideas waiting at a review gate. Delivery is best effort.
type Notifier interface {
	NotifyHILGate(ctx context.Context, gc notify.GateContext) notify.Result
}

type ArtifactStore interface {
	UploadDirectoryAsZip(ctx context.Context, dir, name string) (artifacts.Upload, error)
}

// Locker serializes work on one key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// Stages groups the stage executors.
type Stages struct {
	Analyzer   ProjectAnalyzer
	Enricher   Enricher
	Evaluator  Evaluator
	Scaffolder Scaffolder
	Builder    Builder
}

const (
	TriggerPipeline = "pipeline"
	TriggerRecovery = "recovery"
)

var (
	ErrInvalidIdea   = errors.New("invalid idea")
	ErrQuotaExceeded = errors.New("daily idea quota exceeded")
)

// PipelineResult is the outcome of an orchestrator call. Domain failures
// (invalid state, failed stage, concurrent update) are reported with
// Success=false; the accompanying error is reserved for storage failures.
type PipelineResult struct {
	Success        bool          `json:"success"`
	Idea           *domain.Idea  `json:"idea,omitempty"`
	Stage          domain.Stage  `json:"stage,omitempty"`
	Status         domain.Status `json:"status,omitempty"`
	Message        string        `json:"message"`
	RequiresReview bool          `json:"requires_review"`
}

// Engine orchestrates ideas through the pipeline. Every collaborator is
// injected; the zero value is not usable, build one with New.
type Engine struct {
	Repo       Repository
	Machine    *statemachine.Machine
	Stages     Stages
	Notifier   Notifier
	Artifacts  ArtifactStore
	Locks      Locker
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
	Config     *config.Config
	ProducedBy string
	Now        func() time.Time
}

func New(r Repository, cfg *config.Config, stages Stages) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Repo:    r,
		Machine: statemachine.New(),
		Stages:  stages,
		Locks:   locks.NewManager(),
		Logger:  zap.NewNop(),
		Config:  cfg,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) stageTimeout() time.Duration {
	if e.Config == nil {
		return 0
	}
	return e.Config.Pipeline.StageTimeout
}

func failure(idea *domain.Idea, msg string) PipelineResult {
	res := PipelineResult{Success: false, Idea: idea, Message: msg}
	if idea != nil {
		res.Stage, res.Status = idea.CurrentStage, idea.CurrentStatus
	}
	return res
}

func success(idea domain.Idea, msg string) PipelineResult {
	return PipelineResult{
		Success:        true,
		Idea:           &idea,
		Stage:          idea.CurrentStage,
		Status:         idea.CurrentStatus,
		Message:        msg,
		RequiresReview: idea.CurrentStage == domain.StageHumanReview && idea.CurrentStatus == domain.StatusAwaitingReview,
	}
}

func stateOf(idea domain.Idea) statemachine.Key {
	return statemachine.Key{Stage: idea.CurrentStage, Status: idea.CurrentStatus}
}

// withIdea loads the idea under its lock and runs fn.
func (e Engine) withIdea(ctx context.Context, ideaID string, fn func(context.Context, domain.Idea) (PipelineResult, error)) (PipelineResult, error) {
	var res PipelineResult
	err := e.lock(ctx, ideaID, func(ctx context.Context) error {
		idea, err := e.Repo.GetIdea(ctx, ideaID)
		if errors.Is(err, repo.ErrNotFound) {
			res = failure(nil, "Idea not found: "+ideaID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load idea %s: %w", ideaID, err)
		}
		res, err = fn(ctx, idea)
		return err
	})
	return res, err
}

func (e Engine) lock(ctx context.Context, key string, fn func(context.Context) error) error {
	if e.Locks == nil {
		return fn(ctx)
	}
	return e.Locks.WithLock(ctx, key, fn)
}

// move validates and persists idea -> (stage, status). On success idea is
// updated in place and ok is true. A rejected move returns the failure result
// to hand back to the caller.
func (e Engine) move(ctx context.Context, idea *domain.Idea, stage domain.Stage, status domain.Status, by string, meta map[string]any) (PipelineResult, bool, error) {
	check := e.Machine.Transition(idea.CurrentStage, idea.CurrentStatus, stage, status)
	if !check.Success {
		return failure(idea, check.Err), false, nil
	}
	updated, tr, err := e.Repo.UpdateIdeaState(ctx, repo.StateChange{
		IdeaID:      idea.ID,
		FromStage:   idea.CurrentStage,
		FromStatus:  idea.CurrentStatus,
		ToStage:     stage,
		ToStatus:    status,
		TriggeredBy: by,
		Metadata:    meta,
	})
	switch {
	case errors.Is(err, repo.ErrStateConflict):
		e.Metrics.ObserveConflict()
		e.log().Warn("idea changed concurrently",
			zap.String("idea_id", idea.ID), zap.Stringer("from", stateOf(*idea)), zap.Stringer("to", statemachine.Key{Stage: stage, Status: status}))
		return failure(idea, repo.ErrStateConflict.Error()), false, nil
	case errors.Is(err, repo.ErrNotFound):
		return failure(nil, "Idea not found: "+idea.ID), false, nil
	case err != nil:
		return PipelineResult{}, false, fmt.Errorf("update idea %s state: %w", idea.ID, err)
	}
	e.Metrics.ObserveTransition(string(stage), string(status))
	e.log().Info("idea transition",
		zap.String("idea_id", idea.ID), zap.Int64("seq", tr.Seq),
		zap.Stringer("from", stateOf(*idea)), zap.Stringer("to", stateOf(updated)), zap.String("triggered_by", by))
	*idea = updated
	return PipelineResult{}, true, nil
}
