package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"ideafactory/internal/domain"
	"ideafactory/internal/notify"
	"ideafactory/internal/repo"
	"ideafactory/internal/statemachine"
)

// StartPipeline moves an idea out of (input, pending) into its first stage
// and runs that stage: project analysis for existing-project ideas,
// enrichment otherwise.
func (e Engine) StartPipeline(ctx context.Context, ideaID string) (PipelineResult, error) {
	return e.withIdea(ctx, ideaID, e.start)
}

// ContinuePipeline performs the one action appropriate to the idea's current
// (stage, status): start the next stage, raise a review gate, retry a failed
// stage or finish the pipeline.
func (e Engine) ContinuePipeline(ctx context.Context, ideaID string) (PipelineResult, error) {
	return e.withIdea(ctx, ideaID, e.continueFrom)
}

// RunFullPipeline starts a submitted idea and keeps advancing it until it
// needs a human review, a step fails or the pipeline finishes. Ideas past
// (input, pending) are rejected like StartPipeline does; use
// ContinuePipeline to retry or advance them. The idea lock is taken per step.
func (e Engine) RunFullPipeline(ctx context.Context, ideaID string) (PipelineResult, error) {
	res, err := e.withIdea(ctx, ideaID, e.start)
	for err == nil && res.Success && !res.RequiresReview && res.Idea != nil && !res.Idea.CurrentStage.Terminal() {
		if cerr := ctx.Err(); cerr != nil {
			return res, cerr
		}
		res, err = e.withIdea(ctx, ideaID, e.continueFrom)
	}
	return res, err
}

func (e Engine) start(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
	if idea.CurrentStage != domain.StageInput || idea.CurrentStatus != domain.StatusPending {
		return failure(&idea, fmt.Sprintf("Idea not in INPUT stage: %s", stateOf(idea))), nil
	}
	first := domain.StageEnrichment
	if idea.Mode.Existing() {
		first = domain.StageProjectAnalysis
	}
	return e.enterAndRun(ctx, idea, first, TriggerPipeline, "", nil)
}

func (e Engine) continueFrom(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
	switch stateOf(idea) {
	case key(domain.StageInput, domain.StatusPending):
		return e.start(ctx, idea)
	case key(domain.StageProjectAnalysis, domain.StatusCompleted):
		return e.enterAndRun(ctx, idea, domain.StageEnrichment, TriggerPipeline, "", nil)
	case key(domain.StageEnrichment, domain.StatusCompleted):
		return e.enterAndRun(ctx, idea, domain.StageEvaluation, TriggerPipeline, "", nil)
	case key(domain.StageEvaluation, domain.StatusCompleted):
		return e.raiseGate(ctx, idea, "Evaluation complete. Awaiting human review.")
	case key(domain.StageHumanReview, domain.StatusAwaitingReview):
		return success(idea, "Awaiting human review decision."), nil
	case key(domain.StageHumanReview, domain.StatusPaused):
		res := success(idea, "Review deferred. Resume it to return to awaiting review.")
		res.RequiresReview = true
		return res, nil
	case key(domain.StageScaffolding, domain.StatusCompleted):
		return e.raiseGate(ctx, idea, "Scaffolding complete. Awaiting human review before building.")
	case key(domain.StageBuilding, domain.StatusCompleted):
		res, ok, err := e.move(ctx, &idea, domain.StageCompleted, domain.StatusCompleted, TriggerPipeline, nil)
		if !ok || err != nil {
			return res, err
		}
		return success(idea, "Pipeline completed successfully!"), nil
	}
	switch {
	case idea.CurrentStage.Terminal():
		return failure(&idea, fmt.Sprintf("Pipeline already finished: %s", stateOf(idea))), nil
	case idea.CurrentStatus == domain.StatusProcessing:
		return failure(&idea, fmt.Sprintf("Stage %s is already processing", idea.CurrentStage)), nil
	case idea.CurrentStatus == domain.StatusFailed:
		feedback, err := e.pendingFeedback(ctx, idea)
		if err != nil {
			return PipelineResult{}, err
		}
		return e.enterAndRun(ctx, idea, idea.CurrentStage, TriggerPipeline, feedback, map[string]any{"retry": true})
	}
	return failure(&idea, fmt.Sprintf("Cannot continue from state: %s", stateOf(idea))), nil
}

func key(stage domain.Stage, status domain.Status) statemachine.Key {
	return statemachine.Key{Stage: stage, Status: status}
}

// pendingFeedback returns the rationale of a refine decision that sent the
// idea back to a now failed enrichment, so a retry keeps the reviewer's ask.
func (e Engine) pendingFeedback(ctx context.Context, idea domain.Idea) (string, error) {
	if idea.CurrentStage != domain.StageEnrichment {
		return "", nil
	}
	reviews, err := e.Repo.ListReviews(ctx, idea.ID)
	if err != nil {
		return "", fmt.Errorf("list reviews for %s: %w", idea.ID, err)
	}
	if n := len(reviews); n > 0 && reviews[n-1].Decision == domain.DecisionRefine {
		return reviews[n-1].Rationale, nil
	}
	return "", nil
}

// raiseGate moves a gated stage's completed idea to human review and
// notifies reviewers.
func (e Engine) raiseGate(ctx context.Context, idea domain.Idea, msg string) (PipelineResult, error) {
	gate := statemachine.GateNumber(idea.CurrentStage)
	res, ok, err := e.move(ctx, &idea, domain.StageHumanReview, domain.StatusAwaitingReview, TriggerPipeline, map[string]any{"gate": gate})
	if !ok || err != nil {
		return res, err
	}
	e.Metrics.ObserveGate(fmt.Sprint(gate))
	e.notifyGate(ctx, idea, gate)
	return success(idea, msg), nil
}

// notifyGate never fails the pipeline; problems are logged.
func (e Engine) notifyGate(ctx context.Context, idea domain.Idea, gate int) {
	if e.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log().Error("gate notification panicked", zap.String("idea_id", idea.ID), zap.Int("gate", gate), zap.Any("panic", r))
		}
	}()
	ctx = context.WithoutCancel(ctx)
	gc := notify.GateContext{
		IdeaID:   idea.ID,
		Title:    idea.Title,
		Gate:     gate,
		Stage:    domain.StageEvaluation,
		RaisedAt: e.now().UTC().Format(time.RFC3339),
	}
	if gate == 2 {
		gc.Stage = domain.StageScaffolding
	}
	if e.Config != nil && e.Config.Notifications.PublicURL != "" {
		gc.ReviewURL = strings.TrimRight(e.Config.Notifications.PublicURL, "/") + "/ideas/" + idea.ID
	}
	if en, ok, err := lookup(ctx, e.Repo.GetEnrichment, idea.ID); err == nil && ok {
		gc.EnrichmentSummary = notify.SummarizeEnrichment(&en)
	}
	if ev, ok, err := lookup(ctx, e.Repo.GetEvaluation, idea.ID); err == nil && ok {
		gc.EvaluationSummary = notify.SummarizeEvaluation(&ev)
	}
	if gate == 2 {
		if sc, ok, err := lookup(ctx, e.Repo.GetScaffolding, idea.ID); err == nil && ok {
			gc.ScaffoldingSummary = notify.SummarizeScaffolding(&sc)
		}
	}
	res := e.Notifier.NotifyHILGate(ctx, gc)
	if len(res.Errors) > 0 {
		e.log().Warn("gate notification incomplete", zap.String("idea_id", idea.ID), zap.Int("gate", gate), zap.Any("errors", res.Errors))
	}
}

// lookup maps repo.ErrNotFound to ok=false.
func lookup[T any](ctx context.Context, get func(context.Context, string) (T, error), id string) (T, bool, error) {
	v, err := get(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		var zero T
		return zero, false, nil
	}
	if err != nil {
		var zero T
		return zero, false, err
	}
	return v, true, nil
}

// stageRun executes a stage for an idea already at (stage, processing).
type stageRun func(ctx context.Context, idea domain.Idea) (PipelineResult, error)

// enterAndRun loads the stage inputs, moves the idea to (stage, processing)
// and runs the executor.
func (e Engine) enterAndRun(ctx context.Context, idea domain.Idea, stage domain.Stage, by, feedback string, meta map[string]any) (PipelineResult, error) {
	run, missing, err := e.prepare(ctx, idea, stage, feedback)
	if err != nil {
		return PipelineResult{}, err
	}
	if missing != "" {
		return failure(&idea, missing), nil
	}
	res, ok, err := e.move(ctx, &idea, stage, domain.StatusProcessing, by, meta)
	if !ok || err != nil {
		return res, err
	}
	return run(ctx, idea)
}

// prepare gathers the prior results stage depends on. missing explains an
// absent input; err is a storage failure.
func (e Engine) prepare(ctx context.Context, idea domain.Idea, stage domain.Stage, feedback string) (run stageRun, missing string, err error) {
	if err := e.requireExecutor(stage); err != nil {
		return nil, "", err
	}
	var analysis *domain.ProjectAnalysisResult
	if idea.Mode.Existing() && stage != domain.StageProjectAnalysis {
		a, ok, err := lookup(ctx, e.Repo.GetProjectAnalysis, idea.ID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, fmt.Sprintf("Cannot run %s: no project analysis result found", stage), nil
		}
		analysis = &a
	}
	switch stage {
	case domain.StageProjectAnalysis:
		return e.runProjectAnalysis, "", nil
	case domain.StageEnrichment:
		return func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
			return e.runEnrichment(ctx, idea, analysis, feedback)
		}, "", nil
	case domain.StageEvaluation:
		en, ok, err := lookup(ctx, e.Repo.GetEnrichment, idea.ID)
		if err != nil || !ok {
			return nil, "Cannot evaluate: no enrichment result found", err
		}
		return func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
			return e.runEvaluation(ctx, idea, en)
		}, "", nil
	case domain.StageScaffolding:
		en, okEn, err := lookup(ctx, e.Repo.GetEnrichment, idea.ID)
		if err != nil {
			return nil, "", err
		}
		ev, okEv, err := lookup(ctx, e.Repo.GetEvaluation, idea.ID)
		if err != nil {
			return nil, "", err
		}
		if !okEn || !okEv {
			return nil, "Cannot scaffold: missing enrichment or evaluation results", nil
		}
		return func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
			return e.runScaffolding(ctx, idea, en, ev, analysis)
		}, "", nil
	case domain.StageBuilding:
		en, okEn, err := lookup(ctx, e.Repo.GetEnrichment, idea.ID)
		if err != nil {
			return nil, "", err
		}
		sc, okSc, err := lookup(ctx, e.Repo.GetScaffolding, idea.ID)
		if err != nil {
			return nil, "", err
		}
		if !okEn || !okSc {
			return nil, "Cannot build: missing enrichment or scaffolding results", nil
		}
		return func(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
			return e.runBuilding(ctx, idea, en, sc)
		}, "", nil
	}
	return nil, fmt.Sprintf("Stage %s has no executor", stage), nil
}

func (e Engine) requireExecutor(stage domain.Stage) error {
	var present bool
	switch stage {
	case domain.StageProjectAnalysis:
		present = e.Stages.Analyzer != nil
	case domain.StageEnrichment:
		present = e.Stages.Enricher != nil
	case domain.StageEvaluation:
		present = e.Stages.Evaluator != nil
	case domain.StageScaffolding:
		present = e.Stages.Scaffolder != nil
	case domain.StageBuilding:
		present = e.Stages.Builder != nil
	default:
		return nil
	}
	if !present {
		return fmt.Errorf("no %s executor configured", stage)
	}
	return nil
}

// attempt is the result of one executor call.
type attempt[T any] struct {
	Value T
	Err   error
	Took  time.Duration
}

// execute runs fn with the stage timeout. The wait is bounded even when fn
// ignores its context; panics become errors.
func execute[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) attempt[T] {
	start := time.Now()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	done := make(chan attempt[T], 1)
	go func() {
		var a attempt[T]
		defer func() {
			if r := recover(); r != nil {
				a.Err = fmt.Errorf("executor panicked: %v", r)
			}
			done <- a
		}()
		a.Value, a.Err = fn(ctx)
	}()
	var a attempt[T]
	select {
	case a = <-done:
	case <-ctx.Done():
		select {
		case a = <-done:
		default:
			a.Err = ctx.Err()
		}
	}
	if a.Err != nil && timeout > 0 && errors.Is(a.Err, context.DeadlineExceeded) {
		a.Err = fmt.Errorf("timed out after %s: %w", timeout, a.Err)
	}
	a.Took = time.Since(start)
	return a
}

var stageLabels = map[domain.Stage]string{
	domain.StageProjectAnalysis: "Project analysis",
	domain.StageEnrichment:      "Enrichment",
	domain.StageEvaluation:      "Evaluation",
	domain.StageScaffolding:     "Scaffolding",
	domain.StageBuilding:        "Building",
}

// finish records the executor outcome: (stage, failed) on error, otherwise
// the output is saved and the idea moves to (stage, completed). Persistence
// ignores caller cancellation so a finished run is never lost.
func (e Engine) finish(ctx context.Context, idea domain.Idea, stage domain.Stage, took time.Duration, execErr error, save func(context.Context) error, msg func() string) (PipelineResult, error) {
	ctx = context.WithoutCancel(ctx)
	if execErr != nil {
		e.Metrics.ObserveStage(string(stage), "failed", took)
		e.log().Error("stage failed", zap.String("idea_id", idea.ID), zap.String("stage", string(stage)), zap.Duration("took", took), zap.Error(execErr))
		res, ok, err := e.move(ctx, &idea, stage, domain.StatusFailed, TriggerPipeline, map[string]any{"error": execErr.Error()})
		if !ok || err != nil {
			return res, err
		}
		return failure(&idea, fmt.Sprintf("%s failed: %v", stageLabels[stage], execErr)), nil
	}
	e.Metrics.ObserveStage(string(stage), "completed", took)
	if err := save(ctx); err != nil {
		return PipelineResult{}, fmt.Errorf("save %s result for %s: %w", stage, idea.ID, err)
	}
	res, ok, err := e.move(ctx, &idea, stage, domain.StatusCompleted, TriggerPipeline, nil)
	if !ok || err != nil {
		return res, err
	}
	return success(idea, msg()), nil
}

func (e Engine) runProjectAnalysis(ctx context.Context, idea domain.Idea) (PipelineResult, error) {
	a := execute(ctx, e.stageTimeout(), func(ctx context.Context) (domain.ProjectAnalysisOutput, error) {
		return e.Stages.Analyzer.Analyze(ctx, idea)
	})
	return e.finish(ctx, idea, domain.StageProjectAnalysis, a.Took, a.Err,
		func(ctx context.Context) error {
			_, err := e.Repo.SaveProjectAnalysis(ctx, idea.ID, a.Value, e.ProducedBy)
			return err
		},
		func() string {
			return fmt.Sprintf("Project analysis completed. Found %d files. Ready for enrichment.", a.Value.TotalFiles)
		})
}

func (e Engine) runEnrichment(ctx context.Context, idea domain.Idea, analysis *domain.ProjectAnalysisResult, feedback string) (PipelineResult, error) {
	a := execute(ctx, e.stageTimeout(), func(ctx context.Context) (domain.EnrichmentOutput, error) {
		return e.Stages.Enricher.Enrich(ctx, idea, analysis, feedback)
	})
	return e.finish(ctx, idea, domain.StageEnrichment, a.Took, a.Err,
		func(ctx context.Context) error {
			_, err := e.Repo.SaveEnrichment(ctx, idea.ID, a.Value, e.ProducedBy)
			return err
		},
		func() string { return "Enrichment completed. Ready for evaluation." })
}

func (e Engine) runEvaluation(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult) (PipelineResult, error) {
	a := execute(ctx, e.stageTimeout(), func(ctx context.Context) (domain.EvaluationOutput, error) {
		return e.Stages.Evaluator.Evaluate(ctx, idea, enrichment)
	})
	return e.finish(ctx, idea, domain.StageEvaluation, a.Took, a.Err,
		func(ctx context.Context) error {
			_, err := e.Repo.SaveEvaluation(ctx, idea.ID, a.Value, e.ProducedBy)
			return err
		},
		func() string { return "Evaluation completed. Advancing to human review." })
}

func (e Engine) runScaffolding(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, evaluation domain.EvaluationResult, analysis *domain.ProjectAnalysisResult) (PipelineResult, error) {
	a := execute(ctx, e.stageTimeout(), func(ctx context.Context) (domain.ScaffoldingOutput, error) {
		return e.Stages.Scaffolder.Scaffold(ctx, idea, enrichment, evaluation, analysis)
	})
	return e.finish(ctx, idea, domain.StageScaffolding, a.Took, a.Err,
		func(ctx context.Context) error {
			_, err := e.Repo.SaveScaffolding(ctx, idea.ID, a.Value, e.ProducedBy)
			return err
		},
		func() string { return "Scaffolding completed. Project blueprint generated." })
}

func (e Engine) runBuilding(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, scaffolding domain.ScaffoldingResult) (PipelineResult, error) {
	startedAt := e.now().UTC().Format(time.RFC3339)
	a := execute(ctx, e.stageTimeout(), func(ctx context.Context) (domain.BuildOutput, error) {
		return e.Stages.Builder.Build(ctx, idea, enrichment, scaffolding)
	})
	var downloadURL string
	return e.finish(ctx, idea, domain.StageBuilding, a.Took, a.Err,
		func(ctx context.Context) error {
			if _, err := e.Repo.SaveBuild(ctx, idea.ID, a.Value, e.ProducedBy, startedAt); err != nil {
				return err
			}
			if a.Value.Outcome == domain.BuildSuccess || a.Value.Outcome == domain.BuildPartial {
				downloadURL = e.uploadBuild(ctx, idea, enrichment, a.Value)
			}
			return nil
		},
		func() string {
			msg := fmt.Sprintf("Build completed: %d files generated (%s)", len(a.Value.Artifacts), a.Value.Outcome)
			if downloadURL != "" {
				msg += " - Download: " + downloadURL
			}
			return msg
		})
}

// uploadBuild archives the build directory. Failures are logged and leave
// the build without a download link.
func (e Engine) uploadBuild(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, out domain.BuildOutput) string {
	if e.Artifacts == nil || out.OutputDir == "" {
		return ""
	}
	title := enrichment.Output.EnhancedTitle
	if title == "" {
		title = idea.Title
	}
	if r := []rune(title); len(r) > 50 {
		title = string(r[:50])
	}
	short := idea.ID
	if len(short) > 8 {
		short = short[:8]
	}
	up, err := e.Artifacts.UploadDirectoryAsZip(ctx, out.OutputDir, title+"-"+short)
	if err != nil {
		e.log().Error("build upload failed", zap.String("idea_id", idea.ID), zap.Error(err))
		return ""
	}
	if err := e.Repo.UpdateBuildStorage(ctx, idea.ID, up.DownloadURL, up.Key); err != nil {
		e.log().Error("record build storage failed", zap.String("idea_id", idea.ID), zap.String("key", up.Key), zap.Error(err))
		return ""
	}
	e.log().Info("build uploaded", zap.String("idea_id", idea.ID), zap.String("key", up.Key))
	return up.DownloadURL
}
