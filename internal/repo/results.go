package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ideafactory/internal/domain"
)

// Stage outputs share one table keyed by (idea_id, stage). A save overwrites
// the previous attempt.

type resultRow struct {
	outputJSON  string
	producedBy  string
	producedAt  string
	downloadURL string
	storageKey  string
	startedAt   string
}

func (r Repo) upsertResult(ctx context.Context, ideaID string, stage domain.Stage, output any, producedBy, startedAt string) (string, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("marshal %s output: %w", stage, err)
	}
	at := r.now()
	_, err = r.DB.ExecContext(ctx, `INSERT INTO stage_results(idea_id,stage,output_json,produced_by,produced_at,started_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(idea_id,stage) DO UPDATE SET output_json=excluded.output_json, produced_by=excluded.produced_by, produced_at=excluded.produced_at,
started_at=excluded.started_at, download_url=NULL, storage_key=NULL`,
		ideaID, string(stage), string(data), nullable(producedBy), at, nullable(startedAt))
	if err != nil {
		return "", fmt.Errorf("save %s result: %w", stage, err)
	}
	return at, nil
}

func (r Repo) getResult(ctx context.Context, ideaID string, stage domain.Stage, out any) (resultRow, error) {
	var row resultRow
	err := r.DB.QueryRowContext(ctx, `SELECT output_json, COALESCE(produced_by,''), produced_at, COALESCE(download_url,''), COALESCE(storage_key,''), COALESCE(started_at,'') FROM stage_results WHERE idea_id=? AND stage=?`,
		ideaID, string(stage)).Scan(&row.outputJSON, &row.producedBy, &row.producedAt, &row.downloadURL, &row.storageKey, &row.startedAt)
	if err == sql.ErrNoRows {
		return row, ErrNotFound
	}
	if err != nil {
		return row, err
	}
	if err := json.Unmarshal([]byte(row.outputJSON), out); err != nil {
		return row, fmt.Errorf("decode %s result: %w", stage, err)
	}
	return row, nil
}

// HasResult reports whether a stage output is stored for the idea.
func (r Repo) HasResult(ctx context.Context, ideaID string, stage domain.Stage) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_results WHERE idea_id=? AND stage=?`, ideaID, string(stage)).Scan(&n)
	return n > 0, err
}

func (r Repo) SaveProjectAnalysis(ctx context.Context, ideaID string, out domain.ProjectAnalysisOutput, producedBy string) (domain.ProjectAnalysisResult, error) {
	at, err := r.upsertResult(ctx, ideaID, domain.StageProjectAnalysis, out, producedBy, "")
	if err != nil {
		return domain.ProjectAnalysisResult{}, err
	}
	return domain.ProjectAnalysisResult{IdeaID: ideaID, Output: out, ProducedBy: producedBy, ProducedAt: at}, nil
}

func (r Repo) GetProjectAnalysis(ctx context.Context, ideaID string) (domain.ProjectAnalysisResult, error) {
	res := domain.ProjectAnalysisResult{IdeaID: ideaID}
	row, err := r.getResult(ctx, ideaID, domain.StageProjectAnalysis, &res.Output)
	res.ProducedBy, res.ProducedAt = row.producedBy, row.producedAt
	return res, err
}

func (r Repo) SaveEnrichment(ctx context.Context, ideaID string, out domain.EnrichmentOutput, producedBy string) (domain.EnrichmentResult, error) {
	at, err := r.upsertResult(ctx, ideaID, domain.StageEnrichment, out, producedBy, "")
	if err != nil {
		return domain.EnrichmentResult{}, err
	}
	return domain.EnrichmentResult{IdeaID: ideaID, Output: out, ProducedBy: producedBy, ProducedAt: at}, nil
}

func (r Repo) GetEnrichment(ctx context.Context, ideaID string) (domain.EnrichmentResult, error) {
	res := domain.EnrichmentResult{IdeaID: ideaID}
	row, err := r.getResult(ctx, ideaID, domain.StageEnrichment, &res.Output)
	res.ProducedBy, res.ProducedAt = row.producedBy, row.producedAt
	return res, err
}

func (r Repo) SaveEvaluation(ctx context.Context, ideaID string, out domain.EvaluationOutput, producedBy string) (domain.EvaluationResult, error) {
	at, err := r.upsertResult(ctx, ideaID, domain.StageEvaluation, out, producedBy, "")
	if err != nil {
		return domain.EvaluationResult{}, err
	}
	return domain.EvaluationResult{IdeaID: ideaID, Output: out, ProducedBy: producedBy, ProducedAt: at}, nil
}

func (r Repo) GetEvaluation(ctx context.Context, ideaID string) (domain.EvaluationResult, error) {
	res := domain.EvaluationResult{IdeaID: ideaID}
	row, err := r.getResult(ctx, ideaID, domain.StageEvaluation, &res.Output)
	res.ProducedBy, res.ProducedAt = row.producedBy, row.producedAt
	return res, err
}

func (r Repo) SaveScaffolding(ctx context.Context, ideaID string, out domain.ScaffoldingOutput, producedBy string) (domain.ScaffoldingResult, error) {
	at, err := r.upsertResult(ctx, ideaID, domain.StageScaffolding, out, producedBy, "")
	if err != nil {
		return domain.ScaffoldingResult{}, err
	}
	return domain.ScaffoldingResult{IdeaID: ideaID, Output: out, ProducedBy: producedBy, ProducedAt: at}, nil
}

func (r Repo) GetScaffolding(ctx context.Context, ideaID string) (domain.ScaffoldingResult, error) {
	res := domain.ScaffoldingResult{IdeaID: ideaID}
	row, err := r.getResult(ctx, ideaID, domain.StageScaffolding, &res.Output)
	res.ProducedBy, res.ProducedAt = row.producedBy, row.producedAt
	return res, err
}

func (r Repo) SaveBuild(ctx context.Context, ideaID string, out domain.BuildOutput, producedBy, startedAt string) (domain.BuildResult, error) {
	at, err := r.upsertResult(ctx, ideaID, domain.StageBuilding, out, producedBy, startedAt)
	if err != nil {
		return domain.BuildResult{}, err
	}
	return domain.BuildResult{IdeaID: ideaID, Output: out, ProducedBy: producedBy, StartedAt: startedAt, CompletedAt: at}, nil
}

func (r Repo) GetBuild(ctx context.Context, ideaID string) (domain.BuildResult, error) {
	res := domain.BuildResult{IdeaID: ideaID}
	row, err := r.getResult(ctx, ideaID, domain.StageBuilding, &res.Output)
	res.ProducedBy = row.producedBy
	res.CompletedAt = row.producedAt
	res.StartedAt = row.startedAt
	res.DownloadURL = row.downloadURL
	res.StorageKey = row.storageKey
	return res, err
}

// UpdateBuildStorage records where the build archive was uploaded.
func (r Repo) UpdateBuildStorage(ctx context.Context, ideaID, downloadURL, storageKey string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE stage_results SET download_url=?, storage_key=? WHERE idea_id=? AND stage=?`,
		nullable(downloadURL), nullable(storageKey), ideaID, string(domain.StageBuilding))
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
