package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"ideafactory/internal/domain"
)

// SaveReview appends a human review record.
func (r Repo) SaveReview(ctx context.Context, rv domain.HumanReview) (domain.HumanReview, error) {
	if rv.IdeaID == "" {
		return rv, errors.New("idea_id required")
	}
	if rv.ReviewerID == "" {
		return rv, errors.New("reviewer_id required")
	}
	if rv.ID == "" {
		rv.ID = uuid.NewString()
	}
	if rv.CreatedAt == "" {
		rv.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO reviews(id,idea_id,stage,decision,rationale,reviewer_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		rv.ID, rv.IdeaID, string(rv.Stage), string(rv.Decision), nullable(rv.Rationale), rv.ReviewerID, rv.CreatedAt)
	return rv, err
}

// ListReviews returns an idea's reviews oldest first.
func (r Repo) ListReviews(ctx context.Context, ideaID string) ([]domain.HumanReview, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,idea_id,stage,decision,COALESCE(rationale,''),reviewer_id,created_at FROM reviews WHERE idea_id=? ORDER BY created_at, rowid`, ideaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HumanReview
	for rows.Next() {
		var rv domain.HumanReview
		var stage, decision string
		if err := rows.Scan(&rv.ID, &rv.IdeaID, &stage, &decision, &rv.Rationale, &rv.ReviewerID, &rv.CreatedAt); err != nil {
			return nil, err
		}
		rv.Stage = domain.Stage(stage)
		rv.Decision = domain.ReviewDecision(decision)
		res = append(res, rv)
	}
	return res, rows.Err()
}

const transitionColumns = `seq,id,idea_id,from_stage,from_status,to_stage,to_status,triggered_by,COALESCE(metadata_json,''),created_at`

func scanTransitions(rows *sql.Rows) ([]domain.StateTransition, error) {
	defer rows.Close()
	var res []domain.StateTransition
	for rows.Next() {
		var (
			t                                        domain.StateTransition
			fromStage, fromStatus, toStage, toStatus string
			meta                                     string
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.IdeaID, &fromStage, &fromStatus, &toStage, &toStatus, &t.TriggeredBy, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.FromStage, t.FromStatus = domain.Stage(fromStage), domain.Status(fromStatus)
		t.ToStage, t.ToStatus = domain.Stage(toStage), domain.Status(toStatus)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
				return nil, err
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListTransitions returns an idea's transition history in log order.
func (r Repo) ListTransitions(ctx context.Context, ideaID string) ([]domain.StateTransition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transitionColumns+` FROM state_transitions WHERE idea_id=? ORDER BY seq`, ideaID)
	if err != nil {
		return nil, err
	}
	return scanTransitions(rows)
}

// TransitionsAfter returns up to limit transitions with seq greater than
// cursor, across all ideas.
func (r Repo) TransitionsAfter(ctx context.Context, cursor int64, limit int) ([]domain.StateTransition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+transitionColumns+` FROM state_transitions WHERE seq>? ORDER BY seq LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanTransitions(rows)
}

// LatestTransitionSeq returns the highest log sequence, or 0 for an empty log.
func (r Repo) LatestTransitionSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM state_transitions`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
