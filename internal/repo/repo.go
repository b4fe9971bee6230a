package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ideafactory/internal/domain"
	"ideafactory/internal/events"
)

// Repo is the SQLite-backed store for ideas, stage results, reviews and the
// transition log. It is safe for concurrent use.
type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStateConflict means the idea left the expected (stage, status)
	// between read and write.
	ErrStateConflict = errors.New("state changed concurrently, retry")
)

func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{}, Now: time.Now}
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

const ideaColumns = `id,title,content,COALESCE(tags_json,''),mode,COALESCE(project_source_json,''),COALESCE(preferred_tech_stack_json,''),current_stage,current_status,submitted_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdea(row rowScanner) (domain.Idea, error) {
	var (
		idea                     domain.Idea
		tagsJSON, srcJSON, stack string
		mode, stage, status      string
		submittedBy              sql.NullString
	)
	err := row.Scan(&idea.ID, &idea.Title, &idea.Content, &tagsJSON, &mode, &srcJSON, &stack, &stage, &status, &submittedBy, &idea.CreatedAt, &idea.UpdatedAt)
	if err == sql.ErrNoRows {
		return idea, ErrNotFound
	}
	if err != nil {
		return idea, err
	}
	idea.Mode = domain.Mode(mode)
	idea.CurrentStage = domain.Stage(stage)
	idea.CurrentStatus = domain.Status(status)
	if submittedBy.Valid {
		idea.SubmittedBy = &submittedBy.String
	}
	if err := unmarshalOptional(tagsJSON, &idea.Tags); err != nil {
		return idea, fmt.Errorf("idea %s tags: %w", idea.ID, err)
	}
	if err := unmarshalOptional(stack, &idea.PreferredTechStack); err != nil {
		return idea, fmt.Errorf("idea %s tech stack: %w", idea.ID, err)
	}
	if srcJSON != "" {
		var src domain.ProjectSource
		if err := json.Unmarshal([]byte(srcJSON), &src); err != nil {
			return idea, fmt.Errorf("idea %s project source: %w", idea.ID, err)
		}
		idea.ProjectSource = &src
	}
	return idea, nil
}

func (r Repo) InsertIdea(ctx context.Context, idea domain.Idea) error {
	tags, err := marshalOptional(idea.Tags)
	if err != nil {
		return err
	}
	stack, err := marshalOptional(idea.PreferredTechStack)
	if err != nil {
		return err
	}
	var src any
	if idea.ProjectSource != nil {
		b, err := json.Marshal(idea.ProjectSource)
		if err != nil {
			return err
		}
		src = string(b)
	}
	var submittedBy any
	if idea.SubmittedBy != nil {
		submittedBy = *idea.SubmittedBy
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO ideas(id,title,content,tags_json,mode,project_source_json,preferred_tech_stack_json,current_stage,current_status,submitted_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		idea.ID, idea.Title, idea.Content, tags, string(idea.Mode), src, stack, string(idea.CurrentStage), string(idea.CurrentStatus), submittedBy, idea.CreatedAt, idea.UpdatedAt)
	return err
}

func (r Repo) GetIdea(ctx context.Context, id string) (domain.Idea, error) {
	return scanIdea(r.DB.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, id))
}

// IdeaFilter narrows ListIdeas. Empty fields match everything.
type IdeaFilter struct {
	Stage       domain.Stage
	Status      domain.Status
	SubmittedBy string
	Limit       int
	Offset      int
}

func (r Repo) ListIdeas(ctx context.Context, f IdeaFilter) ([]domain.Idea, error) {
	var (
		where []string
		args  []any
	)
	if f.Stage != "" {
		where = append(where, "current_stage=?")
		args = append(args, string(f.Stage))
	}
	if f.Status != "" {
		where = append(where, "current_status=?")
		args = append(args, string(f.Status))
	}
	if f.SubmittedBy != "" {
		where = append(where, "submitted_by=?")
		args = append(args, f.SubmittedBy)
	}
	query := `SELECT ` + ideaColumns + ` FROM ideas`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, idea)
	}
	return res, rows.Err()
}

// StateChange describes a compare-and-swap update of an idea's state.
type StateChange struct {
	IdeaID      string
	FromStage   domain.Stage
	FromStatus  domain.Status
	ToStage     domain.Stage
	ToStatus    domain.Status
	TriggeredBy string
	Metadata    map[string]any
}

// UpdateIdeaState moves the idea from (FromStage, FromStatus) to
// (ToStage, ToStatus) and appends the matching transition record in the same
// transaction. If the idea is no longer in the expected state nothing is
// written and ErrStateConflict is returned.
func (r Repo) UpdateIdeaState(ctx context.Context, ch StateChange) (domain.Idea, domain.StateTransition, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Idea{}, domain.StateTransition{}, err
	}
	defer tx.Rollback()

	now := r.now()
	res, err := tx.ExecContext(ctx, `UPDATE ideas SET current_stage=?, current_status=?, updated_at=? WHERE id=? AND current_stage=? AND current_status=?`,
		string(ch.ToStage), string(ch.ToStatus), now, ch.IdeaID, string(ch.FromStage), string(ch.FromStatus))
	if err != nil {
		return domain.Idea{}, domain.StateTransition{}, fmt.Errorf("update idea state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Idea{}, domain.StateTransition{}, err
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM ideas WHERE id=?`, ch.IdeaID).Scan(&exists)
		if err == sql.ErrNoRows {
			return domain.Idea{}, domain.StateTransition{}, ErrNotFound
		}
		if err != nil {
			return domain.Idea{}, domain.StateTransition{}, err
		}
		return domain.Idea{}, domain.StateTransition{}, ErrStateConflict
	}
	tr, err := r.Events.Append(ctx, tx, domain.StateTransition{
		IdeaID:      ch.IdeaID,
		FromStage:   ch.FromStage,
		FromStatus:  ch.FromStatus,
		ToStage:     ch.ToStage,
		ToStatus:    ch.ToStatus,
		TriggeredBy: ch.TriggeredBy,
		Metadata:    ch.Metadata,
		CreatedAt:   now,
	})
	if err != nil {
		return domain.Idea{}, domain.StateTransition{}, fmt.Errorf("append transition: %w", err)
	}
	idea, err := scanIdea(tx.QueryRowContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE id=?`, ch.IdeaID))
	if err != nil {
		return domain.Idea{}, domain.StateTransition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Idea{}, domain.StateTransition{}, err
	}
	return idea, tr, nil
}

// CountIdeasSince counts ideas submitted by a user at or after since.
func (r Repo) CountIdeasSince(ctx context.Context, submittedBy string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM ideas WHERE submitted_by=? AND created_at>=?`,
		submittedBy, since.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// CountByStage returns the number of ideas currently at each stage. Stages
// with no ideas are reported with a zero count.
func (r Repo) CountByStage(ctx context.Context) ([]domain.StageCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT current_stage, COUNT(*) FROM ideas GROUP BY current_stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Stage]int{}
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[domain.Stage(stage)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]domain.StageCount, 0, len(domain.AllStages()))
	for _, st := range domain.AllStages() {
		out = append(out, domain.StageCount{Stage: st, Count: counts[st]})
	}
	return out, nil
}

// ListStaleProcessing returns ideas stuck in a processing status whose last
// update is older than before.
func (r Repo) ListStaleProcessing(ctx context.Context, before time.Time) ([]domain.Idea, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ideaColumns+` FROM ideas WHERE current_status=? AND updated_at<? ORDER BY updated_at`,
		string(domain.StatusProcessing), before.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Idea
	for rows.Next() {
		idea, err := scanIdea(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, idea)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalOptional(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalOptional(data string, out *[]string) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), out)
}
