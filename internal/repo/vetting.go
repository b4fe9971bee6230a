package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ideafactory/internal/domain"
)

func (r Repo) GetConversation(ctx context.Context, id string) (domain.VettingConversation, error) {
	var (
		c         domain.VettingConversation
		messages  string
		submitted int
		ideaID    sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,messages_json,submitted,idea_id,created_at,updated_at FROM vetting_conversations WHERE id=?`, id).
		Scan(&c.ID, &c.UserID, &messages, &submitted, &ideaID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return c, fmt.Errorf("conversation %s messages: %w", c.ID, err)
	}
	c.Submitted = submitted != 0
	if ideaID.Valid {
		c.IdeaID = &ideaID.String
	}
	return c, nil
}

// SaveConversation inserts or replaces a conversation's history and
// submission state. CreatedAt is kept from the first save.
func (r Repo) SaveConversation(ctx context.Context, c domain.VettingConversation) error {
	if c.Messages == nil {
		c.Messages = []domain.ChatMessage{}
	}
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return err
	}
	now := r.now()
	if c.CreatedAt == "" {
		c.CreatedAt = now
	}
	var ideaID any
	if c.IdeaID != nil {
		ideaID = *c.IdeaID
	}
	submitted := 0
	if c.Submitted {
		submitted = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO vetting_conversations(id,user_id,messages_json,submitted,idea_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET messages_json=excluded.messages_json, submitted=excluded.submitted, idea_id=excluded.idea_id, updated_at=excluded.updated_at`,
		c.ID, c.UserID, string(messages), submitted, ideaID, c.CreatedAt, now)
	return err
}

func (r Repo) DeleteConversation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM vetting_conversations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OldestIdeaSince returns when the earliest idea a user submitted at or
// after since was created. ErrNotFound means there is none.
func (r Repo) OldestIdeaSince(ctx context.Context, submittedBy string, since time.Time) (time.Time, error) {
	var oldest sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MIN(created_at) FROM ideas WHERE submitted_by=? AND created_at>=?`,
		submittedBy, since.UTC().Format(time.RFC3339)).Scan(&oldest)
	if err != nil {
		return time.Time{}, err
	}
	if !oldest.Valid {
		return time.Time{}, ErrNotFound
	}
	return time.Parse(time.RFC3339, oldest.String)
}
