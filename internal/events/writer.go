// Package events writes the append-only idea transition log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ideafactory/internal/domain"
)

type Writer struct {
	Now func() time.Time
}

// Append records t inside tx so the log commits or rolls back together with
// the state change it describes. The returned transition carries its id and
// log sequence number.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, t domain.StateTransition) (domain.StateTransition, error) {
	if t.IdeaID == "" {
		return t, fmt.Errorf("transition idea id required")
	}
	if t.TriggeredBy == "" {
		return t, fmt.Errorf("transition triggered_by required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		t.CreatedAt = now().UTC().Format(time.RFC3339)
	}
	var meta any
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return t, fmt.Errorf("marshal transition metadata: %w", err)
		}
		meta = string(data)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO state_transitions(id,idea_id,from_stage,from_status,to_stage,to_status,triggered_by,metadata_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.IdeaID, string(t.FromStage), string(t.FromStatus), string(t.ToStage), string(t.ToStatus), t.TriggeredBy, meta, t.CreatedAt)
	if err != nil {
		return t, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.Seq = seq
	return t, nil
}
