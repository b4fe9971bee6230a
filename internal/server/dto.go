package server

import (
	"ideafactory/internal/domain"
)

// Request payloads

type SubmitIdeaRequest struct {
	Title              string                `json:"title"`
	Content            string                `json:"content"`
	Tags               []string              `json:"tags,omitempty"`
	Mode               domain.Mode           `json:"mode,omitempty" enum:"new,existing_complete,existing_enhance"`
	ProjectSource      *domain.ProjectSource `json:"project_source,omitempty"`
	PreferredTechStack []string              `json:"preferred_tech_stack,omitempty"`
}

type ReviewRequest struct {
	Decision  domain.ReviewDecision `json:"decision" enum:"approve,refine,reject,defer"`
	Rationale string                `json:"rationale,omitempty"`
}

type SetRoleRequest struct {
	Role string `json:"role" enum:"admin,collaborator"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type VettingMessageRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Responses

// IdeaDetail is an idea together with every stage result produced so far.
type IdeaDetail struct {
	Idea            domain.Idea                   `json:"idea"`
	ProjectAnalysis *domain.ProjectAnalysisResult `json:"project_analysis,omitempty"`
	Enrichment      *domain.EnrichmentResult      `json:"enrichment,omitempty"`
	Evaluation      *domain.EvaluationResult      `json:"evaluation,omitempty"`
	Scaffolding     *domain.ScaffoldingResult     `json:"scaffolding,omitempty"`
	Build           *domain.BuildResult           `json:"build,omitempty"`
	Reviews         []domain.HumanReview          `json:"reviews"`
}

type IdeaList struct {
	Items  []domain.Idea `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RunAccepted acknowledges a pipeline action queued in the background.
type RunAccepted struct {
	IdeaID string `json:"idea_id"`
	Action string `json:"action" enum:"start,continue,run"`
	Status string `json:"status" example:"accepted"`
}

type StatsResponse struct {
	Total   int                 `json:"total"`
	ByStage []domain.StageCount `json:"by_stage"`
}

type MeResponse struct {
	User        domain.User `json:"user"`
	Permissions []string    `json:"permissions"`
	Source      string      `json:"source"`
}

type DeletedResponse struct {
	Deleted bool `json:"deleted"`
}

type CreatedAPIKey struct {
	domain.APIKey
	Key string `json:"key"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
