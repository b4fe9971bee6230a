package domain

// Stage is a named phase of the idea pipeline.
type Stage string

const (
	StageInput           Stage = "input"
	StageProjectAnalysis Stage = "project_analysis"
	StageEnrichment      Stage = "enrichment"
	StageEvaluation      Stage = "evaluation"
	StageHumanReview     Stage = "human_review"
	StageScaffolding     Stage = "scaffolding"
	StageBuilding        Stage = "building"
	StageCompleted       Stage = "completed"
	StageArchived        Stage = "archived"
)

// AllStages lists stages in pipeline order.
func AllStages() []Stage {
	return []Stage{
		StageInput,
		StageProjectAnalysis,
		StageEnrichment,
		StageEvaluation,
		StageHumanReview,
		StageScaffolding,
		StageBuilding,
		StageCompleted,
		StageArchived,
	}
}

func (s Stage) Valid() bool {
	for _, st := range AllStages() {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further pipeline work follows the stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageArchived
}

// Status is the stage-scoped sub-state of an idea.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusAwaitingReview Status = "awaiting_review"
	StatusPaused         Status = "paused"
)

func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAwaitingReview, StatusPaused}
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses() {
		if st == s {
			return true
		}
	}
	return false
}

// Mode says whether an idea targets a new project or an existing codebase.
type Mode string

const (
	ModeNew              Mode = "new"
	ModeExistingComplete Mode = "existing_complete"
	ModeExistingEnhance  Mode = "existing_enhance"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeNew, ModeExistingComplete, ModeExistingEnhance:
		return true
	}
	return false
}

// Existing reports whether the mode works on an existing codebase.
func (m Mode) Existing() bool {
	return m == ModeExistingComplete || m == ModeExistingEnhance
}

type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionRefine  ReviewDecision = "refine"
	DecisionReject  ReviewDecision = "reject"
	DecisionDefer   ReviewDecision = "defer"
)

func (d ReviewDecision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionRefine, DecisionReject, DecisionDefer:
		return true
	}
	return false
}

type SourceType string

const (
	SourceLocalPath SourceType = "local_path"
	SourceGitURL    SourceType = "git_url"
)

type ProjectSource struct {
	SourceType   SourceType `json:"source_type" enum:"local_path,git_url"`
	Location     string     `json:"location"`
	Branch       string     `json:"branch,omitempty"`
	Subdirectory string     `json:"subdirectory,omitempty"`
}

type Idea struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Content            string         `json:"content"`
	Tags               []string       `json:"tags,omitempty"`
	Mode               Mode           `json:"mode" enum:"new,existing_complete,existing_enhance"`
	ProjectSource      *ProjectSource `json:"project_source,omitempty"`
	PreferredTechStack []string       `json:"preferred_tech_stack,omitempty"`
	CurrentStage       Stage          `json:"current_stage"`
	CurrentStatus      Status         `json:"current_status"`
	SubmittedBy        *string        `json:"submitted_by,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

type EnrichmentOutput struct {
	EnhancedTitle       string   `json:"enhanced_title"`
	EnhancedDescription string   `json:"enhanced_description"`
	ProblemStatement    string   `json:"problem_statement"`
	PotentialSolutions  []string `json:"potential_solutions"`
	MarketContext       string   `json:"market_context"`
}

type EnrichmentResult struct {
	IdeaID     string           `json:"idea_id"`
	Output     EnrichmentOutput `json:"output"`
	ProducedBy string           `json:"produced_by,omitempty"`
	ProducedAt string           `json:"produced_at" format:"date-time"`
}

type DetectedPattern struct {
	PatternName string   `json:"pattern_name"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
}

type KeyFile struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

type CompletionGap struct {
	GapType     string `json:"gap_type"`
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

type EnhancementOpportunity struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Impact      string `json:"impact,omitempty"`
}

type ProjectAnalysisOutput struct {
	ProjectName              string                   `json:"project_name"`
	DetectedTechStack        []string                 `json:"detected_tech_stack"`
	DetectedPatterns         []DetectedPattern        `json:"detected_patterns,omitempty"`
	TotalFiles               int                      `json:"total_files"`
	KeyFiles                 []KeyFile                `json:"key_files,omitempty"`
	EntryPoints              []string                 `json:"entry_points,omitempty"`
	CompletionGaps           []CompletionGap          `json:"completion_gaps,omitempty"`
	CompletenessScore        *float64                 `json:"completeness_score,omitempty"`
	EnhancementOpportunities []EnhancementOpportunity `json:"enhancement_opportunities,omitempty"`
	ArchitectureQualityScore *float64                 `json:"architecture_quality_score,omitempty"`
	ReadmeSummary            string                   `json:"readme_summary,omitempty"`
	Constraints              []string                 `json:"constraints,omitempty"`
}

type ProjectAnalysisResult struct {
	IdeaID     string                `json:"idea_id"`
	Output     ProjectAnalysisOutput `json:"output"`
	ProducedBy string                `json:"produced_by,omitempty"`
	ProducedAt string                `json:"produced_at" format:"date-time"`
}

const (
	RecommendationDevelop = "develop"
	RecommendationRefine  = "refine"
	RecommendationReject  = "reject"
	RecommendationDefer   = "defer"

	FitStrong     = "strong"
	FitDeveloping = "developing"
	FitMissing    = "missing"
)

type EvaluationOutput struct {
	JTBDAnalysis            string   `json:"jtbd_analysis"`
	DisruptionPotential     string   `json:"disruption_potential"`
	DisruptionScore         float64  `json:"disruption_score" minimum:"0" maximum:"1"`
	OverallScore            float64  `json:"overall_score" minimum:"0" maximum:"100"`
	CapabilitiesFit         string   `json:"capabilities_fit" enum:"strong,developing,missing"`
	Recommendation          string   `json:"recommendation" enum:"develop,refine,reject,defer"`
	RecommendationRationale string   `json:"recommendation_rationale"`
	KeyRisks                []string `json:"key_risks,omitempty"`
	CaseStudyMatches        []string `json:"case_study_matches,omitempty"`
}

type EvaluationResult struct {
	IdeaID     string           `json:"idea_id"`
	Output     EvaluationOutput `json:"output"`
	ProducedBy string           `json:"produced_by,omitempty"`
	ProducedAt string           `json:"produced_at" format:"date-time"`
}

// FileModification is a patch-style edit to an existing project file.
type FileModification struct {
	Path        string `json:"path"`
	Description string `json:"description"`
	Patch       string `json:"patch,omitempty"`
}

type NewFileSpec struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
}

type ScaffoldingOutput struct {
	BlueprintContent  string              `json:"blueprint_content"`
	ProjectStructure  map[string][]string `json:"project_structure"`
	TechStack         []string            `json:"tech_stack"`
	EstimatedHours    *float64            `json:"estimated_hours,omitempty"`
	FileModifications []FileModification  `json:"file_modifications,omitempty"`
	NewFiles          []NewFileSpec       `json:"new_files,omitempty"`
	PreservedFiles    []string            `json:"preserved_files,omitempty"`
}

type ScaffoldingResult struct {
	IdeaID     string            `json:"idea_id"`
	Output     ScaffoldingOutput `json:"output"`
	ProducedBy string            `json:"produced_by,omitempty"`
	ProducedAt string            `json:"produced_at" format:"date-time"`
}

const (
	BuildSuccess = "success"
	BuildPartial = "partial"
	BuildFailed  = "failed"
)

type BuildOutput struct {
	Outcome   string   `json:"outcome" enum:"success,partial,failed"`
	Artifacts []string `json:"artifacts"`
	OutputDir string   `json:"output_dir,omitempty"`
}

type BuildResult struct {
	IdeaID      string      `json:"idea_id"`
	Output      BuildOutput `json:"output"`
	DownloadURL string      `json:"download_url,omitempty"`
	StorageKey  string      `json:"storage_key,omitempty"`
	StartedAt   string      `json:"started_at,omitempty" format:"date-time"`
	CompletedAt string      `json:"completed_at,omitempty" format:"date-time"`
	ProducedBy  string      `json:"produced_by,omitempty"`
}

type HumanReview struct {
	ID         string         `json:"id"`
	IdeaID     string         `json:"idea_id"`
	Stage      Stage          `json:"stage"`
	Decision   ReviewDecision `json:"decision" enum:"approve,refine,reject,defer"`
	Rationale  string         `json:"rationale,omitempty"`
	ReviewerID string         `json:"reviewer_id"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

// StateTransition is one audited (stage, status) change of an idea.
type StateTransition struct {
	Seq         int64          `json:"seq"`
	ID          string         `json:"id"`
	IdeaID      string         `json:"idea_id"`
	FromStage   Stage          `json:"from_stage"`
	FromStatus  Status         `json:"from_status"`
	ToStage     Stage          `json:"to_stage"`
	ToStatus    Status         `json:"to_status"`
	TriggeredBy string         `json:"triggered_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

const (
	RoleAdmin        = "admin"
	RoleCollaborator = "collaborator"
)

type User struct {
	ID              string  `json:"id"`
	Email           string  `json:"email,omitempty"`
	Name            string  `json:"name,omitempty"`
	Role            string  `json:"role" enum:"admin,collaborator"`
	TermsAcceptedAt *string `json:"terms_accepted_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StageCount is the number of ideas currently at a stage.
type StageCount struct {
	Stage Stage `json:"stage"`
	Count int   `json:"count"`
}

// Roles of a vetting conversation message.
const (
	ChatRoleUser      = "user"
	ChatRoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role" enum:"user,assistant"`
	Content string `json:"content"`
}

// VettingConversation is a chat that shapes a rough idea into a submission.
// Once Submitted it accepts no more messages.
type VettingConversation struct {
	ID        string        `json:"conversation_id"`
	UserID    string        `json:"user_id"`
	Messages  []ChatMessage `json:"messages"`
	Submitted bool          `json:"submitted"`
	IdeaID    *string       `json:"idea_id,omitempty"`
	CreatedAt string        `json:"created_at" format:"date-time"`
	UpdatedAt string        `json:"updated_at" format:"date-time"`
}
