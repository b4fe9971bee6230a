package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"ideafactory/internal/artifacts"
	"ideafactory/internal/domain"
	"ideafactory/internal/engine"
	"ideafactory/internal/engine/auth"
	"ideafactory/internal/llm"
	"ideafactory/internal/repo"
	"ideafactory/internal/vetting"
)

// ArtifactOpener serves stored build archives.
type ArtifactOpener interface {
	Open(key string) (*os.File, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Repo      repo.Repo
	BasePath  string
	Auth      AuthConfig
	Artifacts ArtifactOpener
	Metrics   http.Handler
	Logger    *zap.Logger
	// Runs tracks pipeline work started in the background, if set.
	Runs *sync.WaitGroup
	// Vetting serves the idea vetting chat. Nil answers 503.
	Vetting *vetting.Service
	Terms   Terms
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type deps struct {
	engine  engine.Engine
	repo    repo.Repo
	users   auth.Service
	logger  *zap.Logger
	runs    *sync.WaitGroup
	vetting *vetting.Service
}

// New returns an HTTP handler exposing the idea factory API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	d := deps{
		engine:  cfg.Engine,
		repo:    cfg.Repo,
		users:   auth.Service{Users: cfg.Repo, AdminEmails: cfg.Auth.AdminEmails},
		logger:  logger,
		runs:    cfg.Runs,
		vetting: cfg.Vetting,
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, d.users, logger))
	hcfg := huma.DefaultConfig("Idea Factory API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Artifacts != nil {
		registerArtifacts(router, cfg.Artifacts)
	}
	registerHealth(group)
	registerIdeas(group, d)
	registerPipeline(group, d)
	registerReviews(group, d)
	registerStats(group, d)
	registerMe(group, d)
	registerUsers(group, d)
	registerTerms(group, cfg.Terms.withDefaults())
	registerVetting(group, d)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, auth.ErrTermsNotAccepted):
		return newAPIError(http.StatusForbidden, "terms_not_accepted", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidIdea):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrQuotaExceeded):
		return newAPIError(http.StatusTooManyRequests, "quota_exceeded", err.Error(), nil)
	case errors.Is(err, vetting.ErrNotOwner):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, vetting.ErrInvalidMessage):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, llm.ErrDisabled):
		return newAPIError(http.StatusServiceUnavailable, "llm_disabled", err.Error(), nil)
	case errors.Is(err, repo.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// caller returns the authenticated user after checking perm.
func (d deps) caller(ctx context.Context, perm string) (domain.User, error) {
	p, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.User{}, authErr
	}
	if err := d.users.Require(p.User, perm); err != nil {
		return p.User, err
	}
	return p.User, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerArtifacts(r chi.Router, store ArtifactOpener) {
	r.Get("/artifacts/{key}", func(w http.ResponseWriter, req *http.Request) {
		key := chi.URLParam(req, "key")
		f, err := store.Open(key)
		if err != nil {
			if errors.Is(err, artifacts.ErrNotFound) {
				respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "artifact not found", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
			return
		}
		name := strings.TrimSuffix(key, ".zip") + ".zip"
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, req, name, info.ModTime(), f)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "users", "terms"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Idea Factory API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type ideaPath struct {
	IdeaID string `path:"idea_id"`
}

func registerIdeas(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-idea",
		Method:        http.MethodPost,
		Path:          "/ideas",
		Summary:       "Submit an idea",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusTooManyRequests,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitIdeaRequest `json:"body"`
	}) (*struct {
		Body domain.Idea `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := d.users.RequireTerms(p.User, auth.PermIdeaSubmit); err != nil {
			return nil, handleError(err)
		}
		idea, err := d.engine.SubmitIdea(ctx, engine.SubmitIdeaInput{
			Title:              input.Body.Title,
			Content:            input.Body.Content,
			Tags:               input.Body.Tags,
			Mode:               input.Body.Mode,
			ProjectSource:      input.Body.ProjectSource,
			PreferredTechStack: input.Body.PreferredTechStack,
			SubmittedBy:        p.User.ID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Idea `json:"body"`
		}{Body: idea}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ideas",
		Method:      http.MethodGet,
		Path:        "/ideas",
		Summary:     "List ideas",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Stage  string `query:"stage" enum:"input,project_analysis,enrichment,evaluation,human_review,scaffolding,building,completed,archived"`
		Status string `query:"status" enum:"pending,processing,completed,failed,awaiting_review,paused"`
		Mine   bool   `query:"mine"`
		Limit  int    `query:"limit" default:"50"`
		Offset int    `query:"offset" minimum:"0"`
	}) (*struct {
		Body IdeaList `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermIdeaRead)
		if err != nil {
			return nil, handleError(err)
		}
		f := repo.IdeaFilter{
			Stage:  domain.Stage(input.Stage),
			Status: domain.Status(input.Status),
			Limit:  normalizeLimit(input.Limit),
			Offset: input.Offset,
		}
		if input.Mine {
			f.SubmittedBy = u.ID
		}
		items, err := d.repo.ListIdeas(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IdeaList `json:"body"`
		}{Body: IdeaList{Items: nonNilSlice(items), Limit: f.Limit, Offset: f.Offset}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idea-rate-limit",
		Method:      http.MethodGet,
		Path:        "/ideas/rate-limit",
		Summary:     "Caller's daily submission quota",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Quota `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermIdeaRead)
		if err != nil {
			return nil, handleError(err)
		}
		q, err := d.engine.Quota(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Quota `json:"body"`
		}{Body: q}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-idea",
		Method:      http.MethodGet,
		Path:        "/ideas/{idea_id}",
		Summary:     "Get an idea with its stage results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body IdeaDetail `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		detail, err := ideaDetail(ctx, d.repo, input.IdeaID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IdeaDetail `json:"body"`
		}{Body: detail}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-analysis",
		Method:      http.MethodGet,
		Path:        "/ideas/{idea_id}/analysis",
		Summary:     "Project analysis of an existing-project idea",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body domain.ProjectAnalysisResult `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		idea, err := d.repo.GetIdea(ctx, input.IdeaID)
		if err != nil {
			return nil, handleError(err)
		}
		if !idea.Mode.Existing() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project analysis is only available for existing-project ideas", map[string]any{"mode": idea.Mode})
		}
		res, err := d.repo.GetProjectAnalysis(ctx, idea.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProjectAnalysisResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/ideas/{idea_id}/transitions",
		Summary:     "State transition log of an idea",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body []domain.StateTransition `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := d.repo.GetIdea(ctx, input.IdeaID); err != nil {
			return nil, handleError(err)
		}
		items, err := d.repo.ListTransitions(ctx, input.IdeaID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.StateTransition `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{idea_id}/archive",
		Summary:     "Archive a failed idea",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body engine.PipelineResult `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermIdeaArchive)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := d.engine.Archive(ctx, input.IdeaID, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Success {
			if res.Idea == nil {
				return nil, newAPIError(http.StatusNotFound, "not_found", res.Message, nil)
			}
			return nil, newAPIError(http.StatusConflict, "conflict", res.Message, resultDetails(res))
		}
		return &struct {
			Body engine.PipelineResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerPipeline(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-status",
		Method:      http.MethodGet,
		Path:        "/ideas/{idea_id}/status",
		Summary:     "Pipeline status and next action",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body engine.PipelineStatus `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		st, err := d.engine.Status(ctx, input.IdeaID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PipelineStatus `json:"body"`
		}{Body: st}, nil
	})

	actions := []struct {
		name    string
		summary string
		run     func(engine.Engine) func(context.Context, string) (engine.PipelineResult, error)
	}{
		{"start", "Start the pipeline of a submitted idea", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) {
			return e.StartPipeline
		}},
		{"continue", "Advance the pipeline by one step", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) {
			return e.ContinuePipeline
		}},
		{"run", "Run the pipeline until a review gate, a failure or the end", func(e engine.Engine) func(context.Context, string) (engine.PipelineResult, error) {
			return e.RunFullPipeline
		}},
	}
	for _, action := range actions {
		action := action
		huma.Register(api, huma.Operation{
			OperationID:   action.name + "-pipeline",
			Method:        http.MethodPost,
			Path:          "/ideas/{idea_id}/" + action.name,
			Summary:       action.summary,
			DefaultStatus: http.StatusAccepted,
			Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *ideaPath) (*struct {
			Body RunAccepted `json:"body"`
		}, error) {
			if _, err := d.caller(ctx, auth.PermPipelineRun); err != nil {
				return nil, handleError(err)
			}
			idea, err := d.repo.GetIdea(ctx, input.IdeaID)
			if err != nil {
				return nil, handleError(err)
			}
			if err := runnable(action.name, idea); err != nil {
				return nil, err
			}
			d.launch(ctx, idea.ID, action.name, action.run(d.engine))
			return &struct {
				Body RunAccepted `json:"body"`
			}{Body: RunAccepted{IdeaID: idea.ID, Action: action.name, Status: "accepted"}}, nil
		})
	}
}

// runnable rejects actions that cannot make progress from the idea's
// current state. The engine re-checks under the idea lock.
func runnable(action string, idea domain.Idea) huma.StatusError {
	state := map[string]any{"stage": idea.CurrentStage, "status": idea.CurrentStatus}
	switch {
	case (action == "start" || action == "run") && (idea.CurrentStage != domain.StageInput || idea.CurrentStatus != domain.StatusPending):
		return newAPIError(http.StatusConflict, "conflict", "idea is not at input stage", state)
	case idea.CurrentStage.Terminal():
		return newAPIError(http.StatusConflict, "conflict", "pipeline already finished", state)
	case idea.CurrentStatus == domain.StatusProcessing:
		return newAPIError(http.StatusConflict, "conflict", "stage is already processing", state)
	}
	return nil
}

// launch runs a pipeline action detached from the request.
func (d deps) launch(ctx context.Context, ideaID, action string, fn func(context.Context, string) (engine.PipelineResult, error)) {
	ctx = context.WithoutCancel(ctx)
	if d.runs != nil {
		d.runs.Add(1)
	}
	go func() {
		if d.runs != nil {
			defer d.runs.Done()
		}
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("pipeline run panicked", zap.String("idea_id", ideaID), zap.String("action", action), zap.Any("panic", r))
			}
		}()
		res, err := fn(ctx, ideaID)
		if err != nil {
			d.logger.Error("pipeline run failed", zap.String("idea_id", ideaID), zap.String("action", action), zap.Error(err))
			return
		}
		d.logger.Info("pipeline run finished",
			zap.String("idea_id", ideaID),
			zap.String("action", action),
			zap.Bool("success", res.Success),
			zap.String("stage", string(res.Stage)),
			zap.String("status", string(res.Status)),
			zap.String("message", res.Message))
	}()
}

func registerReviews(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-review",
		Method:      http.MethodPost,
		Path:        "/ideas/{idea_id}/reviews",
		Summary:     "Record a human review decision",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IdeaID string        `path:"idea_id"`
		Body   ReviewRequest `json:"body"`
	}) (*struct {
		Body engine.PipelineResult `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermReviewWrite)
		if err != nil {
			return nil, handleError(err)
		}
		// An accepted decision runs its stage to the end even if the client
		// goes away.
		res, err := d.engine.ApplyReview(context.WithoutCancel(ctx), input.IdeaID, input.Body.Decision, input.Body.Rationale, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Success {
			if res.Idea == nil && strings.Contains(res.Message, "not found") {
				return nil, newAPIError(http.StatusNotFound, "not_found", res.Message, nil)
			}
			return nil, newAPIError(http.StatusBadRequest, "review_rejected", res.Message, resultDetails(res))
		}
		return &struct {
			Body engine.PipelineResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-review",
		Method:      http.MethodPost,
		Path:        "/ideas/{idea_id}/resume",
		Summary:     "Return a deferred idea to awaiting review",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body engine.PipelineResult `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermReviewWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := d.engine.ResumeReview(ctx, input.IdeaID, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !res.Success {
			if res.Idea == nil {
				return nil, newAPIError(http.StatusNotFound, "not_found", res.Message, nil)
			}
			return nil, newAPIError(http.StatusConflict, "conflict", res.Message, resultDetails(res))
		}
		return &struct {
			Body engine.PipelineResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reviews",
		Method:      http.MethodGet,
		Path:        "/ideas/{idea_id}/reviews",
		Summary:     "Reviews recorded for an idea",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *ideaPath) (*struct {
		Body []domain.HumanReview `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		if _, err := d.repo.GetIdea(ctx, input.IdeaID); err != nil {
			return nil, handleError(err)
		}
		items, err := d.repo.ListReviews(ctx, input.IdeaID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HumanReview `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews/pending",
		Summary:     "Ideas awaiting a human review",
	}, func(ctx context.Context, input *struct {
		Limit  int `query:"limit" default:"50"`
		Offset int `query:"offset" minimum:"0"`
	}) (*struct {
		Body IdeaList `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.IdeaFilter{
			Stage:  domain.StageHumanReview,
			Status: domain.StatusAwaitingReview,
			Limit:  normalizeLimit(input.Limit),
			Offset: input.Offset,
		}
		items, err := d.repo.ListIdeas(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IdeaList `json:"body"`
		}{Body: IdeaList{Items: nonNilSlice(items), Limit: f.Limit, Offset: f.Offset}}, nil
	})
}

func registerStats(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Idea counts by stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermIdeaRead); err != nil {
			return nil, handleError(err)
		}
		counts, err := d.repo.CountByStage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp := StatsResponse{ByStage: nonNilSlice(counts)}
		for _, c := range counts {
			resp.Total += c.Count
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{User: p.User, Permissions: nonNilSlice(auth.Permissions(p.User.Role)), Source: p.Source}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-terms",
		Method:      http.MethodPost,
		Path:        "/me/accept-terms",
		Summary:     "Accept the terms of use",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := d.repo.AcceptTerms(ctx, p.User.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/me/api-keys",
		Summary:       "Create an API key; the key is only returned once",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreatedAPIKey `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermAPIKeysManage)
		if err != nil {
			return nil, handleError(err)
		}
		plain := auth.NewAPIKey()
		key := domain.APIKey{
			ID:      uuid.NewString(),
			UserID:  u.ID,
			Name:    strings.TrimSpace(input.Body.Name),
			KeyHash: repo.HashAPIKey(plain),
		}
		if err := d.repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedAPIKey `json:"body"`
		}{Body: CreatedAPIKey{APIKey: key, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/me/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		u, err := d.caller(ctx, auth.PermAPIKeysManage)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := d.repo.ListAPIKeys(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/me/api-keys/{key_id}",
		Summary:       "Revoke one of the caller's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		u, err := d.caller(ctx, auth.PermAPIKeysManage)
		if err != nil {
			return nil, handleError(err)
		}
		keys, err := d.repo.ListAPIKeys(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, k := range keys {
			if k.ID == input.KeyID {
				if err := d.repo.DeleteAPIKey(ctx, k.ID); err != nil {
					return nil, handleError(err)
				}
				return &struct{}{}, nil
			}
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
	})
}

func registerUsers(api huma.API, d deps) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermUsersRead); err != nil {
			return nil, handleError(err)
		}
		items, err := d.repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-role",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/role",
		Summary:     "Change a user's role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID string         `path:"user_id"`
		Body   SetRoleRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, err := d.caller(ctx, auth.PermUsersManage); err != nil {
			return nil, handleError(err)
		}
		if err := d.repo.SetUserRole(ctx, input.UserID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		u, err := d.repo.GetUser(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func ideaDetail(ctx context.Context, r repo.Repo, id string) (IdeaDetail, error) {
	idea, err := r.GetIdea(ctx, id)
	if err != nil {
		return IdeaDetail{}, err
	}
	detail := IdeaDetail{Idea: idea}
	if detail.ProjectAnalysis, err = optional(r.GetProjectAnalysis(ctx, id)); err != nil {
		return detail, err
	}
	if detail.Enrichment, err = optional(r.GetEnrichment(ctx, id)); err != nil {
		return detail, err
	}
	if detail.Evaluation, err = optional(r.GetEvaluation(ctx, id)); err != nil {
		return detail, err
	}
	if detail.Scaffolding, err = optional(r.GetScaffolding(ctx, id)); err != nil {
		return detail, err
	}
	if detail.Build, err = optional(r.GetBuild(ctx, id)); err != nil {
		return detail, err
	}
	reviews, err := r.ListReviews(ctx, id)
	if err != nil {
		return detail, err
	}
	detail.Reviews = nonNilSlice(reviews)
	return detail, nil
}

func optional[T any](v T, err error) (*T, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func resultDetails(res engine.PipelineResult) map[string]any {
	details := map[string]any{}
	if res.Stage != "" {
		details["stage"] = res.Stage
	}
	if res.Status != "" {
		details["status"] = res.Status
	}
	return details
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
