package factorysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Idea Factory HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// ProjectSource points at an existing project for the existing modes.
type ProjectSource struct {
	SourceType   string `json:"source_type"`
	Location     string `json:"location"`
	Branch       string `json:"branch,omitempty"`
	Subdirectory string `json:"subdirectory,omitempty"`
}

// SubmitIdea is the submission payload.
type SubmitIdea struct {
	Title              string         `json:"title"`
	Content            string         `json:"content"`
	Tags               []string       `json:"tags,omitempty"`
	Mode               string         `json:"mode,omitempty"`
	ProjectSource      *ProjectSource `json:"project_source,omitempty"`
	PreferredTechStack []string       `json:"preferred_tech_stack,omitempty"`
}

// Idea represents the API idea model (partial).
type Idea struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Mode          string `json:"mode"`
	CurrentStage  string `json:"current_stage"`
	CurrentStatus string `json:"current_status"`
	UpdatedAt     string `json:"updated_at"`
}

// Transition is one entry of an idea's state log.
type Transition struct {
	Seq         int64          `json:"seq"`
	FromStage   string         `json:"from_stage"`
	FromStatus  string         `json:"from_status"`
	ToStage     string         `json:"to_stage"`
	ToStatus    string         `json:"to_status"`
	TriggeredBy string         `json:"triggered_by"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// Result is the outcome of a review or archive call.
type Result struct {
	Success        bool   `json:"success"`
	Idea           *Idea  `json:"idea,omitempty"`
	Stage          string `json:"stage,omitempty"`
	Status         string `json:"status,omitempty"`
	Message        string `json:"message"`
	RequiresReview bool   `json:"requires_review"`
}

// Status is the pipeline status view of an idea.
type Status struct {
	Idea       Idea   `json:"idea"`
	CanAdvance bool   `json:"can_advance"`
	NextAction string `json:"next_action,omitempty"`
	NextStage  string `json:"next_stage,omitempty"`
	Gate       int    `json:"gate,omitempty"`
}

// Accepted acknowledges a pipeline action running in the background.
type Accepted struct {
	IdeaID string `json:"idea_id"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// Quota is the caller's daily submission allowance.
type Quota struct {
	Limit     int     `json:"limit"`
	Used      int     `json:"used"`
	Remaining int     `json:"remaining"`
	ResetAt   *string `json:"reset_at,omitempty"`
}

// VetReply is the assistant's answer in a vetting conversation.
type VetReply struct {
	Message        string  `json:"message"`
	ConversationID string  `json:"conversation_id"`
	IdeaSubmitted  bool    `json:"idea_submitted"`
	IdeaID         *string `json:"idea_id,omitempty"`
}

// Terms is the published terms of use.
type Terms struct {
	Version     string `json:"version"`
	Content     string `json:"content"`
	LastUpdated string `json:"last_updated"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitIdea creates an idea. The caller must have accepted the terms.
func (c *Client) SubmitIdea(ctx context.Context, in SubmitIdea) (Idea, error) {
	var resp Idea
	err := c.do(ctx, http.MethodPost, "ideas", in, &resp)
	return resp, err
}

// ListIdeas returns ideas, optionally filtered by stage.
func (c *Client) ListIdeas(ctx context.Context, stage string, limit int) ([]Idea, error) {
	q := url.Values{}
	if stage != "" {
		q.Set("stage", stage)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "ideas"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Idea `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Start, Continue and Run queue a pipeline action for an idea.
func (c *Client) Start(ctx context.Context, ideaID string) (Accepted, error) {
	return c.action(ctx, ideaID, "start")
}

func (c *Client) Continue(ctx context.Context, ideaID string) (Accepted, error) {
	return c.action(ctx, ideaID, "continue")
}

func (c *Client) Run(ctx context.Context, ideaID string) (Accepted, error) {
	return c.action(ctx, ideaID, "run")
}

func (c *Client) action(ctx context.Context, ideaID, action string) (Accepted, error) {
	var resp Accepted
	err := c.do(ctx, http.MethodPost, ideaPath(ideaID, action), nil, &resp)
	return resp, err
}

// Status returns where an idea stands and what comes next.
func (c *Client) Status(ctx context.Context, ideaID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, ideaPath(ideaID, "status"), nil, &resp)
	return resp, err
}

// WaitForState polls Status until the idea is no longer processing or ctx
// is done.
func (c *Client) WaitForState(ctx context.Context, ideaID string, every time.Duration) (Status, error) {
	if every <= 0 {
		every = time.Second
	}
	for {
		st, err := c.Status(ctx, ideaID)
		if err != nil {
			return st, err
		}
		if st.Idea.CurrentStatus != "processing" {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-time.After(every):
		}
	}
}

// Review records a decision at a review gate.
func (c *Client) Review(ctx context.Context, ideaID, decision, rationale string) (Result, error) {
	body := map[string]any{
		"decision":  decision,
		"rationale": rationale,
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, ideaPath(ideaID, "reviews"), body, &resp)
	return resp, err
}

// Resume returns a deferred review to awaiting review.
func (c *Client) Resume(ctx context.Context, ideaID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, ideaPath(ideaID, "resume"), nil, &resp)
	return resp, err
}

// Quota reports how many ideas the caller may still submit today.
func (c *Client) Quota(ctx context.Context) (Quota, error) {
	var resp Quota
	err := c.do(ctx, http.MethodGet, "ideas/rate-limit", nil, &resp)
	return resp, err
}

// Vet sends a message to the vetting chat. An empty conversationID starts a
// new conversation.
func (c *Client) Vet(ctx context.Context, conversationID, message string) (VetReply, error) {
	body := map[string]any{"message": message}
	if conversationID != "" {
		body["conversation_id"] = conversationID
	}
	var resp VetReply
	err := c.do(ctx, http.MethodPost, "chat/vetting", body, &resp)
	return resp, err
}

// Terms fetches the terms of use. No credentials are needed.
func (c *Client) Terms(ctx context.Context) (Terms, error) {
	var resp Terms
	err := c.do(ctx, http.MethodGet, "users/terms", nil, &resp)
	return resp, err
}

// Transitions returns an idea's state log.
func (c *Client) Transitions(ctx context.Context, ideaID string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, ideaPath(ideaID, "transitions"), nil, &resp)
	return resp, err
}

// AcceptTerms records that the caller accepted the terms of use.
func (c *Client) AcceptTerms(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "me/accept-terms", nil, nil)
}

func ideaPath(ideaID, p string) string {
	return fmt.Sprintf("ideas/%s/%s", url.PathEscape(ideaID), p)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
