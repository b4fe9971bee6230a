// Package notify fans human-review gate notifications out to the configured
// channels. Delivery is best effort: failures are reported per channel and
// logged, never returned as errors.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"ideafactory/internal/domain"
)

// GateContext describes an idea waiting at a review gate.
type GateContext struct {
	IdeaID             string       `json:"idea_id"`
	Title              string       `json:"title"`
	Stage              domain.Stage `json:"stage"`
	Gate               int          `json:"gate"`
	ReviewURL          string       `json:"review_url,omitempty"`
	EnrichmentSummary  string       `json:"enrichment_summary,omitempty"`
	EvaluationSummary  string       `json:"evaluation_summary,omitempty"`
	ScaffoldingSummary string       `json:"scaffolding_summary,omitempty"`
	RaisedAt           string       `json:"raised_at"`
}

// Result reports delivery per channel name.
type Result struct {
	Sent   map[string]bool
	Errors map[string]string
}

// Any reports whether at least one channel delivered.
func (r Result) Any() bool {
	for _, ok := range r.Sent {
		if ok {
			return true
		}
	}
	return false
}

type Channel interface {
	Name() string
	Send(ctx context.Context, gc GateContext) error
}

// Observer is told about each delivery attempt.
type Observer interface {
	ObserveNotification(channel string, ok bool)
}

type Service struct {
	channels []Channel
	logger   *zap.Logger
	observer Observer
	timeout  time.Duration
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// WithTimeout bounds each channel's Send.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func NewService(channels []Channel, opts ...Option) *Service {
	s := &Service{channels: channels, logger: zap.NewNop(), timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NotifyHILGate sends gc on every channel concurrently.
func (s *Service) NotifyHILGate(ctx context.Context, gc GateContext) Result {
	res := Result{Sent: map[string]bool{}, Errors: map[string]string{}}
	if gc.RaisedAt == "" {
		gc.RaisedAt = time.Now().UTC().Format(time.RFC3339)
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range s.channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			err := s.send(ctx, ch, gc)
			mu.Lock()
			defer mu.Unlock()
			res.Sent[ch.Name()] = err == nil
			if err != nil {
				res.Errors[ch.Name()] = err.Error()
				s.logger.Warn("gate notification failed",
					zap.String("channel", ch.Name()), zap.String("idea_id", gc.IdeaID), zap.Int("gate", gc.Gate), zap.Error(err))
			}
			if s.observer != nil {
				s.observer.ObserveNotification(ch.Name(), err == nil)
			}
		}(ch)
	}
	wg.Wait()
	s.logger.Info("gate notification dispatched",
		zap.String("idea_id", gc.IdeaID), zap.Int("gate", gc.Gate), zap.Any("sent", res.Sent))
	return res
}

func (s *Service) send(ctx context.Context, ch Channel, gc GateContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return ch.Send(ctx, gc)
}

// GateName is the human label of a gate.
func GateName(gate int) string {
	if gate == 1 {
		return "First Review Gate"
	}
	return "Second Review Gate"
}

func gateDescription(gate int) string {
	if gate == 1 {
		return "Enrichment and evaluation complete. Review before scaffolding."
	}
	return "Scaffolding complete. Review blueprint before building."
}

// SummarizeEnrichment renders the enrichment part of a gate message.
func SummarizeEnrichment(e *domain.EnrichmentResult) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("Title: %s\nProblem: %s\nDescription: %s",
		e.Output.EnhancedTitle, e.Output.ProblemStatement, truncate(e.Output.EnhancedDescription, 200))
}

func SummarizeEvaluation(e *domain.EvaluationResult) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("Score: %.0f/100\nRecommendation: %s\nRationale: %s",
		e.Output.OverallScore, strings.ToUpper(e.Output.Recommendation), e.Output.RecommendationRationale)
}

func SummarizeScaffolding(s *domain.ScaffoldingResult) string {
	if s == nil {
		return ""
	}
	stack := s.Output.TechStack
	if len(stack) > 5 {
		stack = stack[:5]
	}
	hours := "N/A"
	if s.Output.EstimatedHours != nil {
		hours = fmt.Sprintf("%.0f", *s.Output.EstimatedHours)
	}
	return fmt.Sprintf("Tech Stack: %s\nEstimated Hours: %s\nBlueprint preview: %s",
		strings.Join(stack, ", "), hours, truncate(s.Output.BlueprintContent, 200))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// Text renders gc as plain text for chat and log channels.
func Text(gc GateContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Idea Factory - %s\n*%s* (%s)\n%s\n", GateName(gc.Gate), gc.Title, shortID(gc.IdeaID), gateDescription(gc.Gate))
	for _, part := range []struct{ label, body string }{
		{"Enrichment", gc.EnrichmentSummary},
		{"Evaluation", gc.EvaluationSummary},
		{"Scaffolding", gc.ScaffoldingSummary},
	} {
		if part.body == "" {
			continue
		}
		fmt.Fprintf(&b, "\n*%s*\n%s\n", part.label, truncate(part.body, 500))
	}
	if gc.ReviewURL != "" {
		fmt.Fprintf(&b, "\nReview: %s\n", gc.ReviewURL)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
