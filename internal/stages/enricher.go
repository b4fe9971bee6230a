package stages

import (
	"context"
	"fmt"
	"strings"

	"ideafactory/internal/domain"
)

// Enricher expands a raw idea into a structured problem description.
type Enricher struct{ Options }

func NewEnricher(o Options) *Enricher { return &Enricher{o} }

// Enrich builds the enrichment. analysis is set for existing-project ideas;
// feedback carries a reviewer's refinement rationale.
func (e *Enricher) Enrich(ctx context.Context, idea domain.Idea, analysis *domain.ProjectAnalysisResult, feedback string) (domain.EnrichmentOutput, error) {
	var p strings.Builder
	p.WriteString("You are a product analyst. Expand the idea below into a clear problem definition.\n\n")
	fmt.Fprintf(&p, "TITLE: %s\nDESCRIPTION:\n%s\n", idea.Title, idea.Content)
	if len(idea.Tags) > 0 {
		fmt.Fprintf(&p, "TAGS: %s\n", strings.Join(idea.Tags, ", "))
	}
	if len(idea.PreferredTechStack) > 0 {
		fmt.Fprintf(&p, "PREFERRED TECH STACK: %s\n", strings.Join(idea.PreferredTechStack, ", "))
	}
	if analysis != nil {
		a := analysis.Output
		fmt.Fprintf(&p, "\nEXISTING PROJECT %q\nTech stack: %s\n", a.ProjectName, strings.Join(a.DetectedTechStack, ", "))
		if a.ReadmeSummary != "" {
			fmt.Fprintf(&p, "Summary: %s\n", a.ReadmeSummary)
		}
		if idea.Mode == domain.ModeExistingComplete {
			p.WriteString("Known gaps:\n")
			for _, g := range a.CompletionGaps {
				fmt.Fprintf(&p, "- [%s] %s\n", g.GapType, g.Description)
			}
		} else {
			p.WriteString("Enhancement opportunities:\n")
			for _, o := range a.EnhancementOpportunities {
				fmt.Fprintf(&p, "- [%s] %s\n", o.Category, o.Description)
			}
		}
	}
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&p, "\nREVIEWER FEEDBACK (address it in this revision):\n%s\n", feedback)
	}
	p.WriteString(`
Respond with JSON only:
{"enhanced_title": "...", "enhanced_description": "...", "problem_statement": "...", "potential_solutions": ["..."], "market_context": "..."}`)

	var out domain.EnrichmentOutput
	if err := e.completeJSON(ctx, "enrichment", p.String(), &out); err != nil {
		return out, err
	}
	if strings.TrimSpace(out.EnhancedTitle) == "" {
		out.EnhancedTitle = idea.Title
	}
	if strings.TrimSpace(out.ProblemStatement) == "" {
		return out, fmt.Errorf("enrichment: %w: problem_statement is empty", ErrInvalidOutput)
	}
	return out, nil
}
