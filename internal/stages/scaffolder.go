package stages

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"ideafactory/internal/domain"
)

// Scaffolder turns an approved idea into a blueprint and file plan.
type Scaffolder struct{ Options }

func NewScaffolder(o Options) *Scaffolder { return &Scaffolder{o} }

// Scaffold plans the project. analysis is required for existing-project
// modes and ignored for new projects.
func (s *Scaffolder) Scaffold(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, evaluation domain.EvaluationResult, analysis *domain.ProjectAnalysisResult) (domain.ScaffoldingOutput, error) {
	if idea.Mode.Existing() && analysis == nil {
		return domain.ScaffoldingOutput{}, fmt.Errorf("scaffolding: project analysis required for mode %s", idea.Mode)
	}
	var p strings.Builder
	en, ev := enrichment.Output, evaluation.Output
	fmt.Fprintf(&p, "You are a software architect. Plan the implementation of %q.\n\n", en.EnhancedTitle)
	fmt.Fprintf(&p, "PROBLEM: %s\nDESCRIPTION:\n%s\nSOLUTIONS:\n%s\n", en.ProblemStatement, en.EnhancedDescription, bullet(en.PotentialSolutions))
	fmt.Fprintf(&p, "EVALUATION: recommendation=%s score=%.0f fit=%s\nRISKS:\n%s\n", ev.Recommendation, ev.OverallScore, ev.CapabilitiesFit, bullet(ev.KeyRisks))
	if len(idea.PreferredTechStack) > 0 {
		fmt.Fprintf(&p, "PREFERRED TECH STACK: %s\n", strings.Join(idea.PreferredTechStack, ", "))
	}
	if idea.Mode.Existing() {
		a := analysis.Output
		fmt.Fprintf(&p, "\nThis changes the EXISTING project %q (%s). Do not rewrite it.\n", a.ProjectName, strings.Join(a.DetectedTechStack, ", "))
		p.WriteString("KEY FILES:\n")
		for _, kf := range a.KeyFiles {
			fmt.Fprintf(&p, "- %s (%s)\n", kf.Path, kf.Purpose)
		}
		if len(a.Constraints) > 0 {
			fmt.Fprintf(&p, "CONSTRAINTS:\n%s\n", bullet(a.Constraints))
		}
		p.WriteString(`
Respond with JSON only:
{"blueprint_content": "markdown", "project_structure": {"dir": ["file"]}, "tech_stack": ["..."], "estimated_hours": 0,
 "file_modifications": [{"path": "...", "description": "..."}], "new_files": [{"path": "...", "purpose": "..."}],
 "preserved_files": ["paths that must not change"]}`)
	} else {
		p.WriteString(`
Respond with JSON only:
{"blueprint_content": "markdown", "project_structure": {"dir": ["file"]}, "tech_stack": ["..."], "estimated_hours": 0}`)
	}

	var out domain.ScaffoldingOutput
	if err := s.completeJSON(ctx, "scaffolding", p.String(), &out); err != nil {
		return out, err
	}
	if strings.TrimSpace(out.BlueprintContent) == "" {
		return out, fmt.Errorf("scaffolding: %w: blueprint_content is empty", ErrInvalidOutput)
	}
	if out.ProjectStructure == nil {
		out.ProjectStructure = map[string][]string{}
	}
	if !idea.Mode.Existing() {
		out.FileModifications, out.NewFiles, out.PreservedFiles = nil, nil, nil
		if len(out.ProjectStructure) == 0 {
			return out, fmt.Errorf("scaffolding: %w: project_structure is empty", ErrInvalidOutput)
		}
		return out, nil
	}
	if len(out.PreservedFiles) == 0 {
		out.PreservedFiles = untouchedKeyFiles(analysis.Output.KeyFiles, out.FileModifications)
	}
	return out, nil
}

// untouchedKeyFiles lists analysed key files that no modification targets.
func untouchedKeyFiles(keys []domain.KeyFile, mods []domain.FileModification) []string {
	touched := make(map[string]bool, len(mods))
	for _, m := range mods {
		touched[path.Clean(m.Path)] = true
	}
	preserved := []string{}
	for _, kf := range keys {
		if !touched[path.Clean(kf.Path)] {
			preserved = append(preserved, kf.Path)
		}
	}
	sort.Strings(preserved)
	return preserved
}
