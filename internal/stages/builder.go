package stages

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"ideafactory/internal/domain"
)

// Builder generates project files from an approved scaffolding plan into
// OutputDir/<idea-id>.
type Builder struct {
	Options
	OutputDir string
	MaxFiles  int
}

func NewBuilder(o Options, outputDir string, maxFiles int) *Builder {
	if maxFiles <= 0 {
		maxFiles = 40
	}
	return &Builder{Options: o, OutputDir: outputDir, MaxFiles: maxFiles}
}

// Build writes the generated files. Individual file failures lower the
// outcome to partial or failed; only filesystem errors and context
// cancellation are returned as errors.
func (b *Builder) Build(ctx context.Context, idea domain.Idea, enrichment domain.EnrichmentResult, scaffolding domain.ScaffoldingResult) (domain.BuildOutput, error) {
	if b.LLM == nil {
		return domain.BuildOutput{}, fmt.Errorf("building: no llm configured")
	}
	dir := filepath.Join(b.OutputDir, idea.ID)
	if err := os.RemoveAll(dir); err != nil {
		return domain.BuildOutput{}, fmt.Errorf("building: reset %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.BuildOutput{}, fmt.Errorf("building: %w", err)
	}
	w := &buildWriter{dir: dir}
	if err := w.write("BLUEPRINT.md", scaffolding.Output.BlueprintContent); err != nil {
		return domain.BuildOutput{}, fmt.Errorf("building: %w", err)
	}

	var expected, generated int
	var err error
	if idea.Mode.Existing() {
		expected, generated, err = b.buildExisting(ctx, w, idea, enrichment, scaffolding.Output)
	} else {
		expected, generated, err = b.buildNew(ctx, w, idea, enrichment, scaffolding.Output)
	}
	if err != nil {
		return domain.BuildOutput{}, fmt.Errorf("building: %w", err)
	}
	out := domain.BuildOutput{Artifacts: w.artifacts, OutputDir: dir}
	switch {
	case generated == expected:
		out.Outcome = domain.BuildSuccess
	case generated > 0:
		out.Outcome = domain.BuildPartial
	default:
		out.Outcome = domain.BuildFailed
	}
	b.logger().Info("build finished",
		zap.String("idea_id", idea.ID), zap.String("outcome", out.Outcome), zap.Int("generated", generated), zap.Int("expected", expected))
	return out, nil
}

func (b *Builder) buildNew(ctx context.Context, w *buildWriter, idea domain.Idea, enrichment domain.EnrichmentResult, sc domain.ScaffoldingOutput) (int, int, error) {
	files := flattenStructure(sc.ProjectStructure)
	if len(files) > b.MaxFiles {
		files = files[:b.MaxFiles]
	}
	if len(files) == 0 {
		return 1, 0, nil
	}
	generated := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		prompt := fmt.Sprintf(`You are a software engineer. Write the complete contents of %s for the project %q.

DESCRIPTION:
%s
TECH STACK: %s
BLUEPRINT:
%s

Return only the file contents.`, f, enrichment.Output.EnhancedTitle, enrichment.Output.EnhancedDescription, strings.Join(sc.TechStack, ", "), sc.BlueprintContent)
		if b.generate(ctx, w, idea.ID, f, prompt) {
			generated++
		}
	}
	return len(files), generated, ctx.Err()
}

func (b *Builder) buildExisting(ctx context.Context, w *buildWriter, idea domain.Idea, enrichment domain.EnrichmentResult, sc domain.ScaffoldingOutput) (int, int, error) {
	expected := len(sc.FileModifications) + len(sc.NewFiles)
	generated := 0
	var patches []string
	for i, m := range sc.FileModifications {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		name := path.Join(".patches", fmt.Sprintf("%02d-%s.patch", i+1, safeName(m.Path)))
		if strings.TrimSpace(m.Patch) != "" {
			if err := w.write(name, m.Patch); err != nil {
				return 0, 0, err
			}
			generated++
			patches = append(patches, name)
			continue
		}
		prompt := fmt.Sprintf(`You are a software engineer. Produce a unified diff (git format) for %s in an existing project.

CHANGE: %s
CONTEXT: %s
Do not touch these files: %s

Return only the patch.`, m.Path, m.Description, enrichment.Output.ProblemStatement, strings.Join(sc.PreservedFiles, ", "))
		if b.generate(ctx, w, idea.ID, name, prompt) {
			generated++
			patches = append(patches, name)
		}
	}
	var created []string
	for _, nf := range sc.NewFiles {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		prompt := fmt.Sprintf(`You are a software engineer. Write the new file %s for an existing %s project.

PURPOSE: %s
BLUEPRINT:
%s

Return only the file contents.`, nf.Path, strings.Join(sc.TechStack, ", "), nf.Purpose, sc.BlueprintContent)
		if b.generate(ctx, w, idea.ID, nf.Path, prompt) {
			generated++
			created = append(created, nf.Path)
		}
	}
	if err := w.write("APPLY.md", applyInstructions(idea, patches, created, sc.PreservedFiles)); err != nil {
		return 0, 0, err
	}
	if expected == 0 {
		return 0, 0, nil
	}
	return expected, generated, nil
}

// generate asks the model for one file and writes it. Failures are logged.
func (b *Builder) generate(ctx context.Context, w *buildWriter, ideaID, name, prompt string) bool {
	content, err := b.LLM.Complete(ctx, prompt)
	if err != nil {
		b.logger().Warn("file generation failed", zap.String("idea_id", ideaID), zap.String("file", name), zap.Error(err))
		return false
	}
	content = stripFence(content)
	if strings.TrimSpace(content) == "" {
		b.logger().Warn("empty file generated", zap.String("idea_id", ideaID), zap.String("file", name))
		return false
	}
	if err := w.write(name, content); err != nil {
		b.logger().Warn("file write failed", zap.String("idea_id", ideaID), zap.String("file", name), zap.Error(err))
		return false
	}
	return true
}

type buildWriter struct {
	dir       string
	artifacts []string
}

// write stores content at the slash path rel inside the build directory.
func (w *buildWriter) write(rel, content string) error {
	clean := path.Clean("/" + filepath.ToSlash(rel))[1:]
	if clean == "" {
		return fmt.Errorf("invalid artifact path %q", rel)
	}
	full := filepath.Join(w.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return err
	}
	w.artifacts = append(w.artifacts, clean)
	return nil
}

// flattenStructure turns a dir -> files map into sorted file paths.
func flattenStructure(structure map[string][]string) []string {
	seen := map[string]bool{}
	var files []string
	for dir, names := range structure {
		d := strings.Trim(filepath.ToSlash(dir), "/")
		if d == "root" || d == "." {
			d = ""
		}
		for _, n := range names {
			n = strings.Trim(filepath.ToSlash(n), "/")
			if n == "" {
				continue
			}
			p := n
			if d != "" && !strings.HasPrefix(n, d+"/") {
				p = d + "/" + n
			}
			if !seen[p] {
				seen[p] = true
				files = append(files, p)
			}
		}
	}
	sort.Strings(files)
	return files
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

func safeName(p string) string {
	return strings.Trim(unsafeName.ReplaceAllString(p, "_"), "_.")
}

func applyInstructions(idea domain.Idea, patches, created, preserved []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Applying changes for %s\n\n", idea.Title)
	b.WriteString("Review every patch and new file before applying.\n\n## Patches\n\n")
	for _, p := range patches {
		fmt.Fprintf(&b, "- `git apply %s`\n", p)
	}
	if len(patches) == 0 {
		b.WriteString("None.\n")
	}
	b.WriteString("\n## New files\n\n")
	for _, f := range created {
		fmt.Fprintf(&b, "- copy `%s`\n", f)
	}
	if len(created) == 0 {
		b.WriteString("None.\n")
	}
	if len(preserved) > 0 {
		b.WriteString("\n## Preserved files\n\nThese files must stay unchanged:\n\n")
		for _, f := range preserved {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
	}
	return b.String()
}
