package stages

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ideafactory/internal/domain"
)

type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	reply   func(prompt string) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	return f.reply(prompt)
}

func (f *fakeLLM) Model() string { return "fake" }

func replyWith(s string) *fakeLLM {
	return &fakeLLM{reply: func(string) (string, error) { return s, nil }}
}

func opts(t *testing.T, f *fakeLLM) Options {
	return Options{LLM: f, Logger: zaptest.NewLogger(t)}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFence("  {\"a\":1} "))
	assert.Equal(t, "x", stripFence("```\nx\n```"))
}

func TestEnrichIncludesFeedbackAndAnalysis(t *testing.T) {
	f := replyWith("```json\n{\"enhanced_title\":\"Better\",\"problem_statement\":\"p\",\"potential_solutions\":[\"s\"]}\n```")
	e := NewEnricher(opts(t, f))
	idea := domain.Idea{ID: "i1", Title: "Raw", Content: "something useful", Mode: domain.ModeExistingEnhance}
	analysis := &domain.ProjectAnalysisResult{Output: domain.ProjectAnalysisOutput{
		ProjectName:              "proj",
		EnhancementOpportunities: []domain.EnhancementOpportunity{{Category: "perf", Description: "cache lookups"}},
	}}
	out, err := e.Enrich(context.Background(), idea, analysis, "focus on latency")
	require.NoError(t, err)
	assert.Equal(t, "Better", out.EnhancedTitle)
	require.Len(t, f.prompts, 1)
	assert.Contains(t, f.prompts[0], "focus on latency")
	assert.Contains(t, f.prompts[0], "cache lookups")
}

func TestEnrichRejectsUndecodableReply(t *testing.T) {
	e := NewEnricher(opts(t, replyWith("not json")))
	_, err := e.Enrich(context.Background(), domain.Idea{Title: "x"}, nil, "")
	require.Error(t, err)

	e = NewEnricher(opts(t, &fakeLLM{reply: func(string) (string, error) { return "", errors.New("boom") }}))
	_, err = e.Enrich(context.Background(), domain.Idea{Title: "x"}, nil, "")
	require.ErrorContains(t, err, "boom")
}

func TestEvaluateValidatesRanges(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"valid", `{"disruption_score":0.4,"overall_score":72,"capabilities_fit":"Strong","recommendation":"DEVELOP"}`, true},
		{"score too high", `{"disruption_score":1.4,"overall_score":72,"capabilities_fit":"strong","recommendation":"develop"}`, false},
		{"overall negative", `{"disruption_score":0.4,"overall_score":-1,"capabilities_fit":"strong","recommendation":"develop"}`, false},
		{"unknown fit", `{"disruption_score":0.4,"overall_score":50,"capabilities_fit":"great","recommendation":"develop"}`, false},
		{"unknown recommendation", `{"disruption_score":0.4,"overall_score":50,"capabilities_fit":"missing","recommendation":"ship"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := NewEvaluator(opts(t, replyWith(tc.reply)))
			out, err := ev.Evaluate(context.Background(), domain.Idea{}, domain.EnrichmentResult{})
			if !tc.ok {
				assert.ErrorIs(t, err, ErrInvalidOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, domain.FitStrong, out.CapabilitiesFit)
			assert.Equal(t, domain.RecommendationDevelop, out.Recommendation)
		})
	}
}

func TestScaffoldExistingDefaultsPreservedFiles(t *testing.T) {
	f := replyWith(`{"blueprint_content":"# plan","project_structure":{},"file_modifications":[{"path":"main.go","description":"wire"}]}`)
	s := NewScaffolder(opts(t, f))
	idea := domain.Idea{ID: "i", Mode: domain.ModeExistingComplete}
	analysis := &domain.ProjectAnalysisResult{Output: domain.ProjectAnalysisOutput{KeyFiles: []domain.KeyFile{{Path: "main.go"}, {Path: "go.mod"}, {Path: "README.md"}}}}
	out, err := s.Scaffold(context.Background(), idea, domain.EnrichmentResult{}, domain.EvaluationResult{}, analysis)
	require.NoError(t, err)
	assert.Equal(t, []string{"README.md", "go.mod"}, out.PreservedFiles)

	_, err = s.Scaffold(context.Background(), idea, domain.EnrichmentResult{}, domain.EvaluationResult{}, nil)
	assert.Error(t, err)
}

func TestScaffoldNewDropsExistingProjectFields(t *testing.T) {
	f := replyWith(`{"blueprint_content":"# plan","project_structure":{"cmd":["main.go"]},"tech_stack":["go"],"preserved_files":["x"]}`)
	out, err := NewScaffolder(opts(t, f)).Scaffold(context.Background(), domain.Idea{Mode: domain.ModeNew}, domain.EnrichmentResult{}, domain.EvaluationResult{}, nil)
	require.NoError(t, err)
	assert.Nil(t, out.PreservedFiles)

	f = replyWith(`{"blueprint_content":"# plan","project_structure":{}}`)
	_, err = NewScaffolder(opts(t, f)).Scaffold(context.Background(), domain.Idea{Mode: domain.ModeNew}, domain.EnrichmentResult{}, domain.EvaluationResult{}, nil)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

func TestAnalyzeLocalProject(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# Demo project")
	writeFile(t, root, "go.mod", "module demo")
	writeFile(t, root, "internal/app.go", "package app")
	writeFile(t, root, "node_modules/lib/index.js", "ignored")
	writeFile(t, root, "big.go", strings.Repeat("x", 2048))

	f := replyWith(`{"project_name":"","detected_tech_stack":["go"],"key_files":[{"path":"internal/app.go"}],"completeness_score":0.5}`)
	a := NewAnalyzer(opts(t, f), t.TempDir(), 20, 1024)
	idea := domain.Idea{ID: "i1", Title: "Finish it", Content: "complete the app", Mode: domain.ModeExistingComplete,
		ProjectSource: &domain.ProjectSource{SourceType: domain.SourceLocalPath, Location: root}}
	out, err := a.Analyze(context.Background(), idea)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), out.ProjectName)
	assert.Equal(t, 4, out.TotalFiles)
	assert.Equal(t, "go", out.KeyFiles[0].Language)

	prompt := f.prompts[0]
	assert.Contains(t, prompt, "# Demo project")
	assert.Contains(t, prompt, "completion_gaps")
	assert.NotContains(t, prompt, "node_modules")
	assert.NotContains(t, prompt, strings.Repeat("x", 2048))
}

func TestAnalyzeRejectsBadSources(t *testing.T) {
	a := NewAnalyzer(opts(t, replyWith("{}")), t.TempDir(), 0, 0)
	_, err := a.Analyze(context.Background(), domain.Idea{ID: "x"})
	assert.Error(t, err)

	missing := domain.Idea{ID: "x", ProjectSource: &domain.ProjectSource{SourceType: domain.SourceLocalPath, Location: filepath.Join(t.TempDir(), "nope")}}
	_, err = a.Analyze(context.Background(), missing)
	assert.Error(t, err)

	escape := domain.Idea{ID: "x", ProjectSource: &domain.ProjectSource{SourceType: domain.SourceLocalPath, Location: t.TempDir(), Subdirectory: "../.."}}
	_, err = a.Analyze(context.Background(), escape)
	assert.ErrorContains(t, err, "escapes")
}

func TestAnalyzeClonesGitSource(t *testing.T) {
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not available for file transport")
	}
	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)
	writeFile(t, src, "README.md", "# cloned readme")
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("init", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Now()}})
	require.NoError(t, err)

	cloneDir := t.TempDir()
	f := replyWith(`{"project_name":"demo"}`)
	a := NewAnalyzer(opts(t, f), cloneDir, 20, 0)
	idea := domain.Idea{ID: "g1", Mode: domain.ModeExistingEnhance,
		ProjectSource: &domain.ProjectSource{SourceType: domain.SourceGitURL, Location: src}}
	_, err = a.Analyze(context.Background(), idea)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cloneDir, filepath.Base(src), "README.md"))
	assert.Contains(t, f.prompts[0], "# cloned readme")

	// second run pulls the existing clone
	_, err = a.Analyze(context.Background(), idea)
	require.NoError(t, err)
}

func TestRepoName(t *testing.T) {
	assert.Equal(t, "widget", repoName("https://github.com/acme/widget.git"))
	assert.Equal(t, "widget", repoName("git@github.com:acme/widget.git"))
	assert.Equal(t, "widget", repoName("https://github.com/acme/widget/"))
}

func TestBuildNewProject(t *testing.T) {
	f := &fakeLLM{reply: func(p string) (string, error) {
		if strings.Contains(p, "cmd/broken.go") {
			return "", errors.New("overloaded")
		}
		return "```go\npackage main\n```", nil
	}}
	b := NewBuilder(opts(t, f), t.TempDir(), 10)
	sc := domain.ScaffoldingResult{Output: domain.ScaffoldingOutput{
		BlueprintContent: "# blueprint",
		ProjectStructure: map[string][]string{"cmd": {"main.go", "broken.go"}, "root": {"go.mod"}},
	}}
	out, err := b.Build(context.Background(), domain.Idea{ID: "b1", Mode: domain.ModeNew}, domain.EnrichmentResult{}, sc)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildPartial, out.Outcome)
	assert.ElementsMatch(t, []string{"BLUEPRINT.md", "cmd/main.go", "go.mod"}, out.Artifacts)
	data, err := os.ReadFile(filepath.Join(out.OutputDir, "cmd", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main", string(data))
}

func TestBuildOutcomes(t *testing.T) {
	sc := domain.ScaffoldingResult{Output: domain.ScaffoldingOutput{BlueprintContent: "#", ProjectStructure: map[string][]string{"": {"a.txt", "b.txt"}}}}

	ok := NewBuilder(opts(t, replyWith("content")), t.TempDir(), 0)
	out, err := ok.Build(context.Background(), domain.Idea{ID: "x"}, domain.EnrichmentResult{}, sc)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSuccess, out.Outcome)

	failing := NewBuilder(opts(t, &fakeLLM{reply: func(string) (string, error) { return "", errors.New("down") }}), t.TempDir(), 0)
	out, err = failing.Build(context.Background(), domain.Idea{ID: "x"}, domain.EnrichmentResult{}, sc)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildFailed, out.Outcome)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ok.Build(ctx, domain.Idea{ID: "y"}, domain.EnrichmentResult{}, sc)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuildExistingProjectWritesPatches(t *testing.T) {
	f := replyWith("--- a/main.go\n+++ b/main.go\n")
	b := NewBuilder(opts(t, f), t.TempDir(), 0)
	sc := domain.ScaffoldingResult{Output: domain.ScaffoldingOutput{
		BlueprintContent:  "# plan",
		FileModifications: []domain.FileModification{{Path: "main.go", Description: "wire"}, {Path: "cfg/app.yml", Patch: "provided"}},
		NewFiles:          []domain.NewFileSpec{{Path: "internal/cache.go", Purpose: "cache"}},
		PreservedFiles:    []string{"go.mod"},
	}}
	out, err := b.Build(context.Background(), domain.Idea{ID: "e1", Title: "Enhance", Mode: domain.ModeExistingEnhance}, domain.EnrichmentResult{}, sc)
	require.NoError(t, err)
	assert.Equal(t, domain.BuildSuccess, out.Outcome)
	assert.Contains(t, out.Artifacts, ".patches/01-main.go.patch")
	assert.Contains(t, out.Artifacts, ".patches/02-cfg_app.yml.patch")
	assert.Contains(t, out.Artifacts, "internal/cache.go")
	assert.Contains(t, out.Artifacts, "APPLY.md")
	assert.Len(t, f.prompts, 2, "provided patches are not regenerated")

	apply, err := os.ReadFile(filepath.Join(out.OutputDir, "APPLY.md"))
	require.NoError(t, err)
	assert.Contains(t, string(apply), "`go.mod`")
}

func TestBuildWriterStaysInsideDir(t *testing.T) {
	dir := t.TempDir()
	w := &buildWriter{dir: dir}
	require.NoError(t, w.write("../../escape.txt", "x"))
	assert.FileExists(t, filepath.Join(dir, "escape.txt"))
	assert.Equal(t, []string{"escape.txt"}, w.artifacts)
}
