package stages

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"ideafactory/internal/domain"
)

var skipDirs = map[string]bool{
	"node_modules": true, ".git": true, "__pycache__": true, ".venv": true, "venv": true,
	"dist": true, "build": true, ".next": true, ".cache": true, "coverage": true,
	"target": true, ".idea": true, ".vscode": true,
}

var priorityFiles = map[string]bool{
	"README.md": true, "BLUEPRINT.md": true, "package.json": true, "requirements.txt": true,
	"Cargo.toml": true, "go.mod": true, "pyproject.toml": true, "setup.py": true,
	"Dockerfile": true, "docker-compose.yml": true, "Makefile": true, "tsconfig.json": true,
	".env.example": true, "main.py": true, "app.py": true, "main.go": true,
	"index.ts": true, "index.js": true, "main.ts": true, "main.js": true, "server.py": true,
}

var languages = map[string]string{
	".py": "python", ".ts": "typescript", ".tsx": "typescript", ".js": "javascript", ".jsx": "javascript",
	".java": "java", ".go": "go", ".rs": "rust", ".c": "c", ".cpp": "cpp", ".h": "c", ".hpp": "cpp",
	".cs": "csharp", ".rb": "ruby", ".php": "php", ".swift": "swift", ".kt": "kotlin", ".scala": "scala",
	".sql": "sql", ".sh": "shell", ".bash": "shell", ".yaml": "yaml", ".yml": "yaml", ".json": "json",
	".toml": "toml", ".md": "markdown", ".html": "html", ".css": "css", ".scss": "scss",
}

// Analyzer inspects an existing codebase for existing-project ideas.
type Analyzer struct {
	Options
	CloneDir     string
	MaxKeyFiles  int
	MaxFileBytes int64
}

func NewAnalyzer(o Options, cloneDir string, maxKeyFiles int, maxFileBytes int64) *Analyzer {
	if maxKeyFiles <= 0 {
		maxKeyFiles = 20
	}
	if maxFileBytes <= 0 {
		maxFileBytes = 50 * 1024
	}
	return &Analyzer{Options: o, CloneDir: cloneDir, MaxKeyFiles: maxKeyFiles, MaxFileBytes: maxFileBytes}
}

type keyFile struct {
	path    string
	content string
}

func (a *Analyzer) Analyze(ctx context.Context, idea domain.Idea) (domain.ProjectAnalysisOutput, error) {
	var out domain.ProjectAnalysisOutput
	if idea.ProjectSource == nil {
		return out, fmt.Errorf("project analysis: idea %s has no project source", idea.ID)
	}
	root, err := a.resolve(ctx, *idea.ProjectSource)
	if err != nil {
		return out, fmt.Errorf("project analysis: %w", err)
	}
	files, err := scanFiles(ctx, root)
	if err != nil {
		return out, fmt.Errorf("project analysis: scan %s: %w", root, err)
	}
	keys := a.readKeyFiles(root, files)
	a.logger().Info("project scanned",
		zap.String("idea_id", idea.ID), zap.String("root", root), zap.Int("files", len(files)), zap.Int("key_files", len(keys)))

	if err := a.completeJSON(ctx, "project_analysis", analysisPrompt(idea, filepath.Base(root), files, keys), &out); err != nil {
		return out, err
	}
	if out.ProjectName == "" {
		out.ProjectName = filepath.Base(root)
	}
	if out.TotalFiles == 0 {
		out.TotalFiles = len(files)
	}
	for i := range out.KeyFiles {
		if out.KeyFiles[i].Language == "" {
			out.KeyFiles[i].Language = languages[filepath.Ext(out.KeyFiles[i].Path)]
		}
	}
	for _, score := range []*float64{out.CompletenessScore, out.ArchitectureQualityScore} {
		if score != nil && (*score < 0 || *score > 1) {
			return out, fmt.Errorf("project analysis: %w: score %v outside [0,1]", ErrInvalidOutput, *score)
		}
	}
	return out, nil
}

// resolve returns the local directory to analyse, cloning or updating git
// sources under CloneDir.
func (a *Analyzer) resolve(ctx context.Context, src domain.ProjectSource) (string, error) {
	var root string
	switch src.SourceType {
	case domain.SourceLocalPath:
		abs, err := filepath.Abs(src.Location)
		if err != nil {
			return "", err
		}
		root = abs
	case domain.SourceGitURL:
		dir, err := a.checkout(ctx, src)
		if err != nil {
			return "", err
		}
		root = dir
	default:
		return "", fmt.Errorf("unsupported source type %q", src.SourceType)
	}
	if src.Subdirectory != "" {
		sub := filepath.Clean(filepath.FromSlash(src.Subdirectory))
		if filepath.IsAbs(sub) || sub == ".." || strings.HasPrefix(sub, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("subdirectory %q escapes the project", src.Subdirectory)
		}
		root = filepath.Join(root, sub)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("project path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project path %s is not a directory", root)
	}
	return root, nil
}

func (a *Analyzer) checkout(ctx context.Context, src domain.ProjectSource) (string, error) {
	name := repoName(src.Location)
	if name == "" {
		return "", fmt.Errorf("cannot derive repository name from %q", src.Location)
	}
	dest := filepath.Join(a.CloneDir, name)
	var ref plumbing.ReferenceName
	if src.Branch != "" {
		ref = plumbing.NewBranchReferenceName(src.Branch)
	}
	if repo, err := git.PlainOpen(dest); err == nil {
		wt, err := repo.Worktree()
		if err != nil {
			return "", fmt.Errorf("open worktree %s: %w", dest, err)
		}
		err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin", ReferenceName: ref, SingleBranch: ref != ""})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
			return "", fmt.Errorf("pull %s: %w", src.Location, err)
		}
		a.logger().Debug("updated clone", zap.String("path", dest))
		return dest, nil
	}
	if err := os.MkdirAll(a.CloneDir, 0o755); err != nil {
		return "", err
	}
	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:           src.Location,
		ReferenceName: ref,
		SingleBranch:  ref != "",
	})
	if err != nil {
		_ = os.RemoveAll(dest)
		return "", fmt.Errorf("clone %s: %w", src.Location, err)
	}
	a.logger().Info("cloned project", zap.String("url", src.Location), zap.String("path", dest))
	return dest, nil
}

func repoName(location string) string {
	loc := strings.TrimRight(strings.TrimSpace(location), "/")
	if i := strings.LastIndexAny(loc, "/:"); i >= 0 {
		loc = loc[i+1:]
	}
	loc = strings.TrimSuffix(loc, ".git")
	if loc == "." || loc == ".." {
		return ""
	}
	return loc
}

// scanFiles lists regular files under root as sorted slash paths, skipping
// dependency and build directories.
func scanFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

// readKeyFiles reads priority files first, then other source files, up to
// the configured count and size limits.
func (a *Analyzer) readKeyFiles(root string, files []string) []keyFile {
	var keys []keyFile
	seen := map[string]bool{}
	take := func(match func(string) bool) {
		for _, f := range files {
			if len(keys) >= a.MaxKeyFiles {
				return
			}
			if seen[f] || !match(f) {
				continue
			}
			full := filepath.Join(root, filepath.FromSlash(f))
			info, err := os.Stat(full)
			if err != nil || info.Size() > a.MaxFileBytes {
				continue
			}
			data, err := os.ReadFile(full)
			if err != nil {
				a.logger().Warn("read key file", zap.String("path", f), zap.Error(err))
				continue
			}
			seen[f] = true
			keys = append(keys, keyFile{path: f, content: string(data)})
		}
	}
	take(func(f string) bool { return priorityFiles[filepath.Base(f)] })
	take(func(f string) bool { return languages[filepath.Ext(f)] != "" })
	return keys
}

func analysisPrompt(idea domain.Idea, name string, files []string, keys []keyFile) string {
	var p strings.Builder
	p.WriteString("You are a code analyst. Analyse this existing project.\n\n")
	fmt.Fprintf(&p, "PROJECT: %s\nGOALS: %s\n%s\n", name, idea.Title, idea.Content)
	p.WriteString("\nFILE TREE:\n")
	for i, f := range files {
		if i == 400 {
			fmt.Fprintf(&p, "... and %d more files\n", len(files)-i)
			break
		}
		p.WriteString(f)
		p.WriteByte('\n')
	}
	p.WriteString("\nKEY FILES:\n")
	for _, kf := range keys {
		fmt.Fprintf(&p, "=== %s ===\n%s\n", kf.path, kf.content)
	}
	if idea.Mode == domain.ModeExistingComplete {
		p.WriteString(`
Identify what is unfinished. Respond with JSON only:
{"project_name": "...", "detected_tech_stack": ["..."], "detected_patterns": [{"pattern_name": "...", "confidence": 0.0, "evidence": ["..."]}],
 "total_files": 0, "key_files": [{"path": "...", "language": "...", "purpose": "..."}], "entry_points": ["..."],
 "completion_gaps": [{"gap_type": "...", "description": "...", "location": "...", "priority": "high|medium|low"}],
 "completeness_score": 0.0, "readme_summary": "...", "constraints": ["..."]}`)
	} else {
		p.WriteString(`
Identify how it can be improved. Respond with JSON only:
{"project_name": "...", "detected_tech_stack": ["..."], "detected_patterns": [{"pattern_name": "...", "confidence": 0.0, "evidence": ["..."]}],
 "total_files": 0, "key_files": [{"path": "...", "language": "...", "purpose": "..."}], "entry_points": ["..."],
 "enhancement_opportunities": [{"category": "...", "description": "...", "impact": "..."}],
 "architecture_quality_score": 0.0, "readme_summary": "...", "constraints": ["..."]}`)
	}
	return p.String()
}
