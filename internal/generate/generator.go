package generate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/splax/imageforge/internal/detect"
)

var (
	// ErrNotMonorepo is returned when orchestration is requested for a single application.
	ErrNotMonorepo = errors.New("generate: orchestration requires more than one application")
	// ErrServiceNameCollision indicates two application paths normalise to the same service name.
	ErrServiceNameCollision = errors.New("generate: service name collision")
	// ErrOutsideCheckout indicates an application path escapes the checkout root.
	ErrOutsideCheckout = errors.New("generate: path outside checkout")
)

// GenerationError wraps a failure to produce one artifact for one application.
type GenerationError struct {
	Path string
	Op   string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s for %s: %v", e.Op, e.Path, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Action describes what happened to a file during generation.
type Action string

const (
	ActionCreated   Action = "created"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionSkipped   Action = "skipped"
)

// File is one artifact produced or inspected by the generator.
type File struct {
	Path    string `json:"path"`
	Action  Action `json:"action"`
	Content string `json:"content,omitempty"`
}

// Options tunes generated output.
type Options struct {
	// ImagePrefix namespaces compose image names, e.g. "acme" yields "acme-web:latest".
	ImagePrefix string
}

// Generator writes build artifacts into a checkout.
type Generator struct {
	root string
	opts Options
	now  func() time.Time
}

// New returns a Generator rooted at a checkout directory.
func New(root string, opts Options) *Generator {
	return &Generator{root: root, opts: opts, now: time.Now}
}

// WithClock overrides the timestamp source used in generated documents.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) imageName(service string) string {
	prefix := NormalizeServiceName(g.opts.ImagePrefix)
	if strings.TrimSpace(g.opts.ImagePrefix) == "" {
		return service + ":latest"
	}
	return prefix + "-" + service + ":latest"
}

// Generate writes the Dockerfile and auxiliary files for one application.
func (g *Generator) Generate(app detect.Application, structure detect.ProjectStructure) ([]File, error) {
	dir, err := g.appDir(app.Path)
	if err != nil {
		return nil, &GenerationError{Path: app.Path, Op: "resolve", Err: err}
	}
	names, err := serviceNames(structure.Applications)
	if err != nil {
		return nil, &GenerationError{Path: app.Path, Op: "service names", Err: err}
	}

	var files []File

	dockerfile, err := renderDockerfile(app)
	if err != nil {
		return files, &GenerationError{Path: app.Path, Op: "dockerfile", Err: err}
	}
	f, err := g.writeOwned(dir, "Dockerfile", dockerfile)
	if err != nil {
		return files, &GenerationError{Path: app.Path, Op: "dockerfile", Err: err}
	}
	files = append(files, f)

	f, err = g.writeIfMissing(dir, ".dockerignore", renderDockerignore(app))
	if err != nil {
		return files, &GenerationError{Path: app.Path, Op: "dockerignore", Err: err}
	}
	files = append(files, f)

	if app.IsStatic {
		f, err = g.writeIfMissing(dir, "nginx.conf", []byte(nginxConfig))
		if err != nil {
			return files, &GenerationError{Path: app.Path, Op: "nginx config", Err: err}
		}
		files = append(files, f)
	}

	f, err = g.write(dir, ".env.example", renderEnvExample(app, structure, names))
	if err != nil {
		return files, &GenerationError{Path: app.Path, Op: "env template", Err: err}
	}
	files = append(files, f)

	if strings.EqualFold(app.Name, "Next.js") {
		patched, err := g.patchNextConfig(dir)
		if err != nil {
			return files, &GenerationError{Path: app.Path, Op: "next config", Err: err}
		}
		files = append(files, patched...)
	}
	return files, nil
}

// GenerateOrchestration renders the compose file for a monorepo without writing it.
func (g *Generator) GenerateOrchestration(structure detect.ProjectStructure) ([]byte, error) {
	if !structure.IsMonorepo || len(structure.Applications) < 2 {
		return nil, ErrNotMonorepo
	}
	return g.renderCompose(structure)
}

// GenerateProject writes checkout-level files: the compose file and grouped
// .env.example for monorepos, and the deployment guide.
func (g *Generator) GenerateProject(structure detect.ProjectStructure) ([]File, error) {
	if len(structure.Applications) == 0 {
		return nil, &GenerationError{Path: ".", Op: "project", Err: detect.ErrNoApplications}
	}
	names, err := serviceNames(structure.Applications)
	if err != nil {
		return nil, &GenerationError{Path: ".", Op: "service names", Err: err}
	}
	var files []File
	if structure.IsMonorepo {
		compose, err := g.GenerateOrchestration(structure)
		if err != nil {
			return nil, &GenerationError{Path: ".", Op: "compose", Err: err}
		}
		f, err := g.write(g.root, composeFileName, compose)
		if err != nil {
			return nil, &GenerationError{Path: ".", Op: "compose", Err: err}
		}
		files = append(files, f)

		f, err = g.write(g.root, ".env.example", renderProjectEnvExample(structure, names))
		if err != nil {
			return files, &GenerationError{Path: ".", Op: "env template", Err: err}
		}
		files = append(files, f)
	}
	f, err := g.write(g.root, "DEPLOYMENT.md", g.renderGuide(structure, names))
	if err != nil {
		return files, &GenerationError{Path: ".", Op: "guide", Err: err}
	}
	files = append(files, f)
	return files, nil
}

// Result collects the outcome of generating a whole checkout.
type Result struct {
	Files []File
	// Failed maps application paths to the error that stopped their generation.
	Failed map[string]error
}

// Err joins every per-application failure.
func (r Result) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, err := range r.Failed {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GenerateAll generates every application and then the project files. A
// failing application does not stop its siblings.
func (g *Generator) GenerateAll(structure detect.ProjectStructure) (Result, error) {
	res := Result{Failed: make(map[string]error)}
	for _, app := range structure.Applications {
		files, err := g.Generate(app, structure)
		res.Files = append(res.Files, files...)
		if err != nil {
			res.Failed[app.Path] = err
		}
	}
	files, err := g.GenerateProject(structure)
	res.Files = append(res.Files, files...)
	if err != nil {
		return res, err
	}
	return res, nil
}

func (g *Generator) patchNextConfig(dir string) ([]File, error) {
	patch, err := ensureStandaloneOutput(dir)
	if err != nil {
		return nil, err
	}
	if patch.strategy == PatchNone {
		return []File{{Path: g.rel(patch.path), Action: ActionUnchanged}}, nil
	}
	var files []File
	if patch.basePath != "" {
		if err := os.WriteFile(patch.basePath, patch.baseContent, 0o644); err != nil {
			return nil, fmt.Errorf("write %s: %w", filepath.Base(patch.basePath), err)
		}
		files = append(files, File{Path: g.rel(patch.basePath), Action: ActionCreated, Content: string(patch.baseContent)})
	}
	action := ActionUpdated
	if patch.strategy == PatchCreated {
		action = ActionCreated
	}
	if err := os.WriteFile(patch.path, patch.content, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", filepath.Base(patch.path), err)
	}
	files = append(files, File{Path: g.rel(patch.path), Action: action, Content: string(patch.content)})
	return files, nil
}

// appDir resolves an application path and refuses anything outside the root.
func (g *Generator) appDir(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return "", ErrOutsideCheckout
	}
	dir := filepath.Join(g.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(g.root, dir)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", ErrOutsideCheckout
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", path)
	}
	return dir, nil
}

func (g *Generator) rel(path string) string {
	rel, err := filepath.Rel(g.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// write replaces a file unless its content is already identical.
func (g *Generator) write(dir, name string, content []byte) (File, error) {
	path := filepath.Join(dir, name)
	existing, err := os.ReadFile(path)
	switch {
	case err == nil && bytes.Equal(existing, content):
		return File{Path: g.rel(path), Action: ActionUnchanged, Content: string(content)}, nil
	case err != nil && !os.IsNotExist(err):
		return File{}, fmt.Errorf("read %s: %w", name, err)
	}
	action := ActionCreated
	if err == nil {
		action = ActionUpdated
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return File{}, fmt.Errorf("write %s: %w", name, err)
	}
	return File{Path: g.rel(path), Action: action, Content: string(content)}, nil
}

// writeIfMissing never clobbers a file the user already has.
func (g *Generator) writeIfMissing(dir, name string, content []byte) (File, error) {
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return File{Path: g.rel(path), Action: ActionSkipped}, nil
	} else if !os.IsNotExist(err) {
		return File{}, fmt.Errorf("stat %s: %w", name, err)
	}
	return g.write(dir, name, content)
}

// writeOwned replaces a file only when a previous run generated it.
func (g *Generator) writeOwned(dir, name string, content []byte) (File, error) {
	path := filepath.Join(dir, name)
	existing, err := os.ReadFile(path)
	if err == nil && !bytes.Contains(existing, []byte(Marker)) {
		return File{Path: g.rel(path), Action: ActionSkipped, Content: string(existing)}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return File{}, fmt.Errorf("read %s: %w", name, err)
	}
	return g.write(dir, name, content)
}
