package detect

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
)

// ErrNoApplications indicates no supported manifest was found anywhere in a checkout.
var ErrNoApplications = errors.New("detect: no recognised application")

// DetectionError reports a checkout that contains nothing buildable.
type DetectionError struct {
	Path string
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect: no recognised application in %s", e.Path)
}

// Is reports whether target is ErrNoApplications.
func (e *DetectionError) Is(target error) bool {
	return target == ErrNoApplications
}

// Application is one independently buildable unit found in a checkout.
type Application struct {
	Name            string         `json:"name"`
	Framework       string         `json:"framework"`
	Path            string         `json:"path"`
	Runtime         string         `json:"runtime"`
	BuildCommand    string         `json:"build_command"`
	Port            int            `json:"port"`
	IsStatic        bool           `json:"is_static"`
	OutputDirectory string         `json:"output_directory"`
	Role            Role           `json:"role"`
	PackageManager  PackageManager `json:"package_manager,omitempty"`
}

// ProjectStructure is the result of a detection pass.
type ProjectStructure struct {
	Applications []Application `json:"applications"`
	IsMonorepo   bool          `json:"is_monorepo"`
}

// Technology returns the catalog entry the application was classified as.
func (a Application) Technology() Technology {
	tech, _ := Lookup(a.Name)
	return tech
}

var skipExact = []string{
	"node_modules", "vendor", "dist", "build", "out", "target", "bin", "obj",
	"coverage", "tmp", "temp", "logs", "__pycache__", "venv", "env",
}

var skipContains = []string{"node_modules", "cache", "venv", ".git", ".svn", ".hg"}

var serviceRoots = []string{
	"client", "server", "frontend", "backend", "api", "web", "app", "apps",
	"packages", "services", "service", "admin", "dashboard", "worker", "ui", "site",
}

// workspaceRoots hold one service per child directory.
var workspaceRoots = []string{"apps", "packages", "services"}

// Detect classifies every application under checkoutPath.
func Detect(checkoutPath string) (ProjectStructure, error) {
	info, err := os.Stat(checkoutPath)
	if err != nil {
		return ProjectStructure{}, fmt.Errorf("detect: stat checkout: %w", err)
	}
	if !info.IsDir() {
		return ProjectStructure{}, fmt.Errorf("detect: %s is not a directory", checkoutPath)
	}

	var apps []Application
	workspaces := workspaceDirs(checkoutPath)
	if app, ok := detectAt(checkoutPath, "."); ok {
		// A root manifest that only declares workspaces is not a service.
		if len(workspaces) == 0 || app.Framework != "node" {
			apps = append(apps, app)
		}
	}

	dirs, err := subdirectories(checkoutPath)
	if err != nil {
		return ProjectStructure{}, err
	}

	for _, name := range lo.Filter(dirs, func(name string, _ int) bool { return isServiceRoot(name) }) {
		found, err := detectServiceRoot(checkoutPath, name)
		if err != nil {
			return ProjectStructure{}, err
		}
		apps = append(apps, found...)
	}

	seen := lo.SliceToMap(apps, func(app Application) (string, struct{}) { return app.Path, struct{}{} })
	for _, rel := range workspaces {
		if _, ok := seen[rel]; ok {
			continue
		}
		if app, ok := detectAt(filepath.Join(checkoutPath, filepath.FromSlash(rel)), rel); ok {
			apps = append(apps, app)
			seen[rel] = struct{}{}
		}
	}

	if len(apps) == 0 {
		for _, name := range dirs {
			if app, ok := detectAt(filepath.Join(checkoutPath, name), name); ok {
				apps = append(apps, app)
			}
		}
	}

	if len(apps) == 0 {
		return ProjectStructure{}, &DetectionError{Path: checkoutPath}
	}
	return ProjectStructure{Applications: apps, IsMonorepo: len(apps) > 1}, nil
}

func detectServiceRoot(root, name string) ([]Application, error) {
	dir := filepath.Join(root, name)
	if app, ok := detectAt(dir, name); ok {
		return []Application{app}, nil
	}
	if !lo.Contains(workspaceRoots, strings.ToLower(name)) {
		return nil, nil
	}
	children, err := subdirectories(dir)
	if err != nil {
		return nil, err
	}
	var apps []Application
	for _, child := range children {
		rel := filepath.ToSlash(filepath.Join(name, child))
		if app, ok := detectAt(filepath.Join(dir, child), rel); ok {
			apps = append(apps, app)
		}
	}
	return apps, nil
}

// workspaceDirs expands the root package.json workspace globs into
// checkout-relative directories.
func workspaceDirs(root string) []string {
	manifest, ok := loadPackageManifest(root)
	if !ok {
		return nil
	}
	var out []string
	for _, pattern := range manifest.workspacePatterns() {
		if strings.HasPrefix(pattern, "!") || filepath.IsAbs(pattern) {
			continue
		}
		pattern = strings.TrimSuffix(strings.ReplaceAll(pattern, "**", "*"), "/")
		matches, err := filepath.Glob(filepath.Join(root, filepath.FromSlash(pattern)))
		if err != nil {
			continue
		}
		for _, match := range matches {
			rel, err := filepath.Rel(root, match)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			if info, err := os.Stat(match); err != nil || !info.IsDir() || skippedPath(rel) {
				continue
			}
			out = append(out, filepath.ToSlash(rel))
		}
	}
	return lo.Uniq(out)
}

func skippedPath(rel string) bool {
	return lo.SomeBy(strings.Split(filepath.ToSlash(rel), "/"), shouldSkip)
}

// detectAt probes a single directory; rel is its checkout-relative path.
func detectAt(dir, rel string) (Application, bool) {
	for _, p := range probes {
		if !p.present(dir) {
			continue
		}
		ev := newEvidence(dir)
		if p.collect != nil {
			p.collect(ev)
		}
		tech, ok := identify(p.ecosystem, ev)
		if !ok {
			continue
		}
		return newApplication(tech, rel, ev), true
	}
	return Application{}, false
}

func newApplication(tech Technology, rel string, ev *evidence) Application {
	app := Application{
		Name:            tech.Name,
		Framework:       tech.Slug,
		Path:            filepath.ToSlash(rel),
		Runtime:         tech.Runtime,
		BuildCommand:    tech.BuildCommand,
		Port:            tech.Port,
		IsStatic:        tech.IsStatic,
		OutputDirectory: tech.OutputDirectory,
		Role:            tech.Role,
	}
	if app.OutputDirectory == "" {
		app.OutputDirectory = "."
	}
	if tech.Ecosystem == EcosystemNode {
		app.PackageManager = ev.pm
		app.BuildCommand = nodeBuildCommand(app.BuildCommand, ev)
	}
	return app
}

// nodeBuildCommand rewrites an npm script invocation for the detected package
// manager. An --if-present script the manifest does not declare yields no
// command.
func nodeBuildCommand(command string, ev *evidence) string {
	script, ok := strings.CutPrefix(command, "npm run ")
	if !ok {
		return command
	}
	if name, optional := strings.CutSuffix(script, " --if-present"); optional {
		if _, declared := ev.scripts[name]; !declared {
			return ""
		}
		script = name
	}
	return ev.pm.RunScript(script)
}

// subdirectories lists non-skipped child directories in name order.
func subdirectories(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("detect: read %s: %w", dir, err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() || shouldSkip(entry.Name()) {
			continue
		}
		out = append(out, entry.Name())
	}
	return out, nil
}

func shouldSkip(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, ".") {
		return true
	}
	if lo.Contains(skipExact, lower) {
		return true
	}
	return lo.ContainsBy(skipContains, func(part string) bool {
		return strings.Contains(lower, part)
	})
}

func isServiceRoot(name string) bool {
	lower := strings.ToLower(name)
	return lo.ContainsBy(serviceRoots, func(root string) bool {
		return lower == root || strings.Contains(lower, root)
	})
}
