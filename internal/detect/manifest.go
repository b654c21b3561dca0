package detect

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/mod/modfile"
	"golang.org/x/mod/module"
)

// evidence is what a manifest probe learned about one directory.
type evidence struct {
	dir  string
	deps map[string]struct{}
	// text holds lowercased manifest content for formats scanned by token.
	text string
	pm   PackageManager
	// scripts is nil unless a package.json was parsed.
	scripts map[string]string
}

func newEvidence(dir string) *evidence {
	return &evidence{dir: dir, deps: make(map[string]struct{})}
}

func (e *evidence) add(names ...string) {
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			e.deps[name] = struct{}{}
		}
	}
}

func (e *evidence) declares(dep string) bool {
	dep = strings.ToLower(dep)
	if _, ok := e.deps[dep]; ok {
		return true
	}
	return e.text != "" && strings.Contains(e.text, dep)
}

func (e *evidence) hasFile(name string) bool {
	return fileExists(filepath.Join(e.dir, name))
}

type probe struct {
	ecosystem Ecosystem
	manifests []string
	collect   func(ev *evidence)
}

// probes are ordered by priority; the first manifest family present wins.
var probes = []probe{
	{ecosystem: EcosystemNode, manifests: []string{"package.json"}, collect: collectNode},
	{ecosystem: EcosystemPython, manifests: []string{"requirements.txt", "Pipfile", "pyproject.toml"}, collect: collectPython},
	{ecosystem: EcosystemGo, manifests: []string{"go.mod"}, collect: collectGo},
	{ecosystem: EcosystemPHP, manifests: []string{"composer.json"}, collect: collectComposer},
	{ecosystem: EcosystemRuby, manifests: []string{"Gemfile"}, collect: collectGemfile},
	{ecosystem: EcosystemJava, manifests: []string{"pom.xml", "build.gradle", "build.gradle.kts"}, collect: collectText("pom.xml", "build.gradle", "build.gradle.kts")},
	{ecosystem: EcosystemRust, manifests: []string{"Cargo.toml"}, collect: collectCargo},
	{ecosystem: EcosystemDotnet, manifests: []string{"*.csproj"}, collect: collectText("*.csproj")},
	{ecosystem: EcosystemStatic, manifests: []string{"index.html"}},
}

func (p probe) present(dir string) bool {
	for _, name := range p.manifests {
		if len(globFiles(dir, name)) > 0 {
			return true
		}
	}
	return false
}

func collectNode(ev *evidence) {
	manifest, ok := loadPackageManifest(ev.dir)
	if !ok {
		return
	}
	ev.add(manifest.declared()...)
	ev.pm = detectNodePackageManager(ev.dir, manifest)
	ev.scripts = manifest.Scripts
	if ev.scripts == nil {
		ev.scripts = map[string]string{}
	}
}

func collectPython(ev *evidence) {
	if data, err := os.ReadFile(filepath.Join(ev.dir, "requirements.txt")); err == nil {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			ev.add(requirementName(scanner.Text()))
		}
	}
	if data, err := os.ReadFile(filepath.Join(ev.dir, "Pipfile")); err == nil {
		var pipfile struct {
			Packages    map[string]any `toml:"packages"`
			DevPackages map[string]any `toml:"dev-packages"`
		}
		if toml.Unmarshal(data, &pipfile) == nil {
			for name := range pipfile.Packages {
				ev.add(normalizeRequirement(name))
			}
			for name := range pipfile.DevPackages {
				ev.add(normalizeRequirement(name))
			}
		}
	}
	if data, err := os.ReadFile(filepath.Join(ev.dir, "pyproject.toml")); err == nil {
		var pyproject struct {
			Project struct {
				Dependencies []string `toml:"dependencies"`
			} `toml:"project"`
			Tool struct {
				Poetry struct {
					Dependencies map[string]any `toml:"dependencies"`
				} `toml:"poetry"`
			} `toml:"tool"`
		}
		if toml.Unmarshal(data, &pyproject) == nil {
			for _, req := range pyproject.Project.Dependencies {
				ev.add(requirementName(req))
			}
			for name := range pyproject.Tool.Poetry.Dependencies {
				ev.add(normalizeRequirement(name))
			}
		}
	}
}

// requirementName extracts the distribution name from a PEP 508 line.
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if idx := strings.Index(line, "#"); idx >= 0 {
		line = line[:idx]
	}
	if line == "" || strings.HasPrefix(line, "-") {
		return ""
	}
	if idx := strings.IndexAny(line, "=<>~!;[@ \t"); idx >= 0 {
		line = line[:idx]
	}
	return normalizeRequirement(line)
}

func normalizeRequirement(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

func collectGo(ev *evidence) {
	data, err := os.ReadFile(filepath.Join(ev.dir, "go.mod"))
	if err != nil {
		return
	}
	file, err := modfile.ParseLax("go.mod", data, nil)
	if err != nil {
		return
	}
	for _, req := range file.Require {
		path := req.Mod.Path
		if prefix, _, ok := module.SplitPathVersion(path); ok {
			path = prefix
		}
		ev.add(path)
	}
}

func collectComposer(ev *evidence) {
	data, err := os.ReadFile(filepath.Join(ev.dir, "composer.json"))
	if err != nil {
		return
	}
	var composer struct {
		Require    map[string]string `json:"require"`
		RequireDev map[string]string `json:"require-dev"`
	}
	if json.Unmarshal(data, &composer) != nil {
		return
	}
	for name := range composer.Require {
		ev.add(name)
	}
	for name := range composer.RequireDev {
		ev.add(name)
	}
}

func collectGemfile(ev *evidence) {
	data, err := os.ReadFile(filepath.Join(ev.dir, "Gemfile"))
	if err != nil {
		return
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "gem ") && !strings.HasPrefix(line, "gem(") {
			continue
		}
		rest := strings.TrimLeft(line[3:], " (")
		if rest == "" {
			continue
		}
		quote := rest[0]
		if quote != '\'' && quote != '"' {
			continue
		}
		if end := strings.IndexByte(rest[1:], quote); end > 0 {
			ev.add(rest[1 : end+1])
		}
	}
}

func collectCargo(ev *evidence) {
	data, err := os.ReadFile(filepath.Join(ev.dir, "Cargo.toml"))
	if err != nil {
		return
	}
	var cargo struct {
		Dependencies map[string]any `toml:"dependencies"`
		Workspace    struct {
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"workspace"`
	}
	if toml.Unmarshal(data, &cargo) != nil {
		return
	}
	for name := range cargo.Dependencies {
		ev.add(name)
	}
	for name := range cargo.Workspace.Dependencies {
		ev.add(name)
	}
}

func collectText(patterns ...string) func(*evidence) {
	return func(ev *evidence) {
		var b strings.Builder
		for _, pattern := range patterns {
			for _, path := range globFiles(ev.dir, pattern) {
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				b.WriteString(strings.ToLower(string(data)))
				b.WriteByte('\n')
			}
		}
		ev.text = b.String()
	}
}

func globFiles(dir, pattern string) []string {
	if !strings.ContainsAny(pattern, "*?[") {
		path := filepath.Join(dir, pattern)
		if fileExists(path) {
			return []string{path}
		}
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil
	}
	out := matches[:0]
	for _, match := range matches {
		if fileExists(match) {
			out = append(out, match)
		}
	}
	return out
}

func fileExists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
