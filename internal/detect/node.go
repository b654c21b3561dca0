package detect

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// PackageManager names the Node package manager a checkout is locked to.
type PackageManager string

const (
	PackageManagerNPM  PackageManager = "npm"
	PackageManagerYarn PackageManager = "yarn"
	PackageManagerPNPM PackageManager = "pnpm"
)

func (pm PackageManager) String() string {
	if pm == "" {
		return string(PackageManagerNPM)
	}
	return string(pm)
}

// RunScript returns the shell command that runs a package.json script.
func (pm PackageManager) RunScript(script string) string {
	switch pm {
	case PackageManagerYarn:
		return "yarn " + script
	case PackageManagerPNPM:
		return "pnpm run " + script
	default:
		return "npm run " + script
	}
}

type npmManifest struct {
	Name            string            `json:"name"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	PackageManager  string            `json:"packageManager"`
	Scripts         map[string]string `json:"scripts"`
	Workspaces      json.RawMessage   `json:"workspaces"`
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		// A package.json that fails to parse still marks a Node checkout.
		return &npmManifest{}, true
	}
	return &manifest, true
}

// workspacePatterns reads the workspaces field in either its array or its
// {"packages": [...]} form.
func (m *npmManifest) workspacePatterns() []string {
	if m == nil || len(m.Workspaces) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(m.Workspaces, &list); err == nil {
		return list
	}
	var nested struct {
		Packages []string `json:"packages"`
	}
	if err := json.Unmarshal(m.Workspaces, &nested); err == nil {
		return nested.Packages
	}
	return nil
}

func (m *npmManifest) declared() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Dependencies)+len(m.DevDependencies))
	for dep := range m.Dependencies {
		out = append(out, dep)
	}
	for dep := range m.DevDependencies {
		out = append(out, dep)
	}
	return out
}

func detectNodePackageManager(dir string, manifest *npmManifest) PackageManager {
	if manifest != nil {
		if parsed := parseNodePackageManager(manifest.PackageManager); parsed != "" {
			return parsed
		}
	}
	switch {
	case fileExists(filepath.Join(dir, "yarn.lock")):
		return PackageManagerYarn
	case fileExists(filepath.Join(dir, "pnpm-lock.yaml")):
		return PackageManagerPNPM
	default:
		return PackageManagerNPM
	}
}

func parseNodePackageManager(value string) PackageManager {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return ""
	}
	if idx := strings.Index(trimmed, "@"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	switch trimmed {
	case "yarn":
		return PackageManagerYarn
	case "pnpm":
		return PackageManagerPNPM
	case "npm":
		return PackageManagerNPM
	default:
		return ""
	}
}
