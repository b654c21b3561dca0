package generate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// nextConfigNames are probed in the order Next.js itself resolves them.
var nextConfigNames = []string{"next.config.js", "next.config.mjs", "next.config.ts", "next.config.cjs"}

const nextConfigTemplate = `/** @type {import('next').NextConfig} */
const nextConfig = {
  output: 'standalone',
};

export default nextConfig;
`

// PatchStrategy records how a Next.js config was brought to standalone output.
type PatchStrategy string

const (
	PatchNone        PatchStrategy = "none"
	PatchCreated     PatchStrategy = "created"
	PatchRewritten   PatchStrategy = "rewritten"
	PatchInjected    PatchStrategy = "injected"
	PatchOverlayFile PatchStrategy = "overlay"
)

var (
	outputKeyPattern     = regexp.MustCompile(`\boutput\s*:`)
	exportTargetPattern  = regexp.MustCompile(`(?:module\.exports\s*=|export\s+default)\s*(?:[\w$.]+\s*\(\s*)*([A-Za-z_$][\w$]*)`)
	exportLiteralPattern = regexp.MustCompile(`(?:module\.exports\s*=|export\s+default)\s*(?:[\w$.]+\s*\(\s*)*\{`)
	esmPattern           = regexp.MustCompile(`\bexport\s+default\b|\bimport\s+[\w{*]`)
	overlayExportPattern = regexp.MustCompile(`(?:module\.exports\s*=|export\s+default)\s*withStandalone\s*\(\s*baseConfig\s*\)`)
)

// nextConfigPatch is the outcome of planning a config mutation.
type nextConfigPatch struct {
	strategy PatchStrategy
	path     string
	content  []byte
	// basePath is set when the original config is moved aside.
	basePath    string
	baseContent []byte
}

// ensureStandaloneOutput makes the Next.js config in dir declare
// output: 'standalone'. Running it again on its own result writes nothing.
func ensureStandaloneOutput(dir string) (nextConfigPatch, error) {
	path, src, err := readNextConfig(dir)
	if err != nil {
		return nextConfigPatch{}, err
	}
	if path == "" {
		return nextConfigPatch{
			strategy: PatchCreated,
			path:     filepath.Join(dir, "next.config.mjs"),
			content:  []byte(nextConfigTemplate),
		}, nil
	}
	return planNextConfigPatch(path, src)
}

func readNextConfig(dir string) (string, []byte, error) {
	for _, name := range nextConfigNames {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !os.IsNotExist(err) {
			return "", nil, fmt.Errorf("read %s: %w", name, err)
		}
	}
	return "", nil, nil
}

func planNextConfigPatch(path string, src []byte) (nextConfigPatch, error) {
	code := maskSource(src, true)
	if overlayExportPattern.Match(code) {
		return nextConfigPatch{strategy: PatchNone, path: path}, nil
	}

	// Without an object literal there is no top level to match output against.
	objStart := configObjectStart(code)
	if objStart < 0 {
		return overlayPatch(path, src)
	}
	for _, loc := range outputKeyPattern.FindAllIndex(code, -1) {
		if depthBetween(code, objStart, loc[0]) != 1 {
			continue
		}
		start, end, value, ok := stringLiteralAt(src, loc[1])
		if !ok {
			return overlayPatch(path, src)
		}
		if value == "standalone" {
			return nextConfigPatch{strategy: PatchNone, path: path}, nil
		}
		patched := make([]byte, 0, len(src)+len("standalone"))
		patched = append(patched, src[:start]...)
		patched = append(patched, "'standalone'"...)
		patched = append(patched, src[end:]...)
		return nextConfigPatch{strategy: PatchRewritten, path: path, content: patched}, nil
	}

	insert := "\n  output: 'standalone',"
	patched := make([]byte, 0, len(src)+len(insert))
	patched = append(patched, src[:objStart+1]...)
	patched = append(patched, insert...)
	patched = append(patched, src[objStart+1:]...)
	return nextConfigPatch{strategy: PatchInjected, path: path, content: patched}, nil
}

// configObjectStart returns the offset of the '{' opening the exported config
// object, or -1 when the export is not a plain object literal.
func configObjectStart(code []byte) int {
	if loc := exportLiteralPattern.FindIndex(code); loc != nil {
		return loc[1] - 1
	}
	match := exportTargetPattern.FindSubmatch(code)
	if match == nil {
		return -1
	}
	ident := regexp.QuoteMeta(string(match[1]))
	decl := regexp.MustCompile(`\b(?:const|let|var)\s+` + ident + `\s*(?::\s*[\w$.]+\s*)?=\s*\{`)
	if loc := decl.FindIndex(code); loc != nil {
		return loc[1] - 1
	}
	return -1
}

// depthBetween counts bracket nesting from the opening brace at start up to pos.
func depthBetween(code []byte, start, pos int) int {
	depth := 0
	for i := start; i < pos && i < len(code); i++ {
		switch code[i] {
		case '{', '(', '[':
			depth++
		case '}', ')', ']':
			depth--
			if depth <= 0 {
				return -1
			}
		}
	}
	return depth
}

// stringLiteralAt reads a quoted literal after offset, skipping whitespace.
func stringLiteralAt(src []byte, offset int) (start, end int, value string, ok bool) {
	i := offset
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	if i >= len(src) {
		return 0, 0, "", false
	}
	quote := src[i]
	if quote != '\'' && quote != '"' && quote != '`' {
		return 0, 0, "", false
	}
	closing := bytes.IndexByte(src[i+1:], quote)
	if closing < 0 {
		return 0, 0, "", false
	}
	end = i + 1 + closing + 1
	return i, end, string(src[i+1 : end-1]), true
}

// overlayPatch moves the original config aside and writes a wrapper that
// spreads it and forces standalone output.
func overlayPatch(path string, src []byte) (nextConfigPatch, error) {
	dir := filepath.Dir(path)
	ext := filepath.Ext(path)
	basePath := filepath.Join(dir, "next.config.base"+ext)
	if _, err := os.Stat(basePath); err == nil {
		return nextConfigPatch{}, fmt.Errorf("%s already exists; refusing to replace it", filepath.Base(basePath))
	}

	esm := ext == ".mjs" || ext == ".ts" || (ext == ".js" && esmPattern.Match(maskSource(src, true)))
	importPath := "./next.config.base" + ext
	if ext == ".ts" {
		importPath = "./next.config.base"
	}

	var b strings.Builder
	if esm {
		fmt.Fprintf(&b, "import baseConfig from '%s';\n\n", importPath)
	} else {
		fmt.Fprintf(&b, "const baseConfig = require('%s');\n\n", importPath)
	}
	b.WriteString("const withStandalone = (config) => {\n")
	b.WriteString("  if (typeof config === 'function') {\n")
	b.WriteString("    return async (...args) => ({ ...(await config(...args)), output: 'standalone' });\n")
	b.WriteString("  }\n")
	b.WriteString("  return { ...config, output: 'standalone' };\n")
	b.WriteString("};\n\n")
	if esm {
		b.WriteString("export default withStandalone(baseConfig);\n")
	} else {
		b.WriteString("module.exports = withStandalone(baseConfig);\n")
	}
	return nextConfigPatch{
		strategy:    PatchOverlayFile,
		path:        path,
		content:     []byte(b.String()),
		basePath:    basePath,
		baseContent: src,
	}, nil
}

// maskSource blanks comments, and string contents when blankStrings is set,
// keeping byte offsets and newlines intact.
func maskSource(src []byte, blankStrings bool) []byte {
	out := make([]byte, len(src))
	copy(out, src)
	blank := func(from, to int) {
		for i := from; i < to && i < len(out); i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			end := bytes.IndexByte(src[i:], '\n')
			if end < 0 {
				end = len(src) - i
			}
			blank(i, i+end)
			i += end
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := bytes.Index(src[i+2:], []byte("*/"))
			stop := len(src)
			if end >= 0 {
				stop = i + 2 + end + 2
			}
			blank(i, stop)
			i = stop
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if blankStrings {
				blank(i+1, j)
			}
			i = j + 1
		default:
			i++
		}
	}
	return out
}
