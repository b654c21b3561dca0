package generate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// applyPatch runs the patcher the way Generate does and returns the strategy used.
func applyPatch(t *testing.T, dir string) PatchStrategy {
	t.Helper()
	g := New(dir, Options{})
	patch, err := ensureStandaloneOutput(dir)
	require.NoError(t, err)
	_, err = g.patchNextConfig(dir)
	require.NoError(t, err)
	return patch.strategy
}

func TestNextConfigAlreadyStandalone(t *testing.T) {
	dir := t.TempDir()
	src := "module.exports = {\n  output: \"standalone\",\n};\n"
	writeFile(t, dir, "next.config.js", src)

	assert.Equal(t, PatchNone, applyPatch(t, dir))
	assert.Equal(t, src, readFile(t, dir, "next.config.js"))
}

func TestNextConfigRewritesOutputValue(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "next.config.mjs", "export default {\n  output: 'export',\n  images: { unoptimized: true },\n};\n")

	assert.Equal(t, PatchRewritten, applyPatch(t, dir))
	assert.Equal(t, "export default {\n  output: 'standalone',\n  images: { unoptimized: true },\n};\n", readFile(t, dir, "next.config.mjs"))
	assert.Equal(t, PatchNone, applyPatch(t, dir))
}

func TestNextConfigInjectsIntoDeclaredObject(t *testing.T) {
	dir := t.TempDir()
	src := "import type { NextConfig } from 'next';\n\n// output: 'export' was tried before\nconst nextConfig: NextConfig = {\n  reactStrictMode: true,\n};\n\nexport default nextConfig;\n"
	writeFile(t, dir, "next.config.ts", src)

	assert.Equal(t, PatchInjected, applyPatch(t, dir))
	patched := readFile(t, dir, "next.config.ts")
	assert.Contains(t, patched, "const nextConfig: NextConfig = {\n  output: 'standalone',\n  reactStrictMode: true,")
	assert.Contains(t, patched, "// output: 'export' was tried before")

	assert.Equal(t, PatchNone, applyPatch(t, dir))
	assert.Equal(t, patched, readFile(t, dir, "next.config.ts"))
}

func TestNextConfigInjectsIntoWrappedLiteral(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "next.config.js", "const withMDX = require('@next/mdx')();\nmodule.exports = withMDX({\n  pageExtensions: ['js', 'mdx'],\n});\n")

	assert.Equal(t, PatchInjected, applyPatch(t, dir))
	assert.Contains(t, readFile(t, dir, "next.config.js"), "withMDX({\n  output: 'standalone',\n  pageExtensions")
}

func TestNextConfigIgnoresNestedOutputKeys(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "next.config.js", "module.exports = {\n  experimental: { output: 'x' },\n};\n")

	assert.Equal(t, PatchInjected, applyPatch(t, dir))
	assert.Contains(t, readFile(t, dir, "next.config.js"), "module.exports = {\n  output: 'standalone',\n  experimental: { output: 'x' },")
}

func TestNextConfigFunctionExportUsesOverlay(t *testing.T) {
	dir := t.TempDir()
	src := "module.exports = (phase) => {\n  return { reactStrictMode: phase !== 'x' };\n};\n"
	writeFile(t, dir, "next.config.js", src)

	assert.Equal(t, PatchOverlayFile, applyPatch(t, dir))
	assert.Equal(t, src, readFile(t, dir, "next.config.base.js"))
	wrapper := readFile(t, dir, "next.config.js")
	assert.Contains(t, wrapper, "require('./next.config.base.js')")
	assert.Contains(t, wrapper, "module.exports = withStandalone(baseConfig);")

	assert.Equal(t, PatchNone, applyPatch(t, dir))
	assert.Equal(t, wrapper, readFile(t, dir, "next.config.js"))
}

func TestNextConfigDynamicOutputUsesOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "next.config.mjs", "const mode = process.env.MODE;\nexport default {\n  output: mode,\n};\n")

	assert.Equal(t, PatchOverlayFile, applyPatch(t, dir))
	wrapper := readFile(t, dir, "next.config.mjs")
	assert.Contains(t, wrapper, "import baseConfig from './next.config.base.mjs';")
	assert.Contains(t, wrapper, "export default withStandalone(baseConfig);")
}

func TestNextConfigCreatedWhenMissing(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, PatchCreated, applyPatch(t, dir))
	assert.Equal(t, nextConfigTemplate, readFile(t, dir, "next.config.mjs"))
	assert.Equal(t, PatchNone, applyPatch(t, dir))
}

func TestNextConfigOverlayRefusesExistingBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "next.config.js", "module.exports = () => ({})\n")
	writeFile(t, dir, "next.config.base.js", "module.exports = {}\n")

	_, err := ensureStandaloneOutput(dir)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "next.config.base.js"))
	assert.NoError(t, statErr)
}

func TestMaskSourcePreservesOffsets(t *testing.T) {
	src := []byte("a /* b */ 'c' // d\n`e`")
	masked := maskSource(src, true)
	require.Len(t, masked, len(src))
	assert.Equal(t, "a         ' '     \n` `", string(masked))
	assert.Equal(t, "a         'c'     \n`e`", string(maskSource(src, false)))
}

func TestNextConfigNestedOutputInFunctionExportUsesOverlay(t *testing.T) {
	dir := t.TempDir()
	src := "module.exports = (phase) => ({\n  webpack: (config) => {\n    config.plugins.push(new StatsPlugin({ output: 'standalone' }));\n    return config;\n  },\n});\n"
	writeFile(t, dir, "next.config.js", src)

	assert.Equal(t, PatchOverlayFile, applyPatch(t, dir))
	assert.Equal(t, src, readFile(t, dir, "next.config.base.js"))
	assert.Contains(t, readFile(t, dir, "next.config.js"), "module.exports = withStandalone(baseConfig);")

	assert.Equal(t, PatchNone, applyPatch(t, dir))
}
