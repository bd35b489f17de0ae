package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(dir, nil), dir
}

func TestRender_FrontMatterAndVars(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "greeting.md", `---
name: greeting
version: "1.0"
description: greets the viewer
variables: [viewer, streamer]
---
Hello $viewer, welcome to ${streamer}'s stream!`)

	out, err := m.Render("greeting", map[string]string{"viewer": "mika", "streamer": "ai-chan"})

	require.NoError(t, err)
	assert.Equal(t, "Hello mika, welcome to ai-chan's stream!", out)

	meta, err := m.GetMetadata("greeting")
	require.NoError(t, err)
	assert.Equal(t, "1.0", meta.Version)
	assert.Equal(t, []string{"viewer", "streamer"}, meta.Variables)
}

func TestRender_NoFrontMatterFallsBackToFilename(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "plain.md", "just $x")

	out, err := m.Render("plain", map[string]string{"x": "text"})

	require.NoError(t, err)
	assert.Equal(t, "just text", out)
}

func TestRender_MissingVariableFails(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "t.md", "needs $a and $b")

	_, err := m.Render("t", map[string]string{"a": "1"})

	require.ErrorIs(t, err, ErrMissingVariable)
	assert.Contains(t, err.Error(), "b")
}

func TestRenderSafe_PreservesMissingPlaceholders(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "t.md", "has $a and $b")

	out, err := m.RenderSafe("t", map[string]string{"a": "1"})

	require.NoError(t, err)
	assert.Equal(t, "has 1 and ${b}", out)
}

func TestRender_UnknownTemplate(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Render("ghost", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

// Render serves the cached template: editing the file without Reload
// must not change the output.
func TestRender_CachedUntilReload(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "t.md", "v1 $x")

	out, err := m.Render("t", map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Equal(t, "v1 a", out)

	writeTemplate(t, dir, "t.md", "v2 $x")

	out, err = m.Render("t", map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Equal(t, "v1 a", out, "cache must serve until Reload")

	require.NoError(t, m.Reload())
	out, err = m.Render("t", map[string]string{"x": "a"})
	require.NoError(t, err)
	assert.Equal(t, "v2 a", out)
}

func TestRaw(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "t.md", "body $x")

	raw, err := m.Raw("t")
	require.NoError(t, err)
	assert.Equal(t, "body $x", raw)
}

func TestList_IgnoresNonMarkdown(t *testing.T) {
	m, dir := newTestManager(t)
	writeTemplate(t, dir, "a.md", "a")
	writeTemplate(t, dir, "notes.txt", "skip me")

	names, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, names)
}
