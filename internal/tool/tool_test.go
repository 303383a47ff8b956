package tool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amierrors "ami/internal/errors"
	"ami/internal/llm"
)

type fakeTool struct{ name string }

func (f *fakeTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: f.name, Parameters: llm.ParameterSchema{Type: "object"}}
}
func (f *fakeTool) Label() string { return f.name }
func (f *fakeTool) Execute(context.Context, string, map[string]any) (*Result, error) {
	return &Result{Content: "ok"}, nil
}

func TestSetInstallUninstall(t *testing.T) {
	s := NewSet(&fakeTool{name: "a"}, &fakeTool{name: "b"})
	assert.Equal(t, []string{"a", "b"}, s.Names())

	s.Install(&fakeTool{name: "replan_review_context"})
	assert.Equal(t, []string{"a", "b", "replan_review_context"}, s.Names())

	s.Uninstall("replan_review_context", "missing")
	assert.Equal(t, []string{"a", "b"}, s.Names())

	_, err := s.Get("replan_review_context")
	require.Error(t, err)
	assert.Equal(t, amierrors.KindNotFound, amierrors.KindOf(err))
}

func TestSetCloneSharesInstances(t *testing.T) {
	original := &fakeTool{name: "a"}
	s := NewSet(original)
	clone := s.Clone()

	got, err := clone.Get("a")
	require.NoError(t, err)
	assert.Same(t, original, got.(*fakeTool))

	clone.Uninstall("a")
	_, err = s.Get("a")
	assert.NoError(t, err, "uninstall on the clone must not affect the source set")
}

func TestTruncate(t *testing.T) {
	small := "hello"
	assert.Equal(t, small, Truncate(small))

	big := strings.Repeat("x", resultCeiling+100)
	truncated := Truncate(big)
	assert.Len(t, truncated, resultCeiling+len(TruncatedMarker))
	assert.True(t, strings.HasSuffix(truncated, TruncatedMarker))
}

func TestResolvePath(t *testing.T) {
	workdir := t.TempDir()

	resolved, err := ResolvePath(workdir, "notes/a.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workdir, "notes", "a.txt"), resolved)

	// Absolute path inside the workdir is fine.
	resolved, err = ResolvePath(workdir, filepath.Join(workdir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workdir, "b.txt"), resolved)

	// "~" maps to the workspace root.
	resolved, err = ResolvePath(workdir, "~/c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workdir, "c.txt"), resolved)

	for _, escape := range []string{"../outside.txt", "/etc/passwd", "a/../../b", "~/../../x"} {
		_, err := ResolvePath(workdir, escape)
		require.Error(t, err, "path %q", escape)
		assert.Equal(t, amierrors.KindPathTraversal, amierrors.KindOf(err), "path %q", escape)
	}

	_, err = ResolvePath(workdir, "  ")
	assert.Equal(t, amierrors.KindInvalidInput, amierrors.KindOf(err))
}
