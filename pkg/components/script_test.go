package components

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScriptLoader_RendersPayload(t *testing.T) {
	fsys := fstest.MapFS{
		"units/card.js": {Data: []byte(`
function render(payload) {
  console.log("rendering card", payload.title)
  return { kind: "card", title: payload.title.toUpperCase(), count: payload.items.length }
}
`)},
	}
	loader := NewScriptLoader(fsys)
	unit, err := loader.Load(context.Background(), "wf", Descriptor{Name: "Card", Category: CategoryInline, SourceRef: "./units/card"})
	require.NoError(t, err)
	require.Equal(t, "Card", unit.Name())
	require.Equal(t, CategoryInline, unit.Category())

	out, err := unit.Render(context.Background(), map[string]any{"title": "hello", "items": []any{1, 2, 3}})
	require.NoError(t, err)
	obj, ok := out.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "card", obj["kind"])
	require.Equal(t, "HELLO", obj["title"])
	require.EqualValues(t, 3, obj["count"])
}

func TestScriptLoader_Errors(t *testing.T) {
	fsys := fstest.MapFS{
		"norender.js": {Data: []byte(`var x = 1;`)},
		"broken.js":   {Data: []byte(`function render( {`)},
		"throws.js":   {Data: []byte(`function render(p) { throw new Error("bad payload") }`)},
	}
	loader := NewScriptLoader(fsys)
	ctx := context.Background()

	_, err := loader.Load(ctx, "wf", Descriptor{Name: "A", SourceRef: "norender.js"})
	require.ErrorContains(t, err, "render(payload)")

	_, err = loader.Load(ctx, "wf", Descriptor{Name: "B", SourceRef: "broken.js"})
	require.Error(t, err)

	_, err = loader.Load(ctx, "wf", Descriptor{Name: "C", SourceRef: "missing.js"})
	require.Error(t, err)

	_, err = loader.Load(ctx, "wf", Descriptor{Name: "D", SourceRef: "../outside.js"})
	require.Error(t, err)

	unit, err := loader.Load(ctx, "wf", Descriptor{Name: "E", SourceRef: "throws.js"})
	require.NoError(t, err)
	_, err = unit.Render(ctx, nil)
	require.ErrorContains(t, err, "bad payload")
}

func TestScriptUnit_RenderStopsWhenContextEnds(t *testing.T) {
	fsys := fstest.MapFS{
		"spin.js": {Data: []byte(`function render(p) { for (;;) {} }`)},
	}
	unit, err := NewScriptLoader(fsys).Load(context.Background(), "wf", Descriptor{Name: "Spin", SourceRef: "spin.js"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = unit.Render(ctx, map[string]any{})
	require.Error(t, err)
}

func TestScriptPath(t *testing.T) {
	require.Equal(t, "a/b.js", scriptPath("./a/b"))
	require.Equal(t, "a/b.mjs", scriptPath("/a/b.mjs"))
	require.Equal(t, "", scriptPath("../x"))
	require.Equal(t, "", scriptPath(" "))
}
