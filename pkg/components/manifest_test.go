package components

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRaw() RawManifest {
	return RawManifest{Agents: []RawAgent{
		{Name: "planner", Components: []RawComponent{
			{Name: "Chart", Type: "artifact", Actions: []string{"plot"}, Source: "chart.js"},
			{Name: "Approve", Type: "inline", Actions: []string{"approve", "plot"}},
		}},
		{Name: "writer", Components: []RawComponent{
			{Name: "Chart", Type: "artifact", Description: "second declaration"},
			{Name: "Approve", Type: "artifact"},
			{Name: "", Type: "inline"},
		}},
	}}
}

func TestCompileManifest(t *testing.T) {
	m := CompileManifest("wf", sampleRaw())

	require.Equal(t, []string{"Approve", "Chart"}, m.Names(CategoryArtifact))
	require.Equal(t, []string{"Approve"}, m.Names(CategoryInline))

	chart, ok := m.Lookup(CategoryArtifact, "Chart")
	require.True(t, ok)
	require.Equal(t, "planner", chart.Agent)
	require.Equal(t, "chart.js", chart.SourceRef)
	require.Empty(t, chart.Description)

	// artifacts win tool-type ties
	require.Equal(t, CategoryArtifact, m.ToolTypes["plot"].Category)
	require.Equal(t, "Chart", m.ToolTypes["plot"].Name)
	require.Equal(t, CategoryArtifact, m.ToolTypes["Approve"].Category)
	require.Equal(t, CategoryInline, m.ToolTypes["approve"].Category)
}

func TestParseCategory(t *testing.T) {
	require.Equal(t, CategoryInline, ParseCategory("Inline"))
	require.Equal(t, CategoryInline, ParseCategory("chat"))
	require.Equal(t, CategoryArtifact, ParseCategory("artifact"))
	require.Equal(t, CategoryArtifact, ParseCategory(""))
}

func TestHTTPManifestSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifests/research":
			_, _ = w.Write([]byte(`{"ui_capable_agents":[{"name":"a","components":[{"name":"Table","type":"artifact","actions":["show_table"]}]}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := &HTTPManifestSource{BaseURL: srv.URL + "/manifests/"}
	raw, err := src.Fetch(context.Background(), "research")
	require.NoError(t, err)
	require.Len(t, raw.Agents, 1)
	require.Equal(t, []string{"show_table"}, raw.Agents[0].Components[0].Actions)

	_, err = src.Fetch(context.Background(), "missing")
	require.ErrorIs(t, err, ErrManifestNotFound)
}

func TestDirManifestSourceAndFirstOf(t *testing.T) {
	dir := t.TempDir()
	yml := `ui_capable_agents:
  - name: planner
    components:
      - name: Timeline
        type: inline
        source: timeline.js
        actions: [show_timeline]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "travel.yaml"), []byte(yml), 0o644))

	src := &DirManifestSource{Dir: dir}
	raw, err := src.Fetch(context.Background(), "travel")
	require.NoError(t, err)
	require.Equal(t, "Timeline", raw.Agents[0].Components[0].Name)
	require.Equal(t, "timeline.js", raw.Agents[0].Components[0].Source)

	_, err = src.Fetch(context.Background(), "../etc")
	require.Error(t, err)

	chain := FirstOf(StaticManifestSource{"other": {}}, src)
	raw, err = chain.Fetch(context.Background(), "travel")
	require.NoError(t, err)
	require.Len(t, raw.Agents, 1)

	_, err = chain.Fetch(context.Background(), "nowhere")
	require.ErrorIs(t, err, ErrManifestNotFound)
}
