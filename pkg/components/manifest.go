// Package components binds logical component names to renderable units for
// the currently active workflow.
package components

import (
	"sort"
	"strings"
)

// Category is the rendering surface a component belongs to.
type Category string

const (
	CategoryArtifact Category = "artifact"
	CategoryInline   Category = "inline"
)

// ParseCategory maps manifest "type" values onto a Category. Anything that is
// not an inline spelling is treated as an artifact.
func ParseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inline", "chat", "inline-component", "inline_component":
		return CategoryInline
	default:
		return CategoryArtifact
	}
}

// Descriptor is the compiled declaration of one component.
type Descriptor struct {
	Name           string
	Category       Category
	SourceRef      string
	Description    string
	Actions        []string
	BackendHandler string
	Agent          string
}

// Manifest is the compiled, lookup-ready component set of one workflow.
type Manifest struct {
	Workflow  string
	Artifacts map[string]Descriptor
	Inline    map[string]Descriptor
	// ToolTypes maps an action or component name to the component that
	// handles it. Artifacts win over inline components for the same key.
	ToolTypes map[string]Descriptor
}

func (m *Manifest) byCategory(c Category) map[string]Descriptor {
	if m == nil {
		return nil
	}
	if c == CategoryInline {
		return m.Inline
	}
	return m.Artifacts
}

// Lookup finds a component by name within a category.
func (m *Manifest) Lookup(c Category, name string) (Descriptor, bool) {
	d, ok := m.byCategory(c)[name]
	return d, ok
}

// Names returns the sorted component names of a category.
func (m *Manifest) Names(c Category) []string {
	set := m.byCategory(c)
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RawManifest is the manifest as the backend serves it.
type RawManifest struct {
	Agents []RawAgent `json:"ui_capable_agents" yaml:"ui_capable_agents"`
}

type RawAgent struct {
	Name       string         `json:"name" yaml:"name"`
	Components []RawComponent `json:"components" yaml:"components"`
}

type RawComponent struct {
	Name           string   `json:"name" yaml:"name"`
	Type           string   `json:"type" yaml:"type"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Actions        []string `json:"actions,omitempty" yaml:"actions,omitempty"`
	BackendHandler string   `json:"backend_handler,omitempty" yaml:"backend_handler,omitempty"`
	Source         string   `json:"source,omitempty" yaml:"source,omitempty"`
}

// CompileManifest flattens the per-agent declarations into lookup tables.
// Within a category the first declaration of a name wins.
func CompileManifest(workflow string, raw RawManifest) *Manifest {
	m := &Manifest{
		Workflow:  workflow,
		Artifacts: map[string]Descriptor{},
		Inline:    map[string]Descriptor{},
		ToolTypes: map[string]Descriptor{},
	}
	for _, agent := range raw.Agents {
		for _, rc := range agent.Components {
			name := strings.TrimSpace(rc.Name)
			if name == "" {
				continue
			}
			d := Descriptor{
				Name:           name,
				Category:       ParseCategory(rc.Type),
				SourceRef:      strings.TrimSpace(rc.Source),
				Description:    rc.Description,
				Actions:        append([]string(nil), rc.Actions...),
				BackendHandler: rc.BackendHandler,
				Agent:          agent.Name,
			}
			set := m.byCategory(d.Category)
			if _, dup := set[name]; dup {
				continue
			}
			set[name] = d
		}
	}

	// Artifacts are indexed first so they take precedence.
	for _, c := range []Category{CategoryArtifact, CategoryInline} {
		for _, name := range m.Names(c) {
			d := m.byCategory(c)[name]
			keys := append([]string{d.Name}, d.Actions...)
			for _, k := range keys {
				k = strings.TrimSpace(k)
				if k == "" {
					continue
				}
				if _, taken := m.ToolTypes[k]; !taken {
					m.ToolTypes[k] = d
				}
			}
		}
	}
	return m
}
