package components

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

type cacheKey struct {
	workflow string
	category Category
	name     string
}

// Resolver owns the active workflow's manifest and the unit cache. It is
// built once at startup and shared; there is exactly one active workflow.
//
// Every workflow switch bumps a generation counter. Asynchronous results
// (manifest fetches, unit loads) check it before they are written back, so
// a slow load for a previous workflow can never populate the current cache.
type Resolver struct {
	source ManifestSource
	loader Loader
	group  singleflight.Group

	mu         sync.Mutex
	workflow   string
	manifest   *Manifest
	pending    *manifestLoad
	generation uint64
	cache      map[cacheKey]Unit
}

func NewResolver(source ManifestSource, loader Loader) *Resolver {
	return &Resolver{
		source: source,
		loader: loader,
		cache:  map[cacheKey]Unit{},
	}
}

// manifestLoad is a manifest fetch in flight. done is closed once err is set.
type manifestLoad struct {
	done chan struct{}
	err  error
}

// SetActiveWorkflow switches the active workflow, clears the cache and
// loads the new manifest. Calling it with the workflow that is already
// active does nothing; if that workflow is still loading, the call waits for
// the load in flight and returns its result. A fetch that completes after a
// newer switch started is discarded.
func (r *Resolver) SetActiveWorkflow(ctx context.Context, name string) error {
	r.mu.Lock()
	if name == r.workflow && r.manifest != nil {
		r.mu.Unlock()
		return nil
	}
	if name == r.workflow && r.pending != nil {
		load := r.pending
		r.mu.Unlock()
		select {
		case <-load.done:
			return load.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.generation++
	gen := r.generation
	load := &manifestLoad{done: make(chan struct{})}
	r.workflow = name
	r.manifest = nil
	r.pending = load
	r.cache = map[cacheKey]Unit{}
	r.mu.Unlock()

	log.Debug().Str("component", "components").Str("workflow", name).Uint64("generation", gen).Msg("switching workflow")
	raw, err := r.source.Fetch(ctx, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(load.done)
	if gen != r.generation {
		log.Debug().Str("component", "components").Str("workflow", name).Uint64("generation", gen).
			Uint64("current", r.generation).Msg("discarding stale manifest load")
		return nil
	}
	r.pending = nil
	if err != nil {
		log.Warn().Err(err).Str("component", "components").Str("workflow", name).Msg("manifest load failed")
		load.err = errors.Wrapf(err, "load manifest for workflow %q", name)
		return load.err
	}
	r.manifest = CompileManifest(name, raw)
	log.Info().Str("component", "components").Str("workflow", name).
		Int("artifacts", len(r.manifest.Artifacts)).Int("inline", len(r.manifest.Inline)).Msg("workflow manifest loaded")
	return nil
}

func (r *Resolver) ActiveWorkflow() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workflow
}

// Generation identifies the current workflow activation.
func (r *Resolver) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Describe returns the descriptor of a component in the active manifest.
func (r *Resolver) Describe(c Category, name string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest.Lookup(c, name)
}

// DescribeToolType returns the component handling a tool type. Artifacts
// take precedence over inline components.
func (r *Resolver) DescribeToolType(toolType string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifest == nil {
		return Descriptor{}, false
	}
	d, ok := r.manifest.ToolTypes[toolType]
	return d, ok
}

func (r *Resolver) GetArtifactComponent(ctx context.Context, name string) (Unit, bool) {
	return r.get(ctx, CategoryArtifact, name)
}

func (r *Resolver) GetInlineComponent(ctx context.Context, name string) (Unit, bool) {
	return r.get(ctx, CategoryInline, name)
}

// GetComponentByToolType resolves the unit declared for a tool type.
func (r *Resolver) GetComponentByToolType(ctx context.Context, toolType string) (Unit, bool) {
	d, ok := r.DescribeToolType(toolType)
	if !ok {
		log.Debug().Str("component", "components").Str("tool_type", toolType).Msg("no component for tool type")
		return nil, false
	}
	return r.get(ctx, d.Category, d.Name)
}

// Available lists the component names of the active workflow.
type Available struct {
	Workflow  string
	Artifacts []string
	Inline    []string
}

func (r *Resolver) GetAvailableComponents() Available {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Available{
		Workflow:  r.workflow,
		Artifacts: r.manifest.Names(CategoryArtifact),
		Inline:    r.manifest.Names(CategoryInline),
	}
}

func (r *Resolver) get(ctx context.Context, c Category, name string) (Unit, bool) {
	r.mu.Lock()
	if r.manifest == nil {
		wf := r.workflow
		r.mu.Unlock()
		log.Debug().Str("component", "components").Str("workflow", wf).Str("name", name).Msg("no manifest loaded")
		return nil, false
	}
	d, ok := r.manifest.Lookup(c, name)
	if !ok {
		wf := r.workflow
		r.mu.Unlock()
		log.Debug().Str("component", "components").Str("workflow", wf).Str("category", string(c)).Str("name", name).Msg("component not declared")
		return nil, false
	}
	key := cacheKey{workflow: r.workflow, category: c, name: name}
	if u, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return u, true
	}
	gen := r.generation
	r.mu.Unlock()

	flightKey := fmt.Sprintf("%d\x00%s\x00%s\x00%s", gen, key.workflow, c, name)
	v, err, _ := r.group.Do(flightKey, func() (any, error) {
		// a previous flight may have filled the cache after our lookup
		r.mu.Lock()
		cached, hit := r.cache[key]
		current := r.generation
		r.mu.Unlock()
		if hit && gen == current {
			return cached, nil
		}
		u, err := r.loader.Load(ctx, key.workflow, d)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if gen == r.generation {
			r.cache[key] = u
		} else {
			log.Debug().Str("component", "components").Str("workflow", key.workflow).Str("name", name).
				Msg("not caching unit from superseded workflow")
		}
		r.mu.Unlock()
		return u, nil
	})
	if err != nil {
		log.Warn().Err(err).Str("component", "components").Str("workflow", key.workflow).
			Str("category", string(c)).Str("name", name).Msg("component load failed")
		return nil, false
	}
	return v.(Unit), true
}
