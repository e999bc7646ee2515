package components

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// WildcardWorkflow registers a factory for every workflow.
const WildcardWorkflow = "*"

// ErrNoFactory is returned when neither a registered factory nor the
// fallback loader can produce a unit.
var ErrNoFactory = errors.New("no factory registered for component")

// Unit is a resolved, renderable component.
type Unit interface {
	Name() string
	Category() Category
	// Render turns an event payload into whatever the host surface consumes.
	Render(ctx context.Context, payload map[string]any) (any, error)
}

// Factory builds a unit for a descriptor.
type Factory func(ctx context.Context, d Descriptor) (Unit, error)

// Loader resolves a descriptor of a workflow to a unit.
type Loader interface {
	Load(ctx context.Context, workflow string, d Descriptor) (Unit, error)
}

type registryKey struct {
	workflow string
	category Category
	name     string
}

// Registry is the explicit (workflow, category, name) → Factory table.
// Descriptors without a registered factory go to the fallback loader.
type Registry struct {
	mu        sync.RWMutex
	factories map[registryKey]Factory
	fallback  Loader
}

func NewRegistry(fallback Loader) *Registry {
	return &Registry{
		factories: map[registryKey]Factory{},
		fallback:  fallback,
	}
}

// Register binds a factory. Use WildcardWorkflow to match every workflow.
func (r *Registry) Register(workflow string, c Category, name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[registryKey{workflow: workflow, category: c, name: name}] = f
}

func (r *Registry) Load(ctx context.Context, workflow string, d Descriptor) (Unit, error) {
	r.mu.RLock()
	f, ok := r.factories[registryKey{workflow: workflow, category: d.Category, name: d.Name}]
	if !ok {
		f, ok = r.factories[registryKey{workflow: WildcardWorkflow, category: d.Category, name: d.Name}]
	}
	fallback := r.fallback
	r.mu.RUnlock()

	if ok {
		u, err := f(ctx, d)
		if err != nil {
			return nil, errors.Wrapf(err, "build %s component %q", d.Category, d.Name)
		}
		return u, nil
	}
	if fallback != nil && d.SourceRef != "" {
		return fallback.Load(ctx, workflow, d)
	}
	return nil, errors.Wrapf(ErrNoFactory, "%s/%s/%s", workflow, d.Category, d.Name)
}

// FuncUnit adapts a plain function into a Unit.
type FuncUnit struct {
	UnitName     string
	UnitCategory Category
	RenderFunc   func(ctx context.Context, payload map[string]any) (any, error)
}

func (u *FuncUnit) Name() string       { return u.UnitName }
func (u *FuncUnit) Category() Category { return u.UnitCategory }

func (u *FuncUnit) Render(ctx context.Context, payload map[string]any) (any, error) {
	if u.RenderFunc == nil {
		return payload, nil
	}
	return u.RenderFunc(ctx, payload)
}

// StaticFactory returns a factory producing a FuncUnit around fn.
func StaticFactory(fn func(ctx context.Context, payload map[string]any) (any, error)) Factory {
	return func(_ context.Context, d Descriptor) (Unit, error) {
		return &FuncUnit{UnitName: d.Name, UnitCategory: d.Category, RenderFunc: fn}, nil
	}
}
