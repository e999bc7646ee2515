package components

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatwire/pkg/events"
	"github.com/rs/zerolog/log"
)

// Surface is where a render request should appear.
type Surface string

const (
	SurfaceArtifact Surface = "artifact-panel"
	SurfaceInline   Surface = "chat-inline"
)

func surfaceFor(c Category) Surface {
	if c == CategoryInline {
		return SurfaceInline
	}
	return SurfaceArtifact
}

// RenderRequest is emitted once a routed component event is resolved.
// Fallback is set when no unit could be resolved; hosts render a generic
// placeholder with the payload.
type RenderRequest struct {
	Surface    Surface
	Workflow   string
	Generation uint64
	Name       string
	ToolID     string
	Unit       Unit
	Payload    map[string]any
	Output     any
	Err        error
	Fallback   bool
	// Refresh marks a re-render of a component already on screen.
	Refresh bool
}

type RenderSink interface {
	Render(req RenderRequest)
}

type RenderSinkFunc func(req RenderRequest)

func (f RenderSinkFunc) Render(req RenderRequest) { f(req) }

// Dispatcher resolves routed component events off the routing goroutine and
// hands the result to a RenderSink. Resolution runs concurrently, but results
// reach the sink in the order the events were routed.
type Dispatcher struct {
	resolver *Resolver
	sink     RenderSink
	wg       sync.WaitGroup

	mu         sync.Mutex
	queue      []*pendingRender
	delivering bool
}

type pendingRender struct {
	req  RenderRequest
	done chan struct{}
}

func NewDispatcher(resolver *Resolver, sink RenderSink) *Dispatcher {
	return &Dispatcher{resolver: resolver, sink: sink}
}

func (d *Dispatcher) RouteArtifact(ctx context.Context, ev *events.RouteToArtifact) {
	d.dispatch(ctx, RenderRequest{Surface: SurfaceArtifact, Name: ev.Component, Payload: ev.Payload}, func(ctx context.Context) (Unit, bool) {
		return d.resolver.GetArtifactComponent(ctx, ev.Component)
	})
}

func (d *Dispatcher) RouteInline(ctx context.Context, ev *events.RouteToChat) {
	d.dispatch(ctx, RenderRequest{Surface: SurfaceInline, Name: ev.Component, Payload: ev.Payload}, func(ctx context.Context) (Unit, bool) {
		return d.resolver.GetInlineComponent(ctx, ev.Component)
	})
}

// RouteToolAction renders the component declared for the action's tool type
// in the chat pane. When an artifact and an inline component share the tool
// type, the artifact is picked.
func (d *Dispatcher) RouteToolAction(ctx context.Context, ev *events.UIToolAction) {
	req := RenderRequest{Surface: SurfaceInline, Name: ev.ToolType, ToolID: ev.ToolID, Payload: ev.Payload}
	if desc, ok := d.resolver.DescribeToolType(ev.ToolType); ok {
		req.Name = desc.Name
	}
	d.dispatch(ctx, req, func(ctx context.Context) (Unit, bool) {
		return d.resolver.GetComponentByToolType(ctx, ev.ToolType)
	})
}

// Refresh re-renders a component with a new payload. The cached unit is
// reused; updates never evict.
func (d *Dispatcher) Refresh(ctx context.Context, ev *events.ComponentUpdate) {
	category := CategoryArtifact
	if _, ok := d.resolver.Describe(CategoryArtifact, ev.ComponentID); !ok {
		if _, ok := d.resolver.Describe(CategoryInline, ev.ComponentID); ok {
			category = CategoryInline
		}
	}
	req := RenderRequest{Surface: surfaceFor(category), Name: ev.ComponentID, Payload: ev.Payload, Refresh: true}
	d.dispatch(ctx, req, func(ctx context.Context) (Unit, bool) {
		if category == CategoryInline {
			return d.resolver.GetInlineComponent(ctx, ev.ComponentID)
		}
		return d.resolver.GetArtifactComponent(ctx, ev.ComponentID)
	})
}

// Wait blocks until every in-flight dispatch finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, req RenderRequest, resolve func(context.Context) (Unit, bool)) {
	req.Generation = d.resolver.Generation()
	req.Workflow = d.resolver.ActiveWorkflow()
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	p := &pendingRender{req: req, done: make(chan struct{})}
	d.mu.Lock()
	d.queue = append(d.queue, p)
	if !d.delivering {
		d.delivering = true
		d.wg.Add(1)
		go d.deliver()
	}
	d.mu.Unlock()

	go func() {
		defer close(p.done)
		unit, ok := resolve(ctx)
		if !ok {
			p.req.Fallback = true
			return
		}
		p.req.Unit = unit
		p.req.Output, p.req.Err = unit.Render(ctx, p.req.Payload)
		if p.req.Err != nil {
			log.Warn().Err(p.req.Err).Str("component", "components").Str("workflow", p.req.Workflow).
				Str("name", p.req.Name).Msg("component render failed")
		}
	}()
}

// deliver hands finished requests to the sink in routing order and exits
// once the queue is empty.
func (d *Dispatcher) deliver() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.delivering = false
			d.mu.Unlock()
			return
		}
		p := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()

		<-p.done
		req := p.req
		if current := d.resolver.Generation(); current != req.Generation {
			log.Debug().Str("component", "components").Str("name", req.Name).
				Uint64("generation", req.Generation).Uint64("current", current).Msg("dropping render for superseded workflow")
			continue
		}
		if d.sink != nil {
			d.sink.Render(req)
		}
	}
}
