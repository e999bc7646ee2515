package components

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/require"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ScriptLoader builds units from JavaScript files in an fs.FS. A script
// must define a global render(payload) function; its return value is the
// rendered output.
//
//	function render(payload) {
//	  console.log("rendering", payload.title)
//	  return { kind: "card", title: payload.title }
//	}
type ScriptLoader struct {
	fsys fs.FS
}

func NewScriptLoader(fsys fs.FS) *ScriptLoader {
	return &ScriptLoader{fsys: fsys}
}

func (l *ScriptLoader) Load(_ context.Context, workflow string, d Descriptor) (Unit, error) {
	if l == nil || l.fsys == nil {
		return nil, errors.New("script loader: no filesystem")
	}
	name := scriptPath(d.SourceRef)
	if name == "" {
		return nil, errors.Errorf("script loader: invalid source %q", d.SourceRef)
	}
	blob, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, errors.Wrapf(err, "script loader: read %q", name)
	}

	vm := goja.New()
	registry := require.NewRegistry()
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{workflow: workflow, unit: d.Name}))
	registry.Enable(vm)
	console.Enable(vm)

	if _, err := vm.RunScript(name, string(blob)); err != nil {
		return nil, errors.Wrapf(err, "script loader: run %q", name)
	}
	render, ok := goja.AssertFunction(vm.Get("render"))
	if !ok {
		return nil, errors.Errorf("script loader: %q does not define render(payload)", name)
	}
	log.Debug().Str("component", "components").Str("workflow", workflow).Str("unit", d.Name).Str("script", name).Msg("script unit loaded")
	return &scriptUnit{name: d.Name, category: d.Category, script: name, vm: vm, render: render}, nil
}

// scriptPath cleans a source reference into an fs.FS path and adds the .js
// extension when missing.
func scriptPath(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.TrimPrefix(ref, "./")
	ref = strings.TrimPrefix(ref, "/")
	if ref == "" {
		return ""
	}
	p := path.Clean(ref)
	if !fs.ValidPath(p) {
		return ""
	}
	if path.Ext(p) == "" {
		p += ".js"
	}
	return p
}

// scriptUnit owns one goja runtime. Runtimes are not goroutine safe, so
// renders are serialized.
type scriptUnit struct {
	name     string
	category Category
	script   string

	mu     sync.Mutex
	vm     *goja.Runtime
	render goja.Callable
}

func (u *scriptUnit) Name() string       { return u.name }
func (u *scriptUnit) Category() Category { return u.category }

func (u *scriptUnit) Render(ctx context.Context, payload map[string]any) (out any, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("script %q panicked: %v", u.script, r)
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		u.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		u.vm.ClearInterrupt()
	}()

	if payload == nil {
		payload = map[string]any{}
	}
	ret, err := u.render(goja.Undefined(), u.vm.ToValue(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "script %q render", u.script)
	}
	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return nil, nil
	}
	return ret.Export(), nil
}

type consolePrinter struct {
	workflow string
	unit     string
}

func (p consolePrinter) Log(s string) {
	log.Info().Str("component", "script").Str("workflow", p.workflow).Str("unit", p.unit).Msg(s)
}

func (p consolePrinter) Warn(s string) {
	log.Warn().Str("component", "script").Str("workflow", p.workflow).Str("unit", p.unit).Msg(s)
}

func (p consolePrinter) Error(s string) {
	log.Error().Str("component", "script").Str("workflow", p.workflow).Str("unit", p.unit).Msg(s)
}

func (u *scriptUnit) String() string {
	return fmt.Sprintf("script(%s:%s)", u.category, u.name)
}
