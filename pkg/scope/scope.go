// Package scope implements the execution context: a stack of variable frames
// with nearest-frame-first lookup, component-scope writes, loop variables and
// a function registry on the root frame.
//
// A Context belongs to exactly one render/execution and is not shared between
// goroutines, so it carries no locking.
package scope

import (
	"fmt"

	"github.com/quillframe/quill/pkg/ast"
	"github.com/quillframe/quill/pkg/value"
)

// FrameKind tags why a frame was pushed.
type FrameKind string

const (
	FrameComponent FrameKind = "component"
	FrameFunction  FrameKind = "function"
	FrameLoop      FrameKind = "loop"
)

// FunctionDescriptor is a registered callable: parameters, body and the frame
// depth it closed over.
type FunctionDescriptor struct {
	Name   string
	Params []*ast.ParamNode
	Body   []ast.Node
}

type frame struct {
	kind FrameKind
	vars map[string]any
}

// Context is the scoped variable store driving one execution.
type Context struct {
	frames []*frame
	funcs  map[string]*FunctionDescriptor
}

// New creates a context with the initial component frame.
func New() *Context {
	return &Context{
		frames: []*frame{{kind: FrameComponent, vars: map[string]any{}}},
		funcs:  map[string]*FunctionDescriptor{},
	}
}

// NewWith seeds the component frame with initial variables.
func NewWith(vars map[string]any) *Context {
	ctx := New()
	for k, v := range vars {
		ctx.Set(k, v)
	}
	return ctx
}

// PushFrame opens a new scope of the given kind.
func (c *Context) PushFrame(kind FrameKind) {
	c.frames = append(c.frames, &frame{kind: kind, vars: map[string]any{}})
}

// PushLoopFrame opens a loop scope pre-populated with the loop variable and
// its companions: var, var_index, var_count.
func (c *Context) PushLoopFrame(varName string, item any, index, count int) {
	c.PushFrame(FrameLoop)
	top := c.frames[len(c.frames)-1]
	top.vars[varName] = value.Normalize(item)
	top.vars[varName+"_index"] = int64(index)
	top.vars[varName+"_count"] = int64(count)
}

// PopFrame closes the innermost scope. Popping the component frame is a
// programmer error and panics.
func (c *Context) PopFrame() {
	if len(c.frames) <= 1 {
		panic("scope: PopFrame on component frame")
	}
	c.frames = c.frames[:len(c.frames)-1]
}

// Depth returns the number of open frames.
func (c *Context) Depth() int { return len(c.frames) }

// Get resolves a variable nearest-frame-first. Absent names return (nil,
// false) rather than an error.
func (c *Context) Get(name string) (any, bool) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if v, ok := c.frames[i].vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Set writes to the innermost frame.
func (c *Context) Set(name string, val any) {
	c.frames[len(c.frames)-1].vars[name] = value.Normalize(val)
}

// SetComponent writes to the component (root) frame regardless of the
// current depth.
func (c *Context) SetComponent(name string, val any) {
	c.frames[0].vars[name] = value.Normalize(val)
}

// Update writes to the frame that already holds name, falling back to the
// innermost frame. This is what makes `set` inside a loop mutate the outer
// counter rather than shadow it.
func (c *Context) Update(name string, val any) {
	for i := len(c.frames) - 1; i >= 0; i-- {
		if _, ok := c.frames[i].vars[name]; ok {
			c.frames[i].vars[name] = value.Normalize(val)
			return
		}
	}
	c.Set(name, val)
}

// Snapshot flattens the visible variables into one map, inner frames
// shadowing outer. The returned map is owned by the caller.
func (c *Context) Snapshot() map[string]any {
	out := map[string]any{}
	for _, f := range c.frames {
		for k, v := range f.vars {
			out[k] = v
		}
	}
	return out
}

// RegisterFunction records a descriptor on the root frame. Re-registering a
// name replaces the previous descriptor.
func (c *Context) RegisterFunction(d *FunctionDescriptor) error {
	if d == nil || d.Name == "" {
		return fmt.Errorf("scope: function descriptor requires a name")
	}
	c.funcs[d.Name] = d
	return nil
}

// LookupFunction returns the descriptor registered under name, if any.
func (c *Context) LookupFunction(name string) (*FunctionDescriptor, bool) {
	d, ok := c.funcs[name]
	return d, ok
}

// Functions returns the registered function names.
func (c *Context) Functions() []string {
	names := make([]string, 0, len(c.funcs))
	for name := range c.funcs {
		names = append(names, name)
	}
	return names
}
