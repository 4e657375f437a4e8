// Package script embeds a Lua interpreter (github.com/yuin/gopher-lua)
// that replays mediation scenarios against a context without a live IPC
// front end: a script calls bar0_write/bar0_read-style functions that are
// translated into the same command records a guest session would deliver.
// Useful for demo scenarios, bring-up debugging and integration tests.
package script

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/nvmediator/a3/internal/record"
)

// Handler is the command surface a script drives; satisfied by
// *ctxt.Context.
type Handler interface {
	Handle(cmd record.Command) (uint32, bool)
}

// Runner owns one Lua state bound to one mediation context.
type Runner struct {
	ctx Handler
	l   *lua.LState
}

// New builds a Runner exposing the scenario API to Lua:
//
//	init(domid, paravirt)        -> assigned id
//	bar3_notify(value, offset)
//	barN_write(offset, value)    N in {0,1,3,4}
//	barN_read(offset)            -> value
//	utility(subop, offset)       -> value
func New(ctx Handler) *Runner {
	r := &Runner{ctx: ctx, l: lua.NewState()}
	r.register()
	return r
}

// Close releases the Lua state.
func (r *Runner) Close() { r.l.Close() }

// RunString executes a scenario held in src.
func (r *Runner) RunString(src string) error {
	if err := r.l.DoString(src); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

// RunFile executes the scenario file at path.
func (r *Runner) RunFile(path string) error {
	if err := r.l.DoFile(path); err != nil {
		return fmt.Errorf("script: %w", err)
	}
	return nil
}

func (r *Runner) register() {
	r.l.SetGlobal("init", r.l.NewFunction(func(l *lua.LState) int {
		domid := uint32(l.CheckInt(1))
		para := uint32(0)
		if l.OptBool(2, false) {
			para = 1
		}
		value, _ := r.ctx.Handle(record.Command{Kind: record.KindInit, Value: domid, Offset: para})
		l.Push(lua.LNumber(value))
		return 1
	}))

	r.l.SetGlobal("bar3_notify", r.l.NewFunction(func(l *lua.LState) int {
		r.ctx.Handle(record.Command{
			Kind:   record.KindBar3Notify,
			Value:  uint32(l.CheckInt64(1)),
			Offset: uint32(l.CheckInt64(2)),
		})
		return 0
	}))

	r.l.SetGlobal("utility", r.l.NewFunction(func(l *lua.LState) int {
		value, _ := r.ctx.Handle(record.Command{
			Kind:   record.KindUtility,
			Value:  uint32(l.CheckInt64(1)),
			Offset: uint32(l.CheckInt64(2)),
		})
		l.Push(lua.LNumber(value))
		return 1
	}))

	for _, b := range []record.Bar{record.Bar0, record.Bar1, record.Bar3, record.Bar4} {
		bar := b
		r.l.SetGlobal(fmt.Sprintf("bar%d_write", bar), r.l.NewFunction(func(l *lua.LState) int {
			r.ctx.Handle(record.Command{
				Kind:   record.KindWrite,
				Bar:    bar,
				Offset: uint32(l.CheckInt64(1)),
				Value:  uint32(l.CheckInt64(2)),
				Size:   record.Size4,
			})
			return 0
		}))
		r.l.SetGlobal(fmt.Sprintf("bar%d_read", bar), r.l.NewFunction(func(l *lua.LState) int {
			value, _ := r.ctx.Handle(record.Command{
				Kind:   record.KindRead,
				Bar:    bar,
				Offset: uint32(l.CheckInt64(1)),
				Size:   record.Size4,
			})
			l.Push(lua.LNumber(value))
			return 1
		}))
	}
}
