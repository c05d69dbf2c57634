// Package script runs JavaScript actions and decision scripts on goja.
//
// A compiled Program becomes executor work: each run gets a fresh runtime,
// and cancelling the run's context interrupts the VM with
// actions.ErrGoalChanged so the executor sees a cooperative stop.
package script

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/nextlevelbuilder/reflexcore/internal/actions"
)

// Bindings is what a script can reach in the host agent.
type Bindings interface {
	// Log appends text to the action output.
	Log(text string)
	// Perform runs a world primitive.
	Perform(ctx context.Context, behavior string, args map[string]any) error
	// World returns the current world snapshot.
	World() map[string]any
}

// Program is a compiled script.
type Program struct {
	name string
	prog *goja.Program
}

// Compile parses source in strict mode.
func Compile(name, source string) (*Program, error) {
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	return &Program{name: name, prog: prog}, nil
}

// Work compiles source and returns it as executor work.
func Work(name, source string, b Bindings) (actions.Work, error) {
	p, err := Compile(name, source)
	if err != nil {
		return nil, err
	}
	return p.Work(b), nil
}

// Name returns the script name.
func (p *Program) Name() string { return p.name }

// Work returns executor work running the program against b.
func (p *Program) Work(b Bindings) actions.Work {
	return func(ctx context.Context) error {
		vm := goja.New()
		r := &run{vm: vm, ctx: ctx, b: b}
		if err := r.install(); err != nil {
			return fmt.Errorf("script %s: %w", p.name, err)
		}

		stop := context.AfterFunc(ctx, func() { vm.Interrupt(actions.ErrGoalChanged) })
		defer stop()

		_, err := vm.RunProgram(p.prog)
		return p.mapError(err, r.stopErr)
	}
}

func (p *Program) mapError(err, stopErr error) error {
	if err == nil {
		return nil
	}
	if stopErr != nil {
		return fmt.Errorf("script %s: %w", p.name, stopErr)
	}
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if v, ok := ie.Value().(error); ok {
			return fmt.Errorf("script %s: %w", p.name, v)
		}
		return fmt.Errorf("script %s: %w", p.name, actions.ErrGoalChanged)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) && ex.Value() != nil {
		return fmt.Errorf("script %s: %s", p.name, ex.Value().String())
	}
	return fmt.Errorf("script %s: %w", p.name, err)
}

// run holds per-execution state. stopErr is only touched on the VM goroutine.
type run struct {
	vm      *goja.Runtime
	ctx     context.Context
	b       Bindings
	stopErr error
}

func (r *run) install() error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"log":         r.log,
		"perform":     r.perform,
		"world":       r.world,
		"sleep":       r.sleep,
		"interrupted": r.interrupted,
	} {
		if err := r.vm.Set(name, fn); err != nil {
			return fmt.Errorf("bind %s: %w", name, err)
		}
	}
	return nil
}

func (r *run) log(call goja.FunctionCall) goja.Value {
	r.b.Log(joinArgs(call.Arguments))
	return goja.Undefined()
}

func (r *run) perform(call goja.FunctionCall) goja.Value {
	behavior := call.Argument(0).String()
	var args map[string]any
	if v := call.Argument(1); !goja.IsUndefined(v) && !goja.IsNull(v) {
		if m, ok := v.Export().(map[string]any); ok {
			args = m
		}
	}
	if err := r.b.Perform(r.ctx, behavior, args); err != nil {
		if actions.IsCooperativeInterrupt(err) {
			r.stopErr = err
		}
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (r *run) world(goja.FunctionCall) goja.Value {
	return r.vm.ToValue(r.b.World())
}

// sleep(ms) waits or returns early when the run is cancelled.
func (r *run) sleep(call goja.FunctionCall) goja.Value {
	ms := call.Argument(0).ToInteger()
	if ms <= 0 {
		return goja.Undefined()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-r.ctx.Done():
		r.vm.Interrupt(actions.ErrGoalChanged)
	case <-t.C:
	}
	return goja.Undefined()
}

func (r *run) interrupted(goja.FunctionCall) goja.Value {
	return r.vm.ToValue(r.ctx.Err() != nil)
}

func joinArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
