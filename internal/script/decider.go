package script

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dop251/goja"
)

// ReplyFunc sends a decision script's reply to a peer.
type ReplyFunc func(ctx context.Context, to, text string)

// Decider is a decision maker backed by a script defining
//
//	function onMessage(role, message) { return "reply" }
//	function shouldRespond(message) { return true }
//
// Both functions are optional. A non-empty onMessage result for a peer role
// is handed to the reply func; system messages only get logged.
type Decider struct {
	name  string
	reply ReplyFunc

	mu            sync.Mutex // goja.Runtime is not goroutine safe
	vm            *goja.Runtime
	onMessage     goja.Callable
	shouldRespond goja.Callable
}

// NewDecider evaluates source and binds its handler functions.
func NewDecider(name, source string, logFn func(string), reply ReplyFunc) (*Decider, error) {
	prog, err := Compile(name, source)
	if err != nil {
		return nil, err
	}

	vm := goja.New()
	if logFn == nil {
		logFn = func(text string) { slog.Info("script.log", "script", name, "text", text) }
	}
	if err := vm.Set("log", func(call goja.FunctionCall) goja.Value {
		logFn(joinArgs(call.Arguments))
		return goja.Undefined()
	}); err != nil {
		return nil, fmt.Errorf("bind log: %w", err)
	}
	if _, err := vm.RunProgram(prog.prog); err != nil {
		return nil, fmt.Errorf("load decision script %s: %w", name, err)
	}

	d := &Decider{name: name, reply: reply, vm: vm}
	d.onMessage, _ = goja.AssertFunction(vm.Get("onMessage"))
	d.shouldRespond, _ = goja.AssertFunction(vm.Get("shouldRespond"))
	return d, nil
}

// HandleMessage passes a delivered message to onMessage.
func (d *Decider) HandleMessage(ctx context.Context, role, message string) {
	if d.onMessage == nil {
		slog.Debug("script.message_unhandled", "script", d.name, "role", role)
		return
	}
	v, err := d.call(ctx, d.onMessage, role, message)
	if err != nil {
		slog.Warn("script.on_message_failed", "script", d.name, "role", role, "error", err)
		return
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return
	}
	text := v.String()
	if text == "" || role == "system" || d.reply == nil {
		slog.Info("script.reply", "script", d.name, "role", role, "text", text)
		return
	}
	d.reply(ctx, role, text)
}

// ShouldRespond asks the script whether to answer message while busy.
// Without a shouldRespond function the answer is no.
func (d *Decider) ShouldRespond(ctx context.Context, message string) (bool, error) {
	if d.shouldRespond == nil {
		return false, nil
	}
	v, err := d.call(ctx, d.shouldRespond, message)
	if err != nil {
		return false, fmt.Errorf("script %s: %w", d.name, err)
	}
	return v != nil && v.ToBoolean(), nil
}

func (d *Decider) call(ctx context.Context, fn goja.Callable, args ...string) (goja.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = d.vm.ToValue(a)
	}
	stop := context.AfterFunc(ctx, func() { d.vm.Interrupt(ctx.Err()) })
	v, err := fn(goja.Undefined(), vals...)
	stop()
	d.vm.ClearInterrupt()
	return v, err
}
