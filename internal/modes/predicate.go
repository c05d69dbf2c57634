package modes

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Predicate is a compiled CEL expression over the tick snapshot:
//
//	world  map(string, dyn)  world facts from Host.World
//	label  string            label of the current action ("" when idle)
//	idle   bool              whether the host is idle
type Predicate struct {
	expr string
	prg  cel.Program
}

var predicateEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("world", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("label", cel.StringType),
		cel.Variable("idle", cel.BoolType),
		cel.CrossTypeNumericComparisons(true),
	)
})

// CompilePredicate parses and type-checks expr.
func CompilePredicate(expr string) (*Predicate, error) {
	env, err := predicateEnv()
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("predicate %q yields %s, want bool", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return &Predicate{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (p *Predicate) String() string { return p.expr }

// Eval runs the predicate. Missing world keys surface as errors.
func (p *Predicate) Eval(env Env) (bool, error) {
	world := env.World
	if world == nil {
		world = map[string]any{}
	}
	out, _, err := p.prg.Eval(map[string]any{
		"world": world,
		"label": env.Label,
		"idle":  env.Idle,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T", p.expr, out.Value())
	}
	return b, nil
}
