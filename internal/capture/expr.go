package capture

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Expr compiles a CEL expression into a Predicate. The expression sees:
//
//	text  string  frame as UTF-8 text
//	data  bytes   raw frame
//	size  int     frame length
//	json  dyn     frame parsed as JSON, or null when it is not JSON
//
// Evaluation errors and non-bool results reject the frame.
func Expr(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("capture: empty expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("data", cel.BytesType),
		cel.Variable("size", cel.IntType),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("capture: parse %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("capture: check %q: %w", expr, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("capture: program %q: %w", expr, err)
	}
	return func(frame []byte) bool {
		var doc any
		if json.Unmarshal(frame, &doc) != nil {
			doc = nil
		}
		out, _, err := prog.Eval(map[string]any{
			"text": string(frame),
			"data": frame,
			"size": int64(len(frame)),
			"json": doc,
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}

// MustExpr is like Expr but panics on error. Use for fixed expressions.
func MustExpr(expr string) Predicate {
	p, err := Expr(expr)
	if err != nil {
		panic(err)
	}
	return p
}
