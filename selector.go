package statekv

import (
	"fmt"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/unkn0wn-root/statekv/merge"
)

// compileSelector turns an expr-lang expression over `value` into a
// selector. Runtime errors select nil and are logged.
func compileSelector(expression string, log Logger) (func(any) any, error) {
	program, err := exprlang.Compile(expression,
		exprlang.Env(map[string]any{"value": nil}),
		exprlang.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("statekv: selector %q: %w", expression, err)
	}
	return func(v any) any {
		return runSelector(program, expression, v, log)
	}, nil
}

func runSelector(program *exprvm.Program, expression string, v any, log Logger) any {
	out, err := exprlang.Run(program, map[string]any{"value": v})
	if err != nil {
		log.Warn("selector failed", Fields{"expr": expression, "err": err.Error()})
		return nil
	}
	n, err := merge.Normalize(out)
	if err != nil {
		log.Warn("selector returned an unsupported value", Fields{"expr": expression, "err": err.Error()})
		return nil
	}
	return n
}
