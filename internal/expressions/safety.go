package expressions

import (
	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/senthilnathang/flowcore/pkg/schema"
)

// allowedFunctions is the closed set of functions and operators a condition
// may call: boolean logic, comparison, arithmetic, membership, indexing,
// size, type conversions, and basic string predicates. Anything else is
// rejected before evaluation.
var allowedFunctions = map[string]bool{
	// Boolean logic and comparison.
	"_&&_": true, "_||_": true, "!_": true,
	"_==_": true, "_!=_": true,
	"_<_": true, "_<=_": true, "_>_": true, "_>=_": true,

	// Arithmetic.
	"_+_": true, "_-_": true, "_*_": true, "_/_": true, "_%_": true, "-_": true,

	// Membership, indexing, ternary.
	"@in": true, "_[_]": true, "_?_:_": true,

	// Size and conversions.
	"size": true, "int": true, "uint": true, "double": true,
	"string": true, "bool": true, "timestamp": true, "duration": true,

	// String predicates.
	"contains": true, "startsWith": true, "endsWith": true, "matches": true,
}

// checkSafety walks the compiled AST and rejects any call outside the
// allow-list with an UNSAFE_EXPRESSION error. Running this at compile time
// means an unsafe expression never evaluates, not even partially.
func checkSafety(expression string, ast *cel.Ast) error {
	nav := celast.NavigateAST(ast.NativeRep())
	calls := celast.MatchDescendants(nav, celast.KindMatcher(celast.CallKind))
	for _, c := range calls {
		fn := c.AsCall().FunctionName()
		if !allowedFunctions[fn] {
			return schema.NewErrorf(schema.ErrCodeUnsafeExpression,
				"expression %q calls %q, which is not permitted in conditions", expression, fn).
				WithDetails(map[string]any{"expression": expression, "function": fn})
		}
	}
	return nil
}
