package translate

import (
	"encoding/json"

	"github.com/dop251/goja"
)

// ResultTemplate is an optional, narrowly-scoped JavaScript hook
// (SPEC_FULL.md §13.3) that post-processes an extracted tool call's
// arguments before they reach the client. Off by default: a ModelSpec
// with no template configured never touches goja at all. Grounded in the
// teacher's workflow/goja.go vm.RunString/ToValue/Export idiom, narrowed
// from a general node-scripting engine to a single pure transform.
type ResultTemplate struct {
	// Script must define a top-level function `transform(name, args)`
	// returning the rewritten arguments object. It runs without a time limit.
	Script string
}

// Apply runs the template against a tool call's already-decoded arguments
// object and returns the re-encoded arguments string. Errors are non-fatal
// to the caller's extraction pass: on any goja failure the original
// arguments are returned unchanged, since a broken template must never turn
// a successful tool call into a tool_parse_error.
func (t ResultTemplate) Apply(name, argumentsJSON string) string {
	if t.Script == "" {
		return argumentsJSON
	}

	var args any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return argumentsJSON
	}

	vm := goja.New()
	if _, err := vm.RunString(t.Script); err != nil {
		return argumentsJSON
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return argumentsJSON
	}

	result, err := transform(goja.Undefined(), vm.ToValue(name), vm.ToValue(args))
	if err != nil {
		return argumentsJSON
	}

	out, err := json.Marshal(result.Export())
	if err != nil {
		return argumentsJSON
	}
	return string(out)
}
