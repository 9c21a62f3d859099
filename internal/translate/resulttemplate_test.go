package translate

import "testing"

func TestResultTemplateEmptyScriptPassthrough(t *testing.T) {
	tmpl := ResultTemplate{}
	got := tmpl.Apply("search", `{"q":"x"}`)
	if got != `{"q":"x"}` {
		t.Fatalf("Apply with empty script = %q, want passthrough", got)
	}
}

func TestResultTemplateAppliesTransform(t *testing.T) {
	tmpl := ResultTemplate{Script: `function transform(name, args) { args.source = name; return args; }`}
	got := tmpl.Apply("search", `{"q":"x"}`)
	if got != `{"q":"x","source":"search"}` {
		t.Fatalf("Apply() = %q, want transform applied", got)
	}
}

func TestResultTemplateBrokenScriptFallsBackToOriginal(t *testing.T) {
	tmpl := ResultTemplate{Script: `this is not valid javascript {{{`}
	got := tmpl.Apply("search", `{"q":"x"}`)
	if got != `{"q":"x"}` {
		t.Fatalf("Apply() with broken script = %q, want original arguments unchanged", got)
	}
}

func TestResultTemplateMissingTransformFunctionFallsBack(t *testing.T) {
	tmpl := ResultTemplate{Script: `var notTransform = 1;`}
	got := tmpl.Apply("search", `{"q":"x"}`)
	if got != `{"q":"x"}` {
		t.Fatalf("Apply() with no transform() defined = %q, want original unchanged", got)
	}
}

func TestResultTemplateTransformThatThrowsFallsBack(t *testing.T) {
	tmpl := ResultTemplate{Script: `function transform(name, args) { throw new Error("boom"); }`}
	got := tmpl.Apply("search", `{"q":"x"}`)
	if got != `{"q":"x"}` {
		t.Fatalf("Apply() with throwing transform = %q, want original unchanged", got)
	}
}

func TestResultTemplateMalformedArgumentsJSONFallsBack(t *testing.T) {
	tmpl := ResultTemplate{Script: `function transform(name, args) { return args; }`}
	got := tmpl.Apply("search", `not json`)
	if got != `not json` {
		t.Fatalf("Apply() with malformed arguments JSON = %q, want passthrough", got)
	}
}
