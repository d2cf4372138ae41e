package condition

import (
	"fmt"
	"sort"
	"strings"
)

// CompileDSL parses a DSL source string and compiles it into JSON-Logic. It
// also returns the canonical, re-rendered form of the DSL (normalized
// spacing and operator tokens), which callers persist alongside the
// original source so a stored policy's condition reads identically
// regardless of how the author formatted it.
//
// Field references are bare dotted identifier paths (e.g. "facets.brief.value.status")
// compiled verbatim into {"var": "<path>"} nodes; CompileDSL does not infer
// or rewrite a facet namespace; callers decide what "data" shape Evaluate
// will receive and write their DSL source against that shape.
func CompileDSL(dsl string) (canonical string, jsonLogic map[string]any, err error) {
	trimmed := strings.TrimSpace(dsl)
	if trimmed == "" {
		return "", nil, fmt.Errorf("condition: empty DSL source")
	}
	ast, err := parseExpr(trimmed)
	if err != nil {
		return "", nil, err
	}
	logic, err := compileNode(ast)
	if err != nil {
		return "", nil, err
	}
	logicMap, ok := logic.(map[string]any)
	if !ok {
		// A bare literal or field reference is still a valid top-level
		// condition (evaluated for truthiness); wrap it so the return type
		// is always a JSON-Logic object.
		logicMap = map[string]any{"var": logic}
		if ast.kind == "literal" {
			logicMap = map[string]any{"!!": []any{ast.lit}}
		}
	}
	return render(ast), logicMap, nil
}

func compileNode(n *node) (any, error) {
	switch n.kind {
	case "or":
		args, err := compileArgs(n.args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"or": args}, nil
	case "and":
		args, err := compileArgs(n.args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"and": args}, nil
	case "not":
		args, err := compileArgs(n.args)
		if err != nil {
			return nil, err
		}
		return map[string]any{"!": args}, nil
	case "cmp":
		args, err := compileArgs(n.args)
		if err != nil {
			return nil, err
		}
		return map[string]any{n.op: args}, nil
	case "field":
		return map[string]any{"var": n.path}, nil
	case "literal":
		return n.lit, nil
	default:
		return nil, fmt.Errorf("condition: unknown AST node kind %q", n.kind)
	}
}

func compileArgs(nodes []*node) ([]any, error) {
	out := make([]any, 0, len(nodes))
	for _, child := range nodes {
		compiled, err := compileNode(child)
		if err != nil {
			return nil, err
		}
		out = append(out, compiled)
	}
	return out, nil
}

// render re-renders an AST node back into canonical DSL source: normalized
// spacing, double-quoted string literals, and fully parenthesized boolean
// combinations so precedence is always explicit.
func render(n *node) string {
	switch n.kind {
	case "or":
		return fmt.Sprintf("(%s || %s)", render(n.args[0]), render(n.args[1]))
	case "and":
		return fmt.Sprintf("(%s && %s)", render(n.args[0]), render(n.args[1]))
	case "not":
		return fmt.Sprintf("!%s", render(n.args[0]))
	case "cmp":
		return fmt.Sprintf("%s %s %s", render(n.args[0]), n.op, render(n.args[1]))
	case "field":
		return n.path
	case "literal":
		return renderLiteral(n.lit)
	default:
		return ""
	}
}

func renderLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return fmt.Sprintf("%q", val)
	case float64:
		return trimFloat(val)
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, renderLiteral(item))
		}
		sort.Strings(parts) // canonical ordering for array literals used in "in" checks
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}
