// Package selector evaluates the selector language of §6.3: a declarative
// filter over a breadcrumb's schema_name, tags, and context, used both for
// bus fanout matching and for search predicates.
package selector

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rcrt/substrate/internal/jsonpath"
	"github.com/rcrt/substrate/pkg/models"
)

// Matches reports whether a breadcrumb matches every present clause of a
// selector (§3.2 invariant 6: selector determinism over untouched fields).
func Matches(b *models.Breadcrumb, s models.Selector) bool {
	if s.SchemaName != "" && b.SchemaName != s.SchemaName {
		return false
	}
	if len(s.AnyTags) > 0 && !anyTagPresent(b.Tags, s.AnyTags) {
		return false
	}
	if len(s.AllTags) > 0 && !allTagsPresent(b.Tags, s.AllTags) {
		return false
	}
	for _, cm := range s.ContextMatch {
		if !matchContext(b.Context, cm) {
			return false
		}
	}
	return true
}

func anyTagPresent(tags, any []string) bool {
	set := toSet(tags)
	for _, t := range any {
		if set[t] {
			return true
		}
	}
	return false
}

func allTagsPresent(tags, all []string) bool {
	set := toSet(tags)
	for _, t := range all {
		if !set[t] {
			return false
		}
	}
	return true
}

func toSet(tags []string) map[string]bool {
	m := make(map[string]bool, len(tags))
	for _, t := range tags {
		m[t] = true
	}
	return m
}

// program cache: compiling an expr.Program per evaluation is wasteful, and
// the set of (op) expressions is tiny and fixed, so compile once.
var (
	progMu    sync.Mutex
	programs  = map[models.MatchOp]*vm.Program{}
)

func programFor(op models.MatchOp) (*vm.Program, error) {
	progMu.Lock()
	defer progMu.Unlock()
	if p, ok := programs[op]; ok {
		return p, nil
	}
	src, ok := exprFor(op)
	if !ok {
		return nil, fmt.Errorf("unsupported op %q", op)
	}
	env := map[string]interface{}{"value": nil, "target": nil}
	p, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return nil, err
	}
	programs[op] = p
	return p, nil
}

func exprFor(op models.MatchOp) (string, bool) {
	switch op {
	case models.OpEq:
		return "value == target", true
	case models.OpNeq:
		return "value != target", true
	case models.OpGt:
		return "value > target", true
	case models.OpLt:
		return "value < target", true
	case models.OpContains:
		return "value contains target", true
	case models.OpIn:
		return "value in target", true
	default:
		return "", false
	}
}

// matchContext evaluates one context_match clause against a breadcrumb's
// context document, via expr-lang/expr for the comparison itself — the
// path extraction (jsonpath) and the predicate evaluation (expr) are kept
// separate so each stays a narrow, auditable piece.
func matchContext(context []byte, cm models.ContextMatch) bool {
	value, ok := jsonpath.Extract(context, cm.Path)
	if !ok {
		return false
	}
	prog, err := programFor(cm.Op)
	if err != nil {
		return false
	}
	out, err := expr.Run(prog, map[string]interface{}{"value": value, "target": cm.Value})
	if err != nil {
		return false
	}
	matched, _ := out.(bool)
	return matched
}
