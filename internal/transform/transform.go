// Package transform implements the Transform Engine of §4.3: it
// materializes a consumer-oriented view of a breadcrumb's context at read
// time from a schema-definition breadcrumb's hints, without ever mutating
// the stored context. Hint compilation is cached per (owner, schema_name)
// and invalidated on writes to schema-definition breadcrumbs.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcrt/substrate/internal/jsonpath"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
)

// Engine applies schema hints to a breadcrumb's context at read time.
type Engine struct {
	store contracts.Store

	mu    sync.RWMutex
	cache map[string]map[string]*models.SchemaHints // owner -> target_schema -> hints (nil = no hints found)

	loggedMu sync.Mutex
	logged   map[string]bool // schema|reason -> already logged once
}

func New(store contracts.Store) *Engine {
	return &Engine{
		store:  store,
		cache:  make(map[string]map[string]*models.SchemaHints),
		logged: make(map[string]bool),
	}
}

// InvalidateOwner drops every cached hint set for owner. Called whenever a
// schema-definition breadcrumb is written for that tenant, since any
// target_schema in the owner's cache may now be stale.
func (e *Engine) InvalidateOwner(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, owner)
}

// Materialize returns bc unchanged if no hints apply or if applying them
// fails; transform errors never bubble to the caller, since a degraded read
// is preferable to a failed one (§4.3).
func (e *Engine) Materialize(ctx context.Context, owner string, bc *models.Breadcrumb) *models.Breadcrumb {
	hints, err := e.hintsFor(ctx, owner, bc.SchemaName)
	if err != nil {
		log.Warn().Err(err).Str("schema", bc.SchemaName).Msg("transform: hint lookup failed, serving raw context")
		return bc
	}
	if hints == nil {
		return bc
	}

	out, err := applyHints(bc.Context, hints, time.Now())
	if err != nil {
		e.logOnce(bc.SchemaName, err.Error())
		return bc
	}

	cp := *bc
	cp.Context = out
	return &cp
}

func (e *Engine) logOnce(schema, reason string) {
	key := schema + "|" + reason
	e.loggedMu.Lock()
	defer e.loggedMu.Unlock()
	if e.logged[key] {
		return
	}
	e.logged[key] = true
	log.Error().Str("schema", schema).Str("reason", reason).Msg("transform: rule evaluation failed, serving raw context")
}

// hintsFor returns the compiled hint set for owner/targetSchema, consulting
// the cache first and falling back to a store scan of schema-definition
// breadcrumbs on a miss.
func (e *Engine) hintsFor(ctx context.Context, owner, targetSchema string) (*models.SchemaHints, error) {
	e.mu.RLock()
	byOwner, ok := e.cache[owner]
	if ok {
		hints, found := byOwner[targetSchema]
		e.mu.RUnlock()
		if found {
			return hints, nil
		}
	} else {
		e.mu.RUnlock()
	}

	found, err := e.store.SearchBreadcrumbs(ctx, istore.SearchParams{
		Owner:      owner,
		SchemaName: models.ReservedSchemaDefinition,
		Limit:      200,
	})
	if err != nil {
		return nil, err
	}

	resolved := make(map[string]*models.SchemaHints)
	for _, def := range found {
		var h models.SchemaHints
		if err := json.Unmarshal(def.Context, &h); err != nil {
			continue
		}
		if h.TargetSchema == "" {
			continue
		}
		hc := h
		resolved[h.TargetSchema] = &hc
	}
	if _, ok := resolved[targetSchema]; !ok {
		resolved[targetSchema] = nil // cache the miss until InvalidateOwner
	}

	e.mu.Lock()
	e.cache[owner] = resolved
	e.mu.Unlock()

	return resolved[targetSchema], nil
}

// applyHints computes the materialized context for raw given hints. mode
// "replace" means the output is only the transform rule results; "merge"
// (the default) layers them onto the include/exclude-filtered raw context.
func applyHints(raw []byte, hints *models.SchemaHints, now time.Time) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("context is not a JSON object: %w", err)
	}

	mode := hints.Mode
	if mode == "" {
		mode = "merge"
	}

	var out map[string]interface{}
	switch {
	case mode == "replace":
		out = map[string]interface{}{}
	case len(hints.Include) > 0:
		out = map[string]interface{}{}
		for _, p := range hints.Include {
			if v, ok := jsonpath.ExtractValue(doc, p); ok {
				setPath(out, p, v)
			}
		}
	default:
		out = doc
	}

	if mode != "replace" {
		for _, p := range hints.Exclude {
			deletePath(out, p)
		}
	}

	for field, rule := range hints.Transform {
		val, err := evalRule(doc, rule, now)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", field, err)
		}
		out[field] = val
	}

	return json.Marshal(out)
}

func evalRule(doc map[string]interface{}, rule models.Rule, now time.Time) (interface{}, error) {
	switch rule.Kind {
	case models.RuleLiteral:
		return rule.Value, nil
	case models.RuleExtract:
		val, ok := jsonpath.ExtractValue(doc, rule.Path)
		if !ok {
			return nil, nil
		}
		return val, nil
	case models.RuleFormat:
		return applyFormat(doc, rule.Format), nil
	case models.RuleTemplate:
		return renderTemplate(rule.Template, doc, now), nil
	default:
		return nil, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// applyFormat substitutes {dotted.path} tokens in format with the stringified
// value found at that path in doc; missing paths substitute the empty
// string rather than failing the whole rule.
func applyFormat(doc interface{}, format string) string {
	var sb strings.Builder
	i := 0
	for i < len(format) {
		if format[i] == '{' {
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				sb.WriteString(format[i:])
				break
			}
			path := strings.TrimSpace(format[i+1 : i+end])
			if val, ok := jsonpath.ExtractValue(doc, path); ok {
				sb.WriteString(stringify(val))
			}
			i += end + 1
			continue
		}
		sb.WriteByte(format[i])
		i++
	}
	return sb.String()
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// ── paths (include/exclude/set over a decoded object) ────────

func setPath(doc map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[p] = next
		}
		cur = next
	}
}

func deletePath(doc map[string]interface{}, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, p := range parts {
		if i == len(parts)-1 {
			delete(cur, p)
			return
		}
		next, ok := cur[p].(map[string]interface{})
		if !ok {
			return
		}
		cur = next
	}
}
