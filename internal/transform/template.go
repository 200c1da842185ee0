package transform

import (
	"strings"
	"time"

	"github.com/rcrt/substrate/internal/jsonpath"
)

// renderTemplate evaluates the minimal template language allowed in a
// format/template rule: {{path}} substitution, {{#if path}}...{{/if}},
// {{#each path}}...{{/each}}, and the {{@now}} helper. It never executes
// arbitrary code; unknown helpers resolve to the empty string.
func renderTemplate(tpl string, doc interface{}, now time.Time) string {
	toks := tokenizeTemplate(tpl)
	pos := 0
	nodes := parseTemplateNodes(toks, &pos)
	var sb strings.Builder
	renderTemplateNodes(nodes, doc, now, &sb)
	return sb.String()
}

type templateToken struct {
	text string
	tag  string // empty when text is literal content
	isTag bool
}

func tokenizeTemplate(tpl string) []templateToken {
	var toks []templateToken
	i := 0
	for i < len(tpl) {
		start := strings.Index(tpl[i:], "{{")
		if start < 0 {
			toks = append(toks, templateToken{text: tpl[i:]})
			break
		}
		start += i
		if start > i {
			toks = append(toks, templateToken{text: tpl[i:start]})
		}
		end := strings.Index(tpl[start:], "}}")
		if end < 0 {
			toks = append(toks, templateToken{text: tpl[start:]})
			break
		}
		end += start
		toks = append(toks, templateToken{tag: strings.TrimSpace(tpl[start+2 : end]), isTag: true})
		i = end + 2
	}
	return toks
}

type templateNode interface{}

type textNode string
type varNode string
type ifNode struct {
	path string
	body []templateNode
}
type eachNode struct {
	path string
	body []templateNode
}

// parseTemplateNodes consumes tokens from *pos until EOF or a closing
// {{/if}}/{{/each}} tag, which it leaves for the caller to consume.
func parseTemplateNodes(toks []templateToken, pos *int) []templateNode {
	var nodes []templateNode
	for *pos < len(toks) {
		t := toks[*pos]
		if !t.isTag {
			nodes = append(nodes, textNode(t.text))
			*pos++
			continue
		}
		switch {
		case t.tag == "/if" || t.tag == "/each":
			return nodes
		case strings.HasPrefix(t.tag, "#if "):
			path := strings.TrimSpace(strings.TrimPrefix(t.tag, "#if "))
			*pos++
			body := parseTemplateNodes(toks, pos)
			if *pos < len(toks) && toks[*pos].tag == "/if" {
				*pos++
			}
			nodes = append(nodes, ifNode{path: path, body: body})
		case strings.HasPrefix(t.tag, "#each "):
			path := strings.TrimSpace(strings.TrimPrefix(t.tag, "#each "))
			*pos++
			body := parseTemplateNodes(toks, pos)
			if *pos < len(toks) && toks[*pos].tag == "/each" {
				*pos++
			}
			nodes = append(nodes, eachNode{path: path, body: body})
		default:
			nodes = append(nodes, varNode(t.tag))
			*pos++
		}
	}
	return nodes
}

func renderTemplateNodes(nodes []templateNode, doc interface{}, now time.Time, sb *strings.Builder) {
	for _, n := range nodes {
		switch v := n.(type) {
		case textNode:
			sb.WriteString(string(v))
		case varNode:
			if string(v) == "@now" {
				sb.WriteString(now.UTC().Format(time.RFC3339))
				continue
			}
			if val, ok := jsonpath.ExtractValue(doc, string(v)); ok {
				sb.WriteString(stringify(val))
			}
		case ifNode:
			val, ok := jsonpath.ExtractValue(doc, v.path)
			if ok && truthy(val) {
				renderTemplateNodes(v.body, doc, now, sb)
			}
		case eachNode:
			val, ok := jsonpath.ExtractValue(doc, v.path)
			if !ok {
				continue
			}
			arr, ok := val.([]interface{})
			if !ok {
				continue
			}
			for _, item := range arr {
				renderTemplateNodes(v.body, item, now, sb)
			}
		}
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}
