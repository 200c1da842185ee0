package contextassembler

import (
	"sort"
	"strings"

	"github.com/rcrt/substrate/pkg/models"
)

// buildSections formats accepted nodes into the bundle's FormattedContext,
// grouped by the consumer's declared sections in declared order, with any
// schema the profile never mapped falling into a trailing fallback
// section. Within a section, nodes sort by ascending graph distance from
// the seed set, breaking ties by most-recently-updated first — the same
// ordering for identical inputs every time, which is what §4.6's
// determinism guarantee requires.
func buildSections(profile models.ConsumerProfile, accepted []acceptedNode) string {
	bySection := make(map[string][]acceptedNode)
	order := append([]string{}, profile.Sections...)
	seenSection := make(map[string]bool, len(order))
	for _, s := range order {
		seenSection[s] = true
	}

	for _, node := range accepted {
		section := profile.SectionOf[node.SchemaName]
		if section == "" {
			section = fallbackSection
		}
		bySection[section] = append(bySection[section], node)
		if !seenSection[section] {
			seenSection[section] = true
			order = append(order, section)
		}
	}

	var sb strings.Builder
	for _, section := range order {
		nodes := bySection[section]
		if len(nodes) == 0 {
			continue
		}
		sort.SliceStable(nodes, func(i, j int) bool {
			if nodes[i].Distance != nodes[j].Distance {
				return nodes[i].Distance < nodes[j].Distance
			}
			return nodes[i].UpdatedAt.After(nodes[j].UpdatedAt)
		})

		sb.WriteString("## ")
		sb.WriteString(strings.ToUpper(section))
		sb.WriteString("\n\n")
		for _, node := range nodes {
			sb.WriteString("- ")
			sb.WriteString(node.Title)
			sb.WriteString(" (")
			sb.WriteString(node.SchemaName)
			sb.WriteString("): ")
			sb.Write(node.Context)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
