package entityworker

import (
	"regexp"
	"strings"
)

// Entity is a single extracted mention with a best-effort kind label.
type Entity struct {
	Text string `json:"text"`
	Kind string `json:"kind"` // proper_noun | technical_term | acronym
}

// Extractor is the domain-agnostic entity/keyword extraction strategy used
// by the worker. Kept as an interface so a model-backed implementation can
// be swapped in without touching the consumer loop.
type Extractor interface {
	Extract(texts []string) (entities []Entity, keywords []string)
}

// HeuristicExtractor finds entities by surface patterns rather than a
// trained model: capitalized multi-word runs read as proper nouns
// (people/organizations), identifier-shaped tokens (camelCase, snake_case,
// dotted paths) read as technical terms, and all-caps short tokens read as
// acronyms. It has no knowledge of any particular domain's vocabulary.
type HeuristicExtractor struct{}

func NewHeuristicExtractor() *HeuristicExtractor {
	return &HeuristicExtractor{}
}

var (
	properNounRun = regexp.MustCompile(`\b([A-Z][a-zA-Z0-9]*(?:\s+[A-Z][a-zA-Z0-9]*)*)\b`)
	technicalTerm = regexp.MustCompile(`\b([a-zA-Z][a-zA-Z0-9]*(?:[_.][a-zA-Z0-9]+)+|[a-z]+[A-Z][a-zA-Z0-9]*)\b`)
	acronym       = regexp.MustCompile(`\b([A-Z]{2,6})\b`)
	wordSplit     = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "is": true,
	"are": true, "was": true, "were": true, "be": true, "this": true, "that": true,
	"it": true, "as": true, "by": true, "at": true, "from": true, "but": true,
}

func (h *HeuristicExtractor) Extract(texts []string) ([]Entity, []string) {
	seenEntity := make(map[string]bool)
	var entities []Entity
	seenKeyword := make(map[string]bool)
	var keywords []string

	addEntity := func(text, kind string) {
		text = strings.TrimSpace(text)
		if text == "" || seenEntity[text] {
			return
		}
		seenEntity[text] = true
		entities = append(entities, Entity{Text: text, Kind: kind})
	}

	for _, t := range texts {
		if t == "" {
			continue
		}
		for _, m := range technicalTerm.FindAllString(t, -1) {
			addEntity(m, "technical_term")
		}
		for _, m := range acronym.FindAllString(t, -1) {
			addEntity(m, "acronym")
		}
		for _, m := range properNounRun.FindAllString(t, -1) {
			if strings.Contains(m, " ") {
				addEntity(m, "proper_noun")
			}
		}

		for _, w := range wordSplit.Split(t, -1) {
			w = strings.ToLower(w)
			if len(w) < 3 || stopwords[w] {
				continue
			}
			if seenKeyword[w] {
				continue
			}
			seenKeyword[w] = true
			keywords = append(keywords, w)
		}
	}

	return entities, keywords
}
