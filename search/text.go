package search

import (
	"strings"
	"unicode"
)

// Words ignored when deciding whether a chunk quotes the query.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true, "or": true, "what": true, "how": true,
}

// tokenizeAndFilter lowercases text, strips surrounding punctuation from each
// word and drops stop words.
func tokenizeAndFilter(text string) []string {
	words := strings.Fields(text)
	filtered := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.ToLower(strings.TrimFunc(word, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		}))
		if cleaned != "" && !stopWords[cleaned] {
			filtered = append(filtered, cleaned)
		}
	}
	return filtered
}

// containsAllQueryWords reports whether every filtered query word occurs in
// the chunk. A query made only of stop words never matches.
func containsAllQueryWords(chunk, query string) bool {
	queryWords := tokenizeAndFilter(query)
	if len(queryWords) == 0 {
		return false
	}
	present := make(map[string]bool)
	for _, word := range tokenizeAndFilter(chunk) {
		present[word] = true
	}
	for _, word := range queryWords {
		if !present[word] {
			return false
		}
	}
	return true
}
