package label

import (
	"sort"
	"strings"
	"unicode"
)

// Common English and social-media filler terms excluded from keyword
// extraction. Hashtag bodies are kept since they carry topical signal.
var stopwords = map[string]struct{}{
	"a": {}, "about": {}, "after": {}, "all": {}, "also": {}, "am": {},
	"an": {}, "and": {}, "any": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "because": {}, "been": {}, "before": {}, "being": {},
	"but": {}, "by": {}, "can": {}, "could": {}, "did": {}, "do": {},
	"does": {}, "doing": {}, "don": {}, "down": {}, "for": {}, "from": {},
	"get": {}, "got": {}, "had": {}, "has": {}, "have": {}, "he": {},
	"her": {}, "here": {}, "him": {}, "his": {}, "how": {}, "i": {},
	"if": {}, "in": {}, "into": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "like": {}, "me": {}, "more": {}, "most": {}, "my": {},
	"no": {}, "not": {}, "now": {}, "of": {}, "on": {}, "one": {},
	"only": {}, "or": {}, "other": {}, "our": {}, "out": {}, "over": {},
	"really": {}, "said": {}, "same": {}, "she": {}, "so": {}, "some": {},
	"such": {}, "than": {}, "that": {}, "the": {}, "their": {}, "them": {},
	"then": {}, "there": {}, "these": {}, "they": {}, "this": {},
	"those": {}, "through": {}, "to": {}, "too": {}, "up": {}, "us": {},
	"very": {}, "was": {}, "we": {}, "were": {}, "what": {}, "when": {},
	"where": {}, "which": {}, "who": {}, "why": {}, "will": {}, "with": {},
	"would": {}, "you": {}, "your": {},
	// social-media noise
	"rt": {}, "via": {}, "amp": {}, "http": {}, "https": {},
}

// Extract returns the topN most frequent content words across texts,
// lowercased, ordered by frequency descending then lexicographically so
// the result is deterministic. URLs, mentions, stopwords, and tokens
// shorter than three runes are skipped.
func Extract(texts []string, topN int) []string {
	if topN <= 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, text := range texts {
		for _, tok := range tokenize(text) {
			counts[tok]++
		}
	}
	if len(counts) == 0 {
		return nil
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(a, b int) bool {
		if counts[words[a]] != counts[words[b]] {
			return counts[words[a]] > counts[words[b]]
		}
		return words[a] < words[b]
	})

	if len(words) > topN {
		words = words[:topN]
	}
	return words
}

func tokenize(text string) []string {
	var tokens []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			continue
		}
		if strings.HasPrefix(field, "@") {
			continue
		}
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if len([]rune(word)) < 3 {
			continue
		}
		if _, skip := stopwords[word]; skip {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}
