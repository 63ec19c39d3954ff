// Package textsim provides the word-level text measures shared by the orphan
// classifier, the connection heuristic and the lexical oracle.
package textsim

import (
	"strings"
	"unicode"

	"github.com/tsawler/prose/v3"
)

// Words tokenizes text into lowercase word tokens. Punctuation tokens are
// dropped. Falls back to splitting on non-alphanumerics if prose fails.
func Words(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	doc, err := prose.NewDocument(text)
	if err != nil {
		return splitWords(text)
	}
	var words []string
	for _, tok := range doc.Tokens() {
		w := strings.ToLower(strings.Trim(tok.Text, "'\"`"))
		if isWord(w) {
			words = append(words, w)
		}
	}
	return words
}

func isWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Significant reports whether a token carries meaning: longer than two
// characters and not a stopword.
func Significant(word string) bool {
	return len([]rune(word)) > 2 && !stopWords[word]
}

// Keywords returns the set of significant words in text
func Keywords(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range Words(text) {
		if Significant(w) {
			set[w] = true
		}
	}
	return set
}

// Density is the fraction of word tokens that are significant. Empty text
// has density 0.
func Density(text string) float64 {
	words := Words(text)
	if len(words) == 0 {
		return 0
	}
	significant := 0
	for _, w := range words {
		if Significant(w) {
			significant++
		}
	}
	return float64(significant) / float64(len(words))
}

// Jaccard returns |A∩B| / |A∪B| over two keyword sets. Two empty sets score 0.
func Jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity is the keyword Jaccard of two texts
func Similarity(a, b string) float64 {
	return Jaccard(Keywords(a), Keywords(b))
}

// stopWords is a set of common English stop words
var stopWords = map[string]bool{
	"the": true, "be": true, "to": true, "of": true, "and": true,
	"a": true, "in": true, "that": true, "have": true, "i": true,
	"it": true, "for": true, "not": true, "on": true, "with": true,
	"he": true, "as": true, "you": true, "do": true, "at": true,
	"this": true, "but": true, "his": true, "by": true, "from": true,
	"they": true, "we": true, "say": true, "her": true, "she": true,
	"or": true, "an": true, "will": true, "my": true, "one": true,
	"all": true, "would": true, "there": true, "their": true, "what": true,
	"so": true, "up": true, "out": true, "if": true, "about": true,
	"who": true, "get": true, "which": true, "go": true, "me": true,
	"when": true, "make": true, "can": true, "like": true, "no": true,
	"just": true, "him": true, "know": true, "take": true, "into": true,
	"your": true, "some": true, "could": true, "them": true, "see": true,
	"other": true, "than": true, "then": true, "now": true, "only": true,
	"its": true, "over": true, "also": true, "after": true, "how": true,
	"our": true, "well": true, "way": true, "even": true, "want": true,
	"because": true, "any": true, "these": true, "most": true, "us": true,
	"is": true, "was": true, "are": true, "been": true, "has": true,
	"had": true, "were": true, "did": true, "having": true, "may": true,
	"am": true, "should": true, "too": true, "very": true, "does": true,
	"doing": true, "here": true, "where": true, "why": true, "each": true,
	"few": true, "more": true, "such": true, "own": true, "same": true,
	"both": true, "those": true, "being": true, "yet": true,
}
