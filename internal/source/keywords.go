package source

import (
	"regexp"
	"slices"
	"strings"
)

var (
	nonWord   = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	stopWords = map[string]bool{
		"with": true, "and": true, "for": true, "the": true, "in": true,
		"of": true, "to": true, "a": true, "an": true, "new": true,
		"inch": true, "cm": true, "mm": true, "latest": true, "best": true,
	}
)

// ExtractKeywords builds a short search phrase for a product: the first limit
// significant words of its title followed by its category.
func ExtractKeywords(title, category string, limit int) []string {
	clean := nonWord.ReplaceAllString(strings.ToLower(title), " ")
	var words []string
	for _, w := range strings.Fields(clean) {
		if stopWords[w] || len([]rune(w)) <= 2 {
			continue
		}
		words = append(words, w)
		if len(words) == limit {
			break
		}
	}
	category = strings.ToLower(strings.TrimSpace(category))
	if category != "" && !slices.Contains(words, category) {
		words = append(words, category)
	}
	return words
}

// SearchQuery returns the keyword phrase used to search for a product.
func SearchQuery(title, category string) string {
	return strings.Join(ExtractKeywords(title, category, 3), " ")
}
