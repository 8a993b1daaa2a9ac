package knowledge

import "strings"

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true,
	"but": true, "not": true, "you": true, "all": true,
	"can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true,
	"have": true, "been": true, "this": true, "that": true,
	"with": true, "from": true, "they": true, "will": true,
	"what": true, "when": true, "make": true, "like": true,
	"just": true, "into": true, "than": true, "them": true,
	"some": true, "could": true, "would": true, "there": true,
	"please": true, "about": true, "which": true, "should": true,
}

const maxKeywords = 20

// Keywords splits text into lowercase terms, dropping short words,
// stopwords and duplicates.
func Keywords(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})

	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		lower := strings.ToLower(w)
		if len(lower) < 3 || stopwords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, lower)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

// score counts keywords found in the item, with tag hits weighted double.
func score(keywords []string, it Item) int {
	title := strings.ToLower(it.Title)
	body := strings.ToLower(it.Content)
	tags := make(map[string]bool, len(it.Tags))
	for _, t := range it.Tags {
		tags[strings.ToLower(t)] = true
	}

	n := 0
	for _, k := range keywords {
		switch {
		case tags[k]:
			n += 2
		case strings.Contains(title, k), strings.Contains(body, k):
			n++
		}
	}
	return n
}
