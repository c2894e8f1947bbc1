package mapindex

import (
	"sort"
	"strings"
	"unicode"
)

// Match is a single query hit.
type Match struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Query ranks snapshot entries against a free-text query.
//
// Scoring is a documented, stable term-frequency formula: each query
// token scores 3 points per matching path segment and 1 point per
// matching symbol. Ties break by lexical path order, so the same
// snapshot + query + limit always returns the same ordered result set.
func Query(snap *Snapshot, q string, limit int) []Match {
	if snap == nil {
		return nil
	}
	tokens := Tokenize(q)
	if len(tokens) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}

	matches := make([]Match, 0, 32)
	for i := range snap.Entries {
		score := ScoreEntry(&snap.Entries[i], tokens)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Path: snap.Entries[i].Path, Score: score})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Path < matches[j].Path
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

// ScoreEntry computes the relevance of one entry for a token set.
// Path-segment hits weigh 3x symbol hits.
func ScoreEntry(e *Entry, tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}

	segments := splitPathTokens(e.Path)
	var score float64
	for _, tok := range tokens {
		for _, seg := range segments {
			if strings.Contains(seg, tok) {
				score += 3
			}
		}
		for _, sym := range e.Symbols {
			if strings.Contains(strings.ToLower(sym), tok) {
				score += 1
			}
		}
	}
	return score
}

// Tokenize lowercases and splits free text on non-alphanumerics,
// dropping single-character fragments.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func splitPathTokens(path string) []string {
	lower := strings.ToLower(path)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return r == '/' || r == '.' || r == '_' || r == '-'
	})
}
