package taskindex

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Match is one similarity hit from Similar.
type Match struct {
	Entry *Entry
	Score float64
}

// Similar ranks every indexed task against a query, scoring each by the
// better of its title and body similarity so short queries match titles
// and pasted paragraphs match bodies. Text is case- and
// whitespace-normalized before diffing. Results sort by descending score,
// then id; limit <= 0 returns all.
func (ix *Index) Similar(query string, limit int) ([]Match, error) {
	needle := normalizeText(query)
	if needle == "" {
		return nil, fmt.Errorf("empty similarity query")
	}
	dmp := diffmatchpatch.New()
	matches := make([]Match, 0, len(ix.tasks))
	for _, entry := range ix.tasks {
		score := similarity(dmp, needle, normalizeText(entry.Task.Title))
		if s := similarity(dmp, needle, normalizeText(entry.Task.Body)); s > score {
			score = s
		}
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Entry: entry, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.Task.ID < matches[j].Entry.Task.ID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity is 1 minus the normalized edit distance between two strings,
// so 1 means identical and 0 means nothing in common.
func similarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	longest := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > longest {
		longest = n
	}
	diffs := dmp.DiffMain(a, b, false)
	return 1 - float64(dmp.DiffLevenshtein(diffs))/float64(longest)
}
