package compose

import (
	"strings"
	"unicode"
)

// dedupSegments splits segments into paragraph blocks, drops blocks that
// repeat another block's token shingles, and rejoins what is left. When two
// blocks collide the higher-priority layer wins; at equal priority the
// earlier block stays.
func dedupSegments(segs []segment, shingleSize int) string {
	if shingleSize < 1 {
		shingleSize = 1
	}

	type block struct {
		text     string
		priority int
		shingles map[string]struct{}
		dropped  bool
	}
	var blocks []*block
	for _, seg := range segs {
		for _, para := range splitParagraphs(seg.text) {
			blocks = append(blocks, &block{
				text:     para,
				priority: seg.priority,
				shingles: shinglesOf(para, shingleSize),
			})
		}
	}

	shares := func(a, b *block) bool {
		small, large := a.shingles, b.shingles
		if len(large) < len(small) {
			small, large = large, small
		}
		for sh := range small {
			if _, ok := large[sh]; ok {
				return true
			}
		}
		return false
	}

	for i, b := range blocks {
		if b.dropped || len(b.shingles) == 0 {
			continue
		}
		for j := i + 1; j < len(blocks); j++ {
			other := blocks[j]
			if other.dropped || !shares(b, other) {
				continue
			}
			if other.priority > b.priority {
				b.dropped = true
				break
			}
			other.dropped = true
		}
	}

	var kept []string
	for _, b := range blocks {
		if !b.dropped {
			kept = append(kept, b.text)
		}
	}
	return strings.Join(kept, "\n\n")
}

// splitParagraphs breaks text on blank lines, trimming each block.
func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.Trim(para, "\n")
		if strings.TrimSpace(para) != "" {
			out = append(out, para)
		}
	}
	return out
}

// shinglesOf returns the rolling n-token shingles of a block. Blocks
// shorter than n tokens collapse to a single shingle so only near-exact
// short blocks collide.
func shinglesOf(text string, n int) map[string]struct{} {
	tokens := tokenize(text)
	out := map[string]struct{}{}
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < n {
		out[strings.Join(tokens, " ")] = struct{}{}
		return out
	}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")] = struct{}{}
	}
	return out
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
