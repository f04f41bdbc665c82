// Package redact strips secrets from captured command output before it is
// written to evidence files. Two detectors run over the input: a Shannon
// entropy scan for opaque token-shaped substrings, and the gitleaks default
// rule set for known credential formats.
package redact

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// tokenPattern matches runs of characters that could form key material.
var tokenPattern = regexp.MustCompile(`[A-Za-z0-9/+_=-]{10,}`)

// minEntropy separates prose and identifiers from key material. English
// text and typical symbol names stay under 4 bits per byte; API tokens
// usually land above 5.
const minEntropy = 4.5

var (
	detectorOnce   sync.Once
	sharedDetector *detect.Detector
)

func secretDetector() *detect.Detector {
	detectorOnce.Do(func() {
		if d, err := detect.NewDetectorDefaultConfig(); err == nil {
			sharedDetector = d
		}
	})
	return sharedDetector
}

// Secrets replaces anything that looks like key material in s with
// "REDACTED". A substring is hidden when either detector flags it;
// overlapping and adjacent findings collapse into a single replacement.
func Secrets(s string) string {
	mask := findSecrets(s)
	if mask == nil {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if !mask[i] {
			b.WriteByte(s[i])
			i++
			continue
		}
		b.WriteString("REDACTED")
		for i < len(s) && mask[i] {
			i++
		}
	}
	return b.String()
}

// findSecrets returns a byte mask of the ranges to hide, or nil when the
// input is clean.
func findSecrets(s string) []bool {
	var mask []bool
	mark := func(start, end int) {
		if mask == nil {
			mask = make([]bool, len(s))
		}
		for i := start; i < end && i < len(s); i++ {
			mask[i] = true
		}
	}

	for _, loc := range tokenPattern.FindAllStringIndex(s, -1) {
		if entropy(s[loc[0]:loc[1]]) > minEntropy {
			mark(loc[0], loc[1])
		}
	}

	d := secretDetector()
	if d == nil {
		return mask
	}
	for _, finding := range d.DetectString(s) {
		if finding.Secret == "" {
			continue
		}
		// Findings report the secret text, not its position; mark every
		// occurrence.
		for from := 0; ; {
			idx := strings.Index(s[from:], finding.Secret)
			if idx < 0 {
				break
			}
			mark(from+idx, from+idx+len(finding.Secret))
			from += idx + len(finding.Secret)
		}
	}
	return mask
}

// entropy computes Shannon entropy in bits per byte.
func entropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	n := float64(len(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
