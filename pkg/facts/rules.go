package facts

import (
	"strconv"
	"strings"
	"unicode/utf8"

	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

const (
	minValueLen = 3
	maxValueLen = 100

	lexiconBoost      = 0.05
	maxRuleConfidence = 0.95

	minAge = 10
	maxAge = 100
)

// "я з нетерпінням чекаю" is "with impatience", not a hometown: the
// preposition з doubles as "with", so instrumental-case captures are
// filtered out.
var locationStopWords = map[string]bool{
	"нетерпінням": true, "радістю": true, "задоволенням": true, "повагою": true,
	"тобою": true, "вами": true, "ним": true, "нею": true, "ними": true,
	"мною": true, "вас": true,
}

// RuleExtractor applies the compiled pattern groups to one message. It
// is stateless and safe for concurrent use.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

// Extract returns every candidate the patterns find, values normalized.
// Duplicates across overlapping patterns are left for Dedupe.
func (e *RuleExtractor) Extract(message string) []facttypes.Candidate {
	text := Normalize(message)
	if text == "" {
		return nil
	}

	var out []facttypes.Candidate
	for _, r := range rules {
		for _, pattern := range r.patterns {
			for _, match := range pattern.FindAllStringSubmatch(text, -1) {
				candidate, ok := buildCandidate(r, match[0], match[1])
				if !ok {
					continue
				}
				out = append(out, candidate)
			}
		}
	}
	return out
}

func buildCandidate(r rule, evidence, raw string) (facttypes.Candidate, bool) {
	value := NormalizeValue(r.key, strings.TrimSpace(raw))
	if value == "" {
		return facttypes.Candidate{}, false
	}

	confidence := r.confidence
	switch r.key {
	case KeyAge:
		age, err := strconv.Atoi(value)
		if err != nil || age < minAge || age > maxAge {
			return facttypes.Candidate{}, false
		}
	case KeyLocation:
		if locationStopWords[firstWord(value)] {
			return facttypes.Candidate{}, false
		}
		if knownCity(value) {
			confidence = boost(confidence)
		} else if !valueLenOK(value) {
			return facttypes.Candidate{}, false
		}
	case KeyLanguage:
		if knownLanguage(value) {
			confidence = boost(confidence)
		} else if !valueLenOK(value) {
			return facttypes.Candidate{}, false
		}
	case KeyProgramming:
		if _, ok := programmingTable[value]; !ok && !valueLenOK(value) {
			return facttypes.Candidate{}, false
		}
	case KeyProfession:
		for _, prefix := range professionStopPrefixes {
			if strings.HasPrefix(value, prefix) {
				return facttypes.Candidate{}, false
			}
		}
		if !valueLenOK(value) {
			return facttypes.Candidate{}, false
		}
	default:
		if !valueLenOK(value) {
			return facttypes.Candidate{}, false
		}
	}

	return facttypes.Candidate{
		Category:   r.category,
		Key:        r.key,
		Value:      value,
		Confidence: confidence,
		Evidence:   strings.TrimSpace(evidence),
	}, true
}

func valueLenOK(v string) bool {
	n := utf8.RuneCountInString(v)
	return n >= minValueLen && n <= maxValueLen
}

func boost(confidence float64) float64 {
	boosted := confidence + lexiconBoost
	if boosted > maxRuleConfidence {
		return maxRuleConfidence
	}
	return boosted
}

func firstWord(v string) string {
	if i := strings.IndexByte(v, ' '); i >= 0 {
		return v[:i]
	}
	return v
}
