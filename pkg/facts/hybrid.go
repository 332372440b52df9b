package facts

import (
	"context"
	"unicode/utf8"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

const (
	// rule hits that make the model pass unnecessary
	ruleSufficientCount = 3
	// the model only sees messages long enough to plausibly carry facts
	// the rules missed
	modelMinMessageRunes = 30
	modelMaxRuleFacts    = 2

	DefaultMinConfidence = 0.7
)

// Hybrid composes the always-on rule extractor with an optional
// model-based one.
type Hybrid struct {
	rules         *RuleExtractor
	model         Extractor
	modelGate     func() bool
	minConfidence float64
	metrics       *metrics.Metrics
}

// NewHybrid builds the orchestrator. model may be nil; minConfidence
// zero falls back to DefaultMinConfidence.
func NewHybrid(model Extractor, minConfidence float64, m *metrics.Metrics) *Hybrid {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Hybrid{
		rules:         NewRuleExtractor(),
		model:         model,
		minConfidence: minConfidence,
		metrics:       m,
	}
}

// WithModelGate installs a predicate consulted before each model pass.
// The resource optimizer uses it to suppress model extraction under
// load; the rule pass is never gated.
func (h *Hybrid) WithModelGate(gate func() bool) *Hybrid {
	h.modelGate = gate
	return h
}

// Extract runs the rule pass, escalates to the model when the rules
// found little and the message is long enough, and deduplicates the
// merged result.
func (h *Hybrid) Extract(ctx context.Context, message string) []facttypes.Candidate {
	candidates := h.rules.Extract(message)
	if h.metrics != nil {
		h.metrics.RecordFactsExtracted("rules", len(candidates))
	}
	if len(candidates) >= ruleSufficientCount {
		return Dedupe(candidates)
	}

	if h.modelAllowed() && utf8.RuneCountInString(message) > modelMinMessageRunes && len(candidates) < modelMaxRuleFacts {
		modelFacts, err := h.model.Extract(ctx, message, h.minConfidence)
		if err != nil {
			logger.G(ctx).WithError(err).Debug("model fact extraction failed")
		} else {
			if h.metrics != nil {
				h.metrics.RecordFactsExtracted("model", len(modelFacts))
			}
			candidates = append(candidates, modelFacts...)
		}
	}

	return Dedupe(candidates)
}

func (h *Hybrid) modelAllowed() bool {
	if h.model == nil {
		return false
	}
	return h.modelGate == nil || h.modelGate()
}

type candidateIdentity struct {
	category facttypes.Category
	key      string
	value    string
}

// Dedupe collapses candidates sharing (fact_type, fact_key, normalized
// value), keeping the highest-confidence variant. Input order is
// preserved for survivors.
func Dedupe(candidates []facttypes.Candidate) []facttypes.Candidate {
	if len(candidates) < 2 {
		return candidates
	}

	index := make(map[candidateIdentity]int, len(candidates))
	out := make([]facttypes.Candidate, 0, len(candidates))
	for _, candidate := range candidates {
		id := candidateIdentity{
			category: candidate.Category,
			key:      candidate.Key,
			value:    NormalizeValue(candidate.Key, candidate.Value),
		}
		if i, ok := index[id]; ok {
			if candidate.Confidence > out[i].Confidence {
				out[i] = candidate
			}
			continue
		}
		index[id] = len(out)
		out = append(out, candidate)
	}
	return out
}
