// Package facts defines the fact model shared by the extractors and the
// repositories: entity scoping, category enums, persisted records, and
// the candidate shape produced by extraction before persistence.
package facts

// EntityType discriminates who a fact is about.
type EntityType string

const (
	EntityUser EntityType = "user"
	EntityChat EntityType = "chat"
)

// Category classifies a fact. User-scoped and chat-scoped categories are
// disjoint sets.
type Category string

// User-scoped categories.
const (
	CategoryPersonal     Category = "personal"
	CategoryPreference   Category = "preference"
	CategorySkill        Category = "skill"
	CategoryTrait        Category = "trait"
	CategoryOpinion      Category = "opinion"
	CategoryRelationship Category = "relationship"
)

// Chat-scoped categories.
const (
	CategoryTradition       Category = "tradition"
	CategoryRule            Category = "rule"
	CategoryNorm            Category = "norm"
	CategoryTopic           Category = "topic"
	CategoryCulture         Category = "culture"
	CategoryEvent           Category = "event"
	CategorySharedKnowledge Category = "shared_knowledge"
)

var userCategories = map[Category]bool{
	CategoryPersonal:     true,
	CategoryPreference:   true,
	CategorySkill:        true,
	CategoryTrait:        true,
	CategoryOpinion:      true,
	CategoryRelationship: true,
}

var chatCategories = map[Category]bool{
	CategoryTradition:       true,
	CategoryRule:            true,
	CategoryNorm:            true,
	CategoryTopic:           true,
	CategoryCulture:         true,
	CategoryEvent:           true,
	CategorySharedKnowledge: true,
}

// Valid reports whether the category belongs to either scope.
func (c Category) Valid() bool {
	return userCategories[c] || chatCategories[c]
}

// UserScoped reports whether the category describes an individual user.
func (c Category) UserScoped() bool {
	return userCategories[c]
}

// ChatScoped reports whether the category describes the chat as a whole.
func (c Category) ChatScoped() bool {
	return chatCategories[c]
}

// EntityFor returns the entity type a category applies to.
func (c Category) EntityFor() EntityType {
	if chatCategories[c] {
		return EntityChat
	}
	return EntityUser
}

// Fact is one persisted knowledge record. ChatContext is non-nil only for
// user facts, scoping the fact to the chat it was observed in.
type Fact struct {
	ID                   int64
	EntityType           EntityType
	EntityID             int64
	ChatContext          *int64
	Category             Category
	Key                  string
	Value                string
	Description          string
	Confidence           float64
	EvidenceCount        int
	EvidenceText         string
	SourceMessageID      *int64
	ParticipantConsensus *float64
	ParticipantIDs       []int64
	FirstObserved        int64
	LastReinforced       int64
	IsActive             bool
	DecayRate            float64
	CreatedAt            int64
	UpdatedAt            int64
	Embedding            []float32
}

// Candidate is an extraction result before persistence. Value carries the
// normalized form; Evidence the matched source snippet.
type Candidate struct {
	Category   Category `json:"fact_type"`
	Key        string   `json:"fact_key"`
	Value      string   `json:"fact_value"`
	Confidence float64  `json:"confidence"`
	Evidence   string   `json:"evidence,omitempty"`
}

// Valid checks the candidate against the enum and confidence bounds used
// when filtering model-extractor output.
func (c Candidate) Valid(minConfidence float64) bool {
	if !c.Category.Valid() {
		return false
	}
	if c.Key == "" || c.Value == "" {
		return false
	}
	return c.Confidence >= minConfidence && c.Confidence <= 1.0
}
