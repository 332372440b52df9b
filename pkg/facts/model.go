package facts

import (
	"context"
	"encoding/json"
	"strings"

	pkgerrors "github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/balakunbot/balakun/pkg/gemini"
	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

// Extractor is the model-based extraction capability the hybrid
// orchestrator composes with the rule engine. Implementations return
// only candidates that pass Candidate.Valid(minConfidence).
type Extractor interface {
	Extract(ctx context.Context, message string, minConfidence float64) ([]facttypes.Candidate, error)
}

const extractionPrompt = `Extract durable facts about the message author from the message below.

Return a JSON object: {"facts": [{"fact_type": "...", "fact_key": "...", "fact_value": "...", "confidence": 0.9}]}.

fact_type is one of: personal, preference, skill, trait, opinion, relationship.
fact_key is a short snake_case label such as location, age, language, profession, programming_language, likes, dislikes.
fact_value is a short phrase in the message's language, under 100 characters.
confidence is between 0 and 1 and reflects how explicitly the message states the fact.

Only include facts the message itself states. Return {"facts": []} when there are none.`

// GeminiExtractor runs extraction through the main generation client.
type GeminiExtractor struct {
	client *gemini.Client
}

func NewGeminiExtractor(client *gemini.Client) *GeminiExtractor {
	return &GeminiExtractor{client: client}
}

func (e *GeminiExtractor) Extract(ctx context.Context, message string, minConfidence float64) ([]facttypes.Candidate, error) {
	reply, err := e.client.Generate(ctx, gemini.GenerateRequest{
		SystemPrompt: extractionPrompt,
		UserParts:    []gemini.Part{gemini.TextPart(message)},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "gemini fact extraction failed")
	}
	return parseCandidates(reply, minConfidence)
}

var extractionResponseFormat = &openai.ChatCompletionResponseFormat{
	Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
	JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
		Name:   "fact_candidates",
		Strict: true,
		Schema: json.RawMessage(`{"type":"object","properties":{"facts":{"type":"array","items":{"type":"object","properties":{"fact_type":{"type":"string"},"fact_key":{"type":"string"},"fact_value":{"type":"string"},"confidence":{"type":"number"}},"required":["fact_type","fact_key","fact_value","confidence"],"additionalProperties":false}}},"required":["facts"],"additionalProperties":false}`),
	},
}

// LocalExtractor talks to an OpenAI-compatible endpoint, typically a
// small model served on the same host.
type LocalExtractor struct {
	client *openai.Client
	model  string
}

func NewLocalExtractor(endpoint, model string) *LocalExtractor {
	// local servers ignore the key but the client requires a config
	cfg := openai.DefaultConfig("")
	cfg.BaseURL = strings.TrimSuffix(endpoint, "/")
	return &LocalExtractor{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (e *LocalExtractor) Extract(ctx context.Context, message string, minConfidence float64) ([]facttypes.Candidate, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: extractionPrompt},
			{Role: openai.ChatMessageRoleUser, Content: message},
		},
		MaxTokens:      512,
		ResponseFormat: extractionResponseFormat,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "local fact extraction failed")
	}
	if len(resp.Choices) == 0 {
		return nil, pkgerrors.New("local fact extraction returned no choices")
	}
	return parseCandidates(resp.Choices[0].Message.Content, minConfidence)
}

type candidatesWrapper struct {
	Facts []facttypes.Candidate `json:"facts"`
}

// parseCandidates decodes model output, normalizes values, and drops
// anything that fails validation.
func parseCandidates(content string, minConfidence float64) ([]facttypes.Candidate, error) {
	raw, err := decodeCandidates(strings.TrimSpace(content))
	if err != nil {
		return nil, err
	}

	var out []facttypes.Candidate
	for _, candidate := range raw {
		candidate.Value = NormalizeValue(candidate.Key, candidate.Value)
		if !candidate.Valid(minConfidence) {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}

func decodeCandidates(content string) ([]facttypes.Candidate, error) {
	var wrapper candidatesWrapper
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil {
		return wrapper.Facts, nil
	}

	// Some models ignore the schema and return a raw array, possibly
	// fenced in prose.
	var candidates []facttypes.Candidate
	if err := json.Unmarshal([]byte(content), &candidates); err == nil {
		return candidates, nil
	}

	start, end := strings.Index(content, "["), strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, pkgerrors.New("no json candidates in model output")
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &candidates); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to parse model output")
	}
	return candidates, nil
}
