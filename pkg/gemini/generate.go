package gemini

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/balakunbot/balakun/pkg/telemetry"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

// Part is one piece of the current user message: text, an inline media
// blob, or a remote file reference the backend fetches itself.
type Part struct {
	Text string
	MIME string
	Data []byte
	URI  string
}

// TextPart wraps plain text as a message part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// BlobPart wraps raw media bytes as an inline message part.
func BlobPart(mime string, data []byte) Part {
	return Part{MIME: mime, Data: data}
}

// URIPart references remote media by URI, e.g. a YouTube link the
// backend understands natively. MIME may be empty.
func URIPart(mime, uri string) Part {
	return Part{MIME: mime, URI: uri}
}

// GenerateRequest is one full generation exchange: the system prompt,
// the assembled prior turns, the current user message parts, and the
// tools the model may call.
type GenerateRequest struct {
	SystemPrompt string
	History      []chat.Turn
	UserParts    []Part
	Tools        []Tool
}

// modelResponse is the accumulated output of one upstream exchange.
type modelResponse struct {
	text      string
	toolCalls []toolCall
}

type toolCall struct {
	name string
	args map[string]any
}

// Generate produces a reply for the request. Tool calls emitted by the
// model are executed through the request's Tool callbacks and their
// results fed back, bounded by MaxToolRounds exchanges.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	contents := historyContents(req.History)
	if parts := userParts(req.UserParts); len(parts) > 0 {
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	config := c.generateConfig(req)

	var reply strings.Builder
	err := telemetry.WithSpan(ctx, "gemini.generate", func(ctx context.Context) error {
		for round := 0; round < c.cfg.MaxToolRounds; round++ {
			response, err := c.exchange(ctx, contents, config)
			if err != nil {
				return err
			}

			reply.WriteString(response.text)

			if len(response.toolCalls) == 0 {
				break
			}

			contents = append(contents, modelContent(response))
			contents = append(contents, c.executeToolCalls(ctx, response.toolCalls, req.Tools))
		}
		return nil
	}, attribute.String("model", c.cfg.Model))
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(reply.String()), nil
}

// exchange performs one upstream call behind the breaker, the retry
// policy, and the per-call timeout.
func (c *Client) exchange(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*modelResponse, error) {
	var response *modelResponse
	start := time.Now()

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.withRetry(ctx, func() error {
			callCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
			defer cancel()

			result, err := c.callModel(callCtx, contents, config)
			if err != nil {
				return err
			}
			response = result
			return nil
		})
	})

	if c.metrics != nil {
		c.metrics.RecordGenerate(c.cfg.Model, time.Since(start), err == nil)
	}
	if err != nil {
		return nil, classify(err)
	}
	return response, nil
}

func (c *Client) generateConfig(req GenerateRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(1.0)),
	}
	if c.cfg.MaxOutputTokens > 0 {
		config.MaxOutputTokens = c.cfg.MaxOutputTokens
	}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromParts(
			[]*genai.Part{genai.NewPartFromText(req.SystemPrompt)}, genai.RoleUser)
	}
	config.Tools = toGenAITools(req.Tools, c.cfg.EnableSearchGrounding)
	return config
}

// historyContents converts stored turns into the upstream content shape.
// Group chats interleave many speakers, so user turns carry the author
// name as a prefix; media that was not retained is summarized by label.
func historyContents(history []chat.Turn) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range history {
		text := turn.Text
		if text == "" && len(turn.Media) > 0 {
			text = chat.AttachmentSummary(turn.Media)
		}
		if text == "" {
			continue
		}

		role := genai.RoleUser
		if turn.Role == chat.RoleModel {
			role = genai.RoleModel
		} else if turn.Metadata.AuthorName != "" {
			text = fmt.Sprintf("%s: %s", turn.Metadata.AuthorName, text)
		}

		contents = append(contents, genai.NewContentFromParts(
			[]*genai.Part{genai.NewPartFromText(text)}, role))
	}
	return contents
}

func userParts(parts []Part) []*genai.Part {
	var out []*genai.Part
	for _, part := range parts {
		switch {
		case len(part.Data) > 0:
			out = append(out, genai.NewPartFromBytes(part.Data, part.MIME))
		case part.URI != "":
			out = append(out, &genai.Part{
				FileData: &genai.FileData{FileURI: part.URI, MIMEType: part.MIME},
			})
		case part.Text != "":
			out = append(out, genai.NewPartFromText(part.Text))
		}
	}
	return out
}

// modelContent echoes the model's own turn back into the conversation so
// the follow-up exchange sees its tool calls.
func modelContent(response *modelResponse) *genai.Content {
	var parts []*genai.Part
	if response.text != "" {
		parts = append(parts, genai.NewPartFromText(response.text))
	}
	for _, call := range response.toolCalls {
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{
				Name: call.name,
				Args: call.args,
			},
		})
	}
	return genai.NewContentFromParts(parts, genai.RoleModel)
}

// streamModel is the real SDK call: it drains the streaming response into
// a single modelResponse.
func (c *Client) streamModel(genClient *genai.Client) generateFunc {
	return func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*modelResponse, error) {
		response := &modelResponse{}
		var text strings.Builder

		for chunk, err := range genClient.Models.GenerateContentStream(ctx, c.cfg.Model, contents, config) {
			if err != nil {
				return nil, err
			}
			if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
				continue
			}
			for _, part := range chunk.Candidates[0].Content.Parts {
				switch {
				case part.FunctionCall != nil:
					response.toolCalls = append(response.toolCalls, toolCall{
						name: part.FunctionCall.Name,
						args: part.FunctionCall.Args,
					})
				case part.Thought:
					// thinking output never reaches the chat
				case part.Text != "":
					text.WriteString(part.Text)
				}
			}
		}

		response.text = text.String()
		return response, nil
	}
}
