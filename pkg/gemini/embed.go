package gemini

import (
	"context"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/balakunbot/balakun/pkg/logger"
)

// EmbedText returns the embedding vector for text, or nil when the input
// is blank or the upstream call fails. Embedding is advisory: recall
// quality degrades without it but message handling never does, so errors
// are logged and swallowed. At most EmbedConcurrency calls run at once.
func (c *Client) EmbedText(ctx context.Context, text string) []float32 {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if err := c.embedSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer c.embedSem.Release(1)

	start := time.Now()
	values, err := c.callEmbed(ctx, text)
	if c.metrics != nil {
		c.metrics.RecordEmbed(time.Since(start), err == nil)
	}
	if err != nil {
		logger.G(ctx).WithError(err).Debug("embedding failed, continuing without vector")
		return nil
	}
	return values
}

// embedContent is the real SDK call.
func (c *Client) embedContent(genClient *genai.Client) embedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.GenerateTimeout)
		defer cancel()

		contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
		result, err := genClient.Models.EmbedContent(callCtx, c.cfg.EmbedModel, contents, &genai.EmbedContentRequest{
			TaskType: genai.TaskTypeSemanticSimilarity,
		})
		if err != nil {
			return nil, err
		}
		if len(result.Embeddings) == 0 {
			return nil, pkgerrors.New("no embeddings returned")
		}
		return result.Embeddings[0].Values, nil
	}
}
