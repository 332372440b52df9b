package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	pkgerrors "github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/gemini"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 10
)

type searchInput struct {
	// Query is embedded and matched against stored message embeddings.
	Query string `json:"query" jsonschema:"description=What to look for, in natural language."`
	// ThreadOnly narrows the search to the current topic thread.
	// Defaults to true.
	ThreadOnly *bool `json:"thread_only,omitempty" jsonschema:"description=Search only the current thread. Defaults to true."`
	Limit      int   `json:"limit,omitempty" jsonschema:"description=Maximum number of results, up to 10."`
}

type memoryInput struct {
	// UserID defaults to the author of the message being answered.
	UserID int64  `json:"user_id,omitempty" jsonschema:"description=Telegram id of the user the note is about. Defaults to the current speaker."`
	Text   string `json:"text" jsonschema:"description=The note to remember, one short sentence."`
}

// tools returns the function declarations offered to the model for the
// current message. Both close over the incoming message so defaults
// (chat, thread, speaker) need no arguments.
func (h *Handler) tools(in *chat.Incoming) []gemini.Tool {
	return []gemini.Tool{
		{
			Name:        "search_messages",
			Description: "Search earlier messages in this chat by meaning, not keywords. Use when the conversation refers to something said before.",
			Schema:      gemini.Schema[searchInput](),
			Callback:    h.searchMessages(in),
		},
		{
			Name:        "save_memory",
			Description: "Save a short durable note about a user, e.g. a standing preference or an important life event they shared.",
			Schema:      gemini.Schema[memoryInput](),
			Callback:    h.saveMemory(in),
		},
	}
}

func (h *Handler) searchMessages(in *chat.Incoming) gemini.Callback {
	return func(ctx context.Context, args map[string]any) (string, error) {
		var input searchInput
		if err := decodeArgs(args, &input); err != nil {
			return "", pkgerrors.Wrap(err, "bad search_messages arguments")
		}
		if strings.TrimSpace(input.Query) == "" {
			return "", pkgerrors.New("query must not be empty")
		}
		limit := input.Limit
		if limit <= 0 || limit > maxSearchLimit {
			limit = defaultSearchLimit
		}
		threadID := in.ThreadID
		if input.ThreadOnly != nil && !*input.ThreadOnly {
			threadID = nil
		}

		embedding := h.gen.EmbedText(ctx, input.Query)
		if len(embedding) == 0 {
			return "search is unavailable right now", nil
		}
		scored, err := h.recall.SemanticSearch(ctx, in.ChatID, threadID, embedding, limit)
		if err != nil {
			return "", pkgerrors.Wrap(err, "search failed")
		}
		if len(scored) == 0 {
			return "no matching messages found", nil
		}

		var b strings.Builder
		for _, hit := range scored {
			author := hit.Metadata.AuthorName
			if author == "" {
				author = string(hit.Role)
			}
			fmt.Fprintf(&b, "- %s: %s (similarity %.2f)\n",
				author, truncateRunes(hit.Text, recallExcerptRunes), hit.Score)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

func (h *Handler) saveMemory(in *chat.Incoming) gemini.Callback {
	return func(ctx context.Context, args map[string]any) (string, error) {
		var input memoryInput
		if err := decodeArgs(args, &input); err != nil {
			return "", pkgerrors.Wrap(err, "bad save_memory arguments")
		}
		if strings.TrimSpace(input.Text) == "" {
			return "", pkgerrors.New("text must not be empty")
		}
		userID := input.UserID
		if userID == 0 {
			userID = in.UserID
		}
		if err := h.store.AddMemory(ctx, userID, in.ChatID, input.Text); err != nil {
			return "", pkgerrors.Wrap(err, "failed to save memory")
		}
		return "noted", nil
	}
}

// decodeArgs maps loosely-typed tool arguments onto a typed input.
// Weak typing tolerates the JSON number representation the model sends.
func decodeArgs(args map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(args)
}
