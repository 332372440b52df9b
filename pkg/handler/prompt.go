package handler

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/balakunbot/balakun/pkg/gemini"
	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/monitor"
	"github.com/balakunbot/balakun/pkg/types/chat"
	factstypes "github.com/balakunbot/balakun/pkg/types/facts"
)

const (
	replyExcerptRunes  = 100
	recallExcerptRunes = 200
	headerExcerptRunes = 80
)

// assembleContext gathers everything the model sees besides the live
// message: the recent turn window plus a text block with semantically
// recalled messages, stored facts, and saved memories. Each source
// degrades independently: a failing lookup is logged and its section
// skipped.
func (h *Handler) assembleContext(ctx context.Context, in *chat.Incoming, embedding []float32) ([]chat.Turn, string) {
	log := logger.G(ctx)

	maxTurns := h.cfg.MaxTurns
	if h.optimizer != nil {
		maxTurns = h.optimizer.HistoryLimit(maxTurns)
	}
	history, err := h.store.Recent(ctx, in.ChatID, in.ThreadID, maxTurns)
	if err != nil {
		log.WithError(err).Warn("failed to load recent turns")
		history = nil
	}
	// The live message was persisted just before assembly; it enters
	// the prompt as the user part, not as history.
	history = dropMessage(history, in.MessageID)

	var sections []string
	if s := h.recallSection(ctx, in, embedding, history); s != "" {
		sections = append(sections, s)
	}
	if s := h.factsSection(ctx, factstypes.EntityUser, in.UserID, &in.ChatID,
		fmt.Sprintf("Known facts about %s:", in.DisplayName())); s != "" {
		sections = append(sections, s)
	}
	if s := h.factsSection(ctx, factstypes.EntityChat, in.ChatID, nil, "Facts about this chat:"); s != "" {
		sections = append(sections, s)
	}
	if s := h.memoriesSection(ctx, in); s != "" {
		sections = append(sections, s)
	}
	return history, strings.Join(sections, "\n\n")
}

// recallSection surfaces older messages related to the live one.
// Skipped entirely under emergency load shedding.
func (h *Handler) recallSection(ctx context.Context, in *chat.Incoming, embedding []float32, history []chat.Turn) string {
	if h.recall == nil || len(embedding) == 0 {
		return ""
	}
	if h.optimizer != nil && h.optimizer.Level() >= monitor.LevelEmergency {
		return ""
	}
	scored, err := h.recall.SemanticSearch(ctx, in.ChatID, nil, embedding, h.cfg.RecallLimit)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("semantic recall failed")
		return ""
	}

	seen := make(map[int64]struct{}, len(history)+1)
	seen[in.MessageID] = struct{}{}
	for _, turn := range history {
		seen[turn.MessageID] = struct{}{}
	}

	var lines []string
	for _, hit := range scored {
		if _, dup := seen[hit.MessageID]; dup {
			continue
		}
		author := hit.Metadata.AuthorName
		if author == "" {
			author = string(hit.Role)
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (similarity %.2f)",
			author, truncateRunes(hit.Text, recallExcerptRunes), hit.Score))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Relevant earlier messages from this chat:\n" + strings.Join(lines, "\n")
}

func (h *Handler) factsSection(ctx context.Context, entity factstypes.EntityType, entityID int64, chatContext *int64, title string) string {
	stored, err := h.store.ActiveFacts(ctx, entity, entityID, chatContext, h.cfg.MinFactConfidence)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to load facts")
		return ""
	}
	if len(stored) == 0 {
		return ""
	}
	lines := make([]string, 0, len(stored))
	for _, fact := range stored {
		if fact.Description != "" {
			lines = append(lines, "- "+fact.Description)
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s/%s: %s", fact.Category, fact.Key, fact.Value))
	}
	return title + "\n" + strings.Join(lines, "\n")
}

func (h *Handler) memoriesSection(ctx context.Context, in *chat.Incoming) string {
	memories, err := h.store.Memories(ctx, in.UserID, in.ChatID)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to load memories")
		return ""
	}
	if len(memories) == 0 {
		return ""
	}
	lines := make([]string, 0, len(memories))
	for _, memory := range memories {
		lines = append(lines, "- "+memory.MemoryText)
	}
	return fmt.Sprintf("Saved notes about %s:\n", in.DisplayName()) + strings.Join(lines, "\n")
}

// userParts builds the live-message parts: optional context block, the
// metadata header with the message text, then any attachments the model
// can consume directly.
func (h *Handler) userParts(in *chat.Incoming, meta chat.Metadata, contextBlock string) []gemini.Part {
	var parts []gemini.Part
	if contextBlock != "" {
		parts = append(parts, gemini.TextPart(contextBlock))
	}
	parts = append(parts, gemini.TextPart(messageHeader(in, meta)+"\n"+in.EffectiveText()))
	for _, media := range in.Media {
		switch {
		case len(media.Data) > 0 && media.Mime != "":
			parts = append(parts, gemini.BlobPart(media.Mime, media.Data))
		case media.Kind == chat.MediaYouTubeURL && media.Reference != "":
			parts = append(parts, gemini.URIPart(media.Mime, media.Reference))
		}
	}
	return parts
}

// messageHeader renders the bracketed author line that precedes the
// message text, e.g. "[Petro (@petro) id=42 replying to Olena: "...гриби"]".
func messageHeader(in *chat.Incoming, meta chat.Metadata) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(in.DisplayName())
	if in.Username != "" {
		fmt.Fprintf(&b, " (@%s)", in.Username)
	}
	fmt.Fprintf(&b, " id=%d", in.UserID)
	if meta.ReplyToName != "" {
		fmt.Fprintf(&b, " replying to %s", meta.ReplyToName)
		if meta.ReplyExcerpt != "" {
			fmt.Fprintf(&b, ": %q", truncateRunes(meta.ReplyExcerpt, headerExcerptRunes))
		}
	}
	b.WriteString("]")
	return b.String()
}

var bracketPrefixRe = regexp.MustCompile(`^\s*\[([^\]\n]{0,200})\]:?\s*`)

// stripMetadataMarkers removes echoed author headers the model sometimes
// prepends after seeing them on every user message. Only brackets that
// look like headers are removed, so legitimate leading markdown links
// survive.
func (h *Handler) stripMetadataMarkers(s string) string {
	for {
		m := bracketPrefixRe.FindStringSubmatch(s)
		if m == nil {
			break
		}
		inner := m[1]
		if !strings.Contains(inner, "id=") && !strings.Contains(inner, "@") && inner != h.persona.Name() {
			break
		}
		s = s[len(m[0]):]
	}
	return strings.TrimSpace(s)
}

func dropMessage(turns []chat.Turn, messageID int64) []chat.Turn {
	kept := make([]chat.Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.MessageID == messageID && turn.Role == chat.RoleUser {
			continue
		}
		kept = append(kept, turn)
	}
	return kept
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
