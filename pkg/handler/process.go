package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/balakunbot/balakun/pkg/facts"
	"github.com/balakunbot/balakun/pkg/gemini"
	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/persona"
	"github.com/balakunbot/balakun/pkg/render"
	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/throttle"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

// process runs one update through the pipeline: reject, dedupe, ingest,
// addressing, moderation, throttling, persistence, context assembly,
// generation, and delivery.
func (h *Handler) process(ctx context.Context, in chat.Incoming) {
	start := h.nowFn()
	ctx = logger.WithUpdate(ctx, in.ChatID, in.UserID, uuid.NewString())
	log := logger.G(ctx)

	if in.UserID == 0 || in.IsBot {
		h.recordOutcome(metrics.OutcomeRejected)
		return
	}

	// Redelivered updates are recognized by (chat, message id) and
	// processed at most once.
	if _, err := h.store.TurnByMessageID(ctx, in.ChatID, in.MessageID); err == nil {
		log.WithField("message_id", in.MessageID).Debug("duplicate update, skipping")
		h.recordOutcome(metrics.OutcomeIgnored)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		log.WithError(err).Warn("duplicate check failed")
	}

	if err := h.store.UpsertProfile(ctx, in.UserID, in.ChatID, in.FirstName, in.LastName, in.Username, in.Timestamp); err != nil {
		log.WithError(err).Warn("failed to upsert profile")
	}

	if !h.addressed(&in) {
		h.cache.Push(keyFor(in.ChatID, in.ThreadID), cacheEntry(&in))
		if h.metrics != nil {
			h.metrics.SetCacheEntries("reply", h.cache.Len())
		}
		h.recordOutcome(metrics.OutcomeIgnored)
		return
	}

	banned, err := h.store.IsBanned(ctx, in.ChatID, in.UserID)
	if err != nil {
		log.WithError(err).Warn("ban check failed")
	}
	if banned {
		h.notify(ctx, &in, persona.TemplateBanned, noticeReasonBanned)
		h.recordOutcome(metrics.OutcomeBanned)
		return
	}

	err = h.throttle.Acquire(ctx, in.ChatID, in.UserID, h.isAdmin(in.UserID))
	throttled := errors.Is(err, throttle.ErrRateLimited)

	// The turn is remembered even when the reply is suppressed, so the
	// conversation record stays complete.
	embedding := h.gen.EmbedText(ctx, in.EffectiveText())
	meta := h.replyMetadata(&in)
	if err := h.store.AddTurn(ctx, h.userTurn(&in, meta, embedding)); err != nil {
		log.WithError(err).Error("failed to persist user turn")
		h.notify(ctx, &in, persona.TemplateUnavailable, noticeReasonInternal)
		h.recordOutcome(metrics.OutcomeFailed)
		return
	}

	if throttled {
		h.notify(ctx, &in, persona.TemplateThrottled, noticeReasonThrottled)
		h.recordOutcome(metrics.OutcomeThrottled)
		return
	}

	history, contextBlock := h.assembleContext(ctx, &in, embedding)
	h.enqueueExtraction(&in)

	req := gemini.GenerateRequest{
		SystemPrompt: h.persona.SystemPrompt(ctx, nil),
		History:      history,
		UserParts:    h.userParts(&in, meta, contextBlock),
		Tools:        h.tools(&in),
	}
	reply, err := h.gen.Generate(ctx, req)
	if err != nil {
		log.WithError(err).Error("generation failed")
		if !errors.Is(err, context.Canceled) {
			h.notify(ctx, &in, persona.TemplateUnavailable, noticeReasonAPILimit)
		}
		h.recordOutcome(metrics.OutcomeFailed)
		return
	}

	reply = render.Truncate(h.stripMetadataMarkers(reply), render.TelegramMessageLimit)
	if reply == "" {
		log.Warn("model returned an empty reply")
		h.notify(ctx, &in, persona.TemplateUnclear, noticeReasonEmpty)
		h.recordOutcome(metrics.OutcomeFailed)
		return
	}

	sentID, err := h.responder.SendReply(ctx, in.ChatID, in.ThreadID, in.MessageID, reply)
	if err != nil {
		log.WithError(err).Error("failed to send reply")
		h.recordOutcome(metrics.OutcomeFailed)
		return
	}
	h.persistModelTurn(ctx, &in, sentID, reply)

	h.recordOutcome(metrics.OutcomeProcessed)
	if h.metrics != nil {
		h.metrics.RecordAddressed(h.nowFn().Sub(start))
	}
}

// addressed reports whether the bot should answer: a persona trigger in
// the text, a direct reply to one of the bot's messages, or an
// @-mention of the bot's username.
func (h *Handler) addressed(in *chat.Incoming) bool {
	if h.persona.Matches(in.Text) {
		return true
	}
	if in.ReplyToIsModel {
		return true
	}
	if username := h.botUsername(); username != "" {
		if strings.Contains(strings.ToLower(in.Text), "@"+strings.ToLower(username)) {
			return true
		}
	}
	return false
}

// notify emits a canned persona template, at most once per (chat, user,
// reason) within the notice TTL. Missing templates stay silent.
func (h *Handler) notify(ctx context.Context, in *chat.Incoming, templateKey, reason string) {
	log := logger.G(ctx)
	text, ok := h.persona.Template(templateKey)
	if !ok {
		return
	}
	send, err := h.store.ShouldSendNotice(ctx, in.ChatID, in.UserID, reason, h.cfg.NoticeTTL)
	if err != nil {
		log.WithError(err).Warn("notice dedupe check failed")
		return
	}
	if !send {
		return
	}
	if h.metrics != nil {
		h.metrics.RecordNotice(reason)
	}
	if _, err := h.responder.SendReply(ctx, in.ChatID, in.ThreadID, in.MessageID, text); err != nil {
		log.WithError(err).Warn("failed to send notice")
	}
}

// replyMetadata captures who and what the incoming message replies to.
// When the target is not in the store (it was never addressed), the
// reply cache supplies a synthesized stand-in.
func (h *Handler) replyMetadata(in *chat.Incoming) chat.Metadata {
	meta := chat.Metadata{
		AuthorName:     in.DisplayName(),
		AuthorUsername: in.Username,
	}
	if in.ReplyToMessageID == 0 {
		return meta
	}
	meta.ReplyToMessageID = in.ReplyToMessageID
	meta.ReplyToUserID = in.ReplyToUserID
	meta.ReplyToName = in.ReplyToName
	meta.ReplyExcerpt = in.ReplyExcerpt
	if meta.ReplyToName == "" && meta.ReplyExcerpt == "" {
		if cached, ok := h.cache.Find(keyFor(in.ChatID, in.ThreadID), in.ReplyToMessageID); ok {
			meta.ReplyToUserID = cached.UserID
			meta.ReplyToName = cached.Name
			meta.ReplyExcerpt = cached.Excerpt
			meta.Synthesized = true
		}
	}
	return meta
}

func (h *Handler) userTurn(in *chat.Incoming, meta chat.Metadata, embedding []float32) chat.Turn {
	userID := in.UserID
	return chat.Turn{
		ChatID:        in.ChatID,
		ThreadID:      in.ThreadID,
		UserID:        &userID,
		MessageID:     in.MessageID,
		Role:          chat.RoleUser,
		Text:          in.EffectiveText(),
		Media:         in.Media,
		Metadata:      meta,
		Embedding:     embedding,
		Timestamp:     in.Timestamp,
		RetentionDays: h.cfg.RetentionDays,
	}
}

// persistModelTurn stores the sent reply with its own embedding so that
// later semantic recall can surface the bot's side of the conversation.
func (h *Handler) persistModelTurn(ctx context.Context, in *chat.Incoming, sentID int64, text string) {
	turn := chat.Turn{
		ChatID:    in.ChatID,
		ThreadID:  in.ThreadID,
		MessageID: sentID,
		Role:      chat.RoleModel,
		Text:      text,
		Metadata: chat.Metadata{
			AuthorName:       h.persona.Name(),
			ReplyToMessageID: in.MessageID,
			ReplyToUserID:    in.UserID,
			ReplyToName:      in.DisplayName(),
		},
		Embedding:     h.gen.EmbedText(ctx, text),
		Timestamp:     h.nowFn().Unix(),
		RetentionDays: h.cfg.RetentionDays,
	}
	if err := h.store.AddTurn(ctx, turn); err != nil {
		logger.G(ctx).WithError(err).Error("failed to persist model turn")
	}
}

// enqueueExtraction hands the message to the fact pool. Extraction runs
// off the reply path; a full queue drops the job rather than delaying
// the answer.
func (h *Handler) enqueueExtraction(in *chat.Incoming) {
	if h.pool == nil {
		return
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}
	h.pool.Enqueue(facts.Job{
		ChatID:    in.ChatID,
		UserID:    in.UserID,
		MessageID: in.MessageID,
		Text:      text,
	})
}

func cacheEntry(in *chat.Incoming) cachedMessage {
	return cachedMessage{
		Timestamp: in.Timestamp,
		MessageID: in.MessageID,
		UserID:    in.UserID,
		Name:      in.DisplayName(),
		Username:  in.Username,
		Excerpt:   truncateRunes(in.EffectiveText(), replyExcerptRunes),
		Text:      in.EffectiveText(),
		Media:     in.Media,
	}
}
