// Package handler orchestrates one inbound group-chat message end to
// end: addressing detection, ban and quota gates, persistence, context
// assembly, generation, and delivery of the reply. Messages within one
// conversation are processed strictly in arrival order; distinct
// conversations run in parallel.
package handler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/balakunbot/balakun/pkg/convo"
	"github.com/balakunbot/balakun/pkg/facts"
	"github.com/balakunbot/balakun/pkg/gemini"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/monitor"
	"github.com/balakunbot/balakun/pkg/persona"
	"github.com/balakunbot/balakun/pkg/store"
	"github.com/balakunbot/balakun/pkg/telemetry"
	"github.com/balakunbot/balakun/pkg/throttle"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

const (
	DefaultMaxTurns      = 50
	DefaultRecallLimit   = 5
	DefaultRetentionDays = 90
	DefaultNoticeTTL     = 30 * time.Minute
	DefaultCacheSize     = 5
	DefaultCacheTTL      = 5 * time.Minute

	// Dedupe reasons for user-facing notices.
	noticeReasonBanned    = "banned"
	noticeReasonAPILimit  = "api_limit"
	noticeReasonEmpty     = "empty_reply"
	noticeReasonThrottled = "rate_limit"
	noticeReasonInternal  = "internal"
)

// Generator produces replies and embeddings. *gemini.Client satisfies
// it; tests substitute a scripted fake.
type Generator interface {
	Generate(ctx context.Context, req gemini.GenerateRequest) (string, error)
	EmbedText(ctx context.Context, text string) []float32
}

// Responder delivers replies back to the chat platform and returns the
// platform id of the sent message.
type Responder interface {
	SendReply(ctx context.Context, chatID int64, threadID *int64, replyToMessageID int64, text string) (int64, error)
}

// Config carries handler tunables. Zero values fall back to defaults.
type Config struct {
	// BotUsername enables @-mention addressing. Optional; the persona
	// username is used when empty.
	BotUsername string

	// AdminIDs bypass throttling in addition to the persona's admins.
	AdminIDs []int64

	MaxTurns      int
	RecallLimit   int
	RetentionDays int
	NoticeTTL     time.Duration
	CacheSize     int
	CacheTTL      time.Duration

	// MinFactConfidence filters stored facts out of the prompt.
	MinFactConfidence float64

	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.RecallLimit <= 0 {
		c.RecallLimit = DefaultRecallLimit
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.NoticeTTL <= 0 {
		c.NoticeTTL = DefaultNoticeTTL
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Handler wires the pipeline together. Construct with New, then
// optionally attach a fact pool and resource optimizer.
type Handler struct {
	cfg       Config
	store     *store.Store
	recall    *convo.Recall
	gen       Generator
	throttle  *throttle.Manager
	persona   *persona.Persona
	responder Responder
	pool      *facts.Pool
	optimizer *monitor.Optimizer
	metrics   *metrics.Metrics
	cache     *ReplyCache
	admins    map[int64]struct{}

	mu     sync.Mutex
	queues map[convoKey][]chat.Incoming
	wg     sync.WaitGroup

	nowFn func() time.Time
}

func New(st *store.Store, rec *convo.Recall, gen Generator, tm *throttle.Manager, p *persona.Persona, responder Responder, cfg Config) *Handler {
	cfg.applyDefaults()
	admins := make(map[int64]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Handler{
		cfg:       cfg,
		store:     st,
		recall:    rec,
		gen:       gen,
		throttle:  tm,
		persona:   p,
		responder: responder,
		metrics:   cfg.Metrics,
		cache:     NewReplyCache(cfg.CacheSize, cfg.CacheTTL),
		admins:    admins,
		queues:    make(map[convoKey][]chat.Incoming),
		nowFn:     time.Now,
	}
}

// WithFactPool enables asynchronous fact extraction for processed
// messages.
func (h *Handler) WithFactPool(pool *facts.Pool) *Handler {
	h.pool = pool
	return h
}

// WithOptimizer lets the handler shed context work under resource
// pressure.
func (h *Handler) WithOptimizer(opt *monitor.Optimizer) *Handler {
	h.optimizer = opt
	return h
}

// OnUpdate enqueues the update on its conversation's mailbox. The
// first update for an idle conversation spawns a drain goroutine;
// subsequent ones append behind it, preserving arrival order.
func (h *Handler) OnUpdate(ctx context.Context, in chat.Incoming) {
	key := keyFor(in.ChatID, in.ThreadID)

	h.mu.Lock()
	pending, active := h.queues[key]
	h.queues[key] = append(pending, in)
	if !active {
		h.wg.Add(1)
		go h.drain(ctx, key)
	}
	h.mu.Unlock()
}

// drain processes the key's mailbox to exhaustion, then retires the
// mailbox so idle conversations hold no state.
func (h *Handler) drain(ctx context.Context, key convoKey) {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		pending := h.queues[key]
		if len(pending) == 0 {
			delete(h.queues, key)
			h.mu.Unlock()
			return
		}
		in := pending[0]
		h.queues[key] = pending[1:]
		h.mu.Unlock()

		if ctx.Err() != nil {
			// Shutting down: keep draining so Wait returns, but skip
			// the work.
			continue
		}
		telemetry.WithSpanFunc(ctx, "handler.update", func(ctx context.Context) {
			h.process(ctx, in)
		}, attribute.Int64("chat_id", in.ChatID))
	}
}

// Wait blocks until every conversation mailbox has drained.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Cache exposes the reply cache for the janitor.
func (h *Handler) Cache() *ReplyCache {
	return h.cache
}

func (h *Handler) isAdmin(userID int64) bool {
	if _, ok := h.admins[userID]; ok {
		return true
	}
	return h.persona.IsAdmin(userID)
}

func (h *Handler) botUsername() string {
	if h.cfg.BotUsername != "" {
		return h.cfg.BotUsername
	}
	return h.persona.Username()
}

func (h *Handler) recordOutcome(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordUpdate(outcome)
	}
}
