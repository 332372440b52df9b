package facts

import (
	"context"
	"sync"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
	"github.com/balakunbot/balakun/pkg/store"
	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64

	maxEvidenceRunes = 200
)

// Job is one message queued for background extraction.
type Job struct {
	ChatID    int64
	UserID    int64
	MessageID int64
	Text      string
}

// PoolConfig sizes the extraction pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	Metrics   *metrics.Metrics
}

// Pool runs fact extraction off the message-handling path. The queue is
// bounded: when it is full, jobs are dropped and counted rather than
// blocking the handler.
type Pool struct {
	hybrid  *Hybrid
	store   *store.Store
	queue   chan Job
	workers int
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

func NewPool(st *store.Store, hybrid *Hybrid, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Pool{
		hybrid:  hybrid,
		store:   st,
		queue:   make(chan Job, cfg.QueueSize),
		workers: cfg.Workers,
		metrics: cfg.Metrics,
	}
}

// Start launches the workers. They stop when ctx is cancelled; queued
// jobs not yet picked up are abandoned.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.queue:
					p.process(ctx, job)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Enqueue hands a message to the pool without blocking.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		if p.metrics != nil {
			p.metrics.RecordExtractionQueued()
		}
		return true
	default:
		if p.metrics != nil {
			p.metrics.RecordExtractionDropped()
		}
		logger.G(context.Background()).WithField("chat_id", job.ChatID).Warn("extraction queue full, dropping job")
		return false
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	log := logger.G(ctx).WithField("chat_id", job.ChatID).WithField("user_id", job.UserID)

	for _, candidate := range p.hybrid.Extract(ctx, job.Text) {
		fact := factFromCandidate(job, candidate)
		if _, err := p.store.UpsertFact(ctx, fact); err != nil {
			log.WithError(err).WithField("fact_key", candidate.Key).Warn("failed to persist fact")
			continue
		}
		if p.metrics != nil {
			p.metrics.RecordFactPersisted()
		}
	}
}

// factFromCandidate scopes the candidate: chat categories attach to the
// chat entity, user categories to the user within this chat.
func factFromCandidate(job Job, candidate facttypes.Candidate) facttypes.Fact {
	fact := facttypes.Fact{
		Category:        candidate.Category,
		Key:             candidate.Key,
		Value:           candidate.Value,
		Confidence:      candidate.Confidence,
		EvidenceText:    candidate.Evidence,
		SourceMessageID: &job.MessageID,
	}
	if fact.EvidenceText == "" {
		fact.EvidenceText = truncateRunes(job.Text, maxEvidenceRunes)
	}

	if candidate.Category.ChatScoped() {
		fact.EntityType = facttypes.EntityChat
		fact.EntityID = job.ChatID
	} else {
		fact.EntityType = facttypes.EntityUser
		fact.EntityID = job.UserID
		chatID := job.ChatID
		fact.ChatContext = &chatID
	}
	return fact
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
