// Package gemini wraps the Google GenAI API for chat generation and
// embeddings. Generation runs a bounded tool-call loop behind a retry
// policy and a circuit breaker; embedding is concurrency-limited and
// degrades to an empty vector instead of failing the caller.
package gemini

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"google.golang.org/genai"

	"github.com/balakunbot/balakun/pkg/circuit"
	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/metrics"
)

// Errors the handler translates into user-facing fallback templates.
var (
	ErrUpstreamTimeout = errors.New("upstream model timed out")
	ErrUpstream        = errors.New("upstream model request failed")
)

const (
	DefaultModel            = "gemini-2.5-flash"
	DefaultEmbedModel       = "gemini-embedding-001"
	DefaultMaxToolRounds    = 4
	DefaultGenerateTimeout  = 30 * time.Second
	DefaultEmbedConcurrency = 4
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 500 * time.Millisecond
	DefaultRetryMaxDelay    = 5 * time.Second
)

// Config controls the upstream client. Zero values fall back to the
// package defaults above.
type Config struct {
	APIKey                string
	Model                 string
	EmbedModel            string
	MaxToolRounds         int
	GenerateTimeout       time.Duration
	EmbedConcurrency      int64
	EnableSearchGrounding bool
	MaxOutputTokens       int32

	RetryAttempts uint
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	Breaker circuit.Config
	Metrics *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.EmbedModel == "" {
		c.EmbedModel = DefaultEmbedModel
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = DefaultGenerateTimeout
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = DefaultEmbedConcurrency
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker = circuit.DefaultConfig()
	}
}

// Client talks to the Gemini API. A single Client is shared by all
// conversations; it is safe for concurrent use.
type Client struct {
	cfg      Config
	breaker  *circuit.Breaker
	metrics  *metrics.Metrics
	embedSem *semaphore.Weighted

	// indirection over the raw SDK calls, swapped out in tests
	callModel generateFunc
	callEmbed embedFunc
}

type generateFunc func(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (*modelResponse, error)

type embedFunc func(ctx context.Context, text string) ([]float32, error)

// New creates a Client against the Gemini API backend.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	cfg.applyDefaults()

	genClient, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  cfg.APIKey,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create genai client")
	}

	c := &Client{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		embedSem: semaphore.NewWeighted(cfg.EmbedConcurrency),
	}
	breakerCfg := cfg.Breaker
	if cfg.Metrics != nil {
		breakerCfg.OnStateChange = func(s circuit.State) {
			cfg.Metrics.SetCircuitState(int(s))
		}
	}
	c.breaker = circuit.New(breakerCfg)
	c.callModel = c.streamModel(genClient)
	c.callEmbed = c.embedContent(genClient)
	return c, nil
}

// Model reports the generation model the client was configured with.
func (c *Client) Model() string {
	return c.cfg.Model
}

// withRetry retries transient upstream failures with exponential backoff.
func (c *Client) withRetry(ctx context.Context, operation func() error) error {
	if c.cfg.RetryAttempts <= 1 {
		return operation()
	}

	return retry.Do(
		operation,
		retry.RetryIf(isRetryableError),
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(c.cfg.RetryMaxDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).WithField("max_attempts", c.cfg.RetryAttempts).Warn("retrying gemini api call")
		}),
	)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"internal error",
		"quota exceeded",
		"rate limit",
		"too many requests",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// classify maps raw transport errors onto the package sentinels. Breaker
// and cancellation errors pass through untouched so callers can match them.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuit.ErrOpen):
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return pkgerrors.Wrap(ErrUpstreamTimeout, err.Error())
	default:
		return pkgerrors.Wrap(ErrUpstream, err.Error())
	}
}
