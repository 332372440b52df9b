package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	pkgerrors "github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/render"
)

// SenderConfig tunes outbound pacing. Defaults track the Bot API
// limits: ~30 messages per second overall, 20 per minute per group.
type SenderConfig struct {
	GlobalPerSecond float64
	ChatInterval    time.Duration
	ChatBurst       int
	RetryAttempts   uint
	RetryDelay      time.Duration
}

func (c *SenderConfig) applyDefaults() {
	if c.GlobalPerSecond <= 0 {
		c.GlobalPerSecond = 25
	}
	if c.ChatInterval <= 0 {
		c.ChatInterval = 3 * time.Second
	}
	if c.ChatBurst <= 0 {
		c.ChatBurst = 3
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Sender delivers replies as HTML, falling back to plain text when
// Telegram rejects the markup. Sends are paced globally and per chat.
type Sender struct {
	cfg    SenderConfig
	global *rate.Limiter
	send   func(c tgbotapi.Chattable) (tgbotapi.Message, error)

	mu    sync.Mutex
	chats map[int64]*rate.Limiter
}

func NewSender(bot *tgbotapi.BotAPI, cfg SenderConfig) *Sender {
	return newSender(bot.Send, cfg)
}

func newSender(send func(c tgbotapi.Chattable) (tgbotapi.Message, error), cfg SenderConfig) *Sender {
	cfg.applyDefaults()
	return &Sender{
		cfg:    cfg,
		global: rate.NewLimiter(rate.Limit(cfg.GlobalPerSecond), int(cfg.GlobalPerSecond)),
		send:   send,
		chats:  make(map[int64]*rate.Limiter),
	}
}

// SendReply renders the text to Telegram HTML and sends it as a reply
// to the triggering message. The returned id is the sent message's.
func (s *Sender) SendReply(ctx context.Context, chatID int64, threadID *int64, replyTo int64, text string) (int64, error) {
	// message_thread_id is not exposed by this client version; the
	// reply link places the message in the right topic.
	_ = threadID

	if err := s.pace(ctx, chatID); err != nil {
		return 0, err
	}

	sent, err := s.deliver(ctx, chatID, replyTo, render.ToHTML(text), tgbotapi.ModeHTML)
	if err != nil && isEntityParseError(err) {
		logger.G(ctx).WithError(err).Debug("html rejected, resending as plain text")
		sent, err = s.deliver(ctx, chatID, replyTo, text, "")
	}
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to send reply (chat %d)", chatID)
	}
	return int64(sent.MessageID), nil
}

func (s *Sender) deliver(ctx context.Context, chatID, replyTo int64, text, mode string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = int(replyTo)
	msg.ParseMode = mode
	msg.DisableWebPagePreview = true
	// The triggering message may have been deleted while we generated.
	msg.AllowSendingWithoutReply = true

	var sent tgbotapi.Message
	err := retry.Do(
		func() error {
			m, err := s.send(msg)
			if err != nil {
				return err
			}
			sent = m
			return nil
		},
		retry.RetryIf(isTransientSendError),
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.G(ctx).WithError(err).WithField("attempt", n+1).Warn("retrying telegram send")
		}),
	)
	return sent, err
}

func (s *Sender) pace(ctx context.Context, chatID int64) error {
	if err := s.global.Wait(ctx); err != nil {
		return err
	}
	return s.chatLimiter(chatID).Wait(ctx)
}

func (s *Sender) chatLimiter(chatID int64) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.chats[chatID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(s.cfg.ChatInterval), s.cfg.ChatBurst)
		s.chats[chatID] = limiter
	}
	return limiter
}

func isEntityParseError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// isTransientSendError treats rate limits, server errors, and transport
// failures as retryable; other API rejections are final.
func isTransientSendError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500
	}
	return true
}
