// Package telegram adapts the Telegram Bot API to the platform-agnostic
// update and reply shapes the handler works with. One Runner long-polls
// for updates; one Sender delivers paced, HTML-rendered replies.
package telegram

import (
	"context"
	"io"
	"net/http"
	"regexp"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	pkgerrors "github.com/pkg/errors"

	"github.com/balakunbot/balakun/pkg/logger"
	"github.com/balakunbot/balakun/pkg/types/chat"
)

const (
	// DefaultMaxFetchBytes caps inline media downloads. Larger files are
	// passed to the model as labels only.
	DefaultMaxFetchBytes = 5 << 20
	defaultPollTimeout   = 30 // seconds, long-poll hold
	excerptRunes         = 100
)

// UpdateSink consumes mapped updates. *handler.Handler satisfies it.
type UpdateSink interface {
	OnUpdate(ctx context.Context, in chat.Incoming)
}

// Connect authorizes against the Bot API and returns the client.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to telegram")
	}
	logger.L.WithField("username", bot.Self.UserName).Info("authorized on telegram")
	return bot, nil
}

// RunnerConfig tunes the update loop.
type RunnerConfig struct {
	// MaxFetchBytes bounds inline photo and voice downloads.
	MaxFetchBytes int64
	// PollTimeout is the long-poll hold time in seconds.
	PollTimeout int
}

// Runner long-polls Telegram and feeds each group message to the sink.
type Runner struct {
	bot   *tgbotapi.BotAPI
	sink  UpdateSink
	cfg   RunnerConfig
	fetch func(ctx context.Context, fileID string) ([]byte, string, error)
}

func NewRunner(bot *tgbotapi.BotAPI, sink UpdateSink, cfg RunnerConfig) *Runner {
	if cfg.MaxFetchBytes <= 0 {
		cfg.MaxFetchBytes = DefaultMaxFetchBytes
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	r := &Runner{bot: bot, sink: sink, cfg: cfg}
	r.fetch = r.downloadFile
	return r
}

// BotUsername returns the authorized account's username, for @-mention
// addressing.
func (r *Runner) BotUsername() string {
	return r.bot.Self.UserName
}

// Run consumes updates until the context ends. Edits, joins, and other
// service updates are dropped; only fresh user messages reach the sink.
func (r *Runner) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = r.cfg.PollTimeout
	u.AllowedUpdates = []string{"message"}
	updates := r.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			r.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.From == nil || msg.Chat == nil {
				continue
			}
			if msg.From.ID == r.bot.Self.ID {
				continue
			}
			r.sink.OnUpdate(ctx, r.incoming(ctx, msg))
		}
	}
}

// incoming maps one Telegram message onto the handler's update shape.
func (r *Runner) incoming(ctx context.Context, msg *tgbotapi.Message) chat.Incoming {
	in := chat.Incoming{
		ChatID:    msg.Chat.ID,
		UserID:    msg.From.ID,
		MessageID: int64(msg.MessageID),
		Username:  msg.From.UserName,
		FirstName: msg.From.FirstName,
		LastName:  msg.From.LastName,
		IsBot:     msg.From.IsBot,
		Text:      textOf(msg),
		Timestamp: int64(msg.Date),
		Media:     r.media(ctx, msg),
	}
	if reply := msg.ReplyToMessage; reply != nil {
		in.ReplyToMessageID = int64(reply.MessageID)
		if reply.From != nil {
			in.ReplyToUserID = reply.From.ID
			in.ReplyToIsModel = reply.From.ID == r.bot.Self.ID
			in.ReplyToName = displayName(reply.From)
		}
		in.ReplyExcerpt = truncateRunes(textOf(reply), excerptRunes)
	}
	if url := findYouTubeURL(in.Text); url != "" {
		in.Media = append(in.Media, chat.Media{Kind: chat.MediaYouTubeURL, Reference: url})
	}
	return in
}

func textOf(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

func displayName(u *tgbotapi.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return name
}

// media maps the message attachment, downloading photos and voice notes
// inline when they fit the byte cap. Other kinds travel as references;
// the model sees their labels.
func (r *Runner) media(ctx context.Context, msg *tgbotapi.Message) []chat.Media {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		m := chat.Media{Kind: chat.MediaPhoto, Mime: "image/jpeg", Reference: largest.FileID}
		r.inline(ctx, &m, largest.FileSize)
		return []chat.Media{m}
	case msg.Voice != nil:
		m := chat.Media{Kind: chat.MediaVoice, Mime: msg.Voice.MimeType, Reference: msg.Voice.FileID}
		if m.Mime == "" {
			m.Mime = "audio/ogg"
		}
		r.inline(ctx, &m, msg.Voice.FileSize)
		return []chat.Media{m}
	case msg.Video != nil:
		return []chat.Media{{Kind: chat.MediaVideo, Mime: msg.Video.MimeType, Reference: msg.Video.FileID}}
	case msg.Audio != nil:
		return []chat.Media{{Kind: chat.MediaAudio, Mime: msg.Audio.MimeType, Reference: msg.Audio.FileID}}
	case msg.Animation != nil:
		return []chat.Media{{Kind: chat.MediaAnimation, Mime: msg.Animation.MimeType, Reference: msg.Animation.FileID}}
	case msg.Sticker != nil:
		return []chat.Media{{Kind: chat.MediaSticker, Mime: "image/webp", Reference: msg.Sticker.FileID}}
	case msg.Document != nil:
		return []chat.Media{{Kind: chat.MediaDocument, Mime: msg.Document.MimeType, Reference: msg.Document.FileID}}
	}
	return nil
}

// inline fills m.Data when the file is small enough and the download
// succeeds; failures degrade to the reference-only form.
func (r *Runner) inline(ctx context.Context, m *chat.Media, fileSize int) {
	if r.fetch == nil || fileSize <= 0 || int64(fileSize) > r.cfg.MaxFetchBytes {
		return
	}
	data, mime, err := r.fetch(ctx, m.Reference)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("file_id", m.Reference).Warn("media download failed")
		return
	}
	m.Data = data
	if mime != "" {
		m.Mime = mime
	}
}

func (r *Runner) downloadFile(ctx context.Context, fileID string) ([]byte, string, error) {
	file, err := r.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "failed to resolve file")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(r.bot.Token), nil)
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "failed to build download request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "failed to download file")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", pkgerrors.Errorf("download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxFetchBytes+1))
	if err != nil {
		return nil, "", pkgerrors.Wrap(err, "failed to read file body")
	}
	if int64(len(data)) > r.cfg.MaxFetchBytes {
		return nil, "", pkgerrors.Errorf("file exceeds %d bytes", r.cfg.MaxFetchBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

var youtubeRe = regexp.MustCompile(`https?://(?:www\.)?(?:youtube\.com/(?:watch\?\S*v=|shorts/)|youtu\.be/)[\w-]{6,}\S*`)

func findYouTubeURL(text string) string {
	return youtubeRe.FindString(text)
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
