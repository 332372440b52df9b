// Package chat defines the message types shared across the bot: turns
// persisted in conversation history, media descriptors attached to them,
// and the metadata envelope carried alongside every message.
package chat

import (
	"fmt"
	"strings"
)

// Role identifies who authored a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MediaKind enumerates the supported attachment kinds.
type MediaKind string

const (
	MediaPhoto      MediaKind = "photo"
	MediaVideo      MediaKind = "video"
	MediaAudio      MediaKind = "audio"
	MediaDocument   MediaKind = "document"
	MediaVoice      MediaKind = "voice"
	MediaSticker    MediaKind = "sticker"
	MediaAnimation  MediaKind = "animation"
	MediaYouTubeURL MediaKind = "youtube_url"
)

// Media describes one attachment on a message. Reference holds the
// platform file id or URL. Data optionally carries downloaded bytes for
// inline upload to the model; it is never persisted.
type Media struct {
	Kind      MediaKind `json:"kind"`
	Mime      string    `json:"mime,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Data      []byte    `json:"-"`
}

// Label returns a short human-readable descriptor for the attachment,
// e.g. "photo (image/jpeg)".
func (m Media) Label() string {
	if m.Mime == "" {
		return string(m.Kind)
	}
	return fmt.Sprintf("%s (%s)", m.Kind, m.Mime)
}

// AttachmentSummary builds the placeholder text persisted when a message
// carries media but no text.
func AttachmentSummary(media []Media) string {
	if len(media) == 0 {
		return ""
	}
	labels := make([]string, 0, len(media))
	for _, m := range media {
		labels = append(labels, m.Label())
	}
	return "Attachments: " + strings.Join(labels, ", ")
}

// Metadata is the small structured bag stored next to each turn. Reply
// fields are populated when the message replies to another one, either
// directly or synthesized from the recent-message cache.
type Metadata struct {
	AuthorName       string `json:"author_name,omitempty"`
	AuthorUsername   string `json:"author_username,omitempty"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	ReplyToUserID    int64  `json:"reply_to_user_id,omitempty"`
	ReplyToName      string `json:"reply_to_name,omitempty"`
	ReplyExcerpt     string `json:"reply_excerpt,omitempty"`
	Synthesized      bool   `json:"synthesized,omitempty"`
}

// Turn is one persisted message in the conversation history. Model turns
// carry a nil UserID; user turns always have one.
type Turn struct {
	ID            int64
	ChatID        int64
	ThreadID      *int64
	UserID        *int64
	MessageID     int64
	Role          Role
	Text          string
	Media         []Media
	Metadata      Metadata
	Embedding     []float32
	Timestamp     int64
	RetentionDays int
}

// ScoredTurn pairs a recalled turn with its cosine-similarity score in [0, 1].
type ScoredTurn struct {
	Turn
	Score float64
}

// Incoming is the platform-agnostic shape of one inbound update, produced
// by the messaging adapter and consumed by the handler.
type Incoming struct {
	ChatID    int64
	ThreadID  *int64
	UserID    int64
	MessageID int64
	Username  string
	FirstName string
	LastName  string
	IsBot     bool
	Text      string
	Media     []Media
	Timestamp int64

	// Reply context, zero-valued when the message is not a reply.
	ReplyToMessageID int64
	ReplyToUserID    int64
	ReplyToIsModel   bool
	ReplyToName      string
	ReplyExcerpt     string
}

// DisplayName returns the best available human-readable name for the
// author: full name, then username, then the numeric id.
func (in *Incoming) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(in.FirstName) + " " + strings.TrimSpace(in.LastName))
	if name != "" {
		return name
	}
	if in.Username != "" {
		return "@" + in.Username
	}
	return fmt.Sprintf("user %d", in.UserID)
}

// HasMedia reports whether the update carries at least one attachment.
func (in *Incoming) HasMedia() bool {
	return len(in.Media) > 0
}

// EffectiveText returns the message text, falling back to an attachment
// summary when the text is empty but media is present.
func (in *Incoming) EffectiveText() string {
	if strings.TrimSpace(in.Text) != "" {
		return in.Text
	}
	return AttachmentSummary(in.Media)
}
