package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttachmentSummary(t *testing.T) {
	tests := []struct {
		name     string
		media    []Media
		expected string
	}{
		{
			name:     "empty",
			media:    nil,
			expected: "",
		},
		{
			name:     "single photo with mime",
			media:    []Media{{Kind: MediaPhoto, Mime: "image/jpeg"}},
			expected: "Attachments: photo (image/jpeg)",
		},
		{
			name: "multiple kinds",
			media: []Media{
				{Kind: MediaPhoto, Mime: "image/png"},
				{Kind: MediaDocument, Mime: "application/pdf"},
			},
			expected: "Attachments: photo (image/png), document (application/pdf)",
		},
		{
			name:     "no mime",
			media:    []Media{{Kind: MediaYouTubeURL, Reference: "https://youtu.be/abc"}},
			expected: "Attachments: youtube_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AttachmentSummary(tt.media))
		})
	}
}

func TestIncomingDisplayName(t *testing.T) {
	tests := []struct {
		name     string
		in       Incoming
		expected string
	}{
		{
			name:     "full name",
			in:       Incoming{UserID: 1, FirstName: "Taras", LastName: "Shevchenko"},
			expected: "Taras Shevchenko",
		},
		{
			name:     "first name only",
			in:       Incoming{UserID: 1, FirstName: "Taras"},
			expected: "Taras",
		},
		{
			name:     "username fallback",
			in:       Incoming{UserID: 1, Username: "kobzar"},
			expected: "@kobzar",
		},
		{
			name:     "numeric fallback",
			in:       Incoming{UserID: 42},
			expected: "user 42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.in.DisplayName())
		})
	}
}

func TestIncomingEffectiveText(t *testing.T) {
	withText := Incoming{Text: "hello"}
	assert.Equal(t, "hello", withText.EffectiveText())

	mediaOnly := Incoming{Media: []Media{{Kind: MediaVoice, Mime: "audio/ogg"}}}
	assert.Equal(t, "Attachments: voice (audio/ogg)", mediaOnly.EffectiveText())

	whitespace := Incoming{Text: "   ", Media: []Media{{Kind: MediaSticker}}}
	assert.Equal(t, "Attachments: sticker", whitespace.EffectiveText())

	empty := Incoming{}
	assert.Equal(t, "", empty.EffectiveText())
}

func TestMediaLabel(t *testing.T) {
	assert.Equal(t, "video (video/mp4)", Media{Kind: MediaVideo, Mime: "video/mp4"}.Label())
	assert.Equal(t, "animation", Media{Kind: MediaAnimation}.Label())
}
