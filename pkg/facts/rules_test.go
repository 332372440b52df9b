package facts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

func TestRuleExtractorLocationUkrainian(t *testing.T) {
	got := NewRuleExtractor().Extract("я з Києва")

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, facttypes.CategoryPersonal, c.Category)
	assert.Equal(t, KeyLocation, c.Key)
	assert.Equal(t, "kyiv", c.Value)
	assert.GreaterOrEqual(t, c.Confidence, 0.85)
	assert.Equal(t, "я з києва", c.Evidence)
}

func TestRuleExtractorLocationKnownCityBoost(t *testing.T) {
	got := NewRuleExtractor().Extract("I'm from Lviv")

	require.Len(t, got, 1)
	assert.Equal(t, "lviv", got[0].Value)
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9)
}

func TestRuleExtractorLocationUnknownCity(t *testing.T) {
	got := NewRuleExtractor().Extract("I live in Rotterdam")

	require.Len(t, got, 1)
	assert.Equal(t, "rotterdam", got[0].Value)
	assert.InDelta(t, 0.90, got[0].Confidence, 1e-9)
}

func TestRuleExtractorLocationStopWords(t *testing.T) {
	// "я з нетерпінням чекаю" is "with impatience", not a hometown
	got := NewRuleExtractor().Extract("я з нетерпінням чекаю на вихідні")
	assert.Empty(t, got)
}

func TestRuleExtractorAge(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{name: "english", message: "I am 25 years old", want: "25"},
		{name: "ukrainian", message: "мені 17", want: "17"},
		{name: "below range", message: "мені 8", want: ""},
		{name: "above range", message: "мені 150", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewRuleExtractor().Extract(tt.message)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, KeyAge, got[0].Key)
			assert.Equal(t, tt.want, got[0].Value)
			assert.InDelta(t, 1.0, got[0].Confidence, 1e-9)
		})
	}
}

func TestRuleExtractorLanguage(t *testing.T) {
	got := NewRuleExtractor().Extract("я розмовляю українською")

	require.Len(t, got, 1)
	assert.Equal(t, KeyLanguage, got[0].Key)
	assert.Equal(t, "ukrainian", got[0].Value)
	assert.InDelta(t, 0.95, got[0].Confidence, 1e-9)
}

func TestRuleExtractorProfession(t *testing.T) {
	got := NewRuleExtractor().Extract("I work as a software engineer")

	require.Len(t, got, 1)
	assert.Equal(t, KeyProfession, got[0].Key)
	assert.Equal(t, "software engineer", got[0].Value)
	assert.InDelta(t, 0.85, got[0].Confidence, 1e-9)
}

func TestRuleExtractorProfessionStopPrefix(t *testing.T) {
	// "я працюю в офісі" names a workplace, not a profession
	got := NewRuleExtractor().Extract("я працюю в офісі")
	assert.Empty(t, got)
}

func TestRuleExtractorProgramming(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{message: "я пишу на ГО", want: "go"},
		{message: "I code in C++", want: "cpp"},
		{message: "я програмую на python", want: "python"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			got := NewRuleExtractor().Extract(tt.message)
			require.Len(t, got, 1)
			assert.Equal(t, facttypes.CategorySkill, got[0].Category)
			assert.Equal(t, KeyProgramming, got[0].Key)
			assert.Equal(t, tt.want, got[0].Value)
		})
	}
}

func TestRuleExtractorLikesAndDislikes(t *testing.T) {
	likes := NewRuleExtractor().Extract("я люблю смачну піцу")
	require.Len(t, likes, 1)
	assert.Equal(t, facttypes.CategoryPreference, likes[0].Category)
	assert.Equal(t, KeyLikes, likes[0].Key)
	assert.Equal(t, "смачну піцу", likes[0].Value)

	// the negation must not fall through to the likes rule
	dislikes := NewRuleExtractor().Extract("я не люблю помідори")
	require.Len(t, dislikes, 1)
	assert.Equal(t, KeyDislikes, dislikes[0].Key)
	assert.Equal(t, "помідори", dislikes[0].Value)

	english := NewRuleExtractor().Extract("I hate mondays")
	require.Len(t, english, 1)
	assert.Equal(t, KeyDislikes, english[0].Key)
	assert.Equal(t, "mondays", english[0].Value)
}

func TestRuleExtractorValueLengthBounds(t *testing.T) {
	// 2 runes, below the floor
	assert.Empty(t, NewRuleExtractor().Extract("я люблю це"))

	// past the 100-rune cap
	long := "я люблю " + strings.Repeat("а", 101)
	assert.Empty(t, NewRuleExtractor().Extract(long))
}

func TestRuleExtractorMultipleFacts(t *testing.T) {
	got := NewRuleExtractor().Extract("я з Харкова, мені 25 років, я люблю каву")

	require.Len(t, got, 3)
	byKey := make(map[string]string, len(got))
	for _, c := range got {
		byKey[c.Key] = c.Value
	}
	assert.Equal(t, "kharkiv", byKey[KeyLocation])
	assert.Equal(t, "25", byKey[KeyAge])
	assert.Equal(t, "каву", byKey[KeyLikes])
}

func TestRuleExtractorNoFacts(t *testing.T) {
	assert.Empty(t, NewRuleExtractor().Extract("привіт, як справи?"))
	assert.Empty(t, NewRuleExtractor().Extract(""))
	assert.Empty(t, NewRuleExtractor().Extract("   "))
}
