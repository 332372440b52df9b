package facts

import (
	"regexp"

	facttypes "github.com/balakunbot/balakun/pkg/types/facts"
)

// Rules match against Normalize()d text, so every pattern is written in
// lowercase. \b is ASCII-only in RE2 and useless next to Cyrillic, so
// the Ukrainian patterns anchor on (?:^| ) instead.
type rule struct {
	category   facttypes.Category
	key        string
	confidence float64
	patterns   []*regexp.Regexp
}

var rules = []rule{
	{
		category:   facttypes.CategoryPersonal,
		key:        KeyLocation,
		confidence: 0.90,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi(?:'m| am) from ([\p{L}'’ -]+)`),
			regexp.MustCompile(`\bi live in ([\p{L}'’ -]+)`),
			regexp.MustCompile(`\bmy city is ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )я (?:з|із|зі) ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )я (?:живу|мешкаю) (?:в|у) ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )моє місто[ :—-]+([\p{L}'’ -]+)`),
		},
	},
	{
		category:   facttypes.CategoryPersonal,
		key:        KeyAge,
		confidence: 1.0,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi(?:'m| am) (\d{1,3}) years? old`),
			regexp.MustCompile(`\bmy age is (\d{1,3})`),
			regexp.MustCompile(`(?:^| )мені (\d{1,3})(?:[^0-9]|$)`),
			regexp.MustCompile(`(?:^| )мені виповнилося (\d{1,3})`),
		},
	},
	{
		category:   facttypes.CategoryPersonal,
		key:        KeyLanguage,
		confidence: 0.90,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi speak ([\p{L}'’ ]+)`),
			regexp.MustCompile(`\bmy native language is ([\p{L}'’ ]+)`),
			regexp.MustCompile(`(?:^| )я (?:розмовляю|говорю|спілкуюся) ([\p{L}'’ ]+)`),
			regexp.MustCompile(`(?:^| )моя рідна мова[ :—-]+([\p{L}'’ ]+)`),
		},
	},
	{
		category:   facttypes.CategoryPersonal,
		key:        KeyProfession,
		confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi work as (?:an? )?([\p{L}'’ -]+)`),
			regexp.MustCompile(`\bmy (?:job|profession) is ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )я працюю ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )я за професією ([\p{L}'’ -]+)`),
			regexp.MustCompile(`(?:^| )моя професія[ :—-]+([\p{L}'’ -]+)`),
		},
	},
	{
		category:   facttypes.CategorySkill,
		key:        KeyProgramming,
		confidence: 0.90,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi (?:code|program|develop) in ([\p{L}+#.0-9]+)`),
			regexp.MustCompile(`\bi write ([\p{L}+#.0-9]+) code`),
			regexp.MustCompile(`(?:^| )я (?:пишу|програмую|кодую) (?:на|в|у) ([\p{L}+#.0-9]+)`),
		},
	},
	{
		category:   facttypes.CategoryPreference,
		key:        KeyLikes,
		confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi (?:love|like|enjoy|adore) ([^.!?\n]+)`),
			regexp.MustCompile(`(?:^| )я (?:люблю|обожнюю) ([^.!?\n]+)`),
			regexp.MustCompile(`(?:^| )мені (?:подобається|подобаються|до вподоби) ([^.!?\n]+)`),
		},
	},
	{
		category:   facttypes.CategoryPreference,
		key:        KeyDislikes,
		confidence: 0.85,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bi (?:hate|dislike|can'?t stand|cannot stand) ([^.!?\n]+)`),
			regexp.MustCompile(`(?:^| )я (?:ненавиджу|не люблю|терпіти не можу) ([^.!?\n]+)`),
			regexp.MustCompile(`(?:^| )мені не (?:подобається|подобаються) ([^.!?\n]+)`),
		},
	},
}

// prepositional captures from "я працюю в офісі" are workplaces, not
// professions.
var professionStopPrefixes = []string{"в ", "у ", "на ", "над ", "з ", "до ", "біля "}
