// Package facts extracts structured facts about users and chats from
// free-form group-chat messages. A rule-based extractor always runs;
// a model-based extractor can supplement it for longer messages. All
// values pass through a normalization pipeline so the same fact stated
// two ways lands on the same row.
package facts

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Fact keys emitted by the extractors.
const (
	KeyLocation    = "location"
	KeyLikes       = "likes"
	KeyDislikes    = "dislikes"
	KeyLanguage    = "language"
	KeyProfession  = "profession"
	KeyProgramming = "programming_language"
	KeyAge         = "age"
)

// Normalize applies the basic pipeline: Unicode NFC, lowercase,
// whitespace collapse. Idempotent.
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeValue normalizes a fact value for its key. Beyond the basic
// pipeline, location/language/programming values go through suffix
// stripping and canonical lexica so Cyrillic and Latin spellings of the
// same thing compare equal; age keeps digits only.
func NormalizeValue(key, value string) string {
	v := Normalize(value)
	switch key {
	case KeyLocation:
		return normalizeLocation(v)
	case KeyLanguage:
		return normalizeLanguage(v)
	case KeyProgramming:
		return normalizeProgramming(v)
	case KeyAge:
		return digitsOnly(v)
	default:
		return v
	}
}

var locationSuffixes = []string{
	"ukraine", "україна", "україни", "украина",
	"oblast", "область", "області", "обл",
}

func normalizeLocation(v string) string {
	v = stripSuffixes(v, locationSuffixes)
	if canonical, ok := cityTable[v]; ok {
		return canonical
	}
	return v
}

var languageSuffixes = []string{"language", "мова", "мовою", "язык"}

func normalizeLanguage(v string) string {
	v = stripSuffixes(v, languageSuffixes)
	if canonical, ok := languageTable[v]; ok {
		return canonical
	}
	return v
}

var programmingSuffixes = []string{
	"programming language", "language",
	"мова програмування", "мова",
}

func normalizeProgramming(v string) string {
	v = stripSuffixes(v, programmingSuffixes)
	if canonical, ok := programmingTable[v]; ok {
		return canonical
	}
	return v
}

// stripSuffixes removes trailing qualifier words ("kyiv, ukraine" →
// "kyiv") repeatedly until the value is stable.
func stripSuffixes(v string, suffixes []string) string {
	for {
		trimmed := strings.Trim(v, " ,.!?")
		for _, suffix := range suffixes {
			if trimmed == suffix {
				continue // never strip the whole value away
			}
			if strings.HasSuffix(trimmed, " "+suffix) {
				trimmed = strings.TrimSuffix(trimmed, " "+suffix)
			} else if strings.HasSuffix(trimmed, ","+suffix) {
				trimmed = strings.TrimSuffix(trimmed, ","+suffix)
			}
		}
		trimmed = strings.Trim(trimmed, " ,.!?")
		if trimmed == v {
			return v
		}
		v = trimmed
	}
}

func digitsOnly(v string) string {
	var b strings.Builder
	for _, r := range v {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// cityTable maps Cyrillic spellings, common case inflections, and legacy
// Latin transliterations onto one canonical name per city. Canonical
// names map to themselves so normalization is idempotent.
var cityTable = map[string]string{
	"київ": "kyiv", "києва": "kyiv", "києві": "kyiv",
	"киев": "kyiv", "киева": "kyiv", "киеве": "kyiv", "kiev": "kyiv", "kyiv": "kyiv",

	"львів": "lviv", "львова": "lviv", "львові": "lviv",
	"львов": "lviv", "львове": "lviv", "lvov": "lviv", "lviv": "lviv",

	"одеса": "odesa", "одеси": "odesa", "одесі": "odesa",
	"одесса": "odesa", "одессы": "odesa", "одессе": "odesa", "odessa": "odesa", "odesa": "odesa",

	"харків": "kharkiv", "харкова": "kharkiv", "харкові": "kharkiv",
	"харьков": "kharkiv", "харькова": "kharkiv", "kharkov": "kharkiv", "kharkiv": "kharkiv",

	"дніпро": "dnipro", "дніпра": "dnipro", "дніпрі": "dnipro",
	"днепр": "dnipro", "днепре": "dnipro", "dnipro": "dnipro",

	"запоріжжя": "zaporizhzhia", "запоріжжі": "zaporizhzhia",
	"запорожье": "zaporizhzhia", "zaporizhzhia": "zaporizhzhia",

	"вінниця": "vinnytsia", "вінниці": "vinnytsia", "винница": "vinnytsia", "vinnytsia": "vinnytsia",
	"полтава": "poltava", "полтави": "poltava", "полтаві": "poltava", "poltava": "poltava",
	"чернігів": "chernihiv", "чернігова": "chernihiv", "чернигов": "chernihiv", "chernihiv": "chernihiv",
	"черкаси": "cherkasy", "черкас": "cherkasy", "черкассы": "cherkasy", "cherkasy": "cherkasy",
	"миколаїв": "mykolaiv", "миколаєва": "mykolaiv", "николаев": "mykolaiv", "mykolaiv": "mykolaiv",
	"херсон": "kherson", "херсона": "kherson", "херсоні": "kherson", "kherson": "kherson",
	"тернопіль": "ternopil", "тернополя": "ternopil", "тернополь": "ternopil", "ternopil": "ternopil",
	"ужгород": "uzhhorod", "ужгорода": "uzhhorod", "uzhhorod": "uzhhorod",
	"луцьк": "lutsk", "луцька": "lutsk", "lutsk": "lutsk",
	"рівне": "rivne", "рівного": "rivne", "ровно": "rivne", "rivne": "rivne",
	"суми": "sumy", "сум": "sumy", "sumy": "sumy",
	"житомир": "zhytomyr", "житомира": "zhytomyr", "zhytomyr": "zhytomyr",
	"хмельницький": "khmelnytskyi", "хмельницького": "khmelnytskyi", "khmelnytskyi": "khmelnytskyi",
	"кропивницький": "kropyvnytskyi", "кропивницького": "kropyvnytskyi", "kropyvnytskyi": "kropyvnytskyi",
	"чернівці": "chernivtsi", "чернівців": "chernivtsi", "черновцы": "chernivtsi", "chernivtsi": "chernivtsi",
	"маріуполь": "mariupol", "маріуполя": "mariupol", "mariupol": "mariupol",
	"кривий ріг": "kryvyi rih", "кривого рогу": "kryvyi rih", "kryvyi rih": "kryvyi rih",

	"івано-франківськ": "ivano-frankivsk", "івано-франківська": "ivano-frankivsk",
	"ivano-frankivsk": "ivano-frankivsk",
}

// languageTable covers nominative and common declined forms.
var languageTable = map[string]string{
	"українська": "ukrainian", "української": "ukrainian", "українською": "ukrainian",
	"украинский": "ukrainian", "ukrainian": "ukrainian", "укр": "ukrainian",

	"англійська": "english", "англійської": "english", "англійською": "english",
	"английский": "english", "english": "english", "англ": "english",

	"російська": "russian", "російською": "russian", "русский": "russian", "russian": "russian",
	"німецька": "german", "німецькою": "german", "немецкий": "german", "german": "german", "deutsch": "german",
	"французька": "french", "французькою": "french", "французский": "french", "french": "french",
	"польська": "polish", "польською": "polish", "польский": "polish", "polish": "polish",
	"іспанська": "spanish", "іспанською": "spanish", "испанский": "spanish", "spanish": "spanish",
	"італійська": "italian", "італійською": "italian", "italian": "italian",
	"японська": "japanese", "японською": "japanese", "japanese": "japanese",
	"китайська": "chinese", "китайською": "chinese", "chinese": "chinese",
	"чеська": "czech", "чеською": "czech", "czech": "czech",
}

var programmingTable = map[string]string{
	"js": "javascript", "джаваскрипт": "javascript", "жс": "javascript", "javascript": "javascript",
	"ts": "typescript", "тайпскрипт": "typescript", "typescript": "typescript",
	"c++": "cpp", "с++": "cpp", "плюси": "cpp", "плюсы": "cpp", "cpp": "cpp",
	"c#": "csharp", "с#": "csharp", "шарп": "csharp", "csharp": "csharp",
	"golang": "go", "го": "go", "go": "go",
	"py": "python", "пайтон": "python", "питон": "python", "пітон": "python", "python": "python",
	"джава": "java", "java": "java",
	"раст": "rust", "rust": "rust",
	"рубі": "ruby", "руби": "ruby", "ruby": "ruby",
	"пхп": "php", "php": "php",
	"котлін": "kotlin", "котлин": "kotlin", "kotlin": "kotlin",
	"свіфт": "swift", "swift": "swift",
}

// knownCity reports whether v is a canonical city name.
func knownCity(v string) bool {
	_, ok := cityTable[v]
	return ok
}

func knownLanguage(v string) bool {
	_, ok := languageTable[v]
	return ok
}
