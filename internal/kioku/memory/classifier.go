package memory

import (
	"regexp"
	"strings"
)

// Category labels what kind of durable fact a piece of text carries.
type Category string

const (
	CategoryName       Category = "name"
	CategoryLocation   Category = "location"
	CategoryPreference Category = "preference"
	CategoryOther      Category = "other"
	// CategorySummary is reserved for facts produced by compaction.
	CategorySummary Category = "summary"
)

// Classification is the outcome of Classify.
type Classification struct {
	Durable  bool
	Category Category
}

// cueSet groups the phrasings that signal one category. Sets are checked in
// order, so an utterance carrying several cues gets the earliest category.
type cueSet struct {
	category Category
	pattern  *regexp.Regexp
}

// apos matches both the ASCII and the typographic apostrophe, or none.
const apos = `['’]?`

var cueSets = []cueSet{
	{CategoryName, cues(
		`my name is`, `my name`+apos+`s`, `i`+apos+`m called`, `i am called`,
		`you can call me`, `please call me by`,
		`nazywam się`, `mam na imię`, `możesz mi mówić`, `mów mi po imieniu`,
	)},
	{CategoryLocation, cues(
		`i live in`, `i`+apos+`m living in`, `i am living in`,
		`i`+apos+`m from`, `i am from`, `i come from`,
		`i moved to`, `i`+apos+`m based in`, `i am based in`,
		`mieszkam w`, `mieszkam na`, `pochodzę z`, `jestem z`,
		`przeprowadziłem się do`, `przeprowadziłam się do`,
	)},
	{CategoryPreference, cues(
		`i like`, `i love`, `i prefer`, `i enjoy`, `i hate`,
		`i don`+apos+`t like`, `i do not like`, `my favou?rite`,
		`lubię`, `nie lubię`, `kocham`, `wolę`, `uwielbiam`, `nienawidzę`,
		`mój ulubiony`, `moja ulubiona`, `moje ulubione`,
	)},
	{CategoryOther, cues(
		`remember that`, `please remember`, `don`+apos+`t forget`,
		`i work as`, `i work at`, `i work for`, `my job is`,
		`my birthday is`, `i was born`, `i`+apos+`m allergic`, `i am allergic`,
		`my wife`, `my husband`, `my partner`,
		`zapamiętaj`, `pamiętaj`, `pracuję jako`, `pracuję w`,
		`urodziłem się`, `urodziłam się`, `moje urodziny`, `mam uczulenie`,
	)},
}

// cues compiles a case-insensitive alternation of phrases. Boundaries are
// expressed with Unicode letter classes because \b is ASCII-only in RE2 and
// would not see Polish diacritics as word characters. Spaces inside a phrase
// match any run of whitespace.
func cues(phrases ...string) *regexp.Regexp {
	alts := make([]string, len(phrases))
	for i, p := range phrases {
		alts[i] = strings.ReplaceAll(p, " ", `\s+`)
	}
	return regexp.MustCompile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}])`)
}

// Classify decides whether text contains durable personal information worth
// remembering and, if so, which category it belongs to. It is pure and
// deterministic. When several categories match, name wins over location,
// location over preference and preference over other.
func Classify(text string) Classification {
	if strings.TrimSpace(text) == "" {
		return Classification{}
	}
	for _, set := range cueSets {
		if set.pattern.MatchString(text) {
			return Classification{Durable: true, Category: set.category}
		}
	}
	return Classification{}
}
