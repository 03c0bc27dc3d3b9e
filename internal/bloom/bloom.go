// Package bloom classifies questions into Bloom taxonomy levels by lexical triggers.
//
// Classification is a pure function of the question text. Triggers are checked
// from the highest level down and the first level with a match wins. Text that
// matches nothing is assigned pedagogy.FallbackDemand.
package bloom

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/knoguchi/adaptive/internal/pedagogy"
)

// Result is the outcome of classifying one question.
type Result struct {
	Demand  pedagogy.Demand
	Matched bool   // false when the fallback level was used
	Trigger string // the phrase that decided the level, if any
}

// Classifier assigns a cognitive demand level to a question.
type Classifier interface {
	Classify(question string) Result
}

// trigger is a phrase split into words. A word written with a trailing "*" is
// a stem and matches any token it prefixes, so "hesapla*" also matches
// "hesaplayınız". Every other word must equal the token at its position.
type trigger struct {
	phrase string
	words  []word
}

type word struct {
	text   string
	prefix bool
}

type level struct {
	demand   pedagogy.Demand
	triggers []trigger
}

// Triggers per level, English and Turkish. English triggers are whole words;
// Turkish verb roots are stems so that suffixed forms match.
var defaultTriggers = map[pedagogy.Demand][]string{
	pedagogy.Evaluation: {
		"evaluate", "judge", "justify", "assess", "critique", "which is better", "do you think",
		"değerlendir*", "eleştir*", "sence", "yargıla*", "hangisi daha iyi",
	},
	pedagogy.Synthesis: {
		"design", "create", "propose", "formulate", "compose", "invent", "devise",
		"tasarla*", "oluştur*", "öner*", "geliştir*", "kurgula*",
	},
	pedagogy.Analysis: {
		"analyze", "analyse", "compare", "contrast", "why", "examine", "relationship between",
		"analiz*", "karşılaştır*", "neden", "nedenler*", "niçin", "niye", "ilişki*",
	},
	pedagogy.Application: {
		"calculate", "solve", "compute", "apply", "how many", "how much", "demonstrate",
		"hesapla*", "çöz", "çözünüz", "kaç", "kaçtır", "uygula*", "ne kadar",
	},
	pedagogy.Comprehension: {
		"explain", "describe", "summarize", "summarise", "difference between", "interpret", "what does",
		"açıkla*", "farkı*", "farkın*", "farklar*", "özetle*", "yorumla*", "betimle*", "anlat*",
	},
	pedagogy.Recall: {
		"what is", "what are", "define", "list", "who", "when", "name the",
		"nedir", "nelerdir", "ne demek*", "tanımla*", "listele*", "kimdir", "ne zaman",
	},
}

// PatternClassifier matches questions against ordered trigger lists.
type PatternClassifier struct {
	levels   []level
	fallback pedagogy.Demand
}

// NewPatternClassifier builds the classifier with the built-in trigger lists.
func NewPatternClassifier() *PatternClassifier {
	return NewPatternClassifierWith(defaultTriggers)
}

// NewPatternClassifierWith builds a classifier from custom trigger lists.
// Levels are always checked from evaluation down to recall.
func NewPatternClassifierWith(triggers map[pedagogy.Demand][]string) *PatternClassifier {
	demands := pedagogy.Demands()
	c := &PatternClassifier{fallback: pedagogy.FallbackDemand()}
	for i := len(demands) - 1; i >= 0; i-- {
		d := demands[i]
		phrases := triggers[d]
		if len(phrases) == 0 {
			continue
		}
		lv := level{demand: d}
		for _, phrase := range phrases {
			words := parseTrigger(phrase)
			if len(words) == 0 {
				continue
			}
			lv.triggers = append(lv.triggers, trigger{phrase: phrase, words: words})
		}
		c.levels = append(c.levels, lv)
	}
	return c
}

// Classify returns the highest level whose trigger occurs in question.
func (c *PatternClassifier) Classify(question string) Result {
	tokens := tokenize(question)
	for _, lv := range c.levels {
		for _, t := range lv.triggers {
			if containsWords(tokens, t.words) {
				return Result{Demand: lv.demand, Matched: true, Trigger: t.phrase}
			}
		}
	}
	return Result{Demand: c.fallback}
}

// Fixed returns the same level for every question. It stands in when
// classification is disabled.
type Fixed struct {
	Demand pedagogy.Demand
}

func (f Fixed) Classify(string) Result {
	return Result{Demand: f.Demand}
}

// parseTrigger tokenizes phrase the same way questions are tokenized. A "*"
// marks the word it ends as a stem.
func parseTrigger(phrase string) []word {
	var words []word
	for _, field := range strings.Fields(phrase) {
		prefix := strings.HasSuffix(field, "*")
		tokens := tokenize(strings.TrimSuffix(field, "*"))
		for i, tok := range tokens {
			words = append(words, word{text: tok, prefix: prefix && i == len(tokens)-1})
		}
	}
	return words
}

func (w word) matches(token string) bool {
	if w.prefix {
		return strings.HasPrefix(token, w.text)
	}
	return token == w.text
}

func containsWords(tokens []string, words []word) bool {
	if len(words) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(words) <= len(tokens); i++ {
		for j, w := range words {
			if !w.matches(tokens[i+j]) {
				continue outer
			}
		}
		return true
	}
	return false
}

// tokenize lowercases with Turkish rules and splits on anything that is not a
// letter or digit. Dotless ı is folded to i afterwards so that English words
// written in capitals ("WHAT IS") still match.
func tokenize(s string) []string {
	s = cases.Lower(language.Turkish).String(s) // a Caser must not be shared across goroutines
	s = strings.ReplaceAll(s, "ı", "i")
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var (
	_ Classifier = (*PatternClassifier)(nil)
	_ Classifier = Fixed{}
)
