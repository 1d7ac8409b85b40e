// Package sentiment classifies user utterances as positive, negative or
// neutral. Classification is pure and local: a word lexicon with
// negation and intensifier handling over normalized text.
package sentiment

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Label is a sentiment polarity.
type Label string

// Labels.
const (
	Positive Label = "POSITIVE"
	Negative Label = "NEGATIVE"
	Neutral  Label = "NEUTRAL"
)

// DefaultThreshold is the confidence at which a label affects prompting.
const DefaultThreshold = 0.75

// Result is a classification with confidence in [0,1].
type Result struct {
	Label      Label   `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Effective returns the label that should drive prompting: results
// below threshold count as Neutral.
func (r Result) Effective(threshold float64) Label {
	if r.Confidence < threshold {
		return Neutral
	}
	return r.Label
}

// NeedsComfort reports whether the result should add the comforting
// instruction for the current turn.
func (r Result) NeedsComfort(threshold float64) bool {
	return r.Effective(threshold) == Negative
}

// negation scope in tokens
const negationWindow = 3

// Classifier scores text against a lexicon.
type Classifier struct {
	lexicon      map[string]float64
	intensifiers map[string]float64
	negators     map[string]bool
}

// NewClassifier returns a classifier using the built-in English lexicon.
func NewClassifier() *Classifier {
	return &Classifier{
		lexicon:      lexicon,
		intensifiers: intensifiers,
		negators:     negators,
	}
}

// Classify scores text. Empty or sentiment-free text is Neutral with
// full confidence.
func (c *Classifier) Classify(text string) Result {
	tokens := c.tokenize(text)

	var pos, neg float64
	negateLeft := 0
	boost := 1.0
	for _, tok := range tokens {
		if c.negators[tok] {
			negateLeft = negationWindow
			continue
		}
		if m, ok := c.intensifiers[tok]; ok {
			boost *= m
			continue
		}

		score, ok := c.lexicon[tok]
		if ok {
			score *= boost
			if negateLeft > 0 {
				// "not good" is weaker than "bad"
				score = -score * 0.75
				negateLeft = 0
			}
			if score > 0 {
				pos += score
			} else {
				neg -= score
			}
		}
		boost = 1.0
		if negateLeft > 0 {
			negateLeft--
		}
	}

	p, n := emoticonScores(text)
	pos += p
	neg += n

	total := pos + neg
	if total == 0 {
		return Result{Label: Neutral, Confidence: 1}
	}
	net := pos - neg
	if net == 0 {
		return Result{Label: Neutral, Confidence: 0.5}
	}

	magnitude := abs(net)
	// Saturating strength, discounted by how mixed the text is.
	conf := magnitude / (magnitude + 1) * (magnitude / total)
	conf = round2(conf)

	label := Positive
	if net < 0 {
		label = Negative
	}
	return Result{Label: label, Confidence: conf}
}

// tokenize normalizes text (NFKC, accents stripped, case folded) and
// splits it into word tokens. Contractions ending in n't become the
// stem plus a "not" token.
func (c *Classifier) tokenize(text string) []string {
	// Casers hold state, so each call builds its own chain.
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFKC, cases.Fold())
	normalized, _, err := transform.String(t, text)
	if err != nil {
		normalized = strings.ToLower(text)
	}
	normalized = strings.ReplaceAll(normalized, "’", "'")

	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if f == "" {
			continue
		}
		if stem, ok := strings.CutSuffix(f, "n't"); ok {
			if stem != "" {
				tokens = append(tokens, stem)
			}
			tokens = append(tokens, "not")
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func emoticonScores(text string) (pos, neg float64) {
	for _, e := range positiveEmoticons {
		pos += float64(strings.Count(text, e)) * 2
	}
	for _, e := range negativeEmoticons {
		neg += float64(strings.Count(text, e)) * 2
	}
	return pos, neg
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
