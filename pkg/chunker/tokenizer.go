package chunker

import (
	"unicode"
)

// Token is one tokenizer unit, addressed by byte offsets into the source text.
type Token struct {
	Start int
	End   int
}

// Tokenizer turns text into tokens with byte offsets. Implementations must
// return tokens in ascending, non-overlapping order.
type Tokenizer interface {
	Tokenize(text string) []Token
}

// WordTokenizer approximates model tokenization by splitting on Unicode
// whitespace. Punctuation stays attached to the preceding word, which is what
// sentence-boundary detection relies on.
type WordTokenizer struct{}

func NewWordTokenizer() *WordTokenizer {
	return &WordTokenizer{}
}

func (t *WordTokenizer) Tokenize(text string) []Token {
	var tokens []Token
	start := -1

	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, Token{Start: start, End: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, Token{Start: start, End: len(text)})
	}

	return tokens
}
