// Package chunker slices text into embedding-model-sized spans. Every span
// reports both its token range and its byte range so chunk text can be
// reconstructed from the original content.
package chunker

import (
	"fmt"
	"strings"
)

// Mode selects the chunking strategy.
type Mode string

const (
	// ModeNone returns the whole text as a single span.
	ModeNone Mode = "none"
	// ModeFixed cuts contiguous spans of at most chunkSize tokens.
	ModeFixed Mode = "fixed"
	// ModeSentence cuts at sentence boundaries, packing whole sentences up
	// to chunkSize tokens. A single sentence longer than chunkSize becomes
	// its own oversized span rather than being split mid-sentence.
	ModeSentence Mode = "sentence"
)

// Span is one chunk of the input text. Token indices are exclusive at the
// end; char offsets are byte offsets into the source string. Spans produced
// by a single Chunk call are contiguous: each span's CharStart equals the
// previous span's CharEnd.
type Span struct {
	TokenStart int
	TokenEnd   int
	CharStart  int
	CharEnd    int
}

// TokenCount returns the number of tokens covered by the span.
func (s Span) TokenCount() int {
	return s.TokenEnd - s.TokenStart
}

// TextTooLongError is returned when the input exceeds the model's maximum
// before any tokenization work is done.
type TextTooLongError struct {
	Length int
	Limit  int
}

func (e *TextTooLongError) Error() string {
	return fmt.Sprintf("text too long: %d bytes exceeds limit of %d", e.Length, e.Limit)
}

// maxBytesPerToken bounds how many input bytes one token can plausibly
// cover. Used only for the cheap pre-tokenization length check.
const maxBytesPerToken = 8

// Chunker splits text according to a mode and a token budget.
type Chunker struct {
	tokenizer   Tokenizer
	maxModelLen int
}

// New creates a Chunker. maxModelLen is the model's maximum token count;
// zero disables the input length check.
func New(tokenizer Tokenizer, maxModelLen int) *Chunker {
	return &Chunker{
		tokenizer:   tokenizer,
		maxModelLen: maxModelLen,
	}
}

// Chunk splits text into spans. Empty text yields an empty list. In fixed
// and sentence modes a chunkSize of zero or less yields an empty list.
func (c *Chunker) Chunk(text string, chunkSize int, mode Mode) ([]Span, error) {
	if text == "" {
		return nil, nil
	}

	if c.maxModelLen > 0 && mode == ModeNone && len(text) > c.maxModelLen*maxBytesPerToken {
		return nil, &TextTooLongError{Length: len(text), Limit: c.maxModelLen * maxBytesPerToken}
	}

	switch mode {
	case ModeNone:
		tokens := c.tokenizer.Tokenize(text)
		return []Span{{
			TokenStart: 0,
			TokenEnd:   len(tokens),
			CharStart:  0,
			CharEnd:    len(text),
		}}, nil

	case ModeFixed:
		if chunkSize <= 0 {
			return nil, nil
		}
		return c.chunkFixed(text, chunkSize), nil

	case ModeSentence:
		if chunkSize <= 0 {
			return nil, nil
		}
		return c.chunkSentence(text, chunkSize), nil

	default:
		return nil, fmt.Errorf("unknown chunking mode %q", mode)
	}
}

// chunkFixed cuts contiguous spans of chunkSize tokens. The spans tile the
// whole input: the first starts at byte 0 and the last ends at len(text).
func (c *Chunker) chunkFixed(text string, chunkSize int) []Span {
	tokens := c.tokenizer.Tokenize(text)
	if len(tokens) == 0 {
		return []Span{{TokenStart: 0, TokenEnd: 0, CharStart: 0, CharEnd: len(text)}}
	}

	var spans []Span
	charStart := 0
	for start := 0; start < len(tokens); start += chunkSize {
		end := start + chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		charEnd := tokens[end-1].End
		if end == len(tokens) {
			charEnd = len(text)
		}

		spans = append(spans, Span{
			TokenStart: start,
			TokenEnd:   end,
			CharStart:  charStart,
			CharEnd:    charEnd,
		})
		charStart = charEnd
	}

	return spans
}

// sentence is a run of tokens ending at a terminator (or at end of input).
type sentence struct {
	tokenStart int
	tokenEnd   int
	charEnd    int
}

// chunkSentence packs whole sentences into spans of at most chunkSize
// tokens. Text with no terminators yields a single span.
func (c *Chunker) chunkSentence(text string, chunkSize int) []Span {
	tokens := c.tokenizer.Tokenize(text)
	if len(tokens) == 0 {
		return []Span{{TokenStart: 0, TokenEnd: 0, CharStart: 0, CharEnd: len(text)}}
	}

	sentences := splitSentences(text, tokens)

	var spans []Span
	charStart := 0
	var cur Span
	open := false

	flush := func() {
		if open {
			spans = append(spans, cur)
			charStart = cur.CharEnd
			open = false
		}
	}

	for _, s := range sentences {
		count := s.tokenEnd - s.tokenStart
		if open && cur.TokenCount()+count > chunkSize {
			flush()
		}
		if !open {
			cur = Span{TokenStart: s.tokenStart, CharStart: charStart}
			open = true
		}
		cur.TokenEnd = s.tokenEnd
		cur.CharEnd = s.charEnd

		// An oversized sentence stands alone, never split.
		if count > chunkSize {
			flush()
		}
	}
	flush()

	return spans
}

// splitSentences groups tokens into sentences. A sentence ends when a token
// ends with a terminator and the following text is not joined to it.
func splitSentences(text string, tokens []Token) []sentence {
	var out []sentence
	start := 0

	for i, tok := range tokens {
		last := i == len(tokens)-1
		if last || endsAtSentence(text, tok) {
			out = append(out, sentence{
				tokenStart: start,
				tokenEnd:   i + 1,
				charEnd:    tok.End,
			})
			start = i + 1
		}
	}

	return out
}

func endsAtSentence(text string, tok Token) bool {
	word := text[tok.Start:tok.End]
	return strings.HasSuffix(word, ".") || strings.HasSuffix(word, "!") || strings.HasSuffix(word, "?")
}
