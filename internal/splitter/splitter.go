// Package splitter cuts chapter text into bounded chunks at paragraph and
// sentence boundaries.
package splitter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMinChunkLength is the size under which a chunk is merged into a neighbour.
	DefaultMinChunkLength = 200

	paragraphSep = "\n\n"
	sentenceSep  = " "
)

type options struct {
	minChunkLength int
}

// Option configures Split.
type Option func(*options)

// WithMinChunkLength sets the merge threshold for undersized chunks.
func WithMinChunkLength(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.minChunkLength = n
		}
	}
}

// Split returns text cut into chunks of at most maxChunkSize characters.
// Text that already fits is returned unchanged as a single chunk. Larger text
// is cut on paragraph boundaries first, then on sentence boundaries for
// paragraphs that do not fit. A single sentence longer than maxChunkSize is
// emitted on its own. Empty input yields no chunks.
func Split(text string, maxChunkSize int, opts ...Option) []string {
	o := options{minChunkLength: DefaultMinChunkLength}
	for _, opt := range opts {
		opt(&o)
	}

	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxChunkSize <= 0 || Len(text) <= maxChunkSize {
		return []string{text}
	}

	b := builder{max: maxChunkSize}
	for _, para := range Paragraphs(text) {
		if Len(para) <= maxChunkSize {
			b.add(para, paragraphSep)
			continue
		}
		for i, sentence := range Sentences(para) {
			sep := sentenceSep
			if i == 0 {
				sep = paragraphSep
			}
			b.add(sentence, sep)
		}
	}
	b.flush()

	return normalize(b.chunks, o.minChunkLength, maxChunkSize)
}

// Join reassembles chunks into a single document.
func Join(chunks []string) string {
	return strings.Join(chunks, paragraphSep)
}

// Len is the character length used for every size comparison.
func Len(s string) int {
	return utf8.RuneCountInString(s)
}

// Paragraphs splits text on blank lines, dropping empty paragraphs.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	raw := strings.Split(text, paragraphSep)
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Sentences splits a paragraph after each run of terminal punctuation
// (. ! ?) that is followed by whitespace or the end of the text. Closing
// quotes and brackets stay with the sentence they close.
func Sentences(para string) []string {
	var out []string
	runes := []rune(para)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		end := i + 1
		for end < len(runes) && (isTerminal(runes[end]) || isCloser(runes[end])) {
			end++
		}
		if end < len(runes) && !unicode.IsSpace(runes[end]) {
			i = end - 1
			continue
		}
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
		i = end - 1
	}
	if start < len(runes) {
		if s := strings.TrimSpace(string(runes[start:])); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’', '»':
		return true
	}
	return false
}

// builder accumulates pieces greedily up to max characters.
type builder struct {
	max     int
	chunks  []string
	current strings.Builder
	curLen  int
}

func (b *builder) add(piece, sep string) {
	n := Len(piece)
	if b.curLen == 0 {
		b.current.WriteString(piece)
		b.curLen = n
		return
	}
	if b.curLen+Len(sep)+n <= b.max {
		b.current.WriteString(sep)
		b.current.WriteString(piece)
		b.curLen += Len(sep) + n
		return
	}
	b.flush()
	b.current.WriteString(piece)
	b.curLen = n
}

func (b *builder) flush() {
	if b.curLen == 0 {
		return
	}
	b.chunks = append(b.chunks, b.current.String())
	b.current.Reset()
	b.curLen = 0
}

// normalize folds chunks shorter than minLen into their right neighbour, or
// the left one for the last chunk. When a merge would break the max bound the
// short chunk borrows whole sentences or paragraphs from that neighbour instead.
func normalize(chunks []string, minLen, max int) []string {
	if minLen <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := append([]string(nil), chunks...)
	for i := 0; i < len(out) && len(out) > 1; i++ {
		if Len(out[i]) >= minLen {
			continue
		}
		if i < len(out)-1 {
			if merged := out[i] + paragraphSep + out[i+1]; Len(merged) <= max {
				out[i+1] = merged
				out = append(out[:i], out[i+1:]...)
				i--
				continue
			}
			out[i], out[i+1] = borrowFront(out[i], out[i+1], minLen, max)
			continue
		}
		if merged := out[i-1] + paragraphSep + out[i]; Len(merged) <= max {
			out[i-1] = merged
			out = out[:i]
			break
		}
		out[i-1], out[i] = borrowBack(out[i-1], out[i], minLen, max)
	}
	return out
}

// borrowFront moves leading units of next onto the end of small.
func borrowFront(small, next string, minLen, max int) (string, string) {
	for Len(small) < minLen {
		unit, sep, rest := firstUnit(next)
		if rest == "" || Len(rest) < minLen {
			break
		}
		candidate := small + sep + unit
		if Len(candidate) > max {
			break
		}
		small, next = candidate, rest
	}
	return small, next
}

// borrowBack moves trailing units of prev onto the front of small.
func borrowBack(prev, small string, minLen, max int) (string, string) {
	for Len(small) < minLen {
		head, unit, sep := lastUnit(prev)
		if head == "" || Len(head) < minLen {
			break
		}
		candidate := unit + sep + small
		if Len(candidate) > max {
			break
		}
		prev, small = head, candidate
	}
	return prev, small
}

// firstUnit detaches the first sentence of s, or its first paragraph when
// that paragraph is a single sentence.
func firstUnit(s string) (unit, sep, rest string) {
	para, tail := s, ""
	if idx := strings.Index(s, paragraphSep); idx >= 0 {
		para, tail = s[:idx], s[idx+len(paragraphSep):]
	}
	if sents := Sentences(para); len(sents) > 1 {
		unit = sents[0]
		cut := strings.Index(s, unit) + len(unit)
		return unit, sentenceSep, strings.TrimLeft(s[cut:], " \t\n")
	}
	if tail == "" {
		return s, paragraphSep, ""
	}
	return strings.TrimSpace(para), paragraphSep, strings.TrimLeft(tail, " \t\n")
}

// lastUnit detaches the last sentence of s, or its last paragraph when that
// paragraph is a single sentence.
func lastUnit(s string) (head, unit, sep string) {
	paraStart := 0
	if idx := strings.LastIndex(s, paragraphSep); idx >= 0 {
		paraStart = idx + len(paragraphSep)
	}
	para := s[paraStart:]
	if sents := Sentences(para); len(sents) > 1 {
		unit = sents[len(sents)-1]
		cut := strings.LastIndex(s, unit)
		return strings.TrimRight(s[:cut], " \t\n"), unit, sentenceSep
	}
	if paraStart == 0 {
		return "", s, paragraphSep
	}
	return strings.TrimRight(s[:paraStart-len(paragraphSep)], " \t\n"), strings.TrimSpace(para), paragraphSep
}
