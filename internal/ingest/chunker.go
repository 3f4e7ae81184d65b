package ingest

import (
	"strings"
	"unicode"
)

const (
	defaultChunkSize = 1000
	defaultOverlap   = 200
	defaultMinLength = 50
)

// Options controls how document text is split. Sizes are in characters.
type Options struct {
	Size      int
	Overlap   int
	MinLength int
	// Tolerance is how far from the target end a boundary may be chosen.
	// Defaults to Size/5.
	Tolerance int
}

// Span is one chunk of normalized text. Start and End are character offsets
// into the normalized text; Text is the trimmed content of [Start, End).
type Span struct {
	Index int
	Start int
	End   int
	Text  string
}

func (o Options) withDefaults() Options {
	if o.Size <= 0 {
		o.Size = defaultChunkSize
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		o.Overlap = defaultOverlap
		if o.Overlap >= o.Size {
			o.Overlap = o.Size / 5
		}
	}
	if o.MinLength <= 0 {
		o.MinLength = defaultMinLength
	}
	if o.Tolerance <= 0 || o.Tolerance >= o.Size {
		o.Tolerance = o.Size / 5
	}
	return o
}

// Normalize collapses runs of spaces and tabs, trims every line and keeps at
// most one blank line between paragraphs.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var sb strings.Builder
	blank := 0
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.FieldsFunc(line, func(r rune) bool {
			return r != '\n' && unicode.IsSpace(r)
		}), " ")
		if line == "" {
			blank++
			continue
		}
		if sb.Len() > 0 {
			if blank > 0 {
				sb.WriteString("\n\n")
			} else {
				sb.WriteString("\n")
			}
		}
		blank = 0
		sb.WriteString(line)
	}
	return sb.String()
}

// SplitText normalizes text and splits it into overlapping spans, preferring
// to end each span at a sentence or line boundary near the target size.
// A tail shorter than MinLength is folded into the preceding span, and spans
// shorter than MinLength are dropped.
func SplitText(text string, opts Options) []Span {
	opts = opts.withDefaults()
	runes := []rune(Normalize(text))
	n := len(runes)
	if n == 0 {
		return nil
	}

	var spans []Span
	start := 0
	for start < n {
		end := start + opts.Size
		if end >= n || n-end < opts.MinLength {
			end = n
		} else {
			end = boundary(runes, start, end, opts)
		}

		chunk := strings.TrimSpace(string(runes[start:end]))
		if len([]rune(chunk)) >= opts.MinLength {
			spans = append(spans, Span{
				Index: len(spans),
				Start: start,
				End:   end,
				Text:  chunk,
			})
		}
		if end == n {
			break
		}

		next := end - opts.Overlap
		if next <= start {
			next = end
		}
		start = wordStart(runes, next, end)
	}
	return spans
}

// boundary picks the break position nearest target inside the tolerance
// window: sentence ends first, then line breaks, then any whitespace.
func boundary(runes []rune, start, target int, opts Options) int {
	lo := target - opts.Tolerance
	if floor := start + opts.Overlap + 1; lo < floor {
		lo = floor
	}
	hi := target + opts.Tolerance
	if hi > len(runes) {
		hi = len(runes)
	}

	best := [3]int{-1, -1, -1}
	for p := lo; p <= hi; p++ {
		if p <= start || p >= len(runes) {
			continue
		}
		prev, cur := runes[p-1], runes[p]
		var rank int
		switch {
		case isSentenceEnd(prev) && unicode.IsSpace(cur):
			rank = 0
		case cur == '\n':
			rank = 1
		case unicode.IsSpace(cur):
			rank = 2
		default:
			continue
		}
		if best[rank] == -1 || abs(p-target) < abs(best[rank]-target) {
			best[rank] = p
		}
	}
	for _, p := range best {
		if p != -1 {
			return p
		}
	}
	return target
}

// wordStart moves pos forward to the start of the next word so an overlap
// does not begin mid-word. It never moves past limit.
func wordStart(runes []rune, pos, limit int) int {
	if pos == 0 || unicode.IsSpace(runes[pos-1]) {
		return pos
	}
	for p := pos; p < limit; p++ {
		if unicode.IsSpace(runes[p]) {
			return p + 1
		}
	}
	return pos
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '।', '。':
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
