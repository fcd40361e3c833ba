// Package chunker splits text into bounded, overlapping segments for embedding.
package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultMaxSize   = 500
	DefaultOverlap   = 50
	DefaultMinLength = 10

	// A sentence or paragraph break is only used as a cut point when it lies
	// past this fraction of the window.
	minBreakRatio = 0.3
)

// Options configures chunking behavior. Sizes are measured in characters (runes).
type Options struct {
	MaxSize    int
	Overlap    int
	MinLength  int
	Structured bool
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		MaxSize:   DefaultMaxSize,
		Overlap:   DefaultOverlap,
		MinLength: DefaultMinLength,
	}
}

func (o Options) normalize() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxSize {
		o.Overlap = 0
	}
	if o.MinLength <= 0 {
		o.MinLength = DefaultMinLength
	}
	return o
}

// Chunk splits text into chunks. Every chunk is at most MaxSize+Overlap
// characters long and at least MinLength characters long; anything shorter
// is dropped as noise. Empty input yields nil.
func Chunk(text string, opts Options) []string {
	opts = opts.normalize()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var raw []string
	switch {
	case runeLen(text) <= opts.MaxSize:
		raw = []string{text}
	case opts.Structured:
		raw = splitStructured(text, opts)
	default:
		raw = splitWindows(text, opts)
	}

	// Windows are kept untrimmed so each one starts with the exact tail of
	// the one before it.
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		if runeLen(strings.TrimSpace(c)) < opts.MinLength {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// splitStructured splits markdown-like text on headings, then breaks oversized
// sections on blank-line paragraph boundaries.
func splitStructured(text string, opts Options) []string {
	var out []string
	for _, section := range splitSections(text) {
		if runeLen(section) <= opts.MaxSize {
			out = append(out, section)
			continue
		}
		out = append(out, mergeParagraphs(splitParagraphs(section), opts)...)
	}
	return out
}

// splitSections splits text before every heading line.
func splitSections(text string) []string {
	lines := strings.Split(text, "\n")
	var sections []string
	var current []string

	flush := func() {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			sections = append(sections, t)
		}
		current = nil
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") && len(current) > 0 {
			flush()
		}
		current = append(current, line)
	}
	flush()

	return sections
}

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

func splitParagraphs(section string) []string {
	var paras []string
	for _, p := range paragraphBreak.Split(section, -1) {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// mergeParagraphs accumulates paragraphs into a running buffer until the next
// one would overflow MaxSize. Each new buffer is seeded with the tail of the
// previous one.
func mergeParagraphs(paras []string, opts Options) []string {
	var out []string
	var buf string

	for _, p := range paras {
		plen := runeLen(p)

		if plen > opts.MaxSize {
			if buf != "" {
				out = append(out, buf)
				buf = ""
			}
			out = append(out, splitWindows(p, opts)...)
			continue
		}

		if buf == "" {
			buf = p
			continue
		}
		if runeLen(buf)+2+plen <= opts.MaxSize {
			buf += "\n\n" + p
			continue
		}

		out = append(out, buf)
		buf = seed(buf, p, opts)
	}
	if buf != "" {
		out = append(out, buf)
	}

	return out
}

// seed starts a new buffer with up to Overlap trailing characters of prev,
// keeping the result within MaxSize+Overlap.
func seed(prev, next string, opts Options) string {
	room := opts.MaxSize + opts.Overlap - runeLen(next) - 2
	n := min(opts.Overlap, room)
	tail := lastRunes(prev, n)
	if strings.TrimSpace(tail) == "" {
		return next
	}
	return tail + "\n\n" + next
}

// splitWindows scans forward in MaxSize windows, preferring the rightmost
// sentence or paragraph break in each window. Consecutive windows overlap by
// Overlap characters.
func splitWindows(text string, opts Options) []string {
	r := []rune(text)
	n := len(r)
	minCut := int(float64(opts.MaxSize) * minBreakRatio)

	var out []string
	start := 0
	for start < n {
		end := start + opts.MaxSize
		if end >= n {
			out = append(out, string(r[start:]))
			break
		}

		cut := end
		if bp := lastBreak(r, start, end); bp-start > minCut {
			cut = bp
		}
		out = append(out, string(r[start:cut]))

		next := cut - opts.Overlap
		if next <= start {
			next = cut
		}
		start = next
	}

	return out
}

// lastBreak returns the index just past the rightmost sentence end or
// paragraph break in r[start:end], or -1.
func lastBreak(r []rune, start, end int) int {
	for i := end - 1; i > start; i-- {
		switch r[i] {
		case '.', '!', '?':
			if i+1 >= len(r) || unicode.IsSpace(r[i+1]) {
				return i + 1
			}
		case '。', '！', '？':
			return i + 1
		case '\n':
			if r[i-1] == '\n' {
				return i + 1
			}
		}
	}
	return -1
}

func runeLen(s string) int {
	return len([]rune(s))
}

func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
