// Package chunker splits extracted page text into overlapping windows for
// embedding and knowledge-graph extraction.
//
// Splitting is recursive on a fixed separator ladder — paragraph breaks,
// line breaks, spaces, then raw character positions — so a window boundary
// lands on the most natural break available. Consecutive windows share an
// overlap so no clause is lost at a boundary.
package chunker

import (
	"strings"
	"unicode/utf8"

	"github.com/avokat-ai/avokat/parser"
)

// DefaultSize is the target window length in bytes.
const DefaultSize = 1000

// DefaultOverlap is the number of bytes shared between consecutive windows.
const DefaultOverlap = 100

// separators is the split ladder, coarsest first. The empty separator means
// a hard cut at character positions.
var separators = []string{"\n\n", "\n", " ", ""}

// Window is one overlapping slice of a page's text, with enough positional
// metadata to cite it back to the source document.
type Window struct {
	Content    string
	SourceFile string
	Page       int
	Offset     int // byte offset of Content within the original page text
}

// Splitter produces windows of roughly Size bytes with Overlap bytes shared
// between neighbours.
type Splitter struct {
	size    int
	overlap int
}

// New returns a Splitter. Zero or negative values fall back to the defaults;
// an overlap not smaller than the size is clamped to size/10.
func New(size, overlap int) *Splitter {
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		overlap = size / 10
	}
	return &Splitter{size: size, overlap: overlap}
}

// SplitPages chunks every page in order. Window order preserves document
// order; offsets are byte positions within each original page.
func (s *Splitter) SplitPages(pages []parser.Page, sourceFile string) []Window {
	var windows []Window
	for _, p := range pages {
		windows = append(windows, s.SplitPage(p.Text, sourceFile, p.Number)...)
	}
	return windows
}

// SplitPage chunks a single page. Empty or whitespace-only input yields an
// empty slice.
func (s *Splitter) SplitPage(text, sourceFile string, page int) []Window {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	spans := s.split(text, span{0, len(text)}, separators)

	windows := make([]Window, 0, len(spans))
	for _, sp := range spans {
		raw := text[sp.start:sp.end]
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		lead := strings.Index(raw, trimmed) // bytes of leading whitespace
		windows = append(windows, Window{
			Content:    trimmed,
			SourceFile: sourceFile,
			Page:       page,
			Offset:     sp.start + lead,
		})
	}
	return windows
}

// span is a half-open byte range [start, end) into the original page text.
// Working in spans rather than copied strings keeps every window a
// contiguous slice of the page, which makes offsets exact.
type span struct {
	start, end int
}

func (sp span) len() int { return sp.end - sp.start }

// split recursively breaks the region sp on the first applicable separator,
// then merges adjacent fragments back into windows of at most s.size bytes.
func (s *Splitter) split(text string, sp span, seps []string) []span {
	if sp.len() <= s.size {
		return []span{sp}
	}

	region := text[sp.start:sp.end]

	// Pick the coarsest separator that actually occurs in the region.
	sep := seps[len(seps)-1]
	rest := seps
	for i, candidate := range seps {
		if candidate == "" || strings.Contains(region, candidate) {
			sep = candidate
			rest = seps[i+1:]
			break
		}
	}

	if sep == "" {
		return s.hardCut(text, sp)
	}

	// Cut the region into parts at each separator occurrence. Parts keep
	// absolute coordinates; the separator bytes sit between them.
	var parts []span
	pos := sp.start
	for {
		i := strings.Index(text[pos:sp.end], sep)
		if i < 0 {
			parts = append(parts, span{pos, sp.end})
			break
		}
		parts = append(parts, span{pos, pos + i})
		pos += i + len(sep)
	}

	var out []span
	var pending []span
	flush := func() {
		out = append(out, s.merge(pending)...)
		pending = nil
	}

	for _, p := range parts {
		if p.len() > s.size {
			// Part still too large: descend one rung on the ladder. A
			// window never straddles an oversized part's boundary.
			flush()
			out = append(out, s.split(text, p, rest)...)
			continue
		}
		pending = append(pending, p)
	}
	flush()
	return out
}

// merge packs consecutive parts into windows no larger than s.size. A
// window span runs from its first part's start to its last part's end, so
// the separators between parts are included verbatim. After emitting a
// window, leading parts are dropped until the remainder fits the overlap
// budget, carrying the tail into the next window.
func (s *Splitter) merge(parts []span) []span {
	if len(parts) == 0 {
		return nil
	}

	var out []span
	var cur []span
	for _, p := range parts {
		if len(cur) > 0 && p.end-cur[0].start > s.size {
			out = append(out, span{cur[0].start, cur[len(cur)-1].end})
			for len(cur) > 0 && cur[len(cur)-1].end-cur[0].start > s.overlap {
				cur = cur[1:]
			}
		}
		cur = append(cur, p)
	}
	if len(cur) > 0 {
		out = append(out, span{cur[0].start, cur[len(cur)-1].end})
	}
	return out
}

// hardCut slices the region at raw positions (rune-boundary safe) when no
// separator is available, stepping by size-overlap.
func (s *Splitter) hardCut(text string, sp span) []span {
	step := s.size - s.overlap
	if step <= 0 {
		step = s.size
	}

	var out []span
	for start := sp.start; start < sp.end; start += step {
		for start < sp.end && !utf8.RuneStart(text[start]) {
			start++
		}
		if start >= sp.end {
			break
		}
		end := start + s.size
		if end >= sp.end {
			out = append(out, span{start, sp.end})
			break
		}
		// Back off to a rune boundary so a multi-byte character is never
		// split in half.
		for end > start && !utf8.RuneStart(text[end]) {
			end--
		}
		out = append(out, span{start, end})
	}
	return out
}
