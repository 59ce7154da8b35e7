package chunker

import (
	"strings"
	"testing"

	"github.com/avokat-ai/avokat/parser"
)

func TestSplitPageEmpty(t *testing.T) {
	s := New(1000, 100)
	if got := s.SplitPage("", "a.pdf", 1); len(got) != 0 {
		t.Fatalf("expected no windows for empty input, got %d", len(got))
	}
	if got := s.SplitPage("   \n\n\t ", "a.pdf", 1); len(got) != 0 {
		t.Fatalf("expected no windows for blank input, got %d", len(got))
	}
}

func TestSplitPageShortText(t *testing.T) {
	s := New(1000, 100)
	windows := s.SplitPage("A short clause.", "contract.pdf", 3)

	if len(windows) != 1 {
		t.Fatalf("expected 1 window, got %d", len(windows))
	}
	w := windows[0]
	if w.Content != "A short clause." {
		t.Errorf("Content = %q", w.Content)
	}
	if w.SourceFile != "contract.pdf" || w.Page != 3 || w.Offset != 0 {
		t.Errorf("metadata = %+v", w)
	}
}

func TestSplitPageParagraphBoundaries(t *testing.T) {
	para := strings.Repeat("word ", 30) // ~150 bytes
	text := para + "\n\n" + para + "\n\n" + para

	s := New(200, 40)
	windows := s.SplitPage(text, "a.pdf", 1)

	if len(windows) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(windows))
	}
	for i, w := range windows {
		if len(w.Content) > 200 {
			t.Errorf("window %d exceeds size: %d bytes", i, len(w.Content))
		}
	}
}

func TestSplitPageOffsetsExact(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta epsilon ", 40) // ~1240 bytes, spaces only
	s := New(300, 50)

	windows := s.SplitPage(text, "a.pdf", 1)
	if len(windows) < 3 {
		t.Fatalf("expected several windows, got %d", len(windows))
	}

	prevOffset := -1
	for i, w := range windows {
		// Each window's content must appear at exactly its recorded offset.
		if got := text[w.Offset : w.Offset+len(w.Content)]; got != w.Content {
			t.Fatalf("window %d: offset %d does not point at content", i, w.Offset)
		}
		if w.Offset <= prevOffset {
			t.Fatalf("window %d: offsets not strictly increasing (%d after %d)", i, w.Offset, prevOffset)
		}
		prevOffset = w.Offset
	}
}

func TestSplitPageOverlap(t *testing.T) {
	text := strings.Repeat("one two three four five six seven eight nine ten ", 20)
	s := New(200, 60)

	windows := s.SplitPage(text, "a.pdf", 1)
	if len(windows) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(windows))
	}

	for i := 1; i < len(windows); i++ {
		prevEnd := windows[i-1].Offset + len(windows[i-1].Content)
		if windows[i].Offset >= prevEnd {
			t.Errorf("windows %d and %d do not overlap (gap at byte %d)", i-1, i, windows[i].Offset)
		}
	}
}

func TestSplitPageArabicRuneSafety(t *testing.T) {
	// A long unbroken Arabic string forces the hard-cut path; no window may
	// start or end mid-rune.
	text := strings.Repeat("يلتزمالمستأجربدفعالإيجار", 50)
	s := New(120, 20)

	windows := s.SplitPage(text, "a.pdf", 1)
	if len(windows) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(windows))
	}
	for i, w := range windows {
		if !strings.HasPrefix(text[w.Offset:], w.Content) {
			t.Fatalf("window %d: content not found at offset", i)
		}
		for _, r := range w.Content {
			if r == '�' {
				t.Fatalf("window %d: content contains a broken rune", i)
			}
		}
	}
}

func TestSplitPagesOrder(t *testing.T) {
	pages := []parser.Page{
		{Number: 1, Text: "First page content."},
		{Number: 2, Text: "Second page content."},
		{Number: 4, Text: "Fourth page content."},
	}

	s := New(1000, 100)
	windows := s.SplitPages(pages, "doc.pdf")

	if len(windows) != 3 {
		t.Fatalf("expected 3 windows, got %d", len(windows))
	}
	wantPages := []int{1, 2, 4}
	for i, w := range windows {
		if w.Page != wantPages[i] {
			t.Errorf("window %d: page = %d, want %d", i, w.Page, wantPages[i])
		}
		if w.SourceFile != "doc.pdf" {
			t.Errorf("window %d: source = %q", i, w.SourceFile)
		}
	}
}

func TestNewClampsOverlap(t *testing.T) {
	s := New(100, 500)
	text := strings.Repeat("x ", 300)
	// Must terminate and produce bounded windows even with a nonsense
	// overlap request.
	windows := s.SplitPage(text, "a.pdf", 1)
	if len(windows) == 0 {
		t.Fatal("expected windows")
	}
	for _, w := range windows {
		if len(w.Content) > 100 {
			t.Errorf("window exceeds size: %d", len(w.Content))
		}
	}
}
