// Package language classifies text fragments as Arabic, English, or mixed
// based on script-ratio analysis. The tagger is deterministic and pure: the
// same input always yields the same tag, and no external state is consulted.
package language

// Tag is a detected language label. Every node and relationship in the
// knowledge graph carries one of these values.
type Tag string

const (
	Arabic  Tag = "ar"
	English Tag = "en"
	Mixed   Tag = "mixed"
)

// String returns the tag as a plain string.
func (t Tag) String() string { return string(t) }

// arabicScript reports whether r falls in one of the Arabic script blocks:
// Arabic, Arabic Supplement, Arabic Extended-A, and the two presentation
// forms blocks.
func arabicScript(r rune) bool {
	switch {
	case r >= 0x0600 && r <= 0x06FF:
		return true
	case r >= 0x0750 && r <= 0x077F:
		return true
	case r >= 0x08A0 && r <= 0x08FF:
		return true
	case r >= 0xFB50 && r <= 0xFDFF:
		return true
	case r >= 0xFE70 && r <= 0xFEFF:
		return true
	}
	return false
}

func asciiLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

// Detect classifies text by the ratio of Arabic-script to ASCII-letter
// characters. Digits, punctuation, and whitespace are ignored. Text with no
// letters at all defaults to English.
func Detect(text string) Tag {
	var arabic, english int
	for _, r := range text {
		switch {
		case arabicScript(r):
			arabic++
		case asciiLetter(r):
			english++
		}
	}

	total := arabic + english
	if total == 0 {
		return English
	}

	ra := float64(arabic) / float64(total)
	re := float64(english) / float64(total)

	switch {
	case ra > 0.3 && re <= 0.2:
		return Arabic
	case ra > 0.3:
		return Mixed
	case re > 0.5:
		return English
	default:
		return Mixed
	}
}
