package language

import (
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Tag
	}{
		{"empty", "", English},
		{"whitespace only", "   \n\t", English},
		{"digits and punctuation", "1234 -- 5678!", English},
		{"pure english", "The tenant shall pay rent monthly.", English},
		{"pure arabic", "يلتزم المستأجر بدفع الإيجار شهرياً للمؤجر", Arabic},
		{"arabic with digits", "المادة 12 من العقد", Arabic},
		{"balanced mix", "عقد الإيجار rental contract بين الطرفين between parties", Mixed},
		{"mostly arabic small english", "يلتزم المستأجر بدفع الإيجار شهرياً للمؤجر x", Arabic},
		{"arabic presentation forms", "ﻧﺺ ﻗﺎﻧﻮﻧﻲ", Arabic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.text); got != tt.want {
				t.Errorf("Detect(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

// Detect must be deterministic and concatenating comparable-length Arabic
// and English fragments must yield mixed.
func TestDetectStability(t *testing.T) {
	ar := "يلتزم المستأجر بدفع الإيجار شهرياً"
	en := "the tenant pays rent every month ok"

	for i := 0; i < 100; i++ {
		if got := Detect(ar); got != Arabic {
			t.Fatalf("run %d: Detect(ar) = %q", i, got)
		}
	}

	if got := Detect(ar + " " + en); got != Mixed {
		t.Errorf("Detect(ar+en) = %q, want %q", got, Mixed)
	}
	if got := Detect(en + " " + ar); got != Mixed {
		t.Errorf("Detect(en+ar) = %q, want %q", got, Mixed)
	}
}

func TestDetectLongText(t *testing.T) {
	long := strings.Repeat("contract clause obligations liability ", 500)
	if got := Detect(long); got != English {
		t.Errorf("Detect(long english) = %q, want en", got)
	}
}
