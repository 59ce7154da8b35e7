package retrieval

import (
	"strings"
	"unicode"
)

// arabicCompounds maps Arabic words fused with the فال prefix onto their
// base form, so a query like "فالعقد" still matches nodes named "عقد".
var arabicCompounds = map[string]string{
	"فالملف":     "ملف",
	"فالمستند":   "مستند",
	"فالمحتوى":   "محتوى",
	"فالمعلومات": "معلومات",
	"فالتفاصيل":  "تفاصيل",
	"فالعقد":     "عقد",
	"فالعقار":    "عقار",
	"فالشقة":     "شقة",
	"فالمنزل":    "منزل",
	"فالإيجار":   "إيجار",
	"فالدفع":     "دفع",
	"فالمبلغ":    "مبلغ",
	"فالمدة":     "مدة",
	"فالتأمين":   "تأمين",
	"فالغرامة":   "غرامة",
	"فالبند":     "بند",
	"فالمادة":    "مادة",
	"فالقانون":   "قانون",
	"فالمحكمة":   "محكمة",
	"فالاختصاص":  "اختصاص",
	"فالطرف":     "طرف",
	"فالأطراف":   "أطراف",
	"فالمؤجر":    "مؤجر",
	"فالمستأجر":  "مستأجر",
}

// stopWords are question and filler words stripped from queries before
// keyword search, in both languages.
var stopWords = map[string]bool{
	// English
	"what": true, "is": true, "are": true, "in": true, "the": true,
	"a": true, "an": true, "and": true, "or": true, "but": true,
	"for": true, "with": true, "by": true, "how": true, "when": true,
	"where": true, "why": true, "who": true, "which": true, "tell": true,
	"me": true, "about": true, "can": true, "you": true, "please": true,
	// Arabic
	"ماذا": true, "ما": true, "هو": true, "هي": true, "في": true,
	"من": true, "إلى": true, "على": true, "مع": true, "ب": true,
	"ل": true, "كيف": true, "متى": true, "أين": true, "لماذا": true,
	"أي": true, "أخبر": true, "ني": true, "عن": true, "هل": true,
	"يمكن": true, "أن": true, "تخبرني": true, "يوجد": true,
	"موجود": true, "يحتوي": true, "يضم": true,
}

// generalContentPhrases mark "what is in the file" style questions where
// keyword search on the literal words would miss everything. These queries
// fall back to broad document-oriented terms and full chunk coverage.
var generalContentPhrases = []string{
	"ماذا يوجد", "ماذا يحتوي", "ماذا يضم", "ما هو المحتوى",
	"ما هي المعلومات", "ماذ يحتوي", "ماذا في", "ماذا عن",
	"what is in", "what contains", "what does it contain", "what is about",
}

// descriptivePhrases mark "describe the document" style questions.
var descriptivePhrases = []string{
	"اوصف", "اشرح", "وضح", "تفاصيل",
	"describe", "explain", "details", "detail",
}

// generalIndicators are document-oriented words that make an otherwise
// empty query count as a general content question.
var generalIndicators = []string{
	"ملف", "مستند", "محتوى", "معلومات", "تفاصيل", "عقد",
	"document", "file", "content", "information", "details",
}

// broadTerms are the fallback search terms for general content questions.
var broadTerms = []string{"عقد", "مستند", "محتوى"}

// descriptiveTerms extend broadTerms for descriptive questions.
var descriptiveTerms = []string{"عقد", "مستند", "محتوى", "تفاصيل"}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// tokenize splits a query into lowercase words on any non-letter,
// non-digit rune.
func tokenize(query string) []string {
	return strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// GeneralContent reports whether the query asks about the document as a
// whole rather than a specific fact. Such queries get full chunk coverage
// instead of a similarity cutoff.
func GeneralContent(query string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(query))
	return containsAny(cleaned, generalContentPhrases) || containsAny(cleaned, descriptivePhrases)
}

// MeaningfulTerms extracts the keyword search terms from a user query:
// Arabic fused prefixes are unfolded, question words are removed, and
// general questions map onto broad document terms. A query that reduces to
// nothing searches for its own cleaned text so it never matches everything.
func MeaningfulTerms(query string) []string {
	cleaned := strings.ToLower(strings.TrimSpace(query))
	for compound, simple := range arabicCompounds {
		cleaned = strings.ReplaceAll(cleaned, compound, simple)
	}

	if containsAny(cleaned, descriptivePhrases) {
		return append([]string(nil), descriptiveTerms...)
	}
	if containsAny(cleaned, generalContentPhrases) {
		return append([]string(nil), broadTerms...)
	}

	var terms []string
	for _, w := range tokenize(cleaned) {
		if !stopWords[w] {
			terms = append(terms, w)
		}
	}

	if len(terms) == 0 {
		if containsAny(cleaned, generalIndicators) {
			return append([]string(nil), broadTerms...)
		}
		if cleaned != "" {
			return []string{cleaned}
		}
	}
	return terms
}
