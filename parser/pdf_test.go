package parser

import (
	"context"
	"testing"
)

func TestIsPDF(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{"pdf signature", []byte("%PDF-1.7\n..."), true},
		{"plain text", []byte("hello world"), false},
		{"empty", nil, false},
		{"truncated signature", []byte("%PDF"), false},
		{"signature not at start", []byte(" %PDF-1.4"), false},
	}
	for _, tt := range tests {
		if got := IsPDF(tt.data); got != tt.want {
			t.Errorf("%s: IsPDF = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPagesRejectsGarbage(t *testing.T) {
	if _, err := Pages(context.Background(), []byte("%PDF-1.7 but not really a pdf")); err == nil {
		t.Fatal("expected error for malformed PDF")
	}
}
