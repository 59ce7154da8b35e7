// Package parser extracts per-page text from uploaded PDF documents.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfMagic is the file signature every PDF starts with.
var pdfMagic = []byte("%PDF-")

// Page holds the extracted plain text of a single PDF page.
type Page struct {
	Number int    // 1-based page number
	Text   string // extracted plain text, trimmed
}

// IsPDF reports whether data carries the PDF file signature.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, pdfMagic)
}

// Pages extracts plain text from every page of the PDF in data, preserving
// page numbers. Pages that fail extraction or contain no text are skipped.
// An error is returned only when the document itself cannot be opened or no
// page yields any text.
func Pages(ctx context.Context, data []byte) ([]Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}

	total := reader.NumPage()
	pages := make([]Page, 0, total)

	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		pages = append(pages, Page{Number: i, Text: text})
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no extractable text in PDF")
	}
	return pages, nil
}
