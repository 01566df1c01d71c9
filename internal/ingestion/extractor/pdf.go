package extractor

import (
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFExtractor reads the text layer of PDF files. Scanned pages without a
// text layer produce only their marker.
type PDFExtractor struct{}

func (PDFExtractor) Supports(filename string) bool {
	return hasExt(filename, ".pdf")
}

func (PDFExtractor) Extract(r io.ReaderAt, size int64) (doc Document, err error) {
	// The parser panics on some malformed inputs.
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("malformed pdf: %v", p)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return Document{}, fmt.Errorf("opening pdf: %w", err)
	}
	pages := reader.NumPage()
	var b strings.Builder
	for i := 1; i <= pages; i++ {
		b.WriteString(PageMarker(i))
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return Document{}, fmt.Errorf("reading page %d: %w", i, err)
		}
		b.WriteString(text)
	}
	return Document{Text: b.String(), Pages: pages}, nil
}
