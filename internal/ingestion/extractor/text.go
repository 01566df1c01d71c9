package extractor

import (
	"fmt"
	"io"
	"unicode/utf8"
)

// TextExtractor passes plain text and Markdown through unchanged. Text that
// already carries page markers keeps them.
type TextExtractor struct{}

func (TextExtractor) Supports(filename string) bool {
	return hasExt(filename, ".txt", ".md", ".markdown")
}

func (TextExtractor) Extract(r io.ReaderAt, size int64) (Document, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return Document{}, fmt.Errorf("reading text: %w", err)
	}
	if !utf8.Valid(data) {
		return Document{}, fmt.Errorf("text is not valid UTF-8")
	}
	return Document{Text: string(data), Pages: 1}, nil
}
