// Package extractor turns uploaded files into plain text. Multi-page formats
// write a "[Page N]" marker line before every page so the chunker can
// attribute chunks to pages.
package extractor

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/errors"
)

// Document is the result of an extraction.
type Document struct {
	Text  string
	Pages int
}

// Extractor handles one family of file formats.
type Extractor interface {
	Supports(filename string) bool
	Extract(r io.ReaderAt, size int64) (Document, error)
}

// PageMarker returns the marker line written before page n.
func PageMarker(n int) string {
	return fmt.Sprintf("\n[Page %d]\n", n)
}

// Registry picks the extractor for a file by its extension.
type Registry struct {
	extractors []Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// DefaultRegistry handles PDF, plain text and Markdown.
func DefaultRegistry() *Registry {
	return NewRegistry(PDFExtractor{}, TextExtractor{})
}

func (r *Registry) Supports(filename string) bool {
	return r.find(filename) != nil
}

// Extract runs the first extractor that supports filename. Unknown formats
// fail with ErrUnsupportedFormat and extractor failures with
// ErrExtractionFailed.
func (r *Registry) Extract(filename string, ra io.ReaderAt, size int64) (Document, error) {
	ex := r.find(filename)
	if ex == nil {
		return Document{}, apperrors.Wrap(apperrors.ErrUnsupportedFormat, "unsupported file type %q", filepath.Ext(filename))
	}
	doc, err := ex.Extract(ra, size)
	if err != nil {
		return Document{}, apperrors.Wrap(apperrors.ErrExtractionFailed, "could not read %s: %v", filename, err)
	}
	return doc, nil
}

func (r *Registry) find(filename string) Extractor {
	for _, ex := range r.extractors {
		if ex.Supports(filename) {
			return ex
		}
	}
	return nil
}

func hasExt(filename string, exts ...string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
