// Package validator checks uploads before any extraction work is done and
// reports every failing field at once.
package validator

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion"
)

const maxFilenameLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		keys = append(keys, field)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, field := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.Fields[field]))
	}
	return strings.Join(parts, "; ")
}

// ValidateUpload checks the filename and the size bound. Whether the format
// is supported is left to the extractor registry.
func ValidateUpload(u ingestion.Upload, maxBytes int64) error {
	errs := make(map[string]string)

	name := strings.TrimSpace(u.Filename)
	switch {
	case name == "":
		errs["filename"] = "filename is required"
	case len(name) > maxFilenameLength:
		errs["filename"] = fmt.Sprintf("filename must be at most %d characters", maxFilenameLength)
	case filepath.Ext(name) == "":
		errs["filename"] = "filename must have an extension"
	}

	switch {
	case u.Size <= 0:
		errs["file"] = "file is empty"
	case u.Size > maxBytes:
		errs["file"] = fmt.Sprintf("file must be at most %d bytes", maxBytes)
	}

	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
