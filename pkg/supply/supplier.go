package supply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dynamo/pkg/shared"
)

// Supplier produces detached entities from an external source.
type Supplier interface {
	Name() string
	Fetch(ctx context.Context) (*Batch, error)
}

// FileSupplier reads a Document from a JSON file.
type FileSupplier struct {
	path string
}

func NewFileSupplier(path string) *FileSupplier {
	return &FileSupplier{path: path}
}

func (s *FileSupplier) Name() string { return filepath.Base(s.path) }

// Fetch reads and converts the document. Malformed documents and missing
// files are permanent failures; other read errors may be retried.
func (s *FileSupplier) Fetch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, shared.Permanent(err)
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, shared.Permanent(fmt.Errorf("%s: %w", s.path, err))
	}
	batch, err := doc.Batch()
	if err != nil {
		return nil, shared.Permanent(fmt.Errorf("%s: %w", s.path, err))
	}
	return batch, nil
}

// DecodeDocument parses a supplier document, rejecting unknown fields.
func DecodeDocument(data []byte) (*Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse supplier document: %w", err)
	}
	return &doc, nil
}

// StaticSupplier hands out a fixed document.
type StaticSupplier struct {
	name string
	doc  *Document
}

func NewStaticSupplier(name string, doc *Document) *StaticSupplier {
	return &StaticSupplier{name: name, doc: doc}
}

func (s *StaticSupplier) Name() string { return s.name }

func (s *StaticSupplier) Fetch(ctx context.Context) (*Batch, error) {
	batch, err := s.doc.Batch()
	if err != nil {
		return nil, shared.Permanent(err)
	}
	return batch, nil
}
