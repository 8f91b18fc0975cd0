// Package records loads, validates and saves detector output documents.
package records

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"

	"github.com/menta2k/detection-postprocess/internal/utils"
	"github.com/menta2k/detection-postprocess/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SchemaError reports a malformed detector output document
type SchemaError struct {
	Path  string
	Index int // position in "images", -1 for document level problems
	Err   error
}

func (e *SchemaError) Error() string {
	loc := e.Path
	if loc == "" {
		loc = "document"
	}
	if e.Index >= 0 {
		return fmt.Sprintf("schema error in %s: images[%d]: %v", loc, e.Index, e.Err)
	}
	return fmt.Sprintf("schema error in %s: %v", loc, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ErrDuplicateFile is wrapped by SchemaError when two records share a file path
var ErrDuplicateFile = errors.New("duplicate file path")

// Load reads and validates a document from a JSON file
func Load(path string) (*types.DetectionDocument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open detection file: %w", err)
	}
	defer f.Close()

	doc, err := Decode(f)
	if err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) {
			schemaErr.Path = path
		}
		return nil, err
	}
	return doc, nil
}

// Decode reads and validates a document
func Decode(r io.Reader) (*types.DetectionDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read detection document: %w", err)
	}

	var doc types.DetectionDocument
	if err := doc.UnmarshalJSON(data); err != nil {
		var recErr *types.RecordError
		if errors.As(err, &recErr) {
			return nil, &SchemaError{Index: recErr.Index, Err: recErr.Err}
		}
		return nil, &SchemaError{Index: -1, Err: err}
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the invariants that decoding alone does not enforce
func Validate(doc *types.DetectionDocument) error {
	if doc.Images == nil {
		return &SchemaError{Index: -1, Err: types.ErrMissingImages}
	}
	seen := make(map[string]int, len(doc.Images))
	for i := range doc.Images {
		rec := &doc.Images[i]
		if rec.File == "" {
			return &SchemaError{Index: i, Err: types.ErrMissingFile}
		}
		if rec.Outcome == nil {
			return &SchemaError{Index: i, Err: types.ErrMissingOutcome}
		}
		if first, dup := seen[rec.File]; dup {
			return &SchemaError{Index: i, Err: fmt.Errorf("%w %q (first at images[%d])", ErrDuplicateFile, rec.File, first)}
		}
		seen[rec.File] = i
	}
	return nil
}

// Index maps file paths to positions in doc.Images
func Index(doc *types.DetectionDocument) map[string]int {
	idx := make(map[string]int, len(doc.Images))
	for i := range doc.Images {
		idx[doc.Images[i].File] = i
	}
	return idx
}

// Encode writes doc as indented JSON, preserving record and detection order
func Encode(doc *types.DetectionDocument, w io.Writer) error {
	data, err := doc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal detection document: %w", err)
	}
	var buf bytes.Buffer
	if err := indent(&buf, data); err != nil {
		return fmt.Errorf("failed to format detection document: %w", err)
	}
	buf.WriteByte('\n')
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write detection document: %w", err)
	}
	return nil
}

// Save writes doc to path, creating the parent directory
func Save(doc *types.DetectionDocument, path string) error {
	if err := utils.EnsureParentDir(path); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var buf bytes.Buffer
	if err := Encode(doc, &buf); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write detection file: %w", err)
	}
	return nil
}

func indent(dst *bytes.Buffer, data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}
	out, err := json.MarshalIndent(v, "", " ")
	if err != nil {
		return err
	}
	dst.Write(out)
	return nil
}
