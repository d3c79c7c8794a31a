package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// File appends ended spans to a YAML stream, one document per span. The same
// file feeds the oracle on the next replay run.
type File struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	enc *yaml.Encoder
}

// NewFile opens (or creates) path for appending.
func NewFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open span file: %w", err)
	}
	return &File{w: f, c: f, enc: yaml.NewEncoder(f)}, nil
}

// NewFileWriter writes to an arbitrary writer; the caller owns its lifetime.
func NewFileWriter(w io.Writer) *File {
	return &File{w: w, enc: yaml.NewEncoder(w)}
}

func (f *File) ExportSpan(d span.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enc.Encode(d)
}

// Close flushes the encoder and closes the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enc.Close(); err != nil {
		return err
	}
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}

// ReadFile loads every span document from a recording file.
func ReadFile(path string) ([]span.Data, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a YAML span stream.
func Read(r io.Reader) ([]span.Data, error) {
	dec := yaml.NewDecoder(r)
	var out []span.Data
	for {
		var d span.Data
		if err := dec.Decode(&d); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("decode recording: %w", err)
		}
		out = append(out, d)
	}
}
