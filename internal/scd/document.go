package scd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PropertyDocID is the property that opens every document.
const PropertyDocID = "DOCID"

// Property is one named value of a document.
type Property struct {
	Name  string
	Value string
}

// Document is an ordered list of properties. The first property is DOCID.
type Document []Property

// Get returns the value of the named property.
func (d Document) Get(name string) (string, bool) {
	for _, p := range d {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// DocID returns the value of the DOCID property.
func (d Document) DocID() string {
	v, _ := d.Get(PropertyDocID)
	return v
}

// Reader streams documents from an SCD file.
type Reader struct {
	scanner *bufio.Scanner
	pending *Property
	line    int
}

// NewReader returns a reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next document, or io.EOF when the stream is exhausted.
func (r *Reader) Next() (Document, error) {
	var doc Document
	if r.pending != nil {
		doc = append(doc, *r.pending)
		r.pending = nil
	}

	for r.scanner.Scan() {
		r.line++
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if line == "" {
			continue
		}
		prop, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("scd: line %d: %w", r.line, err)
		}
		if prop.Name == PropertyDocID {
			if doc != nil {
				r.pending = &prop
				return doc, nil
			}
			doc = Document{prop}
			continue
		}
		if doc == nil {
			return nil, fmt.Errorf("scd: line %d: property %q before %s", r.line, prop.Name, PropertyDocID)
		}
		doc = append(doc, prop)
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scd: read: %w", err)
	}
	if doc == nil {
		return nil, io.EOF
	}
	return doc, nil
}

func parseLine(line string) (Property, error) {
	if !strings.HasPrefix(line, "<") {
		return Property{}, fmt.Errorf("malformed property line %q", line)
	}
	name, value, ok := strings.Cut(line[1:], ">")
	if !ok || name == "" {
		return Property{}, fmt.Errorf("malformed property line %q", line)
	}
	return Property{Name: name, Value: value}, nil
}

// Writer appends documents to a new SCD file.
type Writer struct {
	file *os.File
	buf  *bufio.Writer
	path string
	docs int
}

// Create opens a new SCD file in dir. If the name for segment is taken the
// next free segment is used.
func Create(dir string, segment int, ts time.Time, t Type) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("scd: create dir %s: %w", dir, err)
	}

	name := FileName(segment, ts, t)
	for {
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &Writer{file: f, buf: bufio.NewWriter(f), path: f.Name()}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("scd: create %s: %w", name, err)
		}
		if name, err = NextFileName(name); err != nil {
			return nil, err
		}
	}
}

// Path returns the file path being written.
func (w *Writer) Path() string {
	return w.path
}

// Count returns the number of documents written so far.
func (w *Writer) Count() int {
	return w.docs
}

// Append writes one document. Newlines inside values are flattened to spaces
// because the format is line oriented.
func (w *Writer) Append(doc Document) error {
	if len(doc) == 0 || doc[0].Name != PropertyDocID {
		return fmt.Errorf("scd: document must start with %s", PropertyDocID)
	}
	for _, p := range doc {
		value := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(p.Value)
		if _, err := fmt.Fprintf(w.buf, "<%s>%s\n", p.Name, value); err != nil {
			return fmt.Errorf("scd: write %s: %w", w.path, err)
		}
	}
	w.docs++
	return nil
}

// Close flushes and syncs the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	defer func() { w.file = nil }()

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("scd: flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("scd: sync %s: %w", w.path, err)
	}
	return w.file.Close()
}

// ReadFile opens path and calls fn for every document in order.
func ReadFile(path string, fn func(Document) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("scd: open %s: %w", path, err)
	}
	defer f.Close()

	r := NewReader(f)
	for {
		doc, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}
