package instance

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/scd"
)

// Layout of an instance directory.
const (
	rawDir       = "raw"
	streamDir    = "b5mo"
	productDir   = "b5mp"
	metadataFile = "instance.yaml"
	sealedMarker = "SEALED"

	// StateFile is the grouping state database written by the engine.
	StateFile = "state.db"
)

// Metadata is persisted as instance.yaml.
type Metadata struct {
	Timestamp    string  `yaml:"timestamp"`
	Mode         ir.Mode `yaml:"mode"`
	Sealed       bool    `yaml:"sealed"`
	RawDeltas    int     `yaml:"raw_deltas"`
	StreamDeltas int     `yaml:"stream_deltas"`
	NoOps        int     `yaml:"noops"`
	Rejected     int     `yaml:"rejected"`
}

// Instance is one timestamped unit of ingested deltas. An Instance is not
// safe for concurrent use.
type Instance struct {
	dir  string
	ts   Timestamp
	meta Metadata

	raw segmentWriter
}

func load(dir string, ts Timestamp) (*Instance, error) {
	inst := &Instance{dir: dir, ts: ts, meta: Metadata{Timestamp: ts.String()}}

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("instance %s: read metadata: %w", ts, err)
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&inst.meta); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("instance %s: parse metadata: %w", ts, err)
		}
	}

	_, err = os.Stat(filepath.Join(dir, sealedMarker))
	inst.meta.Sealed = err == nil
	return inst, nil
}

// Name returns the instance directory name.
func (i *Instance) Name() string { return i.ts.String() }

// Timestamp returns the instance timestamp.
func (i *Instance) Timestamp() Timestamp { return i.ts }

// Dir returns the instance directory.
func (i *Instance) Dir() string { return i.dir }

// Mode returns the mode the instance was created for.
func (i *Instance) Mode() ir.Mode { return i.meta.Mode }

// Metadata returns a copy of the instance metadata.
func (i *Instance) Metadata() Metadata { return i.meta }

// Sealed reports whether the offer stream is ready for matching.
func (i *Instance) Sealed() bool { return i.meta.Sealed }

func (i *Instance) RawDir() string     { return filepath.Join(i.dir, rawDir) }
func (i *Instance) StreamDir() string  { return filepath.Join(i.dir, streamDir) }
func (i *Instance) ProductDir() string { return filepath.Join(i.dir, productDir) }
func (i *Instance) StatePath() string  { return filepath.Join(i.dir, StateFile) }

// AppendDelta appends d to the raw delta sequence. Deltas are not validated
// here; malformed ones are dropped when the instance is sealed.
func (i *Instance) AppendDelta(d ir.Delta) error {
	if i.meta.Sealed {
		return ErrSealed
	}
	if i.raw.dir == "" {
		i.raw = segmentWriter{dir: i.RawDir(), ts: i.ts.Time()}
	}
	if err := i.raw.append(d); err != nil {
		return fmt.Errorf("instance %s: append: %w", i.Name(), err)
	}
	return nil
}

// Close releases the raw writer without sealing.
func (i *Instance) Close() error {
	return i.raw.close()
}

// Seal validates the raw deltas into the offer stream and marks the
// instance ready. Malformed deltas are dropped and counted, NoOp records are
// dropped. The SEALED marker is written last.
func (i *Instance) Seal(v *ir.Validator) (Metadata, error) {
	if i.meta.Sealed {
		return i.meta, ErrSealed
	}
	if err := i.raw.close(); err != nil {
		return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
	}

	if err := os.RemoveAll(i.StreamDir()); err != nil {
		return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
	}
	if err := os.MkdirAll(i.StreamDir(), 0o755); err != nil {
		return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
	}

	meta := i.meta
	meta.RawDeltas, meta.StreamDeltas, meta.NoOps, meta.Rejected = 0, 0, 0, 0
	out := segmentWriter{dir: i.StreamDir(), ts: i.ts.Time()}

	files, err := scd.List(i.RawDir())
	if err != nil {
		return i.meta, err
	}
	for _, f := range files {
		err := scd.ReadFile(filepath.Join(i.RawDir(), f.Name), func(doc scd.Document) error {
			meta.RawDeltas++
			d, err := DecodeDelta(doc, f.Type)
			if err == nil {
				err = v.Validate(d)
			}
			if err != nil {
				meta.Rejected++
				slog.Warn("delta rejected", "instance", i.Name(), "docid", doc.DocID(), "error", err)
				return nil
			}
			if d.Op == ir.OpNoop {
				meta.NoOps++
				return nil
			}
			meta.StreamDeltas++
			return out.append(d)
		})
		if err != nil {
			out.close()
			return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
		}
	}
	if err := out.close(); err != nil {
		return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
	}

	meta.Sealed = true
	i.meta = meta
	if err := i.writeMetadata(); err != nil {
		return i.meta, err
	}
	if err := os.WriteFile(filepath.Join(i.dir, sealedMarker), nil, 0o644); err != nil {
		return i.meta, fmt.Errorf("instance %s: seal: %w", i.Name(), err)
	}

	slog.Info("instance sealed",
		"instance", i.Name(),
		"raw", meta.RawDeltas,
		"stream", meta.StreamDeltas,
		"rejected", meta.Rejected,
	)
	return meta, nil
}

// OfferStream opens the validated delta stream of a sealed instance.
func (i *Instance) OfferStream() (*DeltaReader, error) {
	if !i.meta.Sealed {
		return nil, fmt.Errorf("%w: %s", ErrNotSealed, i.Name())
	}
	files, err := scd.List(i.StreamDir())
	if err != nil {
		return nil, err
	}
	return &DeltaReader{dir: i.StreamDir(), files: files}, nil
}

// RawStream opens the deltas as ingested, before validation. NoOp and
// malformed records are included.
func (i *Instance) RawStream() (*DeltaReader, error) {
	files, err := scd.List(i.RawDir())
	if err != nil {
		return nil, err
	}
	return &DeltaReader{dir: i.RawDir(), files: files}, nil
}

// IsSealedMarker reports whether path is the marker Seal writes last.
func IsSealedMarker(path string) bool {
	return filepath.Base(path) == sealedMarker
}

func (i *Instance) writeMetadata() error {
	data, err := yaml.Marshal(i.meta)
	if err != nil {
		return fmt.Errorf("instance %s: encode metadata: %w", i.Name(), err)
	}
	if err := os.WriteFile(filepath.Join(i.dir, metadataFile), data, 0o644); err != nil {
		return fmt.Errorf("instance %s: write metadata: %w", i.Name(), err)
	}
	return nil
}

// segmentWriter writes deltas into one SCD segment per writer session. The
// segment type follows the first delta; documents of any other op are tagged
// with their op, so the recorded order survives any interleaving. A new
// segment is opened only after close, e.g. when appending resumes on a
// reopened instance.
type segmentWriter struct {
	dir     string
	ts      time.Time
	w       *scd.Writer
	typ     scd.Type
	segment int
}

func (s *segmentWriter) append(d ir.Delta) error {
	if s.w == nil {
		if err := s.resume(); err != nil {
			return err
		}
		if s.segment > scd.MaxSegment {
			return scd.ErrSegmentsExhausted
		}
		typ := segmentType(d.Op)
		w, err := scd.Create(s.dir, s.segment, s.ts, typ)
		if err != nil {
			return err
		}
		s.w, s.typ = w, typ
	}
	return s.w.Append(EncodeDelta(d, s.typ))
}

// resume continues numbering after segments already on disk.
func (s *segmentWriter) resume() error {
	files, err := scd.List(s.dir)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		s.segment = files[len(files)-1].Segment + 1
	}
	return nil
}

func (s *segmentWriter) close() error {
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	s.segment++
	return err
}

// DeltaReader streams deltas from the segments of a directory in order.
type DeltaReader struct {
	dir   string
	files []scd.FileInfo
	next  int

	file   *os.File
	reader *scd.Reader
	typ    scd.Type
}

// Next returns the next delta, or io.EOF after the last segment.
func (r *DeltaReader) Next() (ir.Delta, error) {
	for {
		if r.reader == nil {
			if r.next >= len(r.files) {
				return ir.Delta{}, io.EOF
			}
			info := r.files[r.next]
			r.next++
			f, err := os.Open(filepath.Join(r.dir, info.Name))
			if err != nil {
				return ir.Delta{}, fmt.Errorf("open segment: %w", err)
			}
			r.file, r.reader, r.typ = f, scd.NewReader(f), info.Type
		}

		doc, err := r.reader.Next()
		if errors.Is(err, io.EOF) {
			r.closeFile()
			continue
		}
		if err != nil {
			return ir.Delta{}, fmt.Errorf("%s: %w", r.file.Name(), err)
		}
		return DecodeDelta(doc, r.typ)
	}
}

// Close releases the open segment, if any.
func (r *DeltaReader) Close() error {
	return r.closeFile()
}

func (r *DeltaReader) closeFile() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file, r.reader = nil, nil
	return err
}
