package instance

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/roach88/offermatch/internal/ir"
)

// MDBDir returns the directory holding instances under a work dir.
func MDBDir(workDir string) string {
	return filepath.Join(workDir, "db", "mdb")
}

// Store is the ordered set of instances under one mdb directory.
type Store struct {
	dir string
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the wall clock used to stamp new instances.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// OpenStore opens (creating if needed) the instance store rooted at dir.
func OpenStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open instance store: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// List returns all instances in timestamp order. Entries whose names are not
// instance timestamps are ignored.
func (s *Store) List() ([]*Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	var out []*Instance
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := ParseTimestamp(e.Name())
		if err != nil {
			continue
		}
		inst, err := load(filepath.Join(s.dir, e.Name()), ts)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *Instance) int {
		return a.ts.Compare(b.ts)
	})
	return out, nil
}

// Latest returns the most recent instance. ok is false when the store is
// empty.
func (s *Store) Latest() (*Instance, bool, error) {
	all, err := s.List()
	if err != nil {
		return nil, false, err
	}
	if len(all) == 0 {
		return nil, false, nil
	}
	return all[len(all)-1], true, nil
}

// Previous returns the newest instance older than inst.
func (s *Store) Previous(inst *Instance) (*Instance, bool, error) {
	all, err := s.List()
	if err != nil {
		return nil, false, err
	}
	var prev *Instance
	for _, cand := range all {
		if !cand.ts.Before(inst.ts) {
			break
		}
		prev = cand
	}
	return prev, prev != nil, nil
}

// Open returns the instance with the given name.
func (s *Store) Open(name string) (*Instance, error) {
	ts, err := ParseTimestamp(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, ts.String())
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return load(dir, ts)
}

// OpenDir opens an instance directory directly. The directory name must be
// an instance timestamp.
func OpenDir(dir string) (*Instance, error) {
	dir = filepath.Clean(dir)
	ts, err := ParseTimestamp(filepath.Base(dir))
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("open instance: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open instance: %s is not a directory", dir)
	}
	return load(dir, ts)
}

// Create allocates a new empty instance stamped with the current time.
//
// Creating a Reindex instance assumes the caller already cleared prior
// instances and product output (see Reset); the store does not check it.
func (s *Store) Create(mode ir.Mode) (*Instance, error) {
	ts := NewTimestamp(s.now())

	latest, ok, err := s.Latest()
	if err != nil {
		return nil, err
	}
	if ok {
		switch {
		case ts.Equal(latest.ts):
			return nil, fmt.Errorf("%w: %s", ErrTimestampCollision, ts)
		case ts.Before(latest.ts):
			return nil, fmt.Errorf("%w: %s is before %s", ErrClockRegression, ts, latest.ts)
		}
	}

	dir := filepath.Join(s.dir, ts.String())
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrTimestampCollision, ts)
		}
		return nil, fmt.Errorf("create instance: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, rawDir), 0o755); err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	inst := &Instance{
		dir: dir,
		ts:  ts,
		meta: Metadata{
			Timestamp: ts.String(),
			Mode:      mode,
		},
	}
	if err := inst.writeMetadata(); err != nil {
		return nil, err
	}

	slog.Debug("instance created", "instance", ts.String(), "mode", mode)
	return inst, nil
}

// Reset removes every instance. It is the precondition for creating a
// Reindex instance.
func (s *Store) Reset() error {
	all, err := s.List()
	if err != nil {
		return err
	}
	for _, inst := range all {
		if err := os.RemoveAll(inst.dir); err != nil {
			return fmt.Errorf("reset instances: %w", err)
		}
	}
	slog.Debug("instance store reset", "removed", len(all))
	return nil
}
