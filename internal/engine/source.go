package engine

import (
	"errors"
	"io"

	"github.com/roach88/offermatch/internal/ir"
)

// DeltaSource streams deltas in recorded order. Next returns io.EOF after
// the last delta. instance.DeltaReader implements it.
type DeltaSource interface {
	Next() (ir.Delta, error)
}

// SliceSource serves deltas from memory.
type SliceSource struct {
	deltas []ir.Delta
	next   int
}

// NewSliceSource returns a source over deltas.
func NewSliceSource(deltas ...ir.Delta) *SliceSource {
	return &SliceSource{deltas: deltas}
}

// Next implements DeltaSource.
func (s *SliceSource) Next() (ir.Delta, error) {
	if s.next >= len(s.deltas) {
		return ir.Delta{}, io.EOF
	}
	d := s.deltas[s.next]
	s.next++
	return d, nil
}

// Concat streams each source to exhaustion in turn.
func Concat(sources ...DeltaSource) DeltaSource {
	return &multiSource{sources: sources}
}

type multiSource struct {
	sources []DeltaSource
}

func (m *multiSource) Next() (ir.Delta, error) {
	for len(m.sources) > 0 {
		d, err := m.sources[0].Next()
		if errors.Is(err, io.EOF) {
			m.sources = m.sources[1:]
			continue
		}
		return d, err
	}
	return ir.Delta{}, io.EOF
}
