package scd

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Type is the operation type of an SCD file.
type Type byte

const (
	TypeInsert Type = 'I'
	TypeUpdate Type = 'U'
	TypeDelete Type = 'D'
)

// String returns the type letter.
func (t Type) String() string {
	return string(t)
}

// MaxSegment is the largest segment number a file name can carry.
const MaxSegment = 99

// ErrSegmentsExhausted is returned when no free segment number is left.
var ErrSegmentsExhausted = errors.New("scd: segment numbers exhausted")

var fileNamePattern = regexp.MustCompile(`^B-(\d{2})-(\d{12})-(\d{5})-([IUD])-C\.SCD$`)

// FileInfo is the parsed form of an SCD file name.
type FileInfo struct {
	Name    string
	Segment int
	Time    time.Time
	Type    Type
}

// FileName builds the file name for a segment written at ts.
func FileName(segment int, ts time.Time, t Type) string {
	ts = ts.UTC()
	return fmt.Sprintf("B-%02d-%s-%02d%03d-%c-C.SCD",
		segment,
		ts.Format("200601021504"),
		ts.Second(),
		ts.Nanosecond()/int(time.Millisecond),
		byte(t),
	)
}

// ParseFileName parses a name produced by FileName.
func ParseFileName(name string) (FileInfo, error) {
	m := fileNamePattern.FindStringSubmatch(name)
	if m == nil {
		return FileInfo{}, fmt.Errorf("scd: not an SCD file name: %q", name)
	}
	segment, _ := strconv.Atoi(m[1])
	minute, err := time.Parse("200601021504", m[2])
	if err != nil {
		return FileInfo{}, fmt.Errorf("scd: bad timestamp in %q: %w", name, err)
	}
	sec, _ := strconv.Atoi(m[3][:2])
	ms, _ := strconv.Atoi(m[3][2:])
	ts := minute.Add(time.Duration(sec)*time.Second + time.Duration(ms)*time.Millisecond)

	return FileInfo{
		Name:    name,
		Segment: segment,
		Time:    ts,
		Type:    Type(m[4][0]),
	}, nil
}

// IsSCD reports whether name is a well-formed SCD file name.
func IsSCD(name string) bool {
	return fileNamePattern.MatchString(name)
}

// NextFileName bumps the segment number of name. It fails once the segment
// would pass MaxSegment.
func NextFileName(name string) (string, error) {
	info, err := ParseFileName(name)
	if err != nil {
		return "", err
	}
	if info.Segment >= MaxSegment {
		return "", ErrSegmentsExhausted
	}
	return fmt.Sprintf("B-%02d%s", info.Segment+1, name[4:]), nil
}

// List returns the SCD files in dir ordered by segment, then name.
// Other files are ignored. A missing directory yields an empty list.
func List(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []FileInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scd: list %s: %w", dir, err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !IsSCD(e.Name()) {
			continue
		}
		info, err := ParseFileName(e.Name())
		if err != nil {
			return nil, err
		}
		files = append(files, info)
	}

	slices.SortFunc(files, func(a, b FileInfo) int {
		if a.Segment != b.Segment {
			return a.Segment - b.Segment
		}
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}
