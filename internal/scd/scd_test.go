package scd

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 3, 5, 14, 7, 9, 250*int(time.Millisecond), time.UTC)

func TestFileName_RoundTrip(t *testing.T) {
	name := FileName(3, fixedTime, TypeUpdate)
	assert.Equal(t, "B-03-202403051407-09250-U-C.SCD", name)
	assert.True(t, IsSCD(name))

	info, err := ParseFileName(name)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Segment)
	assert.Equal(t, TypeUpdate, info.Type)
	assert.True(t, fixedTime.Equal(info.Time))
}

func TestParseFileName_Rejects(t *testing.T) {
	for _, name := range []string{
		"",
		"B-3-202403051407-09250-U-C.SCD",
		"B-03-202403051407-09250-X-C.SCD",
		"B-03-202403051407-09250-U-C.scd",
		"notes.txt",
	} {
		_, err := ParseFileName(name)
		assert.Error(t, err, name)
		assert.False(t, IsSCD(name), name)
	}
}

func TestNextFileName(t *testing.T) {
	next, err := NextFileName("B-00-202403051407-09250-I-C.SCD")
	require.NoError(t, err)
	assert.Equal(t, "B-01-202403051407-09250-I-C.SCD", next)

	_, err = NextFileName("B-99-202403051407-09250-I-C.SCD")
	assert.True(t, errors.Is(err, ErrSegmentsExhausted))
}

func TestList_OrdersBySegment(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"B-02-202403051407-09250-D-C.SCD",
		"B-00-202403051407-09250-I-C.SCD",
		"B-01-202403051407-09250-U-C.SCD",
		"README",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "B-03-202403051407-09250-I-C.SCD"), 0o755))

	files, err := List(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, []Type{TypeInsert, TypeUpdate, TypeDelete},
		[]Type{files[0].Type, files[1].Type, files[2].Type})
}

func TestList_MissingDir(t *testing.T) {
	files, err := List(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReader_Documents(t *testing.T) {
	input := strings.Join([]string{
		"<DOCID>0001",
		"<uuid>0009",
		"<Title>usb <cable>",
		"",
		"<DOCID>0002",
		"<Price>12.5",
		"",
	}, "\n")

	r := NewReader(strings.NewReader(input))

	doc, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "0001", doc.DocID())
	title, ok := doc.Get("Title")
	assert.True(t, ok)
	assert.Equal(t, "usb <cable>", title)

	doc, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Document{{"DOCID", "0002"}, {"Price", "12.5"}}, doc)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_PropertyBeforeDocID(t *testing.T) {
	r := NewReader(strings.NewReader("<Title>x\n<DOCID>1\n"))
	_, err := r.Next()
	assert.Error(t, err)
}

func TestReader_MalformedLine(t *testing.T) {
	r := NewReader(strings.NewReader("<DOCID>1\nnot a property\n"))
	_, err := r.Next()
	assert.Error(t, err)
}

func TestWriter_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 0, fixedTime, TypeInsert)
	require.NoError(t, err)

	docs := []Document{
		{{"DOCID", "0001"}, {"Title", "multi\nline"}},
		{{"DOCID", "0002"}, {"Source", "SB"}},
	}
	for _, d := range docs {
		require.NoError(t, w.Append(d))
	}
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	var got []Document
	require.NoError(t, ReadFile(w.Path(), func(d Document) error {
		got = append(got, d)
		return nil
	}))
	require.Len(t, got, 2)
	title, _ := got[0].Get("Title")
	assert.Equal(t, "multi line", title)
	assert.Equal(t, docs[1], got[1])
}

func TestWriter_RejectsDocumentWithoutDocID(t *testing.T) {
	w, err := Create(t.TempDir(), 0, fixedTime, TypeInsert)
	require.NoError(t, err)
	defer w.Close()

	assert.Error(t, w.Append(Document{{"Title", "x"}}))
	assert.Error(t, w.Append(nil))
}

func TestCreate_BumpsTakenSegment(t *testing.T) {
	dir := t.TempDir()
	first, err := Create(dir, 0, fixedTime, TypeInsert)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Create(dir, 0, fixedTime, TypeInsert)
	require.NoError(t, err)
	require.NoError(t, second.Close())

	assert.Equal(t, "B-01-202403051407-09250-I-C.SCD", filepath.Base(second.Path()))
}

func TestPublish(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	w, err := Create(src, 0, fixedTime, TypeInsert)
	require.NoError(t, err)
	require.NoError(t, w.Append(Document{{"DOCID", "P1"}}))
	require.NoError(t, w.Close())

	// Occupy the same name in the destination.
	taken := filepath.Base(w.Path())
	require.NoError(t, os.WriteFile(filepath.Join(dst, taken), []byte("old"), 0o644))

	names, err := Publish(src, dst)
	require.NoError(t, err)
	assert.Equal(t, []string{"B-01-202403051407-09250-I-C.SCD"}, names)

	old, err := os.ReadFile(filepath.Join(dst, taken))
	require.NoError(t, err)
	assert.Equal(t, "old", string(old))

	copied, err := os.ReadFile(filepath.Join(dst, names[0]))
	require.NoError(t, err)
	assert.Equal(t, "<DOCID>P1\n", string(copied))
}

func TestPublish_RollsBackOnFailure(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	for _, seg := range []int{0, 1} {
		w, err := Create(src, seg, fixedTime, TypeInsert)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}
	// The second file has no free name left in the destination.
	for seg := 1; seg <= MaxSegment; seg++ {
		require.NoError(t, os.WriteFile(filepath.Join(dst, FileName(seg, fixedTime, TypeInsert)), nil, 0o644))
	}

	_, err := Publish(src, dst)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dst, FileName(0, fixedTime, TypeInsert)))
	assert.True(t, os.IsNotExist(statErr), "first copy must be rolled back")
}
