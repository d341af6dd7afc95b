package scd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Publish copies every SCD file of srcDir into dstDir. A name already taken
// in dstDir is bumped to the next free segment. If any copy fails, the files
// copied so far are removed and dstDir is left as it was.
//
// Publish returns the names written to dstDir, in copy order.
func Publish(srcDir, dstDir string) ([]string, error) {
	files, err := List(srcDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, fmt.Errorf("scd: publish: %w", err)
	}

	var written []string
	rollback := func() {
		for _, name := range written {
			os.Remove(filepath.Join(dstDir, name))
		}
	}

	for _, f := range files {
		name, err := copyExclusive(filepath.Join(srcDir, f.Name), dstDir, f.Name)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("scd: publish %s: %w", f.Name, err)
		}
		written = append(written, name)
	}
	return written, nil
}

func copyExclusive(src, dstDir, name string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	var out *os.File
	for {
		out, err = os.OpenFile(filepath.Join(dstDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		if name, err = NextFileName(name); err != nil {
			return "", err
		}
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", err
	}
	return name, nil
}
