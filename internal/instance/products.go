package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/scd"
)

// WriteProducts writes the full product set as one insert segment in dir.
// The segment is written even when there are no products, so an empty
// emission is distinguishable from a missing one.
func WriteProducts(dir string, ts time.Time, products []ir.Product) error {
	w, err := scd.Create(dir, 0, ts, scd.TypeInsert)
	if err != nil {
		return fmt.Errorf("write products: %w", err)
	}
	for _, p := range products {
		if err := w.Append(EncodeProduct(p)); err != nil {
			w.Close()
			return fmt.Errorf("write products: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("write products: %w", err)
	}
	return nil
}

// ReadProductDir reads every product document in dir, in file order.
func ReadProductDir(dir string) ([]ir.Product, error) {
	files, err := scd.List(dir)
	if err != nil {
		return nil, err
	}
	products := []ir.Product{}
	for _, f := range files {
		err := scd.ReadFile(filepath.Join(dir, f.Name), func(doc scd.Document) error {
			p, err := DecodeProduct(doc)
			if err != nil {
				return err
			}
			products = append(products, p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read products: %w", err)
		}
	}
	return products, nil
}

// HasProducts reports whether the engine emitted products for the instance.
func (i *Instance) HasProducts() bool {
	files, err := scd.List(i.ProductDir())
	return err == nil && len(files) > 0
}

// ReadProducts returns the emitted products of the instance.
func (i *Instance) ReadProducts() ([]ir.Product, error) {
	if _, err := os.Stat(i.ProductDir()); err != nil {
		return nil, fmt.Errorf("instance %s: no product output: %w", i.Name(), err)
	}
	return ReadProductDir(i.ProductDir())
}
