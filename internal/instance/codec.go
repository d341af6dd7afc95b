package instance

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/scd"
)

// Document property names.
const (
	propProductID = "uuid"
	propTitle     = "Title"
	propPrice     = "Price"
	propSource    = "Source"
	propOp        = "Op"

	propOffers    = "Offers"
	propItemCount = "itemcount"
)

// segmentType maps an op to the SCD file type a segment opened by it is
// written under. Other ops open an insert segment.
func segmentType(op ir.Op) scd.Type {
	switch op {
	case ir.OpUpdate:
		return scd.TypeUpdate
	case ir.OpDelete:
		return scd.TypeDelete
	}
	return scd.TypeInsert
}

func opForType(t scd.Type) ir.Op {
	switch t {
	case scd.TypeUpdate:
		return ir.OpUpdate
	case scd.TypeDelete:
		return ir.OpDelete
	}
	return ir.OpInsert
}

// EncodeDelta renders a delta as an SCD document for a segment of type t.
// A delta whose op differs from the segment type carries an Op property.
// Only set fields are written, so update and delete documents never carry a
// uuid.
func EncodeDelta(d ir.Delta, t scd.Type) scd.Document {
	doc := scd.Document{{Name: scd.PropertyDocID, Value: d.DocID}}
	if d.Op != opForType(t) {
		doc = append(doc, scd.Property{Name: propOp, Value: string(d.Op)})
	}
	if d.ProductID != "" {
		doc = append(doc, scd.Property{Name: propProductID, Value: d.ProductID})
	}
	if d.Title != "" {
		doc = append(doc, scd.Property{Name: propTitle, Value: d.Title})
	}
	if !d.Price.IsZero() {
		doc = append(doc, scd.Property{Name: propPrice, Value: d.Price.String()})
	}
	if d.Source != "" {
		doc = append(doc, scd.Property{Name: propSource, Value: string(d.Source)})
	}
	return doc
}

// DecodeDelta parses a document read from a segment of type t. The Op
// property, when present, overrides the segment type.
func DecodeDelta(doc scd.Document, t scd.Type) (ir.Delta, error) {
	d := ir.Delta{Op: opForType(t), DocID: doc.DocID()}
	for _, p := range doc[1:] {
		switch p.Name {
		case propOp:
			op, err := ir.ParseOp(p.Value)
			if err != nil {
				return ir.Delta{}, fmt.Errorf("%w: docid %q: %v", ir.ErrMalformed, d.DocID, err)
			}
			d.Op = op
		case propProductID:
			d.ProductID = p.Value
		case propTitle:
			d.Title = p.Value
		case propPrice:
			price, err := decimal.NewFromString(strings.TrimSpace(p.Value))
			if err != nil {
				return ir.Delta{}, fmt.Errorf("%w: docid %q: price %q", ir.ErrMalformed, d.DocID, p.Value)
			}
			d.Price = price
		case propSource:
			d.Source = ir.Source(p.Value)
		}
	}
	return d, nil
}

// EncodeProduct renders an emitted product.
func EncodeProduct(p ir.Product) scd.Document {
	sources := make([]string, len(p.Sources))
	for i, s := range p.Sources {
		sources[i] = string(s)
	}
	doc := scd.Document{
		{Name: scd.PropertyDocID, Value: p.ID},
		{Name: propOffers, Value: strings.Join(p.Members, ",")},
		{Name: propPrice, Value: p.PriceRange()},
		{Name: propSource, Value: strings.Join(sources, ",")},
		{Name: propItemCount, Value: strconv.Itoa(p.ItemCount())},
	}
	if p.Title != "" {
		doc = append(doc, scd.Property{Name: propTitle, Value: p.Title})
	}
	return doc
}

// DecodeProduct parses a document written by EncodeProduct.
func DecodeProduct(doc scd.Document) (ir.Product, error) {
	p := ir.Product{ID: doc.DocID()}
	count := -1
	for _, prop := range doc[1:] {
		switch prop.Name {
		case propOffers:
			if prop.Value != "" {
				p.Members = strings.Split(prop.Value, ",")
			}
		case propPrice:
			lo, hi, err := ir.ParsePriceRange(prop.Value)
			if err != nil {
				return ir.Product{}, fmt.Errorf("product %s: %w", p.ID, err)
			}
			p.PriceLow, p.PriceHigh = lo, hi
		case propSource:
			if prop.Value != "" {
				for _, s := range strings.Split(prop.Value, ",") {
					p.Sources = append(p.Sources, ir.Source(s))
				}
			}
		case propItemCount:
			n, err := strconv.Atoi(prop.Value)
			if err != nil {
				return ir.Product{}, fmt.Errorf("product %s: itemcount %q: %w", p.ID, prop.Value, err)
			}
			count = n
		case propTitle:
			p.Title = prop.Value
		}
	}
	if count >= 0 && count != len(p.Members) {
		return ir.Product{}, fmt.Errorf("product %s: itemcount %d but %d offers", p.ID, count, len(p.Members))
	}
	return p, nil
}
