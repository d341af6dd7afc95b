package ir

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed marks a delta that is missing fields required by its op.
var ErrMalformed = errors.New("malformed delta")

// Validator checks deltas before they reach the grouping state.
//
// Field presence rules live in the Delta struct tags; identifier width and
// price rules are struct-level because they depend on the configured width.
type Validator struct {
	validate *validator.Validate
	width    int
}

// NewValidator returns a validator for docid/uuid values of the given fixed
// width. A width of 0 disables the width check and accepts any printable
// token without whitespace or commas.
func NewValidator(width int) *Validator {
	v := &Validator{validate: validator.New(), width: width}
	v.validate.RegisterStructValidation(v.deltaRules, Delta{})
	return v
}

// Width returns the configured identifier width.
func (v *Validator) Width() int {
	return v.width
}

// Validate returns an error wrapping ErrMalformed when d cannot be applied.
// NoOp deltas are always valid.
func (v *Validator) Validate(d Delta) error {
	if d.Op == OpNoop {
		return nil
	}
	err := v.validate.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		reasons := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			reasons = append(reasons, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: docid %q op %s: %s", ErrMalformed, d.DocID, d.Op, strings.Join(reasons, ", "))
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func (v *Validator) deltaRules(sl validator.StructLevel) {
	d := sl.Current().Interface().(Delta)

	if !v.validID(d.DocID) {
		sl.ReportError(d.DocID, "DocID", "DocID", "docid_format", fmt.Sprint(v.width))
	}
	if d.ProductID != "" && !v.validID(d.ProductID) {
		sl.ReportError(d.ProductID, "ProductID", "ProductID", "uuid_format", fmt.Sprint(v.width))
	}
	if d.Price.IsNegative() {
		sl.ReportError(d.Price, "Price", "Price", "price_positive", "")
	}

	switch d.Op {
	case OpInsert:
		if !d.Price.IsPositive() {
			sl.ReportError(d.Price, "Price", "Price", "price_positive", "")
		}
	case OpUpdate:
		if d.Price.IsZero() && d.Title == "" {
			sl.ReportError(d.Price, "Price", "Price", "update_attributes", "")
		}
	}
}

func (v *Validator) validID(id string) bool {
	if id == "" {
		return true // presence is checked by the tags
	}
	if v.width > 0 {
		if len(id) != v.width {
			return false
		}
		for _, r := range id {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	for _, r := range id {
		if unicode.IsSpace(r) || r == ',' {
			return false
		}
	}
	return true
}
