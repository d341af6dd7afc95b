package harness

import "github.com/roach88/offermatch/internal/ir"

// InstanceResult is what matching one scenario instance produced.
type InstanceResult struct {
	Instance   string       `json:"instance"`
	Mode       ir.Mode      `json:"mode"`
	Aborted    bool         `json:"aborted"`
	Applied    int          `json:"applied"`
	Rejected   int          `json:"rejected"`
	Violations int          `json:"violations"`
	Partition  [][]string   `json:"partition"`
	Products   []ir.Product `json:"products"`
	Digest     string       `json:"digest,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation, assertion and oracle check held.
	Pass bool `json:"pass"`

	Instances []InstanceResult `json:"instances"`

	// Errors holds one message per failed check.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:      true,
		Instances: []InstanceResult{},
		Errors:    []string{},
	}
}

// AddError records a failed check.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
