package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offermatch/internal/ir"
)

// Scenario is a sequence of instances with expectations.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Policy is "lenient" (default) or "strict".
	Policy string `yaml:"policy,omitempty"`

	// DocIDWidth is the fixed id width the validator enforces; 0 disables it.
	DocIDWidth int `yaml:"docid_width,omitempty"`

	// RunID is recorded in every run. Defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`

	Instances []InstanceStep `yaml:"instances"`
}

// InstanceStep is one instance: its deltas and what matching it must yield.
type InstanceStep struct {
	Mode       string      `yaml:"mode"`
	Deltas     []DeltaSpec `yaml:"deltas"`
	Expect     *Expect     `yaml:"expect,omitempty"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// DeltaSpec is the YAML form of a delta. Fields are not validated when the
// scenario loads so that malformed deltas can be written on purpose.
type DeltaSpec struct {
	Op     string `yaml:"op"`
	DocID  string `yaml:"docid"`
	UUID   string `yaml:"uuid,omitempty"`
	Title  string `yaml:"title,omitempty"`
	Price  string `yaml:"price,omitempty"`
	Source string `yaml:"source,omitempty"`
}

// Delta converts the spec.
func (d DeltaSpec) Delta() (ir.Delta, error) {
	op, err := ir.ParseOp(d.Op)
	if err != nil {
		return ir.Delta{}, err
	}
	delta := ir.Delta{
		Op:        op,
		DocID:     d.DocID,
		ProductID: d.UUID,
		Title:     d.Title,
		Source:    ir.Source(d.Source),
	}
	if d.Price != "" {
		delta.Price, err = decimal.NewFromString(d.Price)
		if err != nil {
			return ir.Delta{}, fmt.Errorf("docid %q: price %q: %w", d.DocID, d.Price, err)
		}
	}
	return delta, nil
}

// Expect lists the checked outcomes of an instance. Unset fields are not
// checked.
type Expect struct {
	// Partition is the expected canonical partition.
	Partition [][]string `yaml:"partition,omitempty"`

	Products   *int `yaml:"products,omitempty"`
	Rejected   *int `yaml:"rejected,omitempty"`
	Violations *int `yaml:"violations,omitempty"`

	// Aborted expects a strict-policy abort.
	Aborted bool `yaml:"aborted,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir whose base name
// matches filter (a filepath.Match pattern; empty matches all), in walk
// order.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, err := ir.ParsePolicy(s.Policy); err != nil {
		return err
	}
	if s.DocIDWidth < 0 {
		return fmt.Errorf("docid_width must not be negative")
	}
	if len(s.Instances) == 0 {
		return fmt.Errorf("instances list is required and must be non-empty")
	}

	for i, step := range s.Instances {
		if _, err := ir.ParseMode(step.Mode); err != nil {
			return fmt.Errorf("instances[%d]: %w", i, err)
		}
		for j, d := range step.Deltas {
			if _, err := d.Delta(); err != nil {
				return fmt.Errorf("instances[%d].deltas[%d]: %w", i, j, err)
			}
		}
		for j, a := range step.Assertions {
			if err := validateAssertion(a); err != nil {
				return fmt.Errorf("instances[%d].assertions[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}
