package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/offermatch/internal/ir"
)

// Snapshot renders a result as canonical JSON: the emitted products of
// every instance with the run counters. Digests and partitions are left out
// because they are derived from the products.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	instances := make([]any, len(result.Instances))
	for i, inst := range result.Instances {
		products := make([]any, len(inst.Products))
		for j, p := range inst.Products {
			products[j] = ir.ProductMap(p)
		}
		instances[i] = map[string]any{
			"instance":   inst.Instance,
			"mode":       inst.Mode,
			"aborted":    inst.Aborted,
			"applied":    inst.Applied,
			"rejected":   inst.Rejected,
			"violations": inst.Violations,
			"products":   products,
		}
	}
	return ir.MarshalCanonical(map[string]any{
		"scenario_name": scenarioName,
		"instances":     instances,
	})
}

// RunWithGolden runs a scenario and compares its snapshot with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result with its golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
