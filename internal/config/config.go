// Package config loads offermatch settings.
//
// Settings come from three layers, later ones winning: the defaults of the
// embedded CUE schema, an optional user file unified with it, and
// OFFERMATCH_* environment variables (a .env file is read first when
// present). Command-line flags are applied on top by the CLI.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"github.com/joho/godotenv"

	"github.com/roach88/offermatch/internal/ir"
	"github.com/roach88/offermatch/internal/workload"
)

//go:embed schema.cue
var schemaSource string

// DefaultFile is the config file the CLI looks for in the working directory.
const DefaultFile = "offermatch.cue"

// Environment variables that override file values.
const (
	EnvWorkDir     = "OFFERMATCH_WORK_DIR"
	EnvPolicy      = "OFFERMATCH_POLICY"
	EnvShards      = "OFFERMATCH_SHARDS"
	EnvMetricsAddr = "OFFERMATCH_METRICS_ADDR"
)

// Config is the decoded #Config.
type Config struct {
	WorkDir     string   `json:"work_dir"`
	Policy      string   `json:"policy"`
	Shards      int      `json:"shards"`
	DocIDWidth  int      `json:"docid_width"`
	MetricsAddr string   `json:"metrics_addr"`
	Workload    Workload `json:"workload"`
}

// Workload sizes simulated batches.
type Workload struct {
	MaxOffers   int      `json:"max_offers"`
	MaxProducts int      `json:"max_products"`
	MaxPrice    int      `json:"max_price"`
	Width       int      `json:"width"`
	Sources     []string `json:"sources"`
	ReindexProb float64  `json:"reindex_prob"`
	InsertProb  float64  `json:"insert_prob"`
	UpdateProb  float64  `json:"update_prob"`
	DeleteProb  float64  `json:"delete_prob"`
	Violations  bool     `json:"violations"`
}

// Error is a config error with the CUE source position when known.
type Error struct {
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// Default returns the schema defaults.
func Default() Config {
	cfg, err := Parse(nil, "")
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the CUE file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse unifies src with #Config and decodes the result. The definition is
// closed, so fields it does not declare are errors.
func Parse(src []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	v := schema.LookupPath(cue.ParsePath("#Config"))

	if len(src) > 0 {
		user := ctx.CompileBytes(src, cue.Filename(filename))
		if err := user.Err(); err != nil {
			return Config{}, formatCUEError(err)
		}
		v = v.Unify(user)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, formatCUEError(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, formatCUEError(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the rules the schema cannot express.
func (c Config) Validate() error {
	w := c.Workload
	if sum := w.InsertProb + w.UpdateProb + w.DeleteProb; sum > 1+1e-9 {
		return &Error{Message: fmt.Sprintf("workload: insert, update and delete probabilities sum to %g, more than 1", sum)}
	}
	if len(w.Sources) == 0 {
		return &Error{Message: "workload: sources must not be empty"}
	}
	if _, err := ir.ParsePolicy(c.Policy); err != nil {
		return &Error{Message: err.Error()}
	}
	return nil
}

// ApplyEnv reads the .env file at dotenv, if it exists, into the process
// environment and then applies the OFFERMATCH_* overrides.
func (c *Config) ApplyEnv(dotenv string) error {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	return c.applyOverrides(os.LookupEnv)
}

func (c *Config) applyOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvWorkDir); ok && v != "" {
		c.WorkDir = v
	}
	if v, ok := lookup(EnvPolicy); ok && v != "" {
		p, err := ir.ParsePolicy(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPolicy, err)
		}
		c.Policy = string(p)
	}
	if v, ok := lookup(EnvShards); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 64 {
			return fmt.Errorf("%s: want an integer in 1..64, got %q", EnvShards, v)
		}
		c.Shards = n
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.MetricsAddr = v
	}
	return nil
}

// EnginePolicy returns the configured policy. Validate guarantees it parses.
func (c Config) EnginePolicy() ir.Policy {
	p, _ := ir.ParsePolicy(c.Policy)
	return p
}

// WorkloadConfig converts the workload section for the generator.
func (c Config) WorkloadConfig() workload.Config {
	w := c.Workload
	sources := make([]ir.Source, len(w.Sources))
	for i, s := range w.Sources {
		sources[i] = ir.Source(s)
	}
	return workload.Config{
		MaxOffers:   w.MaxOffers,
		MaxProducts: w.MaxProducts,
		MaxPrice:    w.MaxPrice,
		Width:       w.Width,
		Sources:     sources,
		Incremental: workload.Probabilities{
			Insert: w.InsertProb,
			Update: w.UpdateProb,
			Delete: w.DeleteProb,
		},
		ReindexProb: w.ReindexProb,
		Violations:  w.Violations,
	}
}

func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Message: err.Error()}
	}
	first := errs[0]
	e := &Error{Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		e.Pos = positions[0]
	}
	return e
}
