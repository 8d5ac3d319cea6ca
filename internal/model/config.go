package model

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogDiscard = "discard"

	DefaultSocketName     = "jobengine.sock"
	DefaultWorkers        = 8
	DefaultMaxRunningJobs = 4
	DefaultJobTimeout     = "PT1H"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Config is the job engine configuration. Zero values mean "use the default",
// see WithDefaults.
type Config struct {
	Version        int       `json:"version" yaml:"version"` // fixed 0 for now
	Workdir        string    `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Socket         string    `json:"socket,omitempty" yaml:"socket,omitempty"`
	Workers        int       `json:"workers,omitempty" yaml:"workers,omitempty"`
	MaxRunningJobs int       `json:"max_running_jobs,omitempty" yaml:"max_running_jobs,omitempty"`
	JobTimeout     string    `json:"job_timeout,omitempty" yaml:"job_timeout,omitempty"`
	Verbose        bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log            string    `json:"log,omitempty" yaml:"log,omitempty"`
	Status         *Schedule `json:"status,omitempty" yaml:"status,omitempty"`
}

// DefaultConfig is stored when no configuration file exists.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills every unset field.
func (c Config) WithDefaults() Config {
	if c.Workdir == "" {
		c.Workdir = filepath.Join(os.TempDir(), "jobengine")
	}
	if c.Socket == "" {
		c.Socket = filepath.Join(c.Workdir, DefaultSocketName)
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRunningJobs == 0 {
		c.MaxRunningJobs = DefaultMaxRunningJobs
	}
	if c.JobTimeout == "" {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.Log == "" {
		c.Log = LogStderr
	}
	return c
}

// Timeout returns the parsed job_timeout.
func (c Config) Timeout() (time.Duration, error) {
	if c.JobTimeout == "" {
		return 0, nil
	}
	d, err := ParseISODuration(c.JobTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing job_timeout: %w", err)
	}
	return d, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// The returned Config has the defaults applied.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if _, err := out.Timeout(); err != nil {
		return Config{}, err
	}
	if out.Status != nil {
		if err := out.Status.Validate(); err != nil {
			return Config{}, err
		}
	}

	return out.WithDefaults(), nil
}
