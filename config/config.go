// Package config — squadtrans.yaml configuration file support.
//
// When a squadtrans.yaml file exists in the working directory, squadtrans
// uses it as the source of defaults for a pipeline run. Command-line
// flags always override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// FileName is the default config file name.
const FileName = "squadtrans.yaml"

// ---------------------------------------------------------------------------
// YAML schema
// ---------------------------------------------------------------------------

// Config is the top-level squadtrans.yaml structure.
type Config struct {
	// InputFile is the source SQuAD JSON file.
	InputFile string `yaml:"input_file"`
	// OutputFile is where the raw translated dataset is written.
	OutputFile string `yaml:"output_file"`
	// CleanedOutputFile is where the cleaned dataset is written (default
	// derived from OutputFile).
	CleanedOutputFile string `yaml:"cleaned_output_file,omitempty"`
	// ErrorReportFile is where dropped-item details are written (default
	// derived from CleanedOutputFile).
	ErrorReportFile string `yaml:"error_report_file,omitempty"`

	// SourceLang and TargetLang are BCP 47 language codes (defaults
	// "en" and "si").
	SourceLang string `yaml:"source_lang,omitempty"`
	TargetLang string `yaml:"target_lang,omitempty"`

	// MaxContexts caps how many paragraphs are translated per run
	// (default 1000, -1 = unlimited).
	MaxContexts int `yaml:"max_contexts,omitempty"`
	// BatchSize is how many paragraphs share one context-translation
	// request (default 5).
	BatchSize int `yaml:"batch_size,omitempty"`
	// MaxConcurrent is the number of parallel batch workers (default 1).
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`
	// RequestDelay is the pause between launching batches (default 100ms).
	RequestDelay Duration `yaml:"request_delay,omitempty"`

	// Timeout is the per-request HTTP timeout (default 30s).
	Timeout Duration `yaml:"timeout,omitempty"`
	// MaxRetries is the retry count for transient API failures (default 3).
	MaxRetries int `yaml:"max_retries,omitempty"`
	// Proxy is an optional HTTP(S) proxy URL for API requests.
	Proxy string `yaml:"proxy,omitempty"`
}

// Duration wraps time.Duration so YAML values can be written in the
// usual "30s" / "1m30s" notation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Defaults and loading
// ---------------------------------------------------------------------------

// Default returns a Config with all defaults filled in and no file paths.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.SourceLang == "" {
		c.SourceLang = "en"
	}
	if c.TargetLang == "" {
		c.TargetLang = "si"
	}
	if c.MaxContexts == 0 {
		c.MaxContexts = 1000
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1
	}
	if c.RequestDelay == 0 {
		c.RequestDelay = Duration(100 * time.Millisecond)
	}
	if c.Timeout == 0 {
		c.Timeout = Duration(30 * time.Second)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.CleanedOutputFile == "" && c.OutputFile != "" {
		c.CleanedOutputFile = derivedName(c.OutputFile, "_cleaned")
	}
	if c.ErrorReportFile == "" && c.CleanedOutputFile != "" {
		c.ErrorReportFile = derivedName(c.CleanedOutputFile, "_errors")
	}
}

// derivedName inserts suffix before the file extension.
func derivedName(path, suffix string) string {
	ext := filepath.Ext(path)
	return path[:len(path)-len(ext)] + suffix + ext
}

// Load reads and validates a config file. A missing file at the default
// location is not an error: defaults are returned. An explicitly named
// file must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = FileName
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Validate checks field values that Load's defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := language.Parse(c.SourceLang); err != nil {
		return fmt.Errorf("invalid source_lang %q: %w", c.SourceLang, err)
	}
	if _, err := language.Parse(c.TargetLang); err != nil {
		return fmt.Errorf("invalid target_lang %q: %w", c.TargetLang, err)
	}
	if c.SourceLang == c.TargetLang {
		return fmt.Errorf("source_lang and target_lang are both %q", c.SourceLang)
	}
	if c.MaxContexts < -1 {
		return fmt.Errorf("max_contexts must be -1, or a positive count")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	return nil
}

// ContextCap maps the config value to the translator's convention,
// where zero means unlimited.
func (c *Config) ContextCap() int {
	if c.MaxContexts < 0 {
		return 0
	}
	return c.MaxContexts
}

// Save writes the config as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
