// Package config loads and validates the autoseq configuration file.
// Everything downstream of this package receives an already-validated
// Config; a bad pipeline graph or missing directory aborts startup here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seqops/autoseq/internal/pipeline"
)

const defaultScanIntervalSeconds = 60

// NotificationConfig configures the SMTP notifier. Disabled by default.
type NotificationConfig struct {
	Enabled    bool     `yaml:"enabled"`
	SMTPHost   string   `yaml:"smtp_host"`
	SMTPPort   int      `yaml:"smtp_port"`
	From       string   `yaml:"from"`
	Recipients []string `yaml:"recipients"`
}

// PipelineConfig models one entry of the pipelines list.
type PipelineConfig struct {
	Name         string            `yaml:"pipeline_name"`
	Version      string            `yaml:"pipeline_version"`
	Dependencies []DependencyRef   `yaml:"dependencies,omitempty"`
	Parameters   []ParameterConfig `yaml:"pipeline_parameters,omitempty"`
}

// DependencyRef names another configured pipeline that must complete first.
type DependencyRef struct {
	Name    string `yaml:"pipeline_name"`
	Version string `yaml:"pipeline_version"`
}

// ParameterConfig is one ordered invocation parameter. The three shapes are
// distinguished during unmarshalling: a missing value key is a bare flag, an
// explicit null marks a run-time-substituted placeholder, and anything else
// is a literal.
type ParameterConfig struct {
	Flag  string
	Kind  pipeline.ParameterKind
	Value string
}

// UnmarshalYAML decodes a mapping node, keeping the absent-vs-null
// distinction that a plain struct tag would lose.
func (p *ParameterConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config: pipeline parameter must be a mapping")
	}
	p.Kind = pipeline.ParameterFlagOnly
	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]
		switch keyNode.Value {
		case "flag":
			p.Flag = valueNode.Value
		case "value":
			if valueNode.Tag == "!!null" {
				p.Kind = pipeline.ParameterPlaceholder
			} else {
				p.Kind = pipeline.ParameterLiteral
				p.Value = valueNode.Value
			}
		default:
			return fmt.Errorf("config: pipeline parameter has unknown key %q", keyNode.Value)
		}
	}
	if strings.TrimSpace(p.Flag) == "" {
		return fmt.Errorf("config: pipeline parameter flag is required")
	}
	return nil
}

// Config is the validated runtime configuration.
type Config struct {
	RunDir              string             `yaml:"run_dir"`
	AnalysisOutputDir   string             `yaml:"analysis_output_dir"`
	WorkDir             string             `yaml:"work_dir"`
	StateDir            string             `yaml:"state_dir"`
	LogDir              string             `yaml:"log_dir,omitempty"`
	ExcludedRunsList    string             `yaml:"excluded_runs_list,omitempty"`
	ScanIntervalSeconds int                `yaml:"scan_interval_seconds,omitempty"`
	ScanNewestFirst     bool               `yaml:"scan_newest_first,omitempty"`
	Executable          string             `yaml:"executable,omitempty"`
	Notifications       NotificationConfig `yaml:"notifications,omitempty"`
	Pipelines           []PipelineConfig   `yaml:"pipelines"`

	graph *pipeline.Graph
}

// Load reads, normalizes, and validates the config file. Relative paths are
// resolved against the config file's directory. The pipeline graph is built
// here so a dependency cycle aborts startup before any run is touched.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: resolve %s: %w", path, err)
	}
	cfg.applyDefaults()
	cfg.normalize(base)
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	graph, err := pipeline.NewGraph(cfg.PipelineDefinitions())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.graph = graph
	return &cfg, nil
}

// ScanInterval returns the scan cadence as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

// Graph returns the validated pipeline dependency graph.
func (c *Config) Graph() *pipeline.Graph {
	return c.graph
}

// LogFilePath returns the operational log file location.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.LogDir, "autoseq.log")
}

// EventJournalPath returns the structured event journal location.
func (c *Config) EventJournalPath() string {
	return filepath.Join(c.LogDir, "events.jsonl")
}

// PipelineDefinitions converts the configured pipeline list into domain
// definitions, preserving parameter order.
func (c *Config) PipelineDefinitions() []pipeline.Definition {
	defs := make([]pipeline.Definition, 0, len(c.Pipelines))
	for _, pc := range c.Pipelines {
		def := pipeline.Definition{Name: pc.Name, Version: pc.Version}
		for _, param := range pc.Parameters {
			def.Parameters = append(def.Parameters, pipeline.Parameter{
				Flag:  param.Flag,
				Kind:  param.Kind,
				Value: param.Value,
			})
		}
		for _, dep := range pc.Dependencies {
			def.Dependencies = append(def.Dependencies, pipeline.Key{
				Name:    dep.Name,
				Version: dep.Version,
			})
		}
		defs = append(defs, def)
	}
	return defs
}

func (c *Config) applyDefaults() {
	if c.ScanIntervalSeconds == 0 {
		c.ScanIntervalSeconds = defaultScanIntervalSeconds
	}
	if strings.TrimSpace(c.Executable) == "" {
		c.Executable = "nextflow"
	}
	if strings.TrimSpace(c.LogDir) == "" && strings.TrimSpace(c.StateDir) != "" {
		c.LogDir = filepath.Join(c.StateDir, "logs")
	}
	if c.Notifications.SMTPPort == 0 {
		c.Notifications.SMTPPort = 25
	}
}

func (c *Config) normalize(base string) {
	c.RunDir = resolvePath(base, c.RunDir)
	c.AnalysisOutputDir = resolvePath(base, c.AnalysisOutputDir)
	c.WorkDir = resolvePath(base, c.WorkDir)
	c.StateDir = resolvePath(base, c.StateDir)
	c.LogDir = resolvePath(base, c.LogDir)
	c.ExcludedRunsList = resolvePath(base, c.ExcludedRunsList)
	for i := range c.Pipelines {
		c.Pipelines[i].Name = strings.TrimSpace(c.Pipelines[i].Name)
		c.Pipelines[i].Version = strings.TrimSpace(c.Pipelines[i].Version)
	}
}

func (c *Config) validate() error {
	if c.RunDir == "" {
		return fmt.Errorf("run_dir is required")
	}
	if c.AnalysisOutputDir == "" {
		return fmt.Errorf("analysis_output_dir is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if c.ScanIntervalSeconds < 1 {
		return fmt.Errorf("scan_interval_seconds must be >= 1")
	}
	if len(c.Pipelines) == 0 {
		return fmt.Errorf("at least one pipeline is required")
	}
	if c.Notifications.Enabled {
		if c.Notifications.SMTPHost == "" {
			return fmt.Errorf("notifications.smtp_host is required when notifications are enabled")
		}
		if c.Notifications.From == "" {
			return fmt.Errorf("notifications.from is required when notifications are enabled")
		}
		if len(c.Notifications.Recipients) == 0 {
			return fmt.Errorf("notifications.recipients is required when notifications are enabled")
		}
	}
	return nil
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
