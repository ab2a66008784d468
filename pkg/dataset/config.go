package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/synaptica-ai/ehrpipe/pkg/table"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid dataset config")
	ErrUnknownTable  = errors.New("unknown table")
	ErrFileNotFound  = errors.New("table file not found")
)

// ConfigError marks problems with the declarative dataset description as
// opposed to I/O failures.
type ConfigError struct {
	reason error
}

func (e ConfigError) Error() string {
	return e.reason.Error()
}

func (e ConfigError) Unwrap() error {
	return e.reason
}

func IsConfigError(err error) bool {
	var ce ConfigError
	return errors.As(err, &ce)
}

func configErrorf(format string, args ...interface{}) error {
	return ConfigError{reason: fmt.Errorf(format, args...)}
}

// Columns accepts either a single column name or a list of names.
type Columns []string

func (c *Columns) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s == "" {
			*c = nil
		} else {
			*c = Columns{s}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("line %d: timestamp must be a column name or a list of names", node.Line)
	}
}

type JoinConfig struct {
	FilePath string   `yaml:"file_path" json:"file_path"`
	On       string   `yaml:"on" json:"on"`
	How      string   `yaml:"how" json:"how"`
	Columns  []string `yaml:"columns" json:"columns"`
}

type TableConfig struct {
	FilePath        string       `yaml:"file_path" json:"file_path"`
	PatientID       string       `yaml:"patient_id,omitempty" json:"patient_id,omitempty"`
	Timestamp       Columns      `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	TimestampFormat string       `yaml:"timestamp_format,omitempty" json:"timestamp_format,omitempty"`
	Attributes      []string     `yaml:"attributes" json:"attributes"`
	Join            []JoinConfig `yaml:"join,omitempty" json:"join,omitempty"`
}

func (t TableConfig) clone() TableConfig {
	out := t
	out.Timestamp = append(Columns(nil), t.Timestamp...)
	out.Attributes = append([]string(nil), t.Attributes...)
	out.Join = make([]JoinConfig, len(t.Join))
	for i, j := range t.Join {
		j.Columns = append([]string(nil), j.Columns...)
		out.Join[i] = j
	}
	return out
}

type Config struct {
	Version string                 `yaml:"version" json:"version"`
	Tables  map[string]TableConfig `yaml:"tables" json:"tables"`
}

// LoadConfig reads and validates a dataset config file.
func LoadConfig(path string) (Config, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read dataset config: %w", err)
	}
	return ParseConfig(content)
}

func ParseConfig(content []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, configErrorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks everything that can be checked without touching disk.
func (c Config) Validate() error {
	if len(c.Tables) == 0 {
		return configErrorf("%w: no tables configured", ErrInvalidConfig)
	}
	for _, name := range c.TableNames() {
		t := c.Tables[name]
		if strings.TrimSpace(name) == "" {
			return configErrorf("%w: empty table name", ErrInvalidConfig)
		}
		if strings.TrimSpace(t.FilePath) == "" {
			return configErrorf("%w: table %s: file_path required", ErrInvalidConfig, name)
		}
		for i, j := range t.Join {
			if strings.TrimSpace(j.FilePath) == "" {
				return configErrorf("%w: table %s join %d: file_path required", ErrInvalidConfig, name, i)
			}
			if strings.TrimSpace(j.On) == "" {
				return configErrorf("%w: table %s join %d: on required", ErrInvalidConfig, name, i)
			}
			if _, err := table.ParseJoinHow(j.How); err != nil {
				return configErrorf("%w: table %s join %d: %v", ErrInvalidConfig, name, i, err)
			}
		}
	}
	return nil
}

// TableNames lists configured tables in sorted order.
func (c Config) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for name := range c.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) Table(name string) (TableConfig, error) {
	t, ok := c.Tables[name]
	if !ok {
		return TableConfig{}, configErrorf("%w: %s", ErrUnknownTable, name)
	}
	return t.clone(), nil
}

// Clone returns a deep copy so callers cannot mutate a loaded config.
func (c Config) Clone() Config {
	out := Config{Version: c.Version, Tables: make(map[string]TableConfig, len(c.Tables))}
	for name, t := range c.Tables {
		out.Tables[name] = t.clone()
	}
	return out
}
