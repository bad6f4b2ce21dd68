package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"vlmd/internal/common/fsutil"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	// Paths to the decoder weights and the vision projector (mmproj).
	ModelPath     string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ProjectorPath string `json:"projector_path" yaml:"projector_path" toml:"projector_path"`
	// Directory scanned for model assets when explicit paths are not set.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	ContextSize int  `json:"context_size" yaml:"context_size" toml:"context_size"`
	ThreadCount int  `json:"thread_count" yaml:"thread_count" toml:"thread_count"`
	UseGPU      bool `json:"use_gpu" yaml:"use_gpu" toml:"use_gpu"`
	MaxTokens   int  `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`

	// Square side the image preprocessor letterboxes to.
	TargetSize int `json:"target_size" yaml:"target_size" toml:"target_size"`

	// DebugAddr enables the local observability endpoint when non-empty.
	DebugAddr string `json:"debug_addr" yaml:"debug_addr" toml:"debug_addr"`
	LogLevel  string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg.expandPaths()
}

// expandPaths resolves '~' in every path-valued field so downstream
// preflight checks see real filesystem paths.
func (c Config) expandPaths() (Config, error) {
	for _, p := range []*string{&c.ModelPath, &c.ProjectorPath, &c.ModelsDir} {
		expanded, err := fsutil.ExpandHome(*p)
		if err != nil {
			return c, err
		}
		*p = expanded
	}
	return c, nil
}
