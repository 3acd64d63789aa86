package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/mountebank-testing/imposters/internal/models"
)

// keys in imposter files may contain dots (jsonpath selectors, header
// names), so the koanf key delimiter must never appear in them
const delimiter = "\x1f"

// Config represents the structure of an imposters file
type Config struct {
	Imposters []models.ImposterConfig `json:"imposters"`
}

// Load reads an imposters file. YAML and JSON are both accepted.
func Load(path string) (*Config, error) {
	k := koanf.New(delimiter)
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	// round-trip through JSON so stub types decode with their own rules
	data, err := json.Marshal(k.Raw())
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return &config, nil
}

// Save writes imposters to path, as YAML for .yaml/.yml files and JSON
// otherwise
func Save(path string, imposters []models.ImposterConfig) error {
	config := Config{Imposters: imposters}
	if config.Imposters == nil {
		config.Imposters = []models.ImposterConfig{}
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic map[string]interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			return fmt.Errorf("failed to encode config file: %w", err)
		}
		if data, err = yamlv3.Marshal(generic); err != nil {
			return fmt.Errorf("failed to encode config file: %w", err)
		}
	default:
		data = append(data, '\n')
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
