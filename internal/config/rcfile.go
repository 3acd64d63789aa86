package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Options are the settings of the mb process
type Options struct {
	Port                int      `koanf:"port" validate:"min=1,max=65535"`
	Host                string   `koanf:"host"`
	LogLevel            string   `koanf:"loglevel" validate:"oneof=debug info warn error"`
	AllowInjection      bool     `koanf:"allowInjection"`
	LocalOnly           bool     `koanf:"localOnly"`
	IPWhitelist         string   `koanf:"ipWhitelist" validate:"required"`
	Origin              []string `koanf:"origin"`
	APIKey              string   `koanf:"apikey"`
	ConfigFile          string   `koanf:"configfile"`
	PidFile             string   `koanf:"pidfile" validate:"required"`
	LogFile             string   `koanf:"logfile"`
	NoLogFile           bool     `koanf:"nologfile"`
	DataDir             string   `koanf:"datadir"`
	ImpostersRepository string   `koanf:"impostersRepository" validate:"omitempty,oneof=memory file"`
	Debug               bool     `koanf:"debug"`
}

// Defaults returns the options mb starts with when nothing overrides them
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":        2525,
		"host":        "",
		"loglevel":    "info",
		"ipWhitelist": "*",
		"pidfile":     "mb.pid",
		"logfile":     "mb.log",
	}
}

// LoadOptions layers defaults, the rc file (when given) and explicitly set
// command line flags, then validates the result
func LoadOptions(rcFile string, flags map[string]interface{}) (*Options, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if rcFile != "" {
		if err := loadRCFile(k, rcFile); err != nil {
			return nil, err
		}
	}

	for key, value := range flags {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	var options Options
	if err := k.Unmarshal("", &options); err != nil {
		return nil, fmt.Errorf("error unmarshaling options: %w", err)
	}
	if options.ImpostersRepository == "" {
		options.ImpostersRepository = "memory"
		if options.DataDir != "" {
			options.ImpostersRepository = "file"
		}
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&options); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return &options, nil
}

// Whitelist returns the addresses the admin API and imposters accept
func (o *Options) Whitelist() []string {
	if o.LocalOnly {
		return []string{"127.0.0.1", "::1", "localhost"}
	}
	return strings.Split(o.IPWhitelist, "|")
}

func loadRCFile(k *koanf.Koanf, path string) error {
	var err error
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = k.Load(file.Provider(path), yaml.Parser())
	} else {
		err = k.Load(rcProvider(path), nil)
	}
	if err != nil {
		return fmt.Errorf("error loading rc file: %w", err)
	}
	return nil
}

// rcProvider reads "key value" lines; a key without a value is a flag set
// to true
type rcProvider string

func (p rcProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("rc file provider does not support ReadBytes")
}

func (p rcProvider) Read() (map[string]interface{}, error) {
	values, err := ParseRCFile(string(p))
	if err != nil {
		return nil, err
	}
	result := make(map[string]interface{}, len(values))
	for key, value := range values {
		result[key] = value
	}
	return result, nil
}

// ParseRCFile parses a run commands file into raw key/value strings
func ParseRCFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, " ")
		value = strings.TrimSpace(value)
		if !found || value == "" {
			value = "true"
		}
		values[strings.TrimPrefix(key, "--")] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}
