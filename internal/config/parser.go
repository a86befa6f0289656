package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseConfig loads a configuration file from disk, applies defaults,
// validates it, and returns the resulting model.
func ParseConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, mboxerrors.NewParseError(fmt.Sprintf("cannot read config %s", path), path, err)
	}
	return ParseConfigBytes(data)
}

// ParseConfigBytes parses a raw YAML document.
func ParseConfigBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		if line := extractLine(err); line > 0 {
			return nil, mboxerrors.NewParseError(fmt.Sprintf("invalid YAML at line %d", line), string(data), err)
		}
		return nil, mboxerrors.NewParseError("invalid YAML", string(data), err)
	}

	cfg.applyDefaults()
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}
	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}
	var line int
	if _, scanErr := fmt.Sscanf(matches[1], "%d", &line); scanErr != nil {
		return 0
	}
	return line
}
