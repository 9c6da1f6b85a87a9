package suppressor

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/autopilotstack/autopilot-engine/internal/models"
)

// ruleFile is the YAML root structure of a suppression rule pack.
type ruleFile struct {
	Rules []models.SuppressionRule `yaml:"rules"`
}

// LoadRules loads a suppression rule pack from the provided path. An empty
// path or a missing file yields no rules.
func LoadRules(path string) ([]models.SuppressionRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var cfg ruleFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	return cfg.Rules, nil
}
