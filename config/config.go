package config

import (
	"os"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/metrico/lokiduck/model"
)

// LoadConfig reads a statement script from a YAML file.
func LoadConfig(filename string) (*model.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var config model.Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "parse %s", filename)
	}
	return &config, nil
}
