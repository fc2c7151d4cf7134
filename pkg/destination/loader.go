package destination

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a destination from a YAML or JSON file and validates it.
// A HEC token written as "${VAR}" is taken from the environment.
func LoadFile(path string) (*Destination, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination file: %w", err)
	}
	d, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if d.ID == "" {
		d.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if d.HEC != nil {
		d.HEC.Token = os.ExpandEnv(d.HEC.Token)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// Parse decodes a destination document without validating it.
func Parse(data []byte, format string) (*Destination, error) {
	var d Destination
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "json":
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode destination json: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode destination yaml: %w", err)
		}
	}
	return &d, nil
}
