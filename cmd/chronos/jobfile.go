package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// jobFile is the on-disk shape of a saved backup/restore job description.
// CLI flags always take precedence over a loaded job file's fields.
type jobFile struct {
	Source            string `yaml:"source"`
	Destination       string `yaml:"destination"`
	Target            string `yaml:"target"`
	CompressionEffort int    `yaml:"compressionEffort"`
	UseSnapshot       bool   `yaml:"useSnapshot"`
	VerifyDuring      bool   `yaml:"verifyDuring"`
	ForceOverwrite    bool   `yaml:"forceOverwrite"`
}

func loadJobFile(path string) (*jobFile, error) {
	if path == "" {
		return &jobFile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file %s: %w", path, err)
	}
	var jf jobFile
	if err := yaml.Unmarshal(data, &jf); err != nil {
		return nil, fmt.Errorf("parse job file %s: %w", path, err)
	}
	return &jf, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
