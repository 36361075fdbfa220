package splittunnel

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/yllada/vpn-orchestrator/common"
)

// FileStore persists app rules to a YAML file.
type FileStore struct {
	path string
}

// NewFileStore returns a store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

type rulesFile struct {
	Rules []AppRule `yaml:"rules"`
}

// LoadRules reads the rules file. A missing file means no rules.
func (s *FileStore) LoadRules() (map[string]common.SplitMode, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]common.SplitMode{}, nil
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make(map[string]common.SplitMode, len(f.Rules))
	for _, r := range f.Rules {
		rules[r.App] = r.Mode
	}
	return rules, nil
}

// SaveRules writes the rules file atomically.
func (s *FileStore) SaveRules(rules map[string]common.SplitMode) error {
	f := rulesFile{Rules: sortedRules(rules)}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to serialize rules: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write rules file: %w", err)
	}
	return nil
}
