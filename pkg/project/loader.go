package project

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads, defaults, and validates a manifest from path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// InventoryPath returns the absolute inventory table path.
func (m *Manifest) InventoryPath() string {
	return m.resolve(m.Project.Inventory)
}

// LedgerPath returns the absolute cycle ledger path.
func (m *Manifest) LedgerPath() string {
	return m.resolve(m.Project.Ledger)
}

// TemplatePath returns the absolute template directory for a stage.
func (m *Manifest) TemplatePath(s *StageConfig) string {
	return m.resolve(s.TemplateDir)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Project.Root, p)
}
