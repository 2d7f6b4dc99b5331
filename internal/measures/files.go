package measures

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"measureforge/internal/logging"
	"measureforge/internal/types"
)

// LoadDir reads every .yaml/.yml measure file in dir into the collection.
// Files that fail to parse are skipped with a warning so one bad file cannot
// block the whole import.
func (c *Collection) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read measures dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isMeasureFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := LoadFile(path)
		if err != nil {
			logging.LibraryWarn("Skipping measure file %s: %v", entry.Name(), err)
			continue
		}
		if err := c.Put(m); err != nil {
			logging.LibraryWarn("Skipping measure file %s: %v", entry.Name(), err)
			continue
		}
		loaded++
	}
	logging.Library("Loaded %d measures from %s", loaded, dir)
	return loaded, nil
}

// LoadFile parses a single YAML measure file.
func LoadFile(path string) (*types.Measure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var m types.Measure
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("measure file %s has no id", path)
	}
	return &m, nil
}

// SaveDir writes every measure back to dir as <id>.yaml. Used after a linking
// pass or a merge rewrite so the on-disk measures match the collection.
func (c *Collection) SaveDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create measures dir: %w", err)
	}
	for _, m := range c.All() {
		data, err := yaml.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal measure %s: %w", m.ID, err)
		}
		path := filepath.Join(dir, m.ID+".yaml")
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return nil
}

func isMeasureFile(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
