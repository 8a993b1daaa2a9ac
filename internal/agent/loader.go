package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadBlueprints scans dir for custom agent subdirectories. Each one holds
// a blueprint.yaml and optionally a prompt.md that replaces system_prompt.
// The subdirectory name is the default blueprint ID. A missing dir yields
// no blueprints and no error.
func LoadBlueprints(dir string) ([]*Blueprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading blueprint directory %s: %w", dir, err)
	}

	var bps []*Blueprint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		bp, err := loadBlueprint(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("loading blueprint %s: %w", entry.Name(), err)
		}
		if bp == nil {
			continue
		}
		if bp.ID == "" {
			bp.ID = entry.Name()
		}
		bps = append(bps, bp)
	}
	return bps, nil
}

func loadBlueprint(dir string) (*Blueprint, error) {
	data, err := os.ReadFile(filepath.Join(dir, "blueprint.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading blueprint.yaml: %w", err)
	}

	var bp Blueprint
	if err := yaml.Unmarshal(data, &bp); err != nil {
		return nil, fmt.Errorf("parsing blueprint.yaml in %s: %w", dir, err)
	}
	if len(bp.Capabilities) == 0 {
		return nil, fmt.Errorf("blueprint in %s declares no capabilities", dir)
	}

	if prompt, err := os.ReadFile(filepath.Join(dir, "prompt.md")); err == nil {
		bp.SystemPrompt = strings.TrimSpace(string(prompt))
	}
	return &bp, nil
}
