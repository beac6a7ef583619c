package license

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// boardsFile is the on-disk shape of the license board configuration
// file: a flat list of BoardConfig entries keyed by state code once
// loaded.
type boardsFile struct {
	Boards []BoardConfig `yaml:"boards"`
}

// LoadBoards reads a YAML file of per-state board configurations from
// path and indexes them by uppercased state code.
func LoadBoards(path string) (map[string]BoardConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("license: read board config %s: %w", path, err)
	}
	var file boardsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("license: parse board config %s: %w", path, err)
	}
	boards := make(map[string]BoardConfig, len(file.Boards))
	for _, b := range file.Boards {
		boards[strings.ToUpper(strings.TrimSpace(b.StateCode))] = b
	}
	return boards, nil
}
