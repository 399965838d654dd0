package resolver

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadOverrides reads a company -> domain table from a YAML file. JSON files
// parse as well since JSON is a subset of YAML. An empty path returns an empty
// table.
func LoadOverrides(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading overrides file: %w", err)
	}
	table := map[string]string{}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing overrides file %s: %w", path, err)
	}
	out := make(map[string]string, len(table))
	for company, domain := range table {
		key := NormalizeCompany(company)
		if key == "" {
			continue
		}
		out[key] = domain
	}
	return out, nil
}
