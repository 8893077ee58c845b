package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/praetor-ai/praetor/pkg/fault"
)

// LoadFile reads a manifest authored as YAML or JSON, normalizes it, and
// validates it. The returned manifest has its rules sorted but no hash
// computed; pass it to Registry.Create to enter the chain.
func LoadFile(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	var m Manifest
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		// Round-trip through YAML-to-JSON so json tags govern field names
		// in both formats.
		var doc map[string]any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest file %q is not valid YAML", path)
		}
		jsonBytes, err := json.Marshal(doc)
		if err != nil {
			return nil, fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest file %q not convertible", path)
		}
		if err := json.Unmarshal(jsonBytes, &m); err != nil {
			return nil, fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest file %q does not match schema", path)
		}
	case ".json":
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fault.Wrap(fault.CodeManifestInvalidSchema, err, "manifest file %q is not valid JSON", path)
		}
	default:
		return nil, fault.New(fault.CodeManifestInvalidSchema, "manifest file %q: unsupported extension %q", path, ext)
	}

	m.SortRules()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
