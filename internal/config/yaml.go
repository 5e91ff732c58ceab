package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// toJSON routes a raw config file to the strict JSON decoder. Files with a
// .yaml/.yml extension are round-tripped through the YAML parser into JSON
// bytes first; everything else is assumed to be JSON already. Going through
// JSON keeps DisallowUnknownFields as the single typo check for both
// formats.
func toJSON(path string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	out, err := json.Marshal(stringifyKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return out, nil
}

// stringifyKeys rewrites YAML's map[any]any nodes into map[string]any so
// the tree is JSON-marshalable.
func stringifyKeys(node any) any {
	switch v := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringifyKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringifyKeys(val)
		}
		return v
	case []any:
		for i, val := range v {
			v[i] = stringifyKeys(val)
		}
		return v
	default:
		return node
	}
}
