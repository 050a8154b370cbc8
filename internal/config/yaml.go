package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// coerceToJSONBytes turns a YAML document into JSON so both formats go
// through the same strict decoder. JSON input is returned untouched. The
// second result names the source format.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	if !isYAMLPath(path) {
		return data, "json", nil
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc any
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	var extra any
	switch err := dec.Decode(&extra); {
	case err == nil:
		return nil, "yaml", errors.New("invalid config: multiple yaml documents")
	case !errors.Is(err, io.EOF):
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	out, err := json.Marshal(jsonCompatible(doc))
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return out, "yaml", nil
}

// jsonCompatible rewrites non-string map keys (yaml allows `1: x`) so the
// tree can be marshaled as JSON.
func jsonCompatible(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case map[string]any:
		for k, val := range x {
			x[k] = jsonCompatible(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = jsonCompatible(val)
		}
		return x
	}
	return v
}
