package pipelines

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"gopkg.in/yaml.v3"
)

// Attributes are the global and per-variable NetCDF attributes of a dataset.
type Attributes struct {
	Global    map[string]any            `yaml:"global_attributes" json:"global_attributes"`
	Variables map[string]map[string]any `yaml:"variables" json:"variables"`
}

func ParseAttributes(data []byte) (Attributes, error) {
	var a Attributes
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Attributes{}, fmt.Errorf("parse attributes: %w", err)
	}
	return a, nil
}

// Merge returns a copy of a overlaid with other; other wins per key.
func (a Attributes) Merge(other Attributes) Attributes {
	out := Attributes{Global: map[string]any{}, Variables: map[string]map[string]any{}}
	for _, src := range []Attributes{a, other} {
		for k, v := range src.Global {
			out.Global[k] = v
		}
		for name, attrs := range src.Variables {
			dst, ok := out.Variables[name]
			if !ok {
				dst = map[string]any{}
				out.Variables[name] = dst
			}
			for k, v := range attrs {
				dst[k] = v
			}
		}
	}
	return out
}

// AttributesPath is where a dataset's attribute set is published.
func AttributesPath(key string) string {
	return path.Join(key, "attributes.yaml")
}

// PublishAttributes writes the attribute set next to the dataset's partitions.
func PublishAttributes(ctx context.Context, env Env, key string, attrs Attributes) error {
	data, err := yaml.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}
	objectKey := AttributesPath(key)
	if err := env.Store.Put(ctx, env.Datastore, objectKey, bytes.NewReader(data), int64(len(data)), "application/yaml"); err != nil {
		return fmt.Errorf("write %s/%s: %w", env.Datastore, objectKey, err)
	}
	return nil
}
