// Package configschema compiles pipeline config schemas and validates dataset
// config payloads against them.
package configschema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalid wraps every payload validation failure.
var ErrInvalid = errors.New("config does not match pipeline schema")

const baseURL = "https://buoy-retriever.local/schemas/"

type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile parses raw as a JSON schema. An empty schema accepts any object.
func Compile(name string, raw json.RawMessage) (*Validator, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("schema name is required")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	url := baseURL + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: schema}, nil
}

func (v *Validator) Validate(payload json.RawMessage) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrInvalid, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Cache keeps compiled validators keyed by name and schema bytes.
type Cache struct {
	mu    sync.Mutex
	items map[string]cacheEntry
}

type cacheEntry struct {
	raw       string
	validator *Validator
}

func NewCache() *Cache {
	return &Cache{items: map[string]cacheEntry{}}
}

func (c *Cache) Validate(name string, schema, payload json.RawMessage) error {
	v, err := c.get(name, schema)
	if err != nil {
		return err
	}
	return v.Validate(payload)
}

func (c *Cache) get(name string, schema json.RawMessage) (*Validator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.items[name]; ok && entry.raw == string(schema) {
		return entry.validator, nil
	}
	v, err := Compile(name, schema)
	if err != nil {
		return nil, err
	}
	c.items[name] = cacheEntry{raw: string(schema), validator: v}
	return v, nil
}
