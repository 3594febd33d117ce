package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
)

// LoadFile fills keys missing from p with the values of a YAML document.
// Nested mappings flatten with dots, so
//
//	tracing:
//	  endpoint: http://localhost:4318
//
// sets tracing.endpoint. Unknown keys are rejected.
func (p *Properties) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", mgmt.ErrConfiguration, path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: parse %s: %w", mgmt.ErrConfiguration, path, err)
	}
	flat := make(map[string]string)
	if err := flatten("", doc, flat); err != nil {
		return fmt.Errorf("%w: %s: %w", mgmt.ErrConfiguration, path, err)
	}

	known := make(map[string]bool, len(knownKeys))
	for _, k := range knownKeys {
		known[k] = true
	}
	for k := range flat {
		if !known[k] {
			return fmt.Errorf("%w: %s: unknown key %q", mgmt.ErrConfiguration, path, k)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range flat {
		if _, set := p.values[k]; !set {
			p.values[k] = v
		}
	}
	return nil
}

func flatten(prefix string, in map[string]any, out map[string]string) error {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch tv := v.(type) {
		case map[string]any:
			if err := flatten(key, tv, out); err != nil {
				return err
			}
		case string:
			out[key] = tv
		case int:
			out[key] = strconv.Itoa(tv)
		case bool:
			out[key] = strconv.FormatBool(tv)
		case nil:
		default:
			return fmt.Errorf("key %q: unsupported value of type %T", key, v)
		}
	}
	return nil
}
