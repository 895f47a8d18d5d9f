package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Section names accepted by ValidateDocument.
const (
	SectionRateLimit         = "rate_limit"
	SectionRetry             = "retry"
	SectionTimeout           = "timeout"
	SectionCircuitBreaker    = "circuit_breaker"
	SectionConcurrency       = "concurrency"
	SectionConnectorSettings = "connector_settings"
)

var sectionSchemas = map[string]string{
	SectionRateLimit: `{
		"type": "object",
		"properties": {
			"max_requests": {"type": "integer", "minimum": 0},
			"interval_ms": {"type": "integer", "minimum": 0},
			"scope": {"enum": ["connector", "tenant"]}
		}
	}`,
	SectionRetry: `{
		"type": "object",
		"properties": {
			"max_attempts": {"type": "integer", "minimum": 1},
			"base_ms": {"type": "integer", "minimum": 0},
			"max_ms": {"type": "integer", "minimum": 0}
		}
	}`,
	SectionTimeout: `{
		"type": "object",
		"properties": {
			"total_ms": {"type": ["integer", "string"]}
		}
	}`,
	SectionCircuitBreaker: `{
		"type": "object",
		"properties": {
			"enabled": {"type": "boolean"},
			"failure_threshold": {"type": "integer", "minimum": 0},
			"window_ms": {"type": "integer", "minimum": 0},
			"open_ms": {"type": "integer", "minimum": 0}
		}
	}`,
	SectionConcurrency: `{"type": "object"}`,
	SectionConnectorSettings: `{
		"type": "object",
		"properties": {
			"base_url": {"type": "string"},
			"method": {"type": "string"},
			"auth_header": {"type": "string"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(sectionSchemas))
		for name, text := range sectionSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				compileErr = fmt.Errorf("parse %s schema: %w", name, err)
				return
			}
			url := name + ".json"
			if err := c.AddResource(url, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", name, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			out[name] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateDocument checks one policy section or connector settings document.
// An empty document is valid.
func ValidateDocument(section string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	all, err := schemas()
	if err != nil {
		return err
	}
	sch, ok := all[section]
	if !ok {
		return fmt.Errorf("unknown section %q", section)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s: invalid json: %w", section, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%s: %w", section, err)
	}
	return nil
}
