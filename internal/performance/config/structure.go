package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func configSchema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("schema.json")
	})
	return compiledSchema, compiledSchemaErr
}

// ValidateStructure checks a raw YAML or JSON document against the
// configuration schema. It catches unknown keys and wrong types before the
// document is decoded. YAML is a superset of JSON, so both formats go through
// the YAML decoder.
func ValidateStructure(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// round-trip through JSON so the validator sees JSON types
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config document must be a mapping with string keys: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var instance interface{}
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("failed to re-encode config: %w", err)
	}

	schema, err := configSchema()
	if err != nil {
		return err
	}

	if err := schema.Validate(instance); err != nil {
		var verr *jsonschema.ValidationError
		if !errors.As(err, &verr) {
			return err
		}
		errs := &ValidationErrors{}
		collectSchemaErrors(verr, errs)
		if !errs.HasErrors() {
			errs.Add("", verr.Error())
		}
		return errs
	}
	return nil
}

// collectSchemaErrors flattens the cause tree into leaf errors.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *ValidationErrors) {
	if len(err.Causes) == 0 {
		errs.Add(fieldPath(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// fieldPath turns a JSON pointer such as /stages/0/target into
// stages[0].target.
func fieldPath(pointer string) string {
	if pointer == "" || pointer == "/" {
		return ""
	}
	var sb strings.Builder
	for _, part := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		part = strings.ReplaceAll(strings.ReplaceAll(part, "~1", "/"), "~0", "~")
		if isIndex(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
