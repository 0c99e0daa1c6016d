package validate

import (
	"bufio"
	"bytes"
	"embed"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// Embedded schema names.
const (
	SchemaReceiptEnvelope = "receipt_envelope"
	SchemaLedgerEntry     = "ledger_entry"
	SchemaReconcileLedger = "reconcile_ledger"
)

//go:embed schemas/v1/*.schema.json
var embeddedSchemas embed.FS

var compiled struct {
	sync.Mutex
	schemas map[string]*jsonschema.Schema
}

// ValidateJSON validates data against one of the embedded schemas.
func ValidateJSON(name string, data []byte) error {
	schema, err := embeddedSchema(name)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateJSONL validates every non-empty line of data against an embedded schema.
func ValidateJSONL(name string, data []byte) error {
	schema, err := embeddedSchema(name)
	if err != nil {
		return err
	}
	return validateJSONL(schema, data)
}

// ValidateJSONFile validates a JSON file against a schema file on disk.
func ValidateJSONFile(schemaPath, jsonPath string) error {
	schema, err := loadSchemaFile(schemaPath)
	if err != nil {
		return err
	}
	// #nosec G304 -- explicit local path supplied by caller.
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return validateJSON(schema, data)
}

// SchemaBytes returns the raw embedded schema document.
func SchemaBytes(name string) ([]byte, error) {
	raw, err := embeddedSchemas.ReadFile("schemas/v1/" + name + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("unknown schema %q: %w", name, err)
	}
	return raw, nil
}

func embeddedSchema(name string) (*jsonschema.Schema, error) {
	compiled.Lock()
	defer compiled.Unlock()
	if schema, ok := compiled.schemas[name]; ok {
		return schema, nil
	}
	raw, err := SchemaBytes(name)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema(raw)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	if compiled.schemas == nil {
		compiled.schemas = map[string]*jsonschema.Schema{}
	}
	compiled.schemas[name] = schema
	return schema, nil
}

func loadSchemaFile(schemaPath string) (*jsonschema.Schema, error) {
	// #nosec G304 -- explicit local path supplied by caller.
	data, err := os.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return compileSchema(data)
}

func compileSchema(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}

// Names lists the embedded schema names.
func Names() []string {
	return []string{SchemaReceiptEnvelope, SchemaLedgerEntry, SchemaReconcileLedger}
}

// Ready compiles the named embedded schema.
func Ready(name string) error {
	_, err := embeddedSchema(name)
	return err
}
