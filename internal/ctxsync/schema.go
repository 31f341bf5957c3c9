package ctxsync

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gitlab.com/tozd/go/errors"
)

//go:embed record_schema.json
var recordSchemaJSON []byte

var (
	recordSchemaOnce sync.Once
	recordSchema     *jsonschema.Schema
	recordSchemaErr  error
)

func compiledRecordSchema() (*jsonschema.Schema, error) {
	recordSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(recordSchemaJSON))
		if err != nil {
			recordSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("record_schema.json", doc); err != nil {
			recordSchemaErr = err
			return
		}
		recordSchema, recordSchemaErr = compiler.Compile("record_schema.json")
	})
	return recordSchema, recordSchemaErr
}

// ValidateRecord checks a record against the embedded schema before it
// is persisted or published. Catches malformed payloads locally instead
// of bouncing them off the remote on every retry.
func ValidateRecord(rec Record) error {
	schema, err := compiledRecordSchema()
	if err != nil {
		return errors.Errorf("compile record schema: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Errorf("marshal record: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return errors.Errorf("decode record: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return errors.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
