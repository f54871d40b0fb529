package index

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// manifestSchema validates the decompressed manifest JSON before any field
// is trusted. Share-type-specific fields stay optional here; the builder
// and decryptor enforce which combination is required.
const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "share_type", "folder_id", "created_at", "encrypted_data", "public_key", "signature"],
  "properties": {
    "version": {"type": "string"},
    "share_type": {"enum": ["open", "allow_listed", "password_protected"]},
    "folder_id": {"type": "string", "minLength": 1},
    "created_at": {"type": "string"},
    "created_by": {"type": "string"},
    "encrypted_data": {"type": "string", "minLength": 1},
    "public_key": {"type": "string", "minLength": 1},
    "signature": {"type": "string", "minLength": 1},
    "encryption_key": {"type": "string"},
    "owner_wrapped_key": {"type": "string"},
    "access_commitments": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["commitment_hash", "zk_proof_params", "wrapped_key"],
        "properties": {
          "commitment_hash": {"type": "string"},
          "salt": {"type": "string"},
          "zk_proof_params": {"type": "object"},
          "verification_key": {"type": "string"},
          "wrapped_key": {"type": "string"}
        }
      }
    },
    "salt": {"type": "string"},
    "password_hint": {"type": "string"}
  }
}`

// accessStringSchema validates a decoded access-string envelope.
const accessStringSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["v", "share_id", "share_type", "folder_id", "index"],
  "properties": {
    "v": {"type": "integer", "minimum": 1},
    "share_id": {"type": "string", "minLength": 1},
    "share_type": {"enum": ["open", "allow_listed", "password_protected"]},
    "folder_id": {"type": "string", "minLength": 1},
    "created": {"type": "string"},
    "index": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"enum": ["single", "multi"]},
        "message_id": {"type": "string"},
        "newsgroup": {"type": "string"},
        "subject": {"type": "string"},
        "total": {"type": "integer"},
        "segments": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["index", "message_id"],
            "properties": {
              "index": {"type": "integer", "minimum": 0},
              "message_id": {"type": "string", "minLength": 1},
              "newsgroup": {"type": "string"},
              "subject": {"type": "string"},
              "size": {"type": "integer"}
            }
          }
        }
      }
    }
  }
}`

var (
	schemaOnce             sync.Once
	compiledManifest       *jsonschema.Schema
	compiledAccessEnvelope *jsonschema.Schema
	schemaErr              error
)

func compileSchemas() {
	compiledManifest, schemaErr = jsonschema.CompileString("manifest.schema.json", manifestSchema)
	if schemaErr != nil {
		return
	}
	compiledAccessEnvelope, schemaErr = jsonschema.CompileString("access-string.schema.json", accessStringSchema)
}

// ValidateManifestJSON checks raw manifest JSON against the schema.
func ValidateManifestJSON(raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile schemas: %w", schemaErr)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	if err := compiledManifest.Validate(instance); err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	return nil
}

// ValidateAccessEnvelopeJSON checks a decoded access-string envelope
// against the schema.
func ValidateAccessEnvelopeJSON(raw []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return fmt.Errorf("compile schemas: %w", schemaErr)
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("parse access string: %w", err)
	}
	if err := compiledAccessEnvelope.Validate(instance); err != nil {
		return fmt.Errorf("access string schema: %w", err)
	}
	return nil
}
