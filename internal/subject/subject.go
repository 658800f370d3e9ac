// Package subject defines the typed subject model carried inside access
// tokens. Each deployment declares a schema per subject type; the issuer
// validates properties against the schema when minting, and clients
// re-validate when decoding.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Validator checks and normalizes the properties payload for one subject
// type. It returns the validated value that will be embedded in tokens.
type Validator func(properties any) (any, error)

// Schemas maps subject type names to their validators.
type Schemas map[string]Validator

// Subject is a tagged record identifying who a token was issued for.
type Subject struct {
	// Type names a key in the deployment's subject schemas.
	Type string `json:"type"`

	// ID keys the refresh-token graph. Derived from properties when the
	// caller does not assign one.
	ID string `json:"id"`

	// Properties is the schema-validated payload.
	Properties any `json:"properties"`
}

// ErrUnknownType is returned when a subject names a type no schema covers.
var ErrUnknownType = errors.New("subject: unknown subject type")

// Registry validates subjects against the declared schemas.
type Registry struct {
	schemas Schemas
}

// NewRegistry creates a registry over the given schemas.
func NewRegistry(schemas Schemas) *Registry {
	return &Registry{schemas: schemas}
}

// Types returns the declared subject type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Validate checks properties against the schema for subjectType and
// returns a complete Subject. When id is empty the subject ID is a
// deterministic hash of the validated properties, so the same identity
// always lands on the same refresh-token chain.
func (r *Registry) Validate(subjectType, id string, properties any) (*Subject, error) {
	validator, ok := r.schemas[subjectType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, subjectType)
	}

	validated, err := validator(properties)
	if err != nil {
		return nil, fmt.Errorf("subject properties rejected for type %q: %w", subjectType, err)
	}

	if id == "" {
		id, err = PropertiesID(validated)
		if err != nil {
			return nil, err
		}
	}

	return &Subject{Type: subjectType, ID: id, Properties: validated}, nil
}

// PropertiesID derives a stable subject ID from a properties value. The
// value is canonicalized through JSON (object keys sorted) before
// hashing, so field order in the input never changes the ID.
func PropertiesID(properties any) (string, error) {
	canonical, err := canonicalize(properties)
	if err != nil {
		return "", fmt.Errorf("subject: failed to canonicalize properties: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalize round-trips the value through generic JSON so maps
// marshal with sorted keys regardless of the original Go type.
func canonicalize(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
