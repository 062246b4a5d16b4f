package konfig

import (
	_ "embed"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// ValidationError is one schema violation with the field path that
// caused it.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// SchemaError aggregates all violations found in one validation pass.
type SchemaError []ValidationError

// Error implements the error interface.
func (e SchemaError) Error() string {
	msgs := make([]string, len(e))
	for i, v := range e {
		msgs[i] = v.Error()
	}
	return "config schema: " + strings.Join(msgs, "; ")
}

// ValidateSchema checks raw YAML config bytes against the embedded
// CUE schema. All violations are returned, not just the first.
func ValidateSchema(raw []byte) []ValidationError {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("invalid YAML: %v", err)}}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	// An explicit null means "unset"; it must not conflict with the
	// field's schema type.
	pruneNulls(doc)

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE)
	if err := schema.Err(); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("compile schema: %v", err)}}
	}

	value := ctx.Encode(doc)
	if err := value.Err(); err != nil {
		return []ValidationError{{Message: fmt.Sprintf("encode config: %v", err)}}
	}

	unified := schema.Unify(value)
	err := unified.Validate(cue.Concrete(false))
	if err == nil {
		return nil
	}

	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		path := strings.Join(e.Path(), ".")
		format, args := e.Msg()
		out = append(out, ValidationError{
			Field:   path,
			Message: fmt.Sprintf(format, args...),
		})
	}
	return out
}

// pruneNulls removes nil-valued keys and list entries recursively.
func pruneNulls(doc map[string]any) {
	for k, v := range doc {
		switch val := v.(type) {
		case nil:
			delete(doc, k)
		case map[string]any:
			pruneNulls(val)
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					pruneNulls(m)
				}
			}
		}
	}
}
