package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// ErrInvalidProfile matches every error returned by Codec.Validate.
var ErrInvalidProfile = errors.New("invalid profile")

// Violation is a single schema failure. Path is empty for the document
// root, otherwise slash-separated without a leading slash ("links/1/url").
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return "profile " + v.Message
	}
	return fmt.Sprintf("Field '%s' %s", v.Path, v.Message)
}

// ValidationError lists every violation found in a candidate profile.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("Invalid profile:")
	for _, v := range e.Violations {
		b.WriteString("\n - ")
		b.WriteString(v.String())
	}
	return b.String()
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidProfile
}

// Validator checks a decoded JSON value (map[string]any, []any, string,
// json.Number, bool or nil) and reports every violation it finds, in a
// stable order.
type Validator interface {
	Validate(value any) []Violation
}

// SchemaValidator interprets the type, required, properties and items
// keywords of s. Other keywords are ignored.
func SchemaValidator(s *jsonschema.Schema) Validator {
	return schemaValidator{root: s}
}

type schemaValidator struct {
	root *jsonschema.Schema
}

func (v schemaValidator) Validate(value any) []Violation {
	var out []Violation
	walk(v.root, value, nil, &out)
	return out
}

var pointerEscaper = strings.NewReplacer("~", "~0", "/", "~1")

func walk(s *jsonschema.Schema, value any, path []string, out *[]Violation) {
	if s == nil {
		return
	}
	if s.Type != "" && !hasType(value, s.Type) {
		*out = append(*out, violation(path, "must be "+s.Type))
		return
	}

	switch val := value.(type) {
	case map[string]any:
		for _, name := range s.Required {
			if _, ok := val[name]; !ok {
				*out = append(*out, violation(path, fmt.Sprintf("must have required property '%s'", name)))
			}
		}
		if s.Properties == nil {
			return
		}
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			child, ok := val[pair.Key]
			if !ok {
				continue
			}
			walk(pair.Value, child, appendPath(path, pointerEscaper.Replace(pair.Key)), out)
		}
	case []any:
		for i, item := range val {
			walk(s.Items, item, appendPath(path, strconv.Itoa(i)), out)
		}
	}
}

func appendPath(path []string, seg string) []string {
	next := make([]string, len(path), len(path)+1)
	copy(next, path)
	return append(next, seg)
}

func violation(path []string, msg string) Violation {
	return Violation{Path: strings.Join(path, "/"), Message: msg}
}

func hasType(value any, typ string) bool {
	switch typ {
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	case "number":
		switch value.(type) {
		case json.Number, float64:
			return true
		}
		return false
	case "integer":
		switch n := value.(type) {
		case json.Number:
			_, err := n.Int64()
			return err == nil
		case float64:
			return n == float64(int64(n))
		}
		return false
	}
	return true
}
