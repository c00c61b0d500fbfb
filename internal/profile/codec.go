package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// Codec validates profiles before they are written and converts them to
// and from their stored form. A Codec has no mutable state and may be
// shared between goroutines.
type Codec struct {
	validator Validator
}

// NewCodec returns a Codec that validates with v.
func NewCodec(v Validator) *Codec {
	return &Codec{validator: v}
}

// DefaultCodec validates against Schema.
func DefaultCodec() *Codec {
	return NewCodec(SchemaValidator(Schema()))
}

// Validate checks candidate against the profile schema. candidate may be
// a Profile, a map, raw JSON bytes or anything else encoding/json accepts.
// The returned error is a *ValidationError listing every violation.
func (c *Codec) Validate(candidate any) error {
	value, err := normalize(candidate)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if vs := c.validator.Validate(value); len(vs) > 0 {
		return &ValidationError{Violations: vs}
	}
	return nil
}

// Encode serializes an already validated profile.
func (c *Codec) Encode(p any) ([]byte, error) {
	switch raw := p.(type) {
	case json.RawMessage:
		return raw, nil
	case []byte:
		return raw, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding profile: %w", err)
	}
	return b, nil
}

// Decode parses stored profile bytes. It returns nil when data is nil, is
// not valid UTF-8 or is not valid JSON. The result is not validated.
func Decode(data []byte) any {
	if data == nil {
		return nil
	}
	if !utf8.Valid(data) {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// DecodeProfile is Decode followed by a lenient conversion to Profile.
// Non-object documents yield nil; fields of the wrong shape are dropped.
func DecodeProfile(data []byte) *Profile {
	v := Decode(data)
	if v == nil {
		return nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		slog.Warn("stored profile is not an object, ignoring", "type", fmt.Sprintf("%T", v))
		return nil
	}

	var p Profile
	p.Name = stringField(obj, "name")
	p.Bio = stringField(obj, "bio")
	p.Image = stringField(obj, "image")

	raw, ok := obj["links"]
	if !ok {
		return &p
	}
	items, ok := raw.([]any)
	if !ok {
		slog.Warn("malformed profile field, skipping", "field", "links")
		return &p
	}
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			slog.Warn("malformed profile link, skipping", "index", i)
			continue
		}
		url, uok := m["url"].(string)
		title, tok := m["title"].(string)
		if !uok || !tok {
			slog.Warn("malformed profile link, skipping", "index", i)
			continue
		}
		p.Links = append(p.Links, Link{URL: url, Title: title})
	}
	return &p
}

func stringField(obj map[string]any, key string) string {
	v, ok := obj[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		slog.Warn("malformed profile field, skipping", "field", key)
		return ""
	}
	return s
}

// normalize turns any Go value into the generic form produced by
// encoding/json, with numbers kept as json.Number.
func normalize(candidate any) (any, error) {
	var data []byte
	switch c := candidate.(type) {
	case json.RawMessage:
		data = c
	case []byte:
		data = c
	default:
		b, err := json.Marshal(candidate)
		if err != nil {
			return nil, err
		}
		data = b
	}
	if !json.Valid(data) {
		return nil, errors.New("not a JSON document")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
