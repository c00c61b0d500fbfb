package profile

import (
	"encoding/json"
	"testing"
)

func TestSchema_Shape(t *testing.T) {
	s := Schema()
	if s.Version != Draft07 {
		t.Errorf("Version = %q, want %q", s.Version, Draft07)
	}
	if s.Type != "object" {
		t.Fatalf("root type = %q, want object", s.Type)
	}
	if len(s.Required) != 0 {
		t.Errorf("root required = %v, want none", s.Required)
	}

	var keys []string
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	want := []string{"name", "bio", "image", "links"}
	if len(keys) != len(want) {
		t.Fatalf("properties = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("property[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	links, ok := s.Properties.Get("links")
	if !ok || links.Type != "array" || links.Items == nil {
		t.Fatalf("links schema = %+v", links)
	}
	item := links.Items
	if item.Type != "object" {
		t.Errorf("link type = %q, want object", item.Type)
	}
	if len(item.Required) != 2 || item.Required[0] != "title" || item.Required[1] != "url" {
		t.Errorf("link required = %v, want [title url]", item.Required)
	}
	var linkKeys []string
	for pair := item.Properties.Oldest(); pair != nil; pair = pair.Next() {
		linkKeys = append(linkKeys, pair.Key)
		if pair.Value.Type != "string" {
			t.Errorf("link %s type = %q, want string", pair.Key, pair.Value.Type)
		}
	}
	if len(linkKeys) != 2 || linkKeys[0] != "url" || linkKeys[1] != "title" {
		t.Errorf("link properties = %v, want [url title]", linkKeys)
	}
}

func TestSchemaJSON(t *testing.T) {
	b, err := SchemaJSON()
	if err != nil {
		t.Fatalf("SchemaJSON: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if doc["$schema"] != Draft07 {
		t.Errorf("$schema = %v", doc["$schema"])
	}
	if _, ok := doc["$ref"]; ok {
		t.Error("schema root should be inlined, found $ref")
	}
}
