package profile

import (
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Path is where the profile document lives inside a drive.
const Path = "/profile.json"

// Profile is the public card a peer publishes about itself.
type Profile struct {
	Name  string `json:"name,omitempty"`
	Bio   string `json:"bio,omitempty"`
	Image string `json:"image,omitempty"`
	Links []Link `json:"links,omitempty"`
}

// Link is a titled URL shown on a profile.
type Link struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// JSONSchemaExtend pins the order violations are reported in: missing
// properties title first, then type errors for url before title.
func (Link) JSONSchemaExtend(s *jsonschema.Schema) {
	s.Required = []string{"title", "url"}

	props := orderedmap.New[string, *jsonschema.Schema]()
	for _, name := range []string{"url", "title"} {
		if p, ok := s.Properties.Get(name); ok {
			props.Set(name, p)
		}
	}
	s.Properties = props
}
