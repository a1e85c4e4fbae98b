// Package app maintains the registry of embeddable application descriptors
// and resolves their placeholder URLs against the navigation context.
package app

// Type classifies how an application expects to be hosted.
type Type string

const (
	TypeWebsite Type = "website"
	TypeSPA     Type = "spa"
	TypeDesktop Type = "desktop"
)

// Params declares which navigation-context parameters an application's URL
// consumes and which defaults apply when the context is silent.
type Params struct {
	Required []string       `json:"required,omitempty" yaml:"required,omitempty"`
	Optional []string       `json:"optional,omitempty" yaml:"optional,omitempty"`
	Defaults map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Descriptor describes one embeddable application. URL may contain
// {placeholder} tokens resolved at navigation time.
type Descriptor struct {
	ID       string   `json:"id" yaml:"id" validate:"required"`
	Name     string   `json:"name" yaml:"name"`
	URL      string   `json:"url" yaml:"url" validate:"required"`
	Type     Type     `json:"type,omitempty" yaml:"type,omitempty"`
	Features []string `json:"features,omitempty" yaml:"features,omitempty"`
	Params   Params   `json:"params,omitempty" yaml:"params,omitempty"`
}

// HasFeature reports whether the descriptor declares a capability flag.
func (d Descriptor) HasFeature(name string) bool {
	for _, f := range d.Features {
		if f == name {
			return true
		}
	}
	return false
}
