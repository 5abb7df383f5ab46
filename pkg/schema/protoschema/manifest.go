package protoschema

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Default descriptor names looked up in every package.
const (
	DefaultIDEnum     = "MessageId"
	DefaultWrapper    = "Wrapper"
	DefaultTopicField = "topic"
	DefaultBodyField  = "body"
)

// Manifest customizes how proto packages map onto namespaces.
//
//	namespaces:
//	  - package: webcast.im
//	    name: im
//	    id_enum: MessageId
//	    id_prefix: ID_
//	    wrapper: Wrapper
//	    topic_field: method
//	    body_field: payload
type Manifest struct {
	Namespaces []NamespaceSpec `yaml:"namespaces"`
}

// NamespaceSpec describes one namespace. Empty fields take the defaults above.
type NamespaceSpec struct {
	Package    string `yaml:"package"`
	Name       string `yaml:"name,omitempty"`
	IDEnum     string `yaml:"id_enum,omitempty"`
	IDPrefix   string `yaml:"id_prefix,omitempty"`
	Wrapper    string `yaml:"wrapper,omitempty"`
	TopicField string `yaml:"topic_field,omitempty"`
	BodyField  string `yaml:"body_field,omitempty"`
}

// LoadManifest reads a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest parses YAML manifest content.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	for i := range m.Namespaces {
		if m.Namespaces[i].Package == "" {
			return nil, fmt.Errorf("manifest namespaces[%d]: package is required", i)
		}
	}
	return &m, nil
}

// spec returns the spec for pkg, with defaults applied.
func (m *Manifest) spec(pkg string) NamespaceSpec {
	s := NamespaceSpec{Package: pkg}
	if m != nil {
		for _, cand := range m.Namespaces {
			if cand.Package == pkg {
				s = cand
				break
			}
		}
	}
	if s.Name == "" {
		s.Name = pkg
	}
	if s.IDEnum == "" {
		s.IDEnum = DefaultIDEnum
	}
	if s.Wrapper == "" {
		s.Wrapper = DefaultWrapper
	}
	if s.TopicField == "" {
		s.TopicField = DefaultTopicField
	}
	if s.BodyField == "" {
		s.BodyField = DefaultBodyField
	}
	return s
}

// restricts reports whether the manifest limits the registry to listed packages.
func (m *Manifest) restricts() bool {
	return m != nil && len(m.Namespaces) > 0
}
