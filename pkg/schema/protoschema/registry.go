// Package protoschema implements schema.Registry on top of protobuf descriptors.
//
// Every proto package becomes a namespace. A package may declare a MessageId
// enum (or a MessageId message holding one nested enum) whose value names are
// message type names, and a Wrapper message carrying a string topic and a
// bytes body. Message types decode into dynamicpb messages.
package protoschema

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"firestige.xyz/wstap/pkg/schema"
)

// Namespace is one proto package.
type Namespace struct {
	spec     NamespaceSpec
	ids      map[string]int
	wrapper  *envelopeCodec
	messages map[string]*messageCodec
}

// MessageIDs implements schema.Namespace.
func (n *Namespace) MessageIDs() map[string]int { return n.ids }

// Envelope implements schema.Namespace.
func (n *Namespace) Envelope() schema.EnvelopeCodec {
	if n.wrapper == nil {
		return nil
	}
	return n.wrapper
}

// Message implements schema.Namespace.
func (n *Namespace) Message(typeName string) (schema.MessageCodec, bool) {
	c, ok := n.messages[typeName]
	if !ok {
		return nil, false
	}
	return c, true
}

// Package returns the proto package backing the namespace.
func (n *Namespace) Package() string { return n.spec.Package }

// Registry is a schema.Registry built from protobuf files.
type Registry struct {
	order []string
	items map[string]*Namespace
}

// Namespaces implements schema.Registry.
func (r *Registry) Namespaces() []string { return slices.Clone(r.order) }

// Namespace implements schema.Registry.
func (r *Registry) Namespace(name string) (schema.Namespace, bool) {
	ns, ok := r.items[name]
	if !ok {
		return nil, false
	}
	return ns, true
}

// LoadDescriptorSet reads a binary FileDescriptorSet (protoc --descriptor_set_out).
func LoadDescriptorSet(path string, m *Manifest) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor set %s: %w", path, err)
	}
	var fds descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &fds); err != nil {
		return nil, fmt.Errorf("failed to parse descriptor set %s: %w", path, err)
	}
	return FromDescriptorSet(&fds, m)
}

// FromDescriptorSet builds a registry from an in-memory descriptor set.
func FromDescriptorSet(fds *descriptorpb.FileDescriptorSet, m *Manifest) (*Registry, error) {
	files, err := protodesc.NewFiles(fds)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve descriptors: %w", err)
	}
	return FromFiles(files, m)
}

// FromFiles builds a registry from resolved files. Namespace order follows
// the manifest when it lists packages, otherwise file registration order.
func FromFiles(files *protoregistry.Files, m *Manifest) (*Registry, error) {
	var packages []string
	byPkg := make(map[string][]protoreflect.FileDescriptor)
	files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		pkg := string(fd.Package())
		if _, seen := byPkg[pkg]; !seen {
			packages = append(packages, pkg)
		}
		byPkg[pkg] = append(byPkg[pkg], fd)
		return true
	})

	if m.restricts() {
		packages = packages[:0]
		for _, s := range m.Namespaces {
			if _, ok := byPkg[s.Package]; !ok {
				return nil, fmt.Errorf("manifest package %q not found in descriptors", s.Package)
			}
			packages = append(packages, s.Package)
		}
	}

	reg := &Registry{items: make(map[string]*Namespace)}
	for _, pkg := range packages {
		ns, err := buildNamespace(m.spec(pkg), byPkg[pkg])
		if err != nil {
			return nil, err
		}
		if _, dup := reg.items[ns.spec.Name]; dup {
			return nil, fmt.Errorf("duplicate namespace name %q", ns.spec.Name)
		}
		reg.order = append(reg.order, ns.spec.Name)
		reg.items[ns.spec.Name] = ns
	}
	return reg, nil
}

func buildNamespace(spec NamespaceSpec, fds []protoreflect.FileDescriptor) (*Namespace, error) {
	ns := &Namespace{
		spec:     spec,
		messages: make(map[string]*messageCodec),
	}

	var idEnum protoreflect.EnumDescriptor
	for _, fd := range fds {
		msgs := fd.Messages()
		for i := 0; i < msgs.Len(); i++ {
			md := msgs.Get(i)
			name := string(md.Name())
			ns.messages[name] = &messageCodec{desc: md}

			switch name {
			case spec.Wrapper:
				codec, err := newEnvelopeCodec(md, spec.TopicField, spec.BodyField)
				if err != nil {
					return nil, fmt.Errorf("namespace %s: %w", spec.Name, err)
				}
				ns.wrapper = codec
			case spec.IDEnum:
				if md.Enums().Len() > 0 {
					idEnum = md.Enums().Get(0)
				}
			}
		}
		if ed := fd.Enums().ByName(protoreflect.Name(spec.IDEnum)); ed != nil {
			idEnum = ed
		}
	}

	if idEnum != nil {
		ns.ids = make(map[string]int)
		values := idEnum.Values()
		for i := 0; i < values.Len(); i++ {
			v := values.Get(i)
			name := strings.TrimPrefix(string(v.Name()), spec.IDPrefix)
			if _, known := ns.messages[name]; !known {
				slog.Debug("message id without message type", "namespace", spec.Name, "name", name)
			}
			ns.ids[name] = int(v.Number())
		}
	}
	return ns, nil
}

// FileSource polls for a descriptor set file until it can be loaded.
type FileSource struct {
	Path     string
	Manifest *Manifest

	reg     *Registry
	lastErr string
}

// Load implements schema.Source.
func (s *FileSource) Load() (schema.Registry, bool) {
	if s.reg != nil {
		return s.reg, true
	}
	reg, err := LoadDescriptorSet(s.Path, s.Manifest)
	if err != nil {
		if msg := err.Error(); msg != s.lastErr {
			s.lastErr = msg
			slog.Debug("schema not available yet", "path", s.Path, "error", err)
		}
		return nil, false
	}
	s.reg = reg
	return reg, true
}
