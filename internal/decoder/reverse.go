package decoder

import (
	"log/slog"

	"firestige.xyz/wstap/internal/core"
	"firestige.xyz/wstap/pkg/schema"
)

// reverseMap resolves numeric message ids and type names to their namespace.
type reverseMap struct {
	byID   map[int]core.TypeRef
	byRef  map[core.TypeRef]int
	byName map[string]int
}

// buildReverseMap iterates namespaces in priority order. On an id collision
// the later namespace overwrites the earlier one, so the highest priority
// namespace is listed last. Collisions are logged and kept.
func buildReverseMap(reg schema.Registry, priority []string) *reverseMap {
	rm := &reverseMap{
		byID:   make(map[int]core.TypeRef),
		byRef:  make(map[core.TypeRef]int),
		byName: make(map[string]int),
	}
	for _, name := range priority {
		ns, ok := reg.Namespace(name)
		if !ok {
			slog.Warn("namespace not in schema registry", "namespace", name)
			continue
		}
		for typeName, id := range ns.MessageIDs() {
			ref := core.TypeRef{Namespace: name, TypeName: typeName}
			if prev, ok := rm.byID[id]; ok && prev != ref {
				slog.Warn("message id collision across namespaces",
					"id", id, "previous", prev.Composite(), "winner", ref.Composite())
			}
			rm.byID[id] = ref
			rm.byRef[ref] = id
			rm.byName[typeName] = id
		}
	}
	return rm
}

func (rm *reverseMap) lookupID(id int) (core.TypeRef, bool) {
	ref, ok := rm.byID[id]
	return ref, ok
}

// lookupName returns the id ref has in its own namespace, falling back to
// the id of the last namespace in priority order that defines the name.
func (rm *reverseMap) lookupName(ref core.TypeRef) (int, bool) {
	if id, ok := rm.byRef[ref]; ok {
		return id, true
	}
	id, ok := rm.byName[ref.TypeName]
	return id, ok
}
