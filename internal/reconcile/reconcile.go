package reconcile

import "github.com/wwwmanager/fleetdata/internal/tree"

// Mode selects how an incoming value is applied over an existing one.
type Mode string

const (
	// ModeSkip leaves matched existing entities untouched.
	ModeSkip Mode = "skip"
	// ModeOverwrite replaces matched existing entities entirely.
	ModeOverwrite Mode = "overwrite"
	// ModeMerge structurally merges incoming fields onto existing entities.
	ModeMerge Mode = "merge"
)

// ValidModes lists the accepted mode names, for input validation.
var ValidModes = []Mode{ModeSkip, ModeOverwrite, ModeMerge}

// Options parameterizes one reconciliation call.
type Options struct {
	Mode Mode

	// InsertNew inserts incoming entities whose id is absent from the
	// existing array. Independent of Mode: skip-mode still inserts.
	InsertNew bool

	// DeleteMissing removes existing entities whose id does not appear in
	// the incoming set, after all incoming entities are processed.
	DeleteMissing bool

	// SelectedIDs restricts processing to the listed entity ids. nil means
	// all incoming entities. Only meaningful for entity arrays; singleton
	// values are governed solely by the row-level enabled flag.
	SelectedIDs map[string]bool
}

// Reconcile merges incoming into existing for one key and returns the value
// to persist. The classification decides the path:
//
//   - Scalar: overwrite replaces wholesale; merge structurally merges two
//     objects (tree.Merge) and otherwise replaces; skip also yields the
//     incoming value — there is no no-op scalar mode, which matches how
//     exports have always round-tripped singleton keys.
//   - Entity array: per-entity insert/skip/overwrite/merge keyed by the
//     classified id field.
//
// Output order for entity arrays follows the existing array's order with
// inserted entities appended in incoming order. After updates this may not
// match the original file order; callers must not rely on position.
//
// Inputs are never mutated.
func Reconcile(existing, incoming tree.Value, class Class, opts Options) tree.Value {
	if !class.Entity {
		return reconcileScalar(existing, incoming, opts.Mode)
	}
	return reconcileEntities(existing, incoming, class.IDField, opts)
}

func reconcileScalar(existing, incoming tree.Value, mode Mode) tree.Value {
	if mode == ModeMerge {
		return tree.Merge(existing, incoming)
	}
	return incoming
}

// entityIndex is an insertion-ordered id->entity map.
type entityIndex struct {
	order    []string
	entities map[string]tree.Value

	// keyless existing entities cannot be addressed by id; they are kept
	// in place and survive delete-missing.
	keyless []keylessEntry
}

type keylessEntry struct {
	pos    int // index into order at time of insertion
	entity tree.Value
}

func newEntityIndex(existing tree.Value, idField string) *entityIndex {
	idx := &entityIndex{entities: make(map[string]tree.Value)}

	arr, ok := existing.(tree.Array)
	if !ok {
		return idx
	}
	for _, entity := range arr {
		id, hasID := EntityID(entity, idField)
		if !hasID {
			idx.keyless = append(idx.keyless, keylessEntry{pos: len(idx.order), entity: entity})
			continue
		}
		if _, dup := idx.entities[id]; !dup {
			idx.order = append(idx.order, id)
		}
		idx.entities[id] = entity
	}
	return idx
}

func (idx *entityIndex) set(id string, entity tree.Value) {
	if _, present := idx.entities[id]; !present {
		idx.order = append(idx.order, id)
	}
	idx.entities[id] = entity
}

func (idx *entityIndex) delete(id string) {
	if _, present := idx.entities[id]; !present {
		return
	}
	delete(idx.entities, id)
	for i, existing := range idx.order {
		if existing == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
}

func (idx *entityIndex) values() tree.Array {
	out := make(tree.Array, 0, len(idx.order)+len(idx.keyless))
	ki := 0
	for i, id := range idx.order {
		for ki < len(idx.keyless) && idx.keyless[ki].pos <= i {
			out = append(out, idx.keyless[ki].entity)
			ki++
		}
		out = append(out, idx.entities[id])
	}
	for ; ki < len(idx.keyless); ki++ {
		out = append(out, idx.keyless[ki].entity)
	}
	return out
}

func reconcileEntities(existing, incoming tree.Value, idField string, opts Options) tree.Value {
	idx := newEntityIndex(existing, idField)

	incomingArr, _ := incoming.(tree.Array)
	seen := make(map[string]bool, len(incomingArr))

	for _, entity := range incomingArr {
		id, hasID := EntityID(entity, idField)
		if !hasID {
			// Unaddressable incoming entities are dropped: they could
			// never be updated or rolled back afterwards.
			continue
		}
		seen[id] = true

		if opts.SelectedIDs != nil && !opts.SelectedIDs[id] {
			continue
		}

		current, exists := idx.entities[id]
		if !exists {
			if opts.InsertNew {
				idx.set(id, entity)
			}
			continue
		}

		switch opts.Mode {
		case ModeSkip:
			// existing entity untouched
		case ModeOverwrite:
			idx.set(id, entity)
		default: // merge is the default mode
			idx.set(id, tree.Merge(current, entity))
		}
	}

	if opts.DeleteMissing {
		for _, id := range append([]string(nil), idx.order...) {
			if !seen[id] {
				idx.delete(id)
			}
		}
	}

	return idx.values()
}
