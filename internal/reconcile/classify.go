package reconcile

import "github.com/wwwmanager/fleetdata/internal/tree"

// classifySampleSize bounds how many leading elements are inspected when
// deciding whether an array holds uniquely-identified entities.
const classifySampleSize = 5

// Class is the tagged classification of a stored value: either an entity
// array keyed by IDField, or a scalar (singleton) value. It is computed
// once per key and threaded through reconciliation, diffing, rollback, and
// purge instead of being re-inferred at each step.
type Class struct {
	Entity  bool
	IDField string // "id" or "code"; empty when Entity is false or undecidable
}

// Scalar is the classification for singleton values.
var Scalar = Class{}

// Classify inspects a value and decides whether it is an entity array.
//
// An array qualifies when its sampled elements (up to the first 5) are all
// objects uniformly exposing an "id" or "code" field. The empty array
// qualifies vacuously, with no id field decided. "id" is preferred over
// "code" when both appear.
func Classify(v tree.Value) Class {
	arr, ok := v.(tree.Array)
	if !ok {
		return Scalar
	}
	if len(arr) == 0 {
		return Class{Entity: true}
	}

	sample := arr
	if len(sample) > classifySampleSize {
		sample = sample[:classifySampleSize]
	}

	allID, allCode := true, true
	for _, elem := range sample {
		obj, isObj := elem.(tree.Object)
		if !isObj {
			return Scalar
		}
		if _, has := obj["id"]; !has {
			allID = false
		}
		if _, has := obj["code"]; !has {
			allCode = false
		}
		if !allID && !allCode {
			return Scalar
		}
	}

	if allID {
		return Class{Entity: true, IDField: "id"}
	}
	return Class{Entity: true, IDField: "code"}
}

// ClassifyPair classifies a key from its incoming value first, falling back
// to the existing value. The incoming side decides the id field when it can;
// an empty incoming array inherits the field inferred from existing data.
func ClassifyPair(existing, incoming tree.Value) Class {
	in := Classify(incoming)
	ex := Classify(existing)

	if !in.Entity && !ex.Entity {
		return Scalar
	}
	// One entity side is enough only when the other side is absent or
	// empty; an entity array incoming onto a scalar singleton (or vice
	// versa) replaces it wholesale, which is scalar semantics.
	if in.Entity && !ex.Entity && existing != nil {
		if _, isNull := existing.(tree.Null); !isNull {
			return Scalar
		}
	}
	if ex.Entity && !in.Entity && incoming != nil {
		if _, isNull := incoming.(tree.Null); !isNull {
			return Scalar
		}
	}

	c := Class{Entity: true, IDField: in.IDField}
	if c.IDField == "" {
		c.IDField = ex.IDField
	}
	if c.IDField == "" {
		c.IDField = "id"
	}
	return c
}

// EntityID extracts the entity's id under the classified field as a string
// map key. String and number ids are supported; anything else (or a missing
// field) yields ok=false and the entity is treated as unaddressable.
func EntityID(entity tree.Value, idField string) (string, bool) {
	obj, isObj := entity.(tree.Object)
	if !isObj {
		return "", false
	}
	switch id := obj[idField].(type) {
	case tree.String:
		return string(id), true
	case tree.Number:
		return string(id), true
	default:
		return "", false
	}
}
