package tree

// Merge recursively merges incoming onto existing and returns the result.
//
// Rules:
//   - both sides Object: merge per field, recursing where both field values
//     are again Objects; any other field collision is won by incoming
//   - arrays are replaced wholesale, never merged element-wise
//   - any non-object pairing: incoming replaces existing
//
// Inputs are never mutated; shared subtrees of the inputs may be aliased in
// the result, so callers must treat Values as immutable.
func Merge(existing, incoming Value) Value {
	exObj, exOK := existing.(Object)
	inObj, inOK := incoming.(Object)
	if !exOK || !inOK {
		return incoming
	}

	out := make(Object, len(exObj)+len(inObj))
	for k, v := range exObj {
		out[k] = v
	}
	for k, inV := range inObj {
		if exV, ok := out[k]; ok {
			out[k] = Merge(exV, inV)
		} else {
			out[k] = inV
		}
	}
	return out
}

// Equal reports deep structural equality of two values.
// Numbers compare by literal: "1.0" and "1" are NOT equal. Import payloads
// come from JSON round-trips of the same writer, so literals are stable.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil, Null:
		_, isNull := b.(Null)
		return isNull || b == nil
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Number:
		bv, ok := b.(Number)
		return ok && av == bv
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvk, present := bv[k]
			if !present || !Equal(v, bvk) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
