package sysheader

// Merge applies patch onto target using deep-merge-with-array-union
// (spec §4.5):
//   - a nil patch value is ignored (leaves target's value untouched);
//   - an explicit JSON null (represented here by the sentinel NullValue)
//     overrides target's value with nil;
//   - plain-object + plain-object recurses key by key;
//   - array + (array | singleton) unions: primitives deduped by equality
//     (first-seen order), objects matched by "id"/"_id" when present
//     (recursive merge on match), else by deep equality (merge), else
//     appended;
//   - anything else: the patch value replaces target's value.
//
// Merge is associative within one call, but callers applying a sequence of
// patches must batch or serialize them to get a deterministic final state.
func Merge(target, patch interface{}) interface{} {
	if patch == nil {
		return target
	}
	if patch == NullValue {
		return nil
	}

	targetMap, targetIsMap := target.(map[string]interface{})
	patchMap, patchIsMap := patch.(map[string]interface{})
	if targetIsMap && patchIsMap {
		return mergeMaps(targetMap, patchMap)
	}

	targetArr, targetIsArr := target.([]interface{})
	if targetIsArr {
		if patchArr, ok := patch.([]interface{}); ok {
			return mergeArrays(targetArr, patchArr)
		}
		return mergeArrays(targetArr, []interface{}{patch})
	}

	return patch
}

// NullValue is the sentinel a caller passes as a patch value to represent
// an explicit JSON null, distinguishing "field not present in the patch"
// (Go nil, ignored) from "field explicitly nulled" (override to nil).
var NullValue = &struct{ name string }{name: "null"}

func mergeMaps(target, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(target)+len(patch))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			continue
		}
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, v)
		} else if v == NullValue {
			out[k] = nil
		} else {
			out[k] = v
		}
	}
	return out
}

func mergeArrays(target, patch []interface{}) []interface{} {
	out := make([]interface{}, len(target))
	copy(out, target)

	for _, p := range patch {
		switch pv := p.(type) {
		case map[string]interface{}:
			out = unionObject(out, pv)
		default:
			out = unionPrimitive(out, p)
		}
	}
	return out
}

func unionPrimitive(arr []interface{}, v interface{}) []interface{} {
	for _, existing := range arr {
		if deepEqual(existing, v) {
			return arr
		}
	}
	return append(arr, v)
}

func unionObject(arr []interface{}, obj map[string]interface{}) []interface{} {
	id, hasID := objectID(obj)
	if hasID {
		for i, existing := range arr {
			existingMap, ok := existing.(map[string]interface{})
			if !ok {
				continue
			}
			existingID, ok := objectID(existingMap)
			if ok && existingID == id {
				arr[i] = mergeMaps(existingMap, obj)
				return arr
			}
		}
		return append(arr, obj)
	}

	for i, existing := range arr {
		existingMap, ok := existing.(map[string]interface{})
		if ok && deepEqual(existingMap, obj) {
			arr[i] = mergeMaps(existingMap, obj)
			return arr
		}
	}
	return append(arr, obj)
}

func objectID(obj map[string]interface{}) (interface{}, bool) {
	if id, ok := obj["id"]; ok {
		return id, true
	}
	if id, ok := obj["_id"]; ok {
		return id, true
	}
	return nil, false
}

func deepEqual(a, b interface{}) bool {
	switch av := a.(type) {
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !deepEqual(v, bvv) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
