// Package flatten implements decomposing a nested JSON document into a
// flat accumulator of per-object revisions keyed by identifier, and the
// inverse. The accumulator is an *ojson.Map rather than a generic
// hash map, to keep every encoded object's field order stable for
// re-hashing, and every operation returns an explicit error instead of
// panicking on malformed input.
package flatten

import (
	"strings"

	"deltacrdt/internal/common"
	"deltacrdt/internal/digest"
	"deltacrdt/internal/ojson"
)

// Accumulator is the per-object map a flatten/unflatten pass builds up
// or consumes, keyed by object or array-descriptor identifier.
type Accumulator map[string]*ojson.Map

// Flatten decomposes value (rooted at path, empty for the document
// root) into c, returning the flattened representation value's parent
// field should hold in its place: an identifier string for an object,
// a recursively-flattened array, an escaped string, or a scalar passed
// through unchanged.
//
// Only fields whose key ends in the flatten suffix are recursed into;
// every other field's value is carried into the stored object
// untouched, including nested objects and arrays — the flatten suffix
// is what triggers promotion into a separately-addressed stored
// object, not mere nesting.
func Flatten(c Accumulator, value any, path []string) (any, error) {
	switch v := value.(type) {
	case string:
		return common.StringEscapePrefix + v, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			flattened, err := Flatten(c, elem, path)
			if err != nil {
				return nil, err
			}
			out[i] = flattened
		}
		return out, nil
	case *ojson.Map:
		return flattenObject(c, v, path)
	default:
		return value, nil
	}
}

func flattenObject(c Accumulator, obj *ojson.Map, path []string) (any, error) {
	uuid, err := generateIdentifier(obj, path)
	if err != nil {
		return nil, err
	}

	fpath := appendPath(path, uuid)
	stored := ojson.NewMap()

	for _, key := range obj.Keys() {
		if key == common.IdentifierFieldKey {
			continue
		}
		val, _ := obj.Get(key)

		if !strings.HasSuffix(key, common.FlattenSuffix) {
			stored.Set(key, val)
			continue
		}

		childPath := appendPath(fpath, key)
		flattened, err := Flatten(c, val, childPath)
		if err != nil {
			return nil, err
		}

		arr, isArray := flattened.([]any)
		if !isArray {
			stored.Set(key, flattened)
			continue
		}

		descUUID := common.ArrayDescPrefix + digest.String(strings.Join(childPath, ""))
		descriptor := ojson.NewMap()
		descriptor.Set(common.ArrayDescOrderField, arr)
		c[descUUID] = descriptor
		stored.Set(key, descUUID)
	}

	c[uuid] = stored
	return uuid, nil
}

// generateIdentifier computes the identifier an object at path should
// use: an explicit _id field's value (validated not to collide with
// the array-descriptor namespace), the reserved root identifier when
// path is empty, or the digest of the joined path otherwise.
func generateIdentifier(obj *ojson.Map, path []string) (string, error) {
	if raw, ok := obj.Get(common.IdentifierFieldKey); ok {
		s, ok := raw.(string)
		if !ok {
			return "", common.NewError(common.ErrMalformedInput, "invalid_user_object_identifier")
		}
		if strings.HasPrefix(s, common.ArrayDescPrefix) {
			return "", common.NewError(common.ErrMalformedInput, "user_object_identifier_cannot_begin_with_array_descriptor_prefix")
		}
		return s, nil
	}
	if len(path) == 0 {
		return common.RootID, nil
	}
	return digest.String(strings.Join(path, "")), nil
}

func appendPath(path []string, next string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = next
	return out
}

// Unflatten is the inverse of Flatten: given a flattened value (an
// identifier string, an array, or an object), it rebuilds the original
// nested JSON value, consuming entries from c as it resolves them —
// every identifier is used at most once; a dangling reference in a
// field resolves to JSON null, while an array-descriptor element whose
// identifier is missing (or not a string) is dropped from the array.
func Unflatten(c Accumulator, value any) any {
	switch v := value.(type) {
	case string:
		if strings.HasPrefix(v, common.StringEscapePrefix) {
			return strings.TrimPrefix(v, common.StringEscapePrefix)
		}
		if strings.HasPrefix(v, common.ArrayDescPrefix) {
			return unflattenArrayDescriptor(c, v)
		}
		obj, ok := c[v]
		if !ok {
			return nil
		}
		delete(c, v)
		return Unflatten(c, obj)
	case []any:
		out := make([]any, 0, len(v))
		for _, elem := range v {
			out = append(out, Unflatten(c, elem))
		}
		return out
	case *ojson.Map:
		out := ojson.NewMap()
		for _, key := range v.Keys() {
			val, _ := v.Get(key)
			if !strings.HasSuffix(key, common.FlattenSuffix) {
				out.Set(key, val)
				continue
			}
			out.Set(key, Unflatten(c, val))
		}
		return out
	default:
		return value
	}
}

func unflattenArrayDescriptor(c Accumulator, uuid string) any {
	descriptor, ok := c[uuid]
	delete(c, uuid)
	if !ok {
		return nil
	}
	rawOrder, ok := descriptor.Get(common.ArrayDescOrderField)
	if !ok {
		return nil
	}
	order, ok := rawOrder.([]any)
	if !ok {
		return nil
	}

	out := make([]any, 0, len(order))
	for _, elemID := range order {
		id, ok := elemID.(string)
		if !ok {
			continue
		}
		obj, ok := c[id]
		if !ok {
			continue
		}
		delete(c, id)
		out = append(out, Unflatten(c, obj))
	}
	return out
}
