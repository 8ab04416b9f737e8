package attrs

import "sort"

// Payload is a normalized attribute set built per send call.
// Params: attribute name to transport-safe value.
// Returns: immutable mapping; use With to derive a new payload.
type Payload map[string]Value

// Normalize converts an application mapping into a transport-safe payload.
// Params: values arbitrary name->value mapping (nil allowed).
// Returns: fresh payload with the same key set; never nil.
func Normalize(values map[string]any) Payload {
	out := make(Payload, len(values))
	for key, raw := range values {
		out[key] = Of(raw)
	}
	return out
}

// NormalizeKeyed converts a mapping with arbitrary comparable keys.
// Params: values mapping whose keys are coerced through Stringify.
// Returns: fresh payload; keys colliding after coercion keep one of the values.
func NormalizeKeyed[K comparable](values map[K]any) Payload {
	out := make(Payload, len(values))
	for key, raw := range values {
		out[Stringify(key)] = Of(raw)
	}
	return out
}

// With returns a copy of p with key set to value.
// Params: key attribute name; value attribute value.
// Returns: new payload; p is left untouched.
func (p Payload) With(key string, value Value) Payload {
	out := make(Payload, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out[key] = value
	return out
}

// Map unwraps the payload into float64/string values.
// Params: none.
// Returns: plain map suitable for JSON or protobuf encoding.
func (p Payload) Map() map[string]any {
	out := make(map[string]any, len(p))
	for key, value := range p {
		out[key] = value.Any()
	}
	return out
}

// Keys returns payload keys in lexical order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for key := range p {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
