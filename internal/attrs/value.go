package attrs

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Kind identifies the transport type of one normalized attribute value.
// Params: none.
// Returns: enum value for string/number values.
type Kind uint8

const (
	// KindString marks values transported as text.
	KindString Kind = iota
	// KindNumber marks values transported as a float64 number.
	KindNumber
)

// Value is a transport-safe attribute value: either a number or a string.
// Params: built with Number, String, or Of.
// Returns: tagged value consumed by sinks.
type Value struct {
	kind Kind
	num  float64
	str  string
}

// Number builds a numeric attribute value.
// Params: value number payload.
// Returns: value tagged KindNumber.
func Number(value float64) Value {
	return Value{kind: KindNumber, num: value}
}

// String builds a text attribute value.
// Params: value text payload.
// Returns: value tagged KindString.
func String(value string) Value {
	return Value{kind: KindString, str: value}
}

// Of classifies an arbitrary application value.
// Params: raw any Go value.
// Returns: KindNumber value for numeric runtime types, KindString value otherwise.
func Of(raw any) Value {
	if number, ok := numeric(raw); ok {
		return Number(number)
	}
	return String(Stringify(raw))
}

// Kind returns the value tag.
func (v Value) Kind() Kind {
	return v.kind
}

// Float returns the numeric payload; zero for string values.
func (v Value) Float() float64 {
	return v.num
}

// Text returns the string payload; empty for numeric values.
func (v Value) Text() string {
	return v.str
}

// Any unwraps the value into float64 or string.
// Params: none.
// Returns: float64 for numbers, string for text.
func (v Value) Any() any {
	switch v.kind {
	case KindNumber:
		return v.num
	default:
		return v.str
	}
}

// String renders the value the way Stringify renders its payload.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return formatFloat(v.num)
	default:
		return v.str
	}
}

// Stringify converts any value into its string form.
// Params: raw any Go value.
// Returns: text form; nil becomes "null", numbers use shortest decimal form.
func Stringify(raw any) string {
	switch typed := raw.(type) {
	case nil:
		return "null"
	case string:
		return typed
	case []byte:
		return string(typed)
	case bool:
		return strconv.FormatBool(typed)
	case int:
		return strconv.FormatInt(int64(typed), 10)
	case int8:
		return strconv.FormatInt(int64(typed), 10)
	case int16:
		return strconv.FormatInt(int64(typed), 10)
	case int32:
		return strconv.FormatInt(int64(typed), 10)
	case int64:
		return strconv.FormatInt(typed, 10)
	case uint:
		return strconv.FormatUint(uint64(typed), 10)
	case uint8:
		return strconv.FormatUint(uint64(typed), 10)
	case uint16:
		return strconv.FormatUint(uint64(typed), 10)
	case uint32:
		return strconv.FormatUint(uint64(typed), 10)
	case uint64:
		return strconv.FormatUint(typed, 10)
	case float32:
		return formatFloat(float64(typed))
	case float64:
		return formatFloat(typed)
	case Value:
		return typed.String()
	}

	// fmt recovers panics raised by Error/String methods.
	return fmt.Sprint(raw)
}

// numeric reports whether raw has a numeric runtime type.
// Params: raw any Go value.
// Returns: float64 representation and true for numeric kinds.
func numeric(raw any) (float64, bool) {
	switch typed := raw.(type) {
	case nil:
		return 0, false
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case uint32:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		return parsed, true
	case Value:
		return typed.num, typed.kind == KindNumber
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

// formatFloat renders a float the way a dynamic runtime prints numbers.
// Params: value number.
// Returns: "NaN", "Infinity", "-Infinity", or shortest decimal text.
func formatFloat(value float64) string {
	switch {
	case math.IsNaN(value):
		return "NaN"
	case math.IsInf(value, 1):
		return "Infinity"
	case math.IsInf(value, -1):
		return "-Infinity"
	}

	abs := math.Abs(value)
	if abs >= 1e21 || (abs != 0 && abs < 1e-6) {
		return strconv.FormatFloat(value, 'g', -1, 64)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
