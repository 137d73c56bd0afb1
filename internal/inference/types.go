// Package inference classifies attribute values: type inference decides the
// primitive or semantic type of a value, storage inference decides how an
// attribute's shape is laid out in the relational store.
package inference

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/apptype"
	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// TypeInfo describes the inferred type of a value. For arrays Type equals
// ArrayElementType.
type TypeInfo struct {
	Type             apptype.DataType    `json:"type"`
	IsNullable       bool                `json:"isNullable"`
	IsArray          bool                `json:"isArray"`
	ArrayElementType apptype.DataType    `json:"arrayElementType,omitempty"`
	PropertyTypes    map[string]TypeInfo `json:"propertyTypes,omitempty"`
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02-01-2006",
	"02/01/2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"15:04:05.999999999",
	"15:04:05Z07:00",
	"3:04PM",
	"3:04 PM",
	"3:04:05 PM",
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC822,
	time.RFC822Z,
}

func matchesAny(s string, layouts []string) bool {
	for _, layout := range layouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// StringType classifies a string as date, time, datetime or plain string,
// testing the patterns in that order.
func StringType(s string) apptype.DataType {
	s = strings.TrimSpace(s)
	if s == "" {
		return apptype.TypeString
	}
	switch {
	case matchesAny(s, dateLayouts):
		return apptype.TypeDate
	case matchesAny(s, timeLayouts):
		return apptype.TypeTime
	case matchesAny(s, dateTimeLayouts):
		return apptype.TypeDateTime
	}
	return apptype.TypeString
}

// NumberType classifies a number by its original text: a decimal point or
// exponent makes it a float, so "0.0" is float while "0" is int.
func NumberType(n json.Number) apptype.DataType {
	if strings.ContainsAny(string(n), ".eE") {
		return apptype.TypeFloat
	}
	return apptype.TypeInt
}

// Infer returns the type of raw. It fails only when raw cannot be
// represented as JSON.
func Infer(raw any) (TypeInfo, error) {
	v, err := Normalize(raw)
	if err != nil {
		return TypeInfo{}, err
	}
	return infer(v), nil
}

// InferJSON infers the type of a JSON document.
func InferJSON(data []byte) (TypeInfo, error) {
	v, err := apptype.DecodeValue(data)
	if err != nil {
		return TypeInfo{}, errors.NewValidationError("malformed JSON value: %v", err)
	}
	return Infer(v)
}

// infer expects a normalised value.
func infer(v any) TypeInfo {
	switch x := v.(type) {
	case nil:
		return TypeInfo{Type: apptype.TypeNull, IsNullable: true}
	case json.Number:
		return TypeInfo{Type: NumberType(x)}
	case bool:
		return TypeInfo{Type: apptype.TypeBool}
	case string:
		return TypeInfo{Type: StringType(x)}
	case []any:
		info := TypeInfo{IsArray: true, ArrayElementType: apptype.TypeString}
		found := false
		for _, e := range x {
			if e == nil {
				info.IsNullable = true
				continue
			}
			if !found {
				elem := infer(e)
				info.ArrayElementType = elem.Type
				found = true
			}
		}
		info.Type = info.ArrayElementType
		return info
	case map[string]any:
		props := make(map[string]TypeInfo, len(x))
		for k, e := range x {
			props[k] = infer(e)
		}
		return TypeInfo{Type: apptype.TypeMap, PropertyTypes: props}
	}
	return TypeInfo{Type: apptype.TypeString}
}

// IsPrimitive reports whether a normalised value is a JSON primitive.
func IsPrimitive(v any) bool {
	switch v.(type) {
	case nil, bool, string, json.Number:
		return true
	}
	return false
}

// Widen returns the narrowest type able to hold values of both a and b. Null
// widens to the other type; int and float widen to float; any other mix
// widens to string.
func Widen(a, b apptype.DataType) apptype.DataType {
	switch {
	case a == b:
		return a
	case a == apptype.TypeNull || a == "":
		return b
	case b == apptype.TypeNull || b == "":
		return a
	case (a == apptype.TypeInt && b == apptype.TypeFloat) || (a == apptype.TypeFloat && b == apptype.TypeInt):
		return apptype.TypeFloat
	}
	return apptype.TypeString
}
