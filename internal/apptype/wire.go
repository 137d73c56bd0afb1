package apptype

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/opengin-core-go/internal/errors"
)

// wireTimeLayouts are accepted on decode, tried in order. Times without a
// zone are taken as UTC.
var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// invalid marks a decode failure as a validation error.
func invalid(err error, field string) error {
	return errors.Mark(errors.Wrap(err, field), errors.ErrValidation)
}

// ParseTime parses a wire timestamp.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range wireTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.NewValidationError("unrecognised timestamp %q", s)
}

// ParseOptionalTime parses s, treating the empty string as absent.
func ParseOptionalTime(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := ParseTime(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeTime(raw json.RawMessage, field string, required bool) (*time.Time, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if required {
			return nil, errors.NewValidationError("%s is required", field)
		}
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, invalid(err, field)
	}
	t, err := ParseOptionalTime(s)
	if err != nil {
		return nil, invalid(err, field)
	}
	if t == nil && required {
		return nil, errors.NewValidationError("%s is required", field)
	}
	return t, nil
}

// DecodeValue decodes an opaque JSON value keeping numbers as json.Number so
// that 0 and 0.0 stay distinguishable.
func DecodeValue(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// UnmarshalJSON accepts an empty-string endTime as null.
func (v *TimeBasedValue) UnmarshalJSON(data []byte) error {
	var aux struct {
		StartTime json.RawMessage `json:"startTime"`
		EndTime   json.RawMessage `json:"endTime"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return invalid(err, "time based value")
	}
	start, err := decodeTime(aux.StartTime, "startTime", false)
	if err != nil {
		return err
	}
	end, err := decodeTime(aux.EndTime, "endTime", false)
	if err != nil {
		return err
	}
	value, err := DecodeValue(aux.Value)
	if err != nil {
		return invalid(err, "value")
	}
	*v = TimeBasedValue{Value: value, EndTime: end}
	if start != nil {
		v.StartTime = *start
	}
	return nil
}

// UnmarshalJSON accepts an empty-string endTime as null.
func (r *Relationship) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID              string          `json:"id"`
		RelatedEntityID string          `json:"relatedEntityId"`
		Name            string          `json:"name"`
		StartTime       json.RawMessage `json:"startTime"`
		EndTime         json.RawMessage `json:"endTime"`
		Direction       Direction       `json:"direction"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return invalid(err, "relationship")
	}
	start, err := decodeTime(aux.StartTime, "startTime", false)
	if err != nil {
		return err
	}
	end, err := decodeTime(aux.EndTime, "endTime", false)
	if err != nil {
		return err
	}
	*r = Relationship{
		ID:              aux.ID,
		RelatedEntityID: aux.RelatedEntityID,
		Name:            aux.Name,
		EndTime:         end,
		Direction:       aux.Direction,
	}
	if start != nil {
		r.StartTime = *start
	}
	return nil
}

// keyValue is the list form used by ingestion clients for metadata,
// attributes and relationships.
type keyValue struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// decodeKeyed calls fn for every entry of raw, which may be a JSON object or
// a list of {"key", "value"} pairs.
func decodeKeyed(raw json.RawMessage, field string, fn func(key string, value json.RawMessage) error) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	switch raw[0] {
	case '{':
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return invalid(err, field)
		}
		for k, v := range m {
			if err := fn(k, v); err != nil {
				return err
			}
		}
	case '[':
		var list []keyValue
		if err := json.Unmarshal(raw, &list); err != nil {
			return invalid(err, field)
		}
		for _, kv := range list {
			if err := fn(kv.Key, kv.Value); err != nil {
				return err
			}
		}
	default:
		return errors.NewValidationError("%s must be an object or a list of key/value pairs", field)
	}
	return nil
}

// decodeAttributeValues accepts either a bare list of versions or the
// {"values": [...]} wrapper.
func decodeAttributeValues(raw json.RawMessage) ([]TimeBasedValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '{' {
		var wrapper struct {
			Values []TimeBasedValue `json:"values"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return nil, err
		}
		return wrapper.Values, nil
	}
	var values []TimeBasedValue
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// UnmarshalJSON decodes both the map form and the list form of metadata,
// attributes and relationships.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID            string          `json:"id"`
		Kind          Kind            `json:"kind"`
		Created       json.RawMessage `json:"created"`
		Terminated    json.RawMessage `json:"terminated"`
		Name          *TimeBasedValue `json:"name"`
		Metadata      json.RawMessage `json:"metadata"`
		Attributes    json.RawMessage `json:"attributes"`
		Relationships json.RawMessage `json:"relationships"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return invalid(err, "entity")
	}
	created, err := decodeTime(aux.Created, "created", false)
	if err != nil {
		return err
	}
	terminated, err := decodeTime(aux.Terminated, "terminated", false)
	if err != nil {
		return err
	}

	out := Entity{
		ID:         aux.ID,
		Kind:       aux.Kind,
		Terminated: terminated,
		Name:       aux.Name,
	}
	if created != nil {
		out.Created = *created
	}

	err = decodeKeyed(aux.Metadata, "metadata", func(key string, value json.RawMessage) error {
		v, err := DecodeValue(value)
		if err != nil {
			return invalid(err, fmt.Sprintf("metadata %q", key))
		}
		if out.Metadata == nil {
			out.Metadata = make(map[string]any)
		}
		out.Metadata[key] = v
		return nil
	})
	if err != nil {
		return err
	}

	err = decodeKeyed(aux.Attributes, "attributes", func(key string, value json.RawMessage) error {
		values, err := decodeAttributeValues(value)
		if err != nil {
			return invalid(err, fmt.Sprintf("attribute %q", key))
		}
		if out.Attributes == nil {
			out.Attributes = make(map[string][]TimeBasedValue)
		}
		out.Attributes[key] = append(out.Attributes[key], values...)
		return nil
	})
	if err != nil {
		return err
	}

	err = decodeKeyed(aux.Relationships, "relationships", func(key string, value json.RawMessage) error {
		var rel Relationship
		if err := json.Unmarshal(value, &rel); err != nil {
			return invalid(err, fmt.Sprintf("relationship %q", key))
		}
		id := rel.ID
		if id == "" {
			id = key
			rel.ID = key
		}
		if out.Relationships == nil {
			out.Relationships = make(map[string]Relationship)
		}
		if _, dup := out.Relationships[id]; dup && id != "" {
			return errors.NewValidationError("duplicate relationship id %q", id)
		}
		out.Relationships[id] = rel
		return nil
	})
	if err != nil {
		return err
	}

	*e = out
	return nil
}
