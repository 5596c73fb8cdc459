package headers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValidationError reports a malformed record. It never aborts a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid record: " + e.Reason
	}
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Reason)
}

// Record is one classification input.
type Record struct {
	ID      string `json:"id,omitempty"`
	Headers Set    `json:"headers"`
}

type rawRecord struct {
	ID      string          `json:"id"`
	Headers json.RawMessage `json:"headers"`
}

type rawBatch struct {
	Requests json.RawMessage `json:"requests"`
}

// ParseRecord decodes {"headers": [[name, value], ...]}. The object form
// {"headers": {"Name": "value"}} is accepted too, keeping key order.
func ParseRecord(data []byte) (Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, &ValidationError{Reason: "record must be a JSON object"}
	}

	set, err := parseHeaders(raw.Headers)
	if err != nil {
		return Record{ID: raw.ID}, err
	}
	return Record{ID: raw.ID, Headers: set}, nil
}

// ParseBatch splits {"requests": [...]} into raw records. Records are not
// decoded here so a malformed one can fail on its own.
func ParseBatch(data []byte) ([]json.RawMessage, error) {
	var batch rawBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse batch: %w", err)
	}
	if isNull(batch.Requests) {
		return nil, errors.New("parse batch: requests field is required")
	}

	var records []json.RawMessage
	if err := json.Unmarshal(batch.Requests, &records); err != nil {
		return nil, errors.New("parse batch: requests must be a list")
	}
	return records, nil
}

func parseHeaders(raw json.RawMessage) (Set, error) {
	if isNull(raw) {
		return nil, &ValidationError{Field: "headers", Reason: "is required"}
	}

	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '[':
		return parsePairs(trimmed)
	case '{':
		return parseObject(trimmed)
	default:
		return nil, &ValidationError{Field: "headers", Reason: "must be a list of [name, value] pairs"}
	}
}

func parsePairs(raw []byte) (Set, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &ValidationError{Field: "headers", Reason: "must be a list of [name, value] pairs"}
	}

	set := make(Set, 0, len(entries))
	for i, entry := range entries {
		var pair []json.RawMessage
		if err := json.Unmarshal(entry, &pair); err != nil || len(pair) != 2 {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("headers[%d]", i),
				Reason: "must be a [name, value] string pair",
			}
		}
		name, okName := decodeString(pair[0])
		value, okValue := decodeString(pair[1])
		if !okName || !okValue {
			return nil, &ValidationError{
				Field:  fmt.Sprintf("headers[%d]", i),
				Reason: "must be a [name, value] string pair",
			}
		}
		set = append(set, Header{Name: name, Value: value})
	}
	return set, nil
}

func parseObject(raw []byte) (Set, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return nil, &ValidationError{Field: "headers", Reason: "is not valid JSON"}
	}

	var set Set
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &ValidationError{Field: "headers", Reason: "is not valid JSON"}
		}
		name, _ := tok.(string)

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, &ValidationError{Field: "headers", Reason: "is not valid JSON"}
		}

		if single, ok := decodeString(value); ok {
			set = append(set, Header{Name: name, Value: single})
			continue
		}
		invalid := &ValidationError{
			Field:  fmt.Sprintf("headers.%s", name),
			Reason: "must be a string or list of strings",
		}
		var multi []json.RawMessage
		if isNull(value) || json.Unmarshal(value, &multi) != nil {
			return nil, invalid
		}
		for _, item := range multi {
			v, ok := decodeString(item)
			if !ok {
				return nil, invalid
			}
			set = append(set, Header{Name: name, Value: v})
		}
	}
	return set, nil
}

// MarshalJSON encodes the set as a list of pairs so order and duplicates
// survive a round trip.
func (s Set) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, len(s))
	for i, h := range s {
		pairs[i] = [2]string{h.Name, h.Value}
	}
	return json.Marshal(pairs)
}

func (s *Set) UnmarshalJSON(data []byte) error {
	set, err := parseHeaders(data)
	if err != nil {
		return err
	}
	*s = set
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// decodeString accepts only a JSON string. Unmarshal alone would turn
// null into "".
func decodeString(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return "", false
	}
	return s, true
}
