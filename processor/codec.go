package processor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// arrayCodec handles feeds whose body is a bare JSON array of trades.
type arrayCodec struct {
	idFields []string
}

func (c arrayCodec) Split(body []byte) ([]json.RawMessage, error) {
	return splitArray(body)
}

func (c arrayCodec) RecordID(record json.RawMessage) (string, error) {
	return fieldID(record, c.idFields)
}

func (c arrayCodec) Join(_ []byte, kept []json.RawMessage) ([]byte, error) {
	return joinArray(kept)
}

// envelopeCodec handles feeds that wrap the trade array in a status
// envelope, e.g. {"code":"0","data":[...]}. path locates the array.
type envelopeCodec struct {
	path     []string
	idFields []string
	check    func(env map[string]json.RawMessage) error
}

func (c envelopeCodec) Split(body []byte) ([]json.RawMessage, error) {
	env, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	if c.check != nil {
		if err := c.check(env); err != nil {
			return nil, err
		}
	}
	raw, err := lookupPath(env, c.path)
	if err != nil {
		return nil, err
	}
	return splitArray(raw)
}

func (c envelopeCodec) RecordID(record json.RawMessage) (string, error) {
	return fieldID(record, c.idFields)
}

func (c envelopeCodec) Join(body []byte, kept []json.RawMessage) ([]byte, error) {
	env, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	arr, err := joinArray(kept)
	if err != nil {
		return nil, err
	}
	if err := replacePath(env, c.path, arr); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func splitArray(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("expected JSON array, got %q", preview(trimmed))
	}
	var records []json.RawMessage
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func joinArray(kept []json.RawMessage) ([]byte, error) {
	if len(kept) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(kept)
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("expected JSON object, got %q", preview(trimmed))
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, err
	}
	return env, nil
}

func lookupPath(env map[string]json.RawMessage, path []string) (json.RawMessage, error) {
	cur := env
	for i, key := range path {
		raw, ok := cur[key]
		if !ok {
			return nil, fmt.Errorf("missing field %q", strings.Join(path[:i+1], "."))
		}
		if i == len(path)-1 {
			return raw, nil
		}
		next, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", strings.Join(path[:i+1], "."), err)
		}
		cur = next
	}
	return nil, errors.New("empty path")
}

func replacePath(env map[string]json.RawMessage, path []string, value json.RawMessage) error {
	if len(path) == 0 {
		return errors.New("empty path")
	}
	key := path[0]
	if len(path) == 1 {
		env[key] = value
		return nil
	}
	child, err := decodeObject(env[key])
	if err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	if err := replacePath(child, path[1:], value); err != nil {
		return err
	}
	raw, err := json.Marshal(child)
	if err != nil {
		return err
	}
	env[key] = raw
	return nil
}

// fieldID returns the first present, non-empty id field. Numeric ids are
// kept in their literal form so 123 and "123" give the same key.
func fieldID(record json.RawMessage, fields []string) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(record, &obj); err != nil {
		return "", err
	}
	for _, f := range fields {
		raw, ok := obj[f]
		if !ok {
			continue
		}
		id, err := scalarID(raw)
		if err != nil {
			return "", fmt.Errorf("field %q: %w", f, err)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no id field among %v", fields)
}

func scalarID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", errors.New("empty value")
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	case 'n':
		return "", nil
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return "", fmt.Errorf("id is neither string nor number: %s", preview(trimmed))
		}
		return n.String(), nil
	}
}

func preview(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
