package rmw

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// EncodeJSON renders v the way documents are stored: two-space indentation,
// no HTML escaping and no trailing newline.
func EncodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode document")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeJSON decodes a single JSON value into T. Numbers inside untyped
// values are kept as json.Number so ids survive a round trip unchanged.
// Blank input decodes to the zero value.
func DecodeJSON[T any](data []byte) (T, error) {
	var out T
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		var zero T
		return zero, err
	}
	if _, err := dec.Token(); err != io.EOF {
		var zero T
		return zero, errors.New("unexpected data after top-level value")
	}
	return out, nil
}
