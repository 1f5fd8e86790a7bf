package roster

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Record is one roster or attendance entry. Fields beyond id, nis and nama
// are carried through untouched.
type Record map[string]any

const (
	fieldID    = "id"
	fieldNIS   = "nis"
	fieldName  = "nama"
	fieldMarks = "marks"
	fieldAudio = "audio"
)

// ID returns the id in string form, or "" when absent.
func (r Record) ID() string {
	return stringify(r[fieldID])
}

// NumericID parses the leading integer of ID. Missing or non-numeric ids are 0.
func (r Record) NumericID() int {
	return leadingInt(r.ID())
}

func (r Record) NIS() string {
	return stringify(r[fieldNIS])
}

func (r Record) Name() string {
	return stringify(r[fieldName])
}

func (r Record) nameKey() string {
	return strings.ToLower(r.Name())
}

// setID replaces the id while keeping the JSON kind the record already used.
func (r Record) setID(id int) {
	if _, isString := r[fieldID].(string); isString {
		r[fieldID] = strconv.Itoa(id)
		return
	}
	r[fieldID] = json.Number(strconv.Itoa(id))
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return cloneValue(map[string]any(r)).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Record:
		return Record(cloneValue(map[string]any(t)).(map[string]any))
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Records is a document body: a JSON array of records. A nil Records
// encodes as an empty array.
type Records []Record

func (rs Records) MarshalJSON() ([]byte, error) {
	if rs == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]Record(rs)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (rs Records) Clone() Records {
	if rs == nil {
		return nil
	}
	out := make(Records, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// leadingInt mirrors parseInt(s, 10): optional sign then decimal digits,
// stopping at the first other character.
func leadingInt(s string) int {
	s = strings.TrimSpace(s)
	sign := 1
	if s != "" && (s[0] == '-' || s[0] == '+') {
		if s[0] == '-' {
			sign = -1
		}
		s = s[1:]
	}
	n, digits := 0, 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
		digits++
		if n > 1<<31 {
			return 0
		}
	}
	if digits == 0 {
		return 0
	}
	return sign * n
}
