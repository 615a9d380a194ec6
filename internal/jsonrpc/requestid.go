package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// RequestID is a JSON-RPC id: a string or a number. Numbers keep their
// original text, so an id larger than 2^53 survives a round trip unchanged
// and matches the peer's echo exactly.
type RequestID struct {
	str    string
	num    json.Number
	isNum  bool
	isNull bool
}

// NewRequestID returns an id holding a string or an integer. Any other value
// yields a nil id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{str: v}
	case json.Number:
		return &RequestID{num: v, isNum: true}
	case int:
		return &RequestID{num: json.Number(strconv.Itoa(v)), isNum: true}
	case int64:
		return &RequestID{num: json.Number(strconv.FormatInt(v, 10)), isNum: true}
	case uint64:
		return &RequestID{num: json.Number(strconv.FormatUint(v, 10)), isNum: true}
	default:
		return &RequestID{isNull: true}
	}
}

// String returns the id's text: the string itself or the number's digits.
func (id *RequestID) String() string {
	switch {
	case id.IsNil():
		return ""
	case id.isNum:
		return id.num.String()
	default:
		return id.str
	}
}

// Key returns a type-qualified form of the ID suitable for use as a map key.
// The string "1" and the number 1 are different JSON-RPC IDs and map to
// different keys. Numbers are keyed by value, so 1, 1.0 and 1e0 share a key
// while their marshaled text stays as received.
func (id *RequestID) Key() string {
	if id.IsNil() {
		return ""
	}
	if id.isNum {
		return "n:" + canonicalNumber(id.num.String())
	}
	return "s:" + id.str
}

// maxKeyExponent bounds the exponents expanded by canonicalNumber.
const maxKeyExponent = 1000

// canonicalNumber returns the exact value of a JSON number as an integer or a
// reduced fraction. Unparsable numbers and huge exponents keep their text.
func canonicalNumber(s string) string {
	if !strings.ContainsAny(s, ".eE") && s != "-0" {
		return s
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxKeyExponent || exp < -maxKeyExponent {
			return s
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return s
	}
	return r.RatString()
}

// Value returns the id as a string or a json.Number, or nil.
func (id *RequestID) Value() any {
	switch {
	case id.IsNil():
		return nil
	case id.isNum:
		return id.num
	default:
		return id.str
	}
}

// IsNil reports whether the id is absent or JSON null.
func (id *RequestID) IsNil() bool {
	return id == nil || id.isNull
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	switch {
	case id.IsNil():
		return []byte("null"), nil
	case id.isNum:
		return []byte(id.num), nil
	default:
		return json.Marshal(id.str)
	}
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*id = RequestID{}

	switch {
	case bytes.Equal(data, []byte("null")):
		id.isNull = true
		return nil
	case len(data) > 0 && data[0] == '"':
		return json.Unmarshal(data, &id.str)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", data)
	}
	id.num, id.isNum = n, true
	return nil
}
