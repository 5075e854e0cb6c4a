package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ArgType names the type of one predicate argument.
type ArgType string

const (
	TypeString ArgType = "string"
	TypeInt    ArgType = "int"
	TypeFloat  ArgType = "float"
	TypeBool   ArgType = "bool"
	TypeSymbol ArgType = "symbol"
)

// ValidArgTypes lists the accepted argument types.
var ValidArgTypes = map[ArgType]bool{
	TypeString: true,
	TypeInt:    true,
	TypeFloat:  true,
	TypeBool:   true,
	TypeSymbol: true,
}

// Value is a sealed interface over the typed constants a fact can carry.
// Only String, Int, Float, Bool, and Symbol implement it.
type Value interface {
	Type() ArgType
	// Literal renders the value in Mangle constant syntax.
	Literal() string
	value()
}

// String is a string constant.
type String string

func (String) value() {}
func (String) Type() ArgType { return TypeString }
func (s String) Literal() string { return quoteMangle(string(s)) }

// Int is a 64-bit integer constant.
type Int int64

func (Int) value() {}
func (Int) Type() ArgType { return TypeInt }
func (i Int) Literal() string { return strconv.FormatInt(int64(i), 10) }

// Float is a 64-bit float constant. NaN and infinities are rejected by
// validation because they have no literal form.
type Float float64

func (Float) value() {}
func (Float) Type() ArgType { return TypeFloat }
func (f Float) Literal() string {
	s := strconv.FormatFloat(float64(f), 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Bool is a boolean constant, rendered as the names /true and /false.
type Bool bool

func (Bool) value() {}
func (Bool) Type() ArgType { return TypeBool }
func (b Bool) Literal() string {
	if b {
		return "/true"
	}
	return "/false"
}

// Symbol is a name constant. It is stored without the leading slash.
type Symbol string

func (Symbol) value() {}
func (Symbol) Type() ArgType { return TypeSymbol }
func (s Symbol) Literal() string { return "/" + string(s) }

var symbolPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*(/[A-Za-z0-9_.\-]+)*$`)

// CheckValue reports why v cannot be represented, or nil.
func CheckValue(v Value) error {
	switch val := v.(type) {
	case nil:
		return fmt.Errorf("null value")
	case Float:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return fmt.Errorf("float %v has no literal form", float64(val))
		}
	case Symbol:
		if !symbolPattern.MatchString(string(val)) {
			return fmt.Errorf("invalid symbol %q", string(val))
		}
		// /true and /false read back as booleans.
		if val == "true" || val == "false" {
			return fmt.Errorf("symbol %q is reserved for booleans", string(val))
		}
	}
	return nil
}

// Display renders a value for humans: strings unquoted, everything else
// as its literal.
func Display(v Value) string {
	if s, ok := v.(String); ok {
		return string(s)
	}
	if v == nil {
		return "<nil>"
	}
	return v.Literal()
}

// ParseValue converts text into a value of the given type. Symbols may
// be written with or without the leading slash.
func ParseValue(t ArgType, s string) (Value, error) {
	switch t {
	case TypeString:
		return String(s), nil
	case TypeInt:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse int %q: %w", s, err)
		}
		return Int(n), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse float %q: %w", s, err)
		}
		return Float(f), nil
	case TypeBool:
		switch strings.TrimPrefix(s, "/") {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		}
		return nil, fmt.Errorf("parse bool %q: want true or false", s)
	case TypeSymbol:
		sym := Symbol(strings.TrimPrefix(s, "/"))
		if err := CheckValue(sym); err != nil {
			return nil, err
		}
		return sym, nil
	default:
		return nil, fmt.Errorf("unknown type %q", t)
	}
}

// CompareValues orders values first by type, then by content.
// It is used to sort result tuples deterministically.
func CompareValues(a, b Value) int {
	if a.Type() != b.Type() {
		return strings.Compare(string(a.Type()), string(b.Type()))
	}
	switch av := a.(type) {
	case String:
		return strings.Compare(string(av), string(b.(String)))
	case Symbol:
		return strings.Compare(string(av), string(b.(Symbol)))
	case Int:
		bv := b.(Int)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case Float:
		bv := b.(Float)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case Bool:
		bv := b.(Bool)
		if av == bv {
			return 0
		}
		if !av {
			return -1
		}
		return 1
	}
	return 0
}

// quoteMangle renders s as a double-quoted Mangle string.
func quoteMangle(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// taggedValue is the persisted JSON shape of a Value.
type taggedValue struct {
	Type  ArgType         `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalValue encodes v as {"type": ..., "value": ...}.
func MarshalValue(v Value) ([]byte, error) {
	if err := CheckValue(v); err != nil {
		return nil, err
	}
	var raw any
	switch val := v.(type) {
	case String:
		raw = string(val)
	case Int:
		raw = int64(val)
	case Float:
		raw = float64(val)
	case Bool:
		raw = bool(val)
	case Symbol:
		raw = string(val)
	}
	inner, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taggedValue{Type: v.Type(), Value: inner})
}

// UnmarshalValue decodes the tagged JSON form produced by MarshalValue.
func UnmarshalValue(data []byte) (Value, error) {
	var tv taggedValue
	if err := json.Unmarshal(data, &tv); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(tv.Value))
	dec.UseNumber()
	switch tv.Type {
	case TypeString, TypeSymbol:
		var s string
		if err := dec.Decode(&s); err != nil {
			return nil, fmt.Errorf("%s value: %w", tv.Type, err)
		}
		if tv.Type == TypeSymbol {
			return Symbol(s), nil
		}
		return String(s), nil
	case TypeInt:
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("int value: %w", err)
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("int value %s: %w", n, err)
		}
		return Int(i), nil
	case TypeFloat:
		var n json.Number
		if err := dec.Decode(&n); err != nil {
			return nil, fmt.Errorf("float value: %w", err)
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("float value %s: %w", n, err)
		}
		return Float(f), nil
	case TypeBool:
		var b bool
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("bool value: %w", err)
		}
		return Bool(b), nil
	default:
		return nil, fmt.Errorf("unknown value type %q", tv.Type)
	}
}

// Tuple is an ordered list of values: fact arguments or one derived row.
type Tuple []Value

// MarshalJSON implements json.Marshaler.
func (t Tuple) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, v := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := MarshalValue(v)
		if err != nil {
			return nil, fmt.Errorf("tuple[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tuple) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Tuple, len(raw))
	for i, r := range raw {
		v, err := UnmarshalValue(r)
		if err != nil {
			return fmt.Errorf("tuple[%d]: %w", i, err)
		}
		out[i] = v
	}
	*t = out
	return nil
}

// String renders the tuple as a parenthesized literal list.
func (t Tuple) String() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = v.Literal()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Key returns a string that is equal for equal tuples.
func (t Tuple) Key() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = string(v.Type()) + ":" + v.Literal()
	}
	return strings.Join(parts, "\x1f")
}

// CompareTuples orders tuples lexicographically by value.
func CompareTuples(a, b Tuple) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := CompareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}
