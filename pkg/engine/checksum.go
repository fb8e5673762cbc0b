package engine

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// Checksum returns the SHA-256 hex digest of the canonical JSON form of data.
//
// The canonical form has keys sorted by code point, ", " and ": " separators,
// every character outside printable ASCII escaped as \uXXXX, and floats
// written in their shortest round-trip form.
func Checksum(data interface{}) (string, error) {
	encoded, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON encodes data in the canonical form used for checksums.
func CanonicalJSON(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeCanonicalString(buf, t)
	case []byte:
		writeCanonicalString(buf, string(t))
	case int:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int8:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int16:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint8:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint16:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32:
		buf.WriteString(formatFloat(float64(t)))
	case float64:
		buf.WriteString(formatFloat(t))
	case json.Number:
		buf.WriteString(t.String())
	case time.Time:
		writeCanonicalString(buf, t.Format(time.RFC3339Nano))
	case map[string]interface{}:
		return writeCanonicalMap(buf, t)
	case map[interface{}]interface{}:
		return writeCanonicalMap(buf, deepCopy(t).(map[string]interface{}))
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = val
		}
		return writeCanonicalMap(buf, m)
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteString(", ")
			}
			writeCanonicalString(buf, item)
		}
		buf.WriteByte(']')
	default:
		generic, err := toGeneric(t)
		if err != nil {
			return fmt.Errorf("value of type %T is not serializable: %w", v, err)
		}
		return writeCanonical(buf, generic)
	}
	return nil
}

func writeCanonicalMap(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Byte order of UTF-8 strings equals code point order.
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteString(", ")
		}
		writeCanonicalString(buf, k)
		buf.WriteString(": ")
		if err := writeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

const hexDigits = "0123456789abcdef"

func writeCanonicalString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				buf.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				writeUnicodeEscape(buf, hi)
				writeUnicodeEscape(buf, lo)
			default:
				writeUnicodeEscape(buf, r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	buf.WriteByte(hexDigits[(r>>12)&0xf])
	buf.WriteByte(hexDigits[(r>>8)&0xf])
	buf.WriteByte(hexDigits[(r>>4)&0xf])
	buf.WriteByte(hexDigits[r&0xf])
}

// formatFloat renders f with shortest round-trip
// digits, scientific notation when the exponent is below -4 or at least 16,
// and a trailing ".0" on integral values.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	}

	sign := ""
	if math.Signbit(f) {
		sign = "-"
		f = -f
	}

	// d.ddddde±XX
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)
	digits := strings.Replace(mantissa, ".", "", 1)

	if exp < -4 || exp >= 16 {
		out := digits[:1]
		if len(digits) > 1 {
			out += "." + digits[1:]
		}
		expSign := "+"
		if exp < 0 {
			expSign = "-"
			exp = -exp
		}
		return fmt.Sprintf("%s%se%s%02d", sign, out, expSign, exp)
	}

	if exp < 0 {
		return sign + "0." + strings.Repeat("0", -exp-1) + digits
	}
	intLen := exp + 1
	if len(digits) <= intLen {
		return sign + digits + strings.Repeat("0", intLen-len(digits)) + ".0"
	}
	return sign + digits[:intLen] + "." + digits[intLen:]
}

// toGeneric round-trips a value through encoding/json so that structs and
// other named types reduce to maps, slices and numbers.
func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
