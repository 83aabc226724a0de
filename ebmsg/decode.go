package ebmsg

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	integerPattern = regexp.MustCompile(`^-?\d+$`)
	floatPattern   = regexp.MustCompile(`^-?\d+\.\d*$`)
)

// DecodeValue coerces a single wire datum into its most specific Go value.
// Stream values arrive as strings; a value that looks like an integer, a
// float, a boolean, a nan/inf/null sentinel, or a JSON document becomes that
// value, anything else stays a string.
//
// DecodeValue is idempotent with respect to EncodeValue:
// DecodeValue(EncodeValue(DecodeValue(v))) == DecodeValue(v).
func DecodeValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case []byte:
		return decodeString(string(tv))
	case string:
		return decodeString(tv)
	case map[string]interface{}:
		decoded := make(map[string]interface{}, len(tv))
		for key, child := range tv {
			decoded[key] = DecodeValue(child)
		}
		return decoded
	case []interface{}:
		decoded := make([]interface{}, len(tv))
		for i, child := range tv {
			decoded[i] = DecodeValue(child)
		}
		return decoded
	default:
		return v
	}
}

func decodeString(s string) interface{} {
	if integerPattern.MatchString(s) {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		return s
	}
	if floatPattern.MatchString(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}

	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	case "nan":
		return math.NaN()
	case "inf", "+inf", "infinity":
		return math.Inf(1)
	case "-inf", "-infinity":
		return math.Inf(-1)
	case "none", "null", "nil":
		return nil
	}

	if structured, ok := decodeJSONString(s); ok {
		return structured
	}
	return s
}

func decodeJSONString(s string) (interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	isObject := strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")
	isArray := strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")
	if !isObject && !isArray {
		return nil, false
	}

	var out interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}

// DecodePayload decodes every field of a raw stream entry.
func DecodePayload(payload map[string]string) map[string]interface{} {
	decoded := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		decoded[key] = DecodeValue(value)
	}
	return decoded
}

// EncodeValue renders a decoded value back into its wire form. Structured
// values become JSON documents; nil has no wire form and reports ok=false so
// the caller can omit the field.
func EncodeValue(v interface{}) (string, bool) {
	switch tv := v.(type) {
	case nil:
		return "", false
	case string:
		return tv, true
	case []byte:
		return string(tv), true
	case bool:
		return strconv.FormatBool(tv), true
	case int:
		return strconv.Itoa(tv), true
	case int64:
		return strconv.FormatInt(tv, 10), true
	case float64:
		return encodeFloat(tv), true
	case float32:
		return encodeFloat(float64(tv)), true
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func encodeFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	// a whole-valued float keeps its point so it decodes back as a float
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
