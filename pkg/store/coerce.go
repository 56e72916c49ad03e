package store

import (
	"strconv"
	"time"
)

// coerceRow rewrites scanned driver values into JSON-friendly forms:
// dates become YYYY-MM-DD strings, byte slices carrying numbers (how
// the driver delivers NUMERIC columns) become real numbers when the
// text survives a round trip exactly, and everything else stays a
// string.
func coerceRow(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		m[k] = coerceValue(v)
	}
	return m
}

func coerceValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	case []byte:
		return coerceText(string(t))
	default:
		return v
	}
}

// coerceText turns a numeric string into a number only when formatting
// the parse result reproduces the input byte for byte; "3.30" keeps
// its trailing zero by staying a string.
func coerceText(s string) interface{} {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		if strconv.FormatInt(i, 10) == s {
			return i
		}
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if strconv.FormatFloat(f, 'f', -1, 64) == s {
			return f
		}
	}
	return s
}
