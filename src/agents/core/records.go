package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stake-plus/govwatch/src/federation"
)

// Float reads a numeric field. Strings may use either "1234.56" or the
// Brazilian "1.234,56" notation.
func Float(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "R$"))
		if s == "" {
			return 0, false
		}
		if strings.Contains(s, ",") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		}
		num, err := strconv.ParseFloat(s, 64)
		if err == nil {
			return num, true
		}
	}
	return 0, false
}

// String renders a field as trimmed text; nil becomes "".
func String(val any) string {
	if val == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(val))
}

// Time parses RFC 3339, ISO dates, Brazilian dates and unix seconds.
func Time(val any) time.Time {
	switch v := val.(type) {
	case time.Time:
		return v
	case string:
		formats := []string{time.RFC3339, "2006-01-02", "2006/01/02", "02/01/2006", "01/2006", "200601"}
		trimmed := strings.TrimSpace(v)
		for _, layout := range formats {
			if parsed, err := time.Parse(layout, trimmed); err == nil {
				return parsed
			}
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	}
	return time.Time{}
}

// Lookup returns the first non-empty field among keys. Nested fields use
// dots, e.g. "fornecedor.cnpj".
func Lookup(rec federation.Record, keys ...string) any {
	for _, key := range keys {
		var cur any = map[string]any(rec)
		for _, part := range strings.Split(key, ".") {
			switch m := cur.(type) {
			case map[string]any:
				cur = m[part]
			case federation.Record:
				cur = m[part]
			default:
				cur = nil
			}
		}
		if cur != nil && cur != "" {
			return cur
		}
	}
	return nil
}
