package filter

import (
	"cmp"
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/formsql/internal/bind"
)

// Compare orders a against b the way in-memory evaluation does: numbers
// across Go types, times by instant, strings lexically. ok is false when
// either side is NULL or the kinds do not compare.
func Compare(a, b any) (c int, ok bool) {
	return compareValues(a, b)
}

// compareValues orders a against b the way the backend would.
// ok is false when the values cannot be compared (NULL on either side or
// incompatible kinds); callers treat that as "no match".
func compareValues(a, b any) (c int, ok bool) {
	if isNull(a) || isNull(b) {
		return 0, false
	}

	// Times compare by instant; a numeric partner is taken as epoch millis.
	if ta, isTime := asTime(a); isTime {
		tb, ok := bind.CoerceTime(deref(b))
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if tb, isTime := asTime(b); isTime {
		ta, ok := bind.CoerceTime(deref(a))
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}

	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), true
		}
	}

	if ia, aInt := asInt(a); aInt {
		if ib, bInt := asInt(b); bInt {
			return cmp.Compare(ia, ib), true
		}
	}
	if fa, aNum := asFloat(a); aNum {
		if fb, bNum := asFloat(b); bNum {
			return cmp.Compare(fa, fb), true
		}
	}

	switch va := a.(type) {
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0, true
			case !va:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if t, ok := v.(*time.Time); ok && t == nil {
		return true
	}
	return false
}

func deref(v any) any {
	if t, ok := v.(*time.Time); ok && t != nil {
		return *t
	}
	return v
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t != nil {
			return *t, true
		}
	}
	return time.Time{}, false
}

// asInt returns v as int64 when it is integral. Numeric strings count.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// toText renders a value for pattern matching.
func toText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(val)
	}
	if i, ok := asInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	if f, ok := asFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return ""
}

// matchLike implements SQL LIKE: '%' matches any run of characters, '_'
// exactly one. Both sides are NFC normalized first so composed and
// decomposed accents compare equal.
func matchLike(value, pattern string, foldCase bool) bool {
	value = norm.NFC.String(value)
	pattern = norm.NFC.String(pattern)
	if foldCase {
		value = strings.ToLower(value)
		pattern = strings.ToLower(pattern)
	}
	return wildcard([]rune(value), []rune(pattern))
}

func wildcard(s, p []rune) bool {
	// Iterative matcher with single backtrack point for '%'.
	si, pi := 0, 0
	star, mark := -1, 0
	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '_' || p[pi] == s[si]):
			si++
			pi++
		case pi < len(p) && p[pi] == '%':
			star = pi
			mark = si
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			si = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '%' {
		pi++
	}
	return pi == len(p)
}

// flatten expands a single slice argument into its elements, so that
// In("id").SetConstraint([]int{1, 2}) and SetConstraint(1, 2) agree.
func flatten(values []any) []any {
	if len(values) != 1 || values[0] == nil {
		return values
	}
	rv := reflect.ValueOf(values[0])
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return values
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
