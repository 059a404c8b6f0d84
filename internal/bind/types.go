package bind

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// DataType is the declared type of a column or bind value.
type DataType int

const (
	Unknown DataType = iota
	String
	Integer
	Decimal
	Boolean
	Date
	DateTime
	Timestamp
)

var typeNames = map[DataType]string{
	Unknown:   "unknown",
	String:    "string",
	Integer:   "integer",
	Decimal:   "decimal",
	Boolean:   "boolean",
	Date:      "date",
	DateTime:  "datetime",
	Timestamp: "timestamp",
}

// String returns the wire name of the type.
func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// IsDate reports whether values of this type are coerced to time.Time.
func (t DataType) IsDate() bool {
	return t == Date || t == DateTime || t == Timestamp
}

// IsNumeric reports whether the type holds numbers.
func (t DataType) IsNumeric() bool {
	return t == Integer || t == Decimal
}

// MarshalText implements encoding.TextMarshaler.
func (t DataType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DataType) UnmarshalText(b []byte) error {
	*t = ParseType(string(b))
	return nil
}

// ParseType maps a backend type name ("varchar(30)", "timestamp with time
// zone", "NUMBER") to a DataType. Unrecognized names map to Unknown.
func ParseType(name string) DataType {
	n := strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(n, '('); i >= 0 {
		n = strings.TrimSpace(n[:i])
	}
	switch {
	case n == "":
		return Unknown
	case strings.HasPrefix(n, "timestamp"):
		return Timestamp
	case n == "datetime" || n == "datetime2" || n == "smalldatetime":
		return DateTime
	case n == "date":
		return Date
	case n == "bool" || n == "boolean" || n == "bit":
		return Boolean
	case n == "int" || n == "integer" || n == "smallint" || n == "bigint" ||
		n == "tinyint" || n == "int2" || n == "int4" || n == "int8" || n == "serial" || n == "bigserial":
		return Integer
	case n == "decimal" || n == "numeric" || n == "number" || n == "float" ||
		n == "double" || n == "double precision" || n == "real" || n == "float4" || n == "float8":
		return Decimal
	case strings.Contains(n, "char") || n == "text" || n == "string" || n == "clob" || n == "uuid":
		return String
	}
	for t, s := range typeNames {
		if s == n {
			return t
		}
	}
	return Unknown
}

// TypeOf infers the DataType of a Go value.
func TypeOf(v any) DataType {
	switch val := v.(type) {
	case nil:
		return Unknown
	case string:
		return String
	case bool:
		return Boolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Integer
	case float32, float64:
		return Decimal
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return Integer
		}
		return Decimal
	case time.Time, *time.Time:
		return DateTime
	default:
		return Unknown
	}
}

// EpochMillis returns the instant as milliseconds since the Unix epoch.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromEpochMillis converts epoch milliseconds to a UTC time.
func FromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// CoerceTime converts a numeric epoch-milliseconds value, or a time.Time, to
// a UTC time. Strings are accepted when they hold an integer or an RFC 3339
// timestamp.
func CoerceTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case int64:
		return FromEpochMillis(val), true
	case int:
		return FromEpochMillis(int64(val)), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return time.Time{}, false
		}
		return FromEpochMillis(int64(val)), true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return FromEpochMillis(n), true
		}
		if f, err := val.Float64(); err == nil {
			return FromEpochMillis(int64(f)), true
		}
	case string:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return FromEpochMillis(n), true
		}
		if ts, err := time.Parse(time.RFC3339Nano, val); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
