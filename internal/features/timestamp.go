package features

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// BucketLayout is the second-resolution key format used by the rate counter.
const BucketLayout = "2006-01-02T15:04:05"

// NormalizeTimestamp reduces a raw timestamp to second resolution.
//
// Strings that already look like ISO-8601 ("YYYY-MM-DDTHH:MM:SS" or with a
// space separator) are truncated after the seconds field without any timezone
// conversion. Anything else goes through a permissive parser. The second
// return value is false when the input cannot be interpreted; callers then use
// the shared unknown bucket.
func NormalizeTimestamp(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	if t, ok := v.(time.Time); ok {
		return t.Format(BucketLayout), true
	}

	s := strings.TrimSpace(Stringify(v))
	if s == "" {
		return "", false
	}

	// Fast path: take the wall-clock fields verbatim.
	if len(s) >= 19 && s[4] == '-' && s[7] == '-' && (s[10] == 'T' || s[10] == ' ') {
		if t, err := time.Parse(BucketLayout, s[:10]+"T"+s[11:19]); err == nil {
			return t.Format(BucketLayout), true
		}
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return "", false
	}
	return t.Format(BucketLayout), true
}

// Stringify renders a raw telemetry value for logging and hashing.
// nil becomes the empty string.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case uint64:
		return strconv.FormatUint(x, 10)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case interface{ String() string }:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
