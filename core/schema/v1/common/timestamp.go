// Package common holds record conventions shared by every v1 schema.
package common

import (
	"fmt"
	"regexp"
	"time"
)

// TimestampLayout is the UTC second-resolution form used by ledger ts,
// receipt issued_at and observation timestamp_utc.
const TimestampLayout = "2006-01-02T15:04:05Z"

// time.Parse tolerates fractional seconds the layout does not name.
var timestampShape = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}T[0-9]{2}:[0-9]{2}:[0-9]{2}Z$`)

// ParseTimestamp accepts exactly YYYY-MM-DDThh:mm:ssZ.
func ParseTimestamp(value string) (time.Time, error) {
	if !timestampShape.MatchString(value) {
		return time.Time{}, fmt.Errorf("timestamp %q is not YYYY-MM-DDThh:mm:ssZ", value)
	}
	parsed, err := time.Parse(TimestampLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", value, err)
	}
	return parsed, nil
}

// FormatTimestamp renders t in UTC, truncated to the second.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}
