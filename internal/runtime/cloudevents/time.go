package cloudevents

import (
	"fmt"
	"time"
)

const (
	// TimeFormat is the standard CloudEvents time format (RFC3339).
	TimeFormat = time.RFC3339

	// TimeFormatNano is the RFC3339 format with nanosecond precision, used on encode.
	TimeFormatNano = time.RFC3339Nano
)

// ParseTime parses an envelope timestamp. RFC3339 with or without fractional
// seconds is accepted, as is the zone-less form some producers emit.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{TimeFormatNano, TimeFormat, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q", s)
}
