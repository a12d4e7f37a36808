package timeparser

import (
	"fmt"
	"time"
)

// ParseFlumeTimestamp attempts to parse a Flume API timestamp with multiple formats.
// The API is inconsistent about the separator between date and time and about
// whether a zone offset is present.
func ParseFlumeTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05", // ISO without zone
		"2006-01-02 15:04:05", // ISO with space separator
		time.RFC3339,
		time.RFC3339Nano,
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of observed time
func IsWithinTolerance(readingTime, observedTime time.Time, tolerance time.Duration) bool {
	diff := readingTime.Sub(observedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
