package common

import (
	"fmt"
	"time"
)

// Standard date format constants
const (
	// ISO8601Date is used for job names and output file naming
	ISO8601Date = "2006-01-02"

	// StoreTimestamp is the text format of timestamps in the embedded database
	StoreTimestamp = "2006-01-02 15:04:05"
)

// FormatStoreTimestamp formats t in UTC for the embedded database
func FormatStoreTimestamp(t time.Time) string {
	return t.UTC().Format(StoreTimestamp)
}

// ParseStoreTimestamp parses a database timestamp written by FormatStoreTimestamp
func ParseStoreTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp string is empty")
	}
	return time.ParseInLocation(StoreTimestamp, s, time.UTC)
}

// CurrentDateISO8601 returns the current date in ISO 8601 format
func CurrentDateISO8601() string {
	return time.Now().Format(ISO8601Date)
}
