package utils

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// Layouts seen in the wild that net/mail rejects.
var mailDateLayouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
}

// ParseMailDate parses a Date header value. Trailing comments such as
// "(UTC)" are ignored.
func ParseMailDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}

	if t, err := mail.ParseDate(raw); err == nil {
		return t, nil
	}

	value := raw
	if open := strings.LastIndex(value, " ("); open != -1 {
		if closing := strings.LastIndex(value, ")"); closing > open {
			value = strings.TrimSpace(value[:open] + value[closing+1:])
		}
	}

	for _, layout := range mailDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}
