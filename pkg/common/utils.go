// ///////////////////////////////////////////////////////////////////////////
//
// # Cambiador - Table Change Detection
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// FriendlyDuration renders d in the largest unit that keeps the number
// readable: milliseconds below 10s, seconds below 90s, minutes below 90m,
// hours otherwise.
func FriendlyDuration(d time.Duration) string {
	ms := d.Milliseconds()
	seconds := d.Seconds()

	switch {
	case seconds < 10:
		return fmt.Sprintf("%d ms", ms)
	case seconds < 90:
		return fmt.Sprintf("%.3f seconds", seconds)
	case seconds < 90*60:
		return fmt.Sprintf("%.3f minutes", d.Minutes())
	default:
		return fmt.Sprintf("%.3f hours", d.Hours())
	}
}

// FormatCount groups digits, e.g. 1234567 -> "1,234,567".
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// Contains reports whether value is in slice, ignoring case and
// surrounding whitespace of the entries.
func Contains(slice []string, value string) bool {
	for _, s := range slice {
		if strings.EqualFold(strings.TrimSpace(s), value) {
			return true
		}
	}
	return false
}

// LowerSet builds a case-insensitive lookup set, ignoring blank entries.
func LowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
