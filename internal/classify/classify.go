// Package classify derives dashboard figures from backend snapshots.
// Every function is pure and cheap enough to rerun on each poll.
package classify

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/paydash/internal/backend"
)

const dateLayout = "2006-01-02"

// datePortion returns the YYYY-MM-DD prefix of an ISO-8601 timestamp,
// or "" if there is none.
func datePortion(ts string) string {
	date, _, _ := strings.Cut(strings.TrimSpace(ts), "T")
	if _, err := time.Parse(dateLayout, date); err != nil {
		return ""
	}
	return date
}

// IsToday reports whether an entry carries a payment dated on now's UTC day.
// Claimed entries and malformed or missing timestamps never match.
func IsToday(e backend.ProcessedEntry, now time.Time) bool {
	if e.Payment == nil {
		return false
	}
	date := datePortion(e.Payment.PaymentTs)
	return date != "" && date == now.UTC().Format(dateLayout)
}

// FilterToday returns the entries paid on now's UTC calendar day, in order.
func FilterToday(entries []backend.ProcessedEntry, now time.Time) []backend.ProcessedEntry {
	out := make([]backend.ProcessedEntry, 0, len(entries))
	for _, e := range entries {
		if IsToday(e, now) {
			out = append(out, e)
		}
	}
	return out
}

// TodayCount counts entries paid on now's UTC calendar day.
func TodayCount(entries []backend.ProcessedEntry, now time.Time) int {
	n := 0
	for _, e := range entries {
		if IsToday(e, now) {
			n++
		}
	}
	return n
}

// UptimePercent is round(100 * up / total), or 0 for an empty mapping.
func UptimePercent(deps map[string]bool) int {
	if len(deps) == 0 {
		return 0
	}
	up, _ := DependencyCounts(deps)
	return int(math.Round(100 * float64(up) / float64(len(deps))))
}

// DependencyCounts returns how many dependencies are up and down.
func DependencyCounts(deps map[string]bool) (up, down int) {
	for _, ok := range deps {
		if ok {
			up++
		} else {
			down++
		}
	}
	return up, down
}

// DependencyStatus is one dependency flag.
type DependencyStatus struct {
	Name string `json:"name"`
	Up   bool   `json:"up"`
}

// Dependencies lists the flags in display order: known dependencies first in
// their fixed order, then any others alphabetically.
func Dependencies(deps map[string]bool) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(deps))
	seen := make(map[string]bool, len(deps))
	for _, name := range backend.DependencyNames {
		if up, ok := deps[name]; ok {
			out = append(out, DependencyStatus{Name: name, Up: up})
			seen[name] = true
		}
	}
	var extra []string
	for name := range deps {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		out = append(out, DependencyStatus{Name: name, Up: deps[name]})
	}
	return out
}

// Partition splits entries into claimed (no payment) and unclaimed
// (payment present). Both keep input order and are never nil.
func Partition(entries []backend.ProcessedEntry) (claimed, unclaimed []backend.ProcessedEntry) {
	claimed = make([]backend.ProcessedEntry, 0, len(entries))
	unclaimed = make([]backend.ProcessedEntry, 0, len(entries))
	for _, e := range entries {
		if e.Claimed() {
			claimed = append(claimed, e)
		} else {
			unclaimed = append(unclaimed, e)
		}
	}
	return claimed, unclaimed
}
