package contacts

import (
	"fmt"
	"sort"
)

// SortKey selects the contact ordering.
type SortKey string

// Supported sort keys.
const (
	SortRecent   SortKey = "recent"   // last call, newest first
	SortFrequent SortKey = "frequent" // call count, highest first
	SortOldest   SortKey = "oldest"   // first call, oldest first
)

// SortKeys lists the valid keys in display order.
var SortKeys = []SortKey{SortRecent, SortFrequent, SortOldest}

// ParseSortKey validates a user-supplied key.
func ParseSortKey(s string) (SortKey, error) {
	for _, k := range SortKeys {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("invalid sort %q: must be one of %v", s, SortKeys)
}

// Sort returns a sorted copy of contacts. The sort is stable, so ties keep
// their input order. An unrecognized key returns the copy unchanged.
func Sort(contacts []Contact, key SortKey) []Contact {
	out := make([]Contact, len(contacts))
	copy(out, contacts)

	var less func(a, b Contact) bool
	switch key {
	case SortRecent:
		less = func(a, b Contact) bool { return b.LastCallAt.Before(a.LastCallAt) }
	case SortFrequent:
		less = func(a, b Contact) bool { return a.CallCount > b.CallCount }
	case SortOldest:
		less = func(a, b Contact) bool { return a.FirstCallAt.Before(b.FirstCallAt) }
	default:
		return out
	}

	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
