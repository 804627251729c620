package contacts

import (
	"sort"

	"github.com/roach88/ava/internal/calls"
)

// RecentLimit is the number of calls kept in Contact.RecentCalls.
const RecentLimit = 5

// Contact is the rollup of every call from one customer number.
type Contact struct {
	// ID is the normalized number, or Unknown.
	ID string `json:"id"`

	CallCount              int     `json:"callCount"`
	TotalDurationSeconds   float64 `json:"totalDurationSeconds"`
	AverageDurationSeconds float64 `json:"averageDurationSeconds"`

	// FirstCall and LastCall are the records with the minimum and maximum
	// start time. Nil only for a contact with no calls.
	FirstCall *calls.Call `json:"firstCall,omitempty"`
	LastCall  *calls.Call `json:"lastCall,omitempty"`

	FirstCallAt calls.Timestamp `json:"firstCallAt"`
	LastCallAt  calls.Timestamp `json:"lastCallAt"`

	// RecentCalls holds up to RecentLimit calls, most recent first.
	RecentCalls []calls.Call `json:"recentCalls"`
}

// Group builds one Contact per normalized customer number. Contacts are
// returned in the order their first record appears in records.
func Group(records []calls.Call) []Contact {
	order := make([]string, 0)
	buckets := make(map[string][]calls.Call)

	for _, c := range records {
		id := NormalizePhone(c.Number())
		if id == "" {
			id = Unknown
		}
		if _, ok := buckets[id]; !ok {
			order = append(order, id)
		}
		buckets[id] = append(buckets[id], c)
	}

	out := make([]Contact, 0, len(order))
	for _, id := range order {
		out = append(out, summarize(id, buckets[id]))
	}
	return out
}

// summarize derives the rollup for one bucket.
func summarize(id string, list []calls.Call) Contact {
	sorted := make([]calls.Call, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[j].Start().Before(sorted[i].Start())
	})

	c := Contact{
		ID:          id,
		CallCount:   len(sorted),
		RecentCalls: []calls.Call{},
	}
	for _, call := range sorted {
		c.TotalDurationSeconds += call.Duration()
	}
	if c.CallCount > 0 {
		c.AverageDurationSeconds = c.TotalDurationSeconds / float64(c.CallCount)

		last := sorted[0]
		first := sorted[len(sorted)-1]
		c.LastCall = &last
		c.FirstCall = &first
		c.LastCallAt = last.Start()
		c.FirstCallAt = first.Start()

		n := min(RecentLimit, len(sorted))
		c.RecentCalls = append(c.RecentCalls, sorted[:n]...)
	}
	return c
}
