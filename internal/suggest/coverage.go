// Package suggest serves search-as-you-type username suggestions and
// remembers, per login, which parts of the index were already delivered.
package suggest

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// Range is a closed interval [Start, End] of usernames whose rows were all
// delivered to the client.
type Range struct {
	Start string
	End   string
}

// Plan is the outcome of consulting the coverage for one prefix.
type Plan struct {
	// Skip means everything under the prefix was already delivered.
	Skip bool
	// Exclusions lists delivered ranges inside the prefix that the index
	// query must leave out.
	Exclusions []Range
}

// Coverage tracks what one login has already been sent. Keys compare by
// byte order. Every method holds the lock for one step only.
type Coverage struct {
	mu sync.Mutex
	// sorted, no element is a prefix of another
	completed []string
	// sorted by Start, disjoint and non-touching
	ranges []Range
}

func NewCoverage() *Coverage {
	return &Coverage{}
}

// Plan decides how a request for prefix has to be served. An empty prefix
// is never planned.
func (c *Coverage) Plan(prefix string) Plan {
	if prefix == "" {
		return Plan{Skip: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completedLocked(prefix) {
		return Plan{Skip: true}
	}

	next, bounded := successor(prefix)
	var plan Plan
	// first range that could reach prefix
	i := sort.Search(len(c.ranges), func(i int) bool { return c.ranges[i].End >= prefix })
	for ; i < len(c.ranges); i++ {
		r := c.ranges[i]
		if bounded && r.Start >= next {
			break
		}
		if bounded && r.Start <= prefix && r.End >= next {
			return Plan{Skip: true}
		}
		plan.Exclusions = append(plan.Exclusions, r)
	}
	return plan
}

// Complete records that every username starting with prefix was delivered.
func (c *Coverage) Complete(prefix string) {
	if prefix == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.completedLocked(prefix) {
		return
	}
	i := sort.SearchStrings(c.completed, prefix)
	// drop descendants, they sort directly after prefix
	j := i
	for j < len(c.completed) && strings.HasPrefix(c.completed[j], prefix) {
		j++
	}
	out := make([]string, 0, len(c.completed)-(j-i)+1)
	out = append(out, c.completed[:i]...)
	out = append(out, prefix)
	out = append(out, c.completed[j:]...)
	c.completed = out
}

// Record merges [start, end] into the delivered ranges. Ranges that overlap
// or touch the new one are folded into it. Recording the same range twice
// changes nothing. An inverted range is ignored.
func (c *Coverage) Record(start, end string) {
	if start > end {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	merged := Range{Start: start, End: end}
	out := make([]Range, 0, len(c.ranges)+1)
	inserted := false
	for _, r := range c.ranges {
		switch {
		case r.End < merged.Start:
			out = append(out, r)
		case r.Start > merged.End:
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, r)
		default:
			if r.Start < merged.Start {
				merged.Start = r.Start
			}
			if r.End > merged.End {
				merged.End = r.End
			}
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	c.ranges = out
}

// Reset forgets everything.
func (c *Coverage) Reset() {
	c.mu.Lock()
	c.completed = nil
	c.ranges = nil
	c.mu.Unlock()
}

// Completed returns a copy of the completed prefixes in order.
func (c *Coverage) Completed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.completed...)
}

// Ranges returns a copy of the delivered ranges in order.
func (c *Coverage) Ranges() []Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Range(nil), c.ranges...)
}

// completedLocked reports whether prefix or one of its ancestors is
// complete. Because the set is prefix-free, the only candidate is the
// greatest entry not after prefix.
func (c *Coverage) completedLocked(prefix string) bool {
	i := sort.Search(len(c.completed), func(i int) bool { return c.completed[i] > prefix })
	if i == 0 {
		return false
	}
	return strings.HasPrefix(prefix, c.completed[i-1])
}

// successor returns the smallest string greater than every string that
// starts with prefix: prefix with its last code point incremented. bounded
// is false when no such string exists.
func successor(prefix string) (string, bool) {
	for len(prefix) > 0 {
		r, size := utf8.DecodeLastRuneInString(prefix)
		head := prefix[:len(prefix)-size]
		if r == utf8.RuneError && size <= 1 {
			// invalid trailing byte, bump it bytewise
			b := prefix[len(prefix)-1]
			if b < 0xff {
				return head + string([]byte{b + 1}), true
			}
			prefix = head
			continue
		}
		if nr := nextRune(r); nr >= 0 {
			return head + string(nr), true
		}
		prefix = head
	}
	return "", false
}

func nextRune(r rune) rune {
	n := r + 1
	if n >= 0xD800 && n <= 0xDFFF {
		n = 0xE000
	}
	if n > utf8.MaxRune {
		return -1
	}
	return n
}
