package suggest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryIndex serves pages from a sorted in-memory username list, matching
// prefixes case-insensitively like the relational index does.
type memoryIndex struct {
	mu         sync.Mutex
	names      []string
	acquireErr error
	// failPage makes the page with this offset fail, -1 disables it
	failOffset int
	acquired   int
	released   int
	queries    []PageQuery
}

func newMemoryIndex(names ...string) *memoryIndex {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &memoryIndex{names: sorted, failOffset: -1}
}

func (m *memoryIndex) Acquire(ctx context.Context) (IndexConn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	return memoryConn{m}, nil
}

func (m *memoryIndex) counts() (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released
}

type memoryConn struct{ m *memoryIndex }

func (c memoryConn) Page(ctx context.Context, q PageQuery) ([]string, error) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	c.m.queries = append(c.m.queries, q)
	if q.Offset == c.m.failOffset {
		return nil, errors.New("connection reset")
	}
	var match []string
	for _, n := range c.m.names {
		if !strings.HasPrefix(strings.ToLower(n), strings.ToLower(q.Prefix)) {
			continue
		}
		excluded := false
		for _, r := range q.Exclusions {
			if n >= r.Start && n <= r.End {
				excluded = true
				break
			}
		}
		if !excluded {
			match = append(match, n)
		}
	}
	if q.Offset >= len(match) {
		return []string{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(match) {
		end = len(match)
	}
	return match[q.Offset:end], nil
}

func (c memoryConn) Close() error {
	c.m.mu.Lock()
	c.m.released++
	c.m.mu.Unlock()
	return nil
}

func generatedNames(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return out
}

// collector gathers delivered pages and fails the test on any duplicate row.
type collector struct {
	t     *testing.T
	seen  map[string]bool
	pages [][]string
}

func newCollector(t *testing.T) *collector {
	return &collector{t: t, seen: map[string]bool{}}
}

func (c *collector) deliver(rows []string) error {
	for _, r := range rows {
		if c.seen[r] {
			c.t.Errorf("row %q delivered twice", r)
		}
		c.seen[r] = true
	}
	c.pages = append(c.pages, rows)
	return nil
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestSearch_CompletesAcrossPages(t *testing.T) {
	idx := newMemoryIndex(generatedNames("user", 1200)...)
	c := NewCoordinator(idx, Config{PageSize: 1000, MaxPages: 2, Budget: time.Second}, nil, nil)
	now := time.Now()
	c.now = fixedClock(now)
	cov := NewCoverage()
	out := newCollector(t)

	res, err := c.Search(context.Background(), cov, "user", now, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 2, res.Pages)
	assert.Equal(t, 1200, res.Rows)
	require.Len(t, out.pages, 2)
	assert.Len(t, out.pages[0], 1000)
	assert.Len(t, out.pages[1], 200)
	assert.Equal(t, []string{"user"}, cov.Completed())

	res, err = c.Search(context.Background(), cov, "user", now, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	res, err = c.Search(context.Background(), cov, "user1", now, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome, "children of a complete prefix are skipped")

	acquired, released := idx.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, acquired, released)
}

func TestSearch_EmptyResultStillDelivered(t *testing.T) {
	idx := newMemoryIndex("bob")
	c := NewCoordinator(idx, Config{PageSize: 10}, nil, nil)
	cov := NewCoverage()
	out := newCollector(t)

	res, err := c.Search(context.Background(), cov, "zed", time.Time{}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	require.Len(t, out.pages, 1)
	assert.Empty(t, out.pages[0])
	assert.Equal(t, []string{"zed"}, cov.Completed())
}

func TestSearch_MaxPagesThenResume(t *testing.T) {
	idx := newMemoryIndex(generatedNames("u", 50)...)
	c := NewCoordinator(idx, Config{PageSize: 10, MaxPages: 2, Budget: time.Hour}, nil, nil)
	cov := NewCoverage()
	out := newCollector(t)
	ctx := context.Background()

	// pages 0, 1 and 2 are fetched before the page index reaches MaxPages
	res, err := c.Search(ctx, cov, "u", time.Time{}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTruncated, res.Outcome)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 30, res.Rows)
	assert.Equal(t, []Range{{"u", "u0029"}}, cov.Ranges())

	res, err = c.Search(ctx, cov, "u", time.Time{}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 3, res.Pages, "two full pages and an empty one")
	assert.Equal(t, 20, res.Rows)
	assert.Len(t, out.seen, 50, "every match delivered exactly once")

	res, err = c.Search(ctx, cov, "u00", time.Time{}, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestSearch_PassesExclusions(t *testing.T) {
	idx := newMemoryIndex("alan", "albert", "alberta", "albin", "alice")
	c := NewCoordinator(idx, Config{PageSize: 10}, nil, nil)
	cov := NewCoverage()
	cov.Record("al", "albert")
	out := newCollector(t)

	_, err := c.Search(context.Background(), cov, "alb", time.Time{}, out.deliver)
	require.NoError(t, err)
	require.Len(t, idx.queries, 1)
	assert.Equal(t, []Range{{"al", "albert"}}, idx.queries[0].Exclusions)
	assert.Equal(t, [][]string{{"alberta", "albin"}}, out.pages)
}

func TestSearch_DeadlineFromRoundTrip(t *testing.T) {
	idx := newMemoryIndex(generatedNames("a", 30)...)
	c := NewCoordinator(idx, Config{PageSize: 10, MaxPages: 5, Budget: 100 * time.Millisecond}, nil, nil)
	now := time.Now()
	c.now = fixedClock(now)
	cov := NewCoverage()
	out := newCollector(t)

	// 60ms one way, 120ms estimated round trip already exceeds the budget
	res, err := c.Search(context.Background(), cov, "a", now.Add(-60*time.Millisecond), out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTruncated, res.Outcome)
	assert.Equal(t, 1, res.Pages)
	assert.Equal(t, []Range{{"a", "a0009"}}, cov.Ranges())
}

func TestSearch_ClockSkewIgnored(t *testing.T) {
	idx := newMemoryIndex(generatedNames("a", 30)...)
	c := NewCoordinator(idx, Config{PageSize: 10, MaxPages: 5, Budget: 100 * time.Millisecond}, nil, nil)
	now := time.Now()
	c.now = fixedClock(now)
	out := newCollector(t)

	res, err := c.Search(context.Background(), NewCoverage(), "a", now.Add(time.Hour), out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Len(t, out.seen, 30)
}

func TestSearch_SlowServer(t *testing.T) {
	idx := newMemoryIndex(generatedNames("a", 30)...)
	c := NewCoordinator(idx, Config{PageSize: 10, MaxPages: 5, Budget: 100 * time.Millisecond}, nil, nil)
	start := time.Now()
	calls := 0
	c.now = func() time.Time {
		calls++
		return start.Add(time.Duration(calls-1) * 80 * time.Millisecond)
	}
	cov := NewCoverage()
	out := newCollector(t)

	res, err := c.Search(context.Background(), cov, "a", start, out.deliver)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTruncated, res.Outcome)
	assert.Equal(t, 2, res.Pages, "80ms after page one, 160ms after page two")
}

func TestSearch_EmptyPrefix(t *testing.T) {
	idx := newMemoryIndex("a")
	c := NewCoordinator(idx, Config{}, nil, nil)

	_, err := c.Search(context.Background(), NewCoverage(), "", time.Time{}, func([]string) error { return nil })
	assert.ErrorIs(t, err, ErrEmptyPrefix)
	acquired, _ := idx.counts()
	assert.Zero(t, acquired)
}

func TestSearch_AcquireFailure(t *testing.T) {
	idx := newMemoryIndex("a")
	idx.acquireErr = errors.New("too many connections")
	c := NewCoordinator(idx, Config{}, nil, nil)
	cov := NewCoverage()

	_, err := c.Search(context.Background(), cov, "a", time.Time{}, func([]string) error { return nil })
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Empty(t, cov.Completed())
	assert.Empty(t, cov.Ranges())
}

func TestSearch_PageFailureLeavesCoverageUntouched(t *testing.T) {
	idx := newMemoryIndex(generatedNames("a", 30)...)
	idx.failOffset = 10
	c := NewCoordinator(idx, Config{PageSize: 10, MaxPages: 5, Budget: time.Hour}, nil, nil)
	cov := NewCoverage()
	out := newCollector(t)

	_, err := c.Search(context.Background(), cov, "a", time.Time{}, out.deliver)
	assert.ErrorIs(t, err, ErrIndexUnavailable)
	assert.Len(t, out.pages, 1, "the first page was already streamed")
	assert.Empty(t, cov.Completed())
	assert.Empty(t, cov.Ranges())

	acquired, released := idx.counts()
	assert.Equal(t, acquired, released)
}

func TestSearch_DeliveryFailure(t *testing.T) {
	idx := newMemoryIndex("a", "ab")
	c := NewCoordinator(idx, Config{PageSize: 10}, nil, nil)
	cov := NewCoverage()
	gone := errors.New("channel closed")

	_, err := c.Search(context.Background(), cov, "a", time.Time{}, func([]string) error { return gone })
	assert.ErrorIs(t, err, gone)
	assert.Empty(t, cov.Completed())

	acquired, released := idx.counts()
	assert.Equal(t, acquired, released)
}

func TestSearch_CancelledContext(t *testing.T) {
	idx := newMemoryIndex("a")
	c := NewCoordinator(idx, Config{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Search(ctx, NewCoverage(), "a", time.Time{}, func([]string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	acquired, released := idx.counts()
	assert.Equal(t, acquired, released)
}
