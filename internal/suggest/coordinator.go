package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/observability"
)

var (
	ErrEmptyPrefix      = errors.New("empty prefix")
	ErrIndexUnavailable = errors.New("index unavailable")
)

// PageQuery selects one page of usernames that start with Prefix and fall
// outside every exclusion range, in ascending order.
type PageQuery struct {
	Prefix     string
	Exclusions []Range
	Limit      int
	Offset     int
}

// Index hands out connections to the username index.
type Index interface {
	Acquire(ctx context.Context) (IndexConn, error)
}

// IndexConn is one index connection, held for a whole search.
type IndexConn interface {
	Page(ctx context.Context, q PageQuery) ([]string, error)
	Close() error
}

// Outcome says how a search ended.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeComplete  Outcome = "complete"
	OutcomeTruncated Outcome = "truncated"
	OutcomeFailed    Outcome = "failed"
)

type Result struct {
	Outcome Outcome
	Pages   int
	Rows    int
}

type Config struct {
	PageSize int
	MaxPages int
	// Budget bounds server time plus the estimated round trip per request.
	Budget time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 1000
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 2
	}
	if c.Budget <= 0 {
		c.Budget = 100 * time.Millisecond
	}
	return c
}

// Coordinator streams suggestion pages for a prefix, skipping what the
// caller's coverage says was already delivered.
type Coordinator struct {
	index   Index
	cfg     Config
	logger  *zap.SugaredLogger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewCoordinator(index Index, cfg Config, logger *zap.SugaredLogger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Coordinator{index: index, cfg: cfg.withDefaults(), logger: logger, metrics: metrics, now: time.Now}
}

// Search plans the request against cov, fetches pages and hands each to
// deliver as soon as it arrives. sentAt is the client's send time and feeds
// the round trip estimate.
//
// A failed fetch or delivery leaves cov untouched.
func (c *Coordinator) Search(ctx context.Context, cov *Coverage, prefix string, sentAt time.Time, deliver func([]string) error) (Result, error) {
	if prefix == "" {
		return Result{Outcome: OutcomeFailed}, ErrEmptyPrefix
	}
	start := c.now()

	plan := cov.Plan(prefix)
	if plan.Skip {
		c.metrics.RecordSuggest(string(OutcomeSkipped), 0, 0)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	res, err := c.fetch(ctx, cov, prefix, plan.Exclusions, start, sentAt, deliver)
	c.metrics.RecordSuggest(string(res.Outcome), res.Pages, res.Rows)
	c.logger.Debugw("suggestion search",
		"prefix", prefix,
		"exclusions", len(plan.Exclusions),
		"outcome", res.Outcome,
		"pages", res.Pages,
		"rows", res.Rows,
		"duration_ms", float64(c.now().Sub(start).Microseconds())/1000.0,
	)
	return res, err
}

func (c *Coordinator) fetch(ctx context.Context, cov *Coverage, prefix string, exclusions []Range, start, sentAt time.Time, deliver func([]string) error) (Result, error) {
	res := Result{Outcome: OutcomeFailed}

	conn, err := c.index.Acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			c.logger.Warnw("release index connection", "error", cerr)
		}
	}()

	ping := start.Sub(sentAt)
	if ping < 0 || sentAt.IsZero() {
		ping = 0
	}

	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		rows, err := conn.Page(ctx, PageQuery{
			Prefix:     prefix,
			Exclusions: exclusions,
			Limit:      c.cfg.PageSize,
			Offset:     page * c.cfg.PageSize,
		})
		if err != nil {
			return res, fmt.Errorf("%w: page %d: %v", ErrIndexUnavailable, page, err)
		}
		if err := deliver(rows); err != nil {
			return res, err
		}
		res.Pages++
		res.Rows += len(rows)

		if len(rows) < c.cfg.PageSize {
			cov.Complete(prefix)
			res.Outcome = OutcomeComplete
			return res, nil
		}

		last := rows[len(rows)-1]
		elapsed := c.now().Sub(start)
		// page is 0-based, so up to MaxPages+1 pages are fetched
		if elapsed+2*ping > c.cfg.Budget || page >= c.cfg.MaxPages {
			// the index matches case-insensitively, so last may order
			// before prefix; Record drops such a range
			cov.Record(prefix, last)
			res.Outcome = OutcomeTruncated
			return res, nil
		}
	}
}
