package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/session"
)

// Housekeeper periodically pings every channel and forgets delivered
// suggestions, so clients see fresh index contents at least once per period.
type Housekeeper struct {
	cron     *cron.Cron
	registry *session.Registry
	logger   *zap.SugaredLogger
}

// NewHousekeeper schedules a sweep every interval, which callers set to
// half the session timeout.
func NewHousekeeper(registry *session.Registry, interval time.Duration, logger *zap.SugaredLogger) (*Housekeeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("housekeeping interval must be positive, got %v", interval)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	h := &Housekeeper{cron: cron.New(), registry: registry, logger: logger}
	if _, err := h.cron.AddFunc(fmt.Sprintf("@every %s", interval), h.Sweep); err != nil {
		return nil, fmt.Errorf("schedule housekeeping: %w", err)
	}
	return h, nil
}

func (h *Housekeeper) Start() { h.cron.Start() }

// Stop halts the schedule; the returned context is done once a running
// sweep finishes.
func (h *Housekeeper) Stop() context.Context { return h.cron.Stop() }

// Sweep broadcasts a keepalive and clears all coverage.
func (h *Housekeeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sent := h.registry.Broadcast(ctx, keepAlive)
	h.registry.ClearCoverage()
	h.logger.Debugw("housekeeping", "keepalives", sent, "logins", h.registry.Logins())
}
