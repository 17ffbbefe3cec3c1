package cron

import (
	"context"
	"time"

	. "github.com/roelfdiedericks/wagate/internal/logging"
)

// DefaultKeepAliveSchedule logs the active session count every 5 minutes.
const DefaultKeepAliveSchedule = "@every 5m"

// KeepAlive returns the job that reports how many sessions are connected.
func KeepAlive(schedule string, active func() int) Job {
	if schedule == "" {
		schedule = DefaultKeepAliveSchedule
	}
	return Job{
		Name:     "keepalive",
		Schedule: schedule,
		Run: func(context.Context) error {
			L_info("keep-alive: gateway running", "activeSessions", active())
			return nil
		},
	}
}

// Pruner evicts entries older than a TTL.
type Pruner interface {
	Prune(olderThan time.Duration) int
}

// CorrelationPrune returns the job that evicts menu correlation entries
// older than ttl.
func CorrelationPrune(p Pruner, ttl time.Duration) Job {
	return Job{
		Name:     "correlation-prune",
		Schedule: "@every 1m",
		Run: func(context.Context) error {
			if n := p.Prune(ttl); n > 0 {
				L_debug("cron: pruned correlation entries", "count", n, "ttl", ttl)
			}
			return nil
		},
	}
}
