package server

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maintenanceRetries     = 3
	maintenancePassTimeout = 2 * time.Minute
	staleRecycleBatch      = 256
)

func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	reconcileTicker := time.NewTicker(s.cfg.ReconcileInterval)
	bucketTicker := time.NewTicker(regCleanupAge)
	defer heartbeatTicker.Stop()
	defer reconcileTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleSessions()
		case <-reconcileTicker.C:
			s.maintainTopology(ctx)
		case <-bucketTicker.C:
			s.regLimiter.cleanup()
		}
	}
}

// maintainTopology recycles tunnels stuck short of established and then
// reconciles every group. Recycling reconciles on its own, so the full
// pass only runs when recycling is disabled or found nothing.
func (s *Server) maintainTopology(ctx context.Context) {
	passCtx, cancel := context.WithTimeout(ctx, maintenancePassTimeout)
	defer cancel()

	engine := s.svc.Engine()
	recycled := 0
	err := s.retry(passCtx, "recycle stale tunnels", func() error {
		n, err := engine.RecycleStale(passCtx, s.cfg.StaleTunnelAfter, staleRecycleBatch)
		recycled += n
		return err
	})
	if err != nil {
		s.log.Warn("stale tunnel recycling failed", "err", err)
	}
	if recycled > 0 {
		s.log.Info("stale tunnels recycled", "count", recycled)
		return
	}
	err = s.retry(passCtx, "reconcile all", func() error {
		_, err := engine.ReconcileAll(passCtx)
		return err
	})
	if err != nil {
		s.log.Warn("periodic reconcile failed", "err", err)
	}
}

// retry runs op with exponential backoff. Cancellation stops retrying.
func (s *Server) retry(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maintenanceRetries), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.log.Debug("maintenance retry", "task", what, "err", err, "retry_in", wait.Round(time.Millisecond).String())
	})
}

func (s *Server) expireStaleSessions() {
	now := time.Now()
	for _, sess := range s.hub.snapshot() {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.WatchTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("watch heartbeat timeout", "node_id", sess.nodeID, "last_seen", lastSeen.UTC().Format(time.RFC3339))
		_ = sess.conn.Close()
	}
}
