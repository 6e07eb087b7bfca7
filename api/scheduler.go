/*
scheduler.go - Periodic wallet reconciliation

PURPOSE:
  Runs booking.Service.ReconcileWallets on an interval and keeps the most
  recent report for GET /api/reconciliation.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on start
  - A failed run is logged and keeps the previous report
  - Drifts are logged by the service; the scheduler logs a summary

CONFIGURATION:
  - Interval: How often to check (RECONCILE_INTERVAL_MINUTES, default 60,
    0 disables the scheduler)

USAGE:
  scheduler := NewReconciliationScheduler(svc, logger, time.Hour)
  scheduler.Start(ctx)
  // ... later
  scheduler.Stop()

SEE ALSO:
  - booking/reconcile.go: The check itself
*/
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/warp/appointment-engine/booking"
)

// ReconciliationScheduler periodically compares wallets with their ledgers.
type ReconciliationScheduler struct {
	Service  *booking.Service
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	last    *booking.ReconciliationReport
	lastErr error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReconciliationScheduler creates a stopped scheduler.
func NewReconciliationScheduler(svc *booking.Service, logger *slog.Logger, interval time.Duration) *ReconciliationScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconciliationScheduler{Service: svc, Logger: logger, Interval: interval}
}

// Start begins the scheduler. It stops when ctx is done or Stop is called.
func (rs *ReconciliationScheduler) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.cancel != nil {
		return
	}
	if rs.Interval <= 0 {
		rs.Logger.Info("reconciliation scheduler disabled")
		return
	}

	ctx, rs.cancel = context.WithCancel(ctx)
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.Logger.Info("reconciliation scheduler started", "interval", rs.Interval.String())
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	rs.wg.Wait()
	rs.Logger.Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.Interval)
	defer ticker.Stop()

	rs.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one check and records its report.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (booking.ReconciliationReport, error) {
	report, err := rs.Service.ReconcileWallets(ctx)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.lastErr = err
	if err != nil {
		rs.Logger.ErrorContext(ctx, "reconciliation failed", "err", err)
		return report, err
	}
	rs.last = &report

	if report.Consistent() {
		rs.Logger.InfoContext(ctx, "reconciliation completed", "wallets", report.Wallets)
	} else {
		rs.Logger.WarnContext(ctx, "reconciliation found drifted wallets",
			"wallets", report.Wallets, "drifted", len(report.Drifts))
	}
	return report, nil
}

// Last returns the most recent successful report and the error of the most
// recent run.
func (rs *ReconciliationScheduler) Last() (*booking.ReconciliationReport, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last, rs.lastErr
}

// =============================================================================
// HANDLER
// =============================================================================

// GetReconciliation returns the latest reconciliation report.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Last()
	if report == nil {
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "Reconciliation failed", err)
			return
		}
		writeError(w, http.StatusNotFound, "No reconciliation has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(*report, err))
}
