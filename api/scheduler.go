/*
scheduler.go - Periodic conservation audit

PURPOSE:
  Periodically audits every material and reports inconsistencies and
  low stock. The scheduler only reads: it never corrects data, because a
  discrepancy means something wrote outside the engine and a human needs
  to look at it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Logs each inconsistent and each below-minimum material
  - Updates the stock_material_current and stock_audit_discrepancies gauges

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewAuditScheduler(handler.Auditor, handler.Metrics, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - stock/audit.go: Auditor
  - handlers.go: AuditMaterial endpoint (on-demand audit)
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/stock-engine/stock"
)

// AuditSummary is the outcome of one scheduler run.
type AuditSummary struct {
	Materials    int
	Inconsistent int
	BelowMinimum int
}

// AuditScheduler runs the conservation audit on a ticker.
type AuditScheduler struct {
	Auditor       *stock.Auditor
	Metrics       *Metrics
	Logger        *logrus.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAuditScheduler creates a new scheduler.
func NewAuditScheduler(auditor *stock.Auditor, metrics *Metrics, logger *logrus.Logger) *AuditScheduler {
	return &AuditScheduler{
		Auditor:       auditor,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
	}
}

// Start begins the scheduler.
func (as *AuditScheduler) Start() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.Enabled {
		as.Logger.Info("audit scheduler disabled, not starting")
		return
	}
	if as.ticker != nil {
		return
	}

	as.ticker = time.NewTicker(as.CheckInterval)
	as.stop = make(chan struct{})
	as.wg.Add(1)

	go as.run(as.ticker, as.stop)

	as.Logger.WithField("interval", as.CheckInterval.String()).Info("audit scheduler started")
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (as *AuditScheduler) Stop() {
	as.mu.Lock()
	defer as.mu.Unlock()

	if as.ticker != nil {
		as.ticker.Stop()
		close(as.stop)
		as.wg.Wait()
		as.ticker = nil
		as.Logger.Info("audit scheduler stopped")
	}
}

func (as *AuditScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer as.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	as.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			as.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce audits all materials and returns a summary.
func (as *AuditScheduler) RunOnce(ctx context.Context) (AuditSummary, error) {
	start := time.Now()
	reports, err := as.Auditor.CheckAll(ctx)
	if err != nil {
		as.Logger.WithError(err).Error("audit run failed")
		return AuditSummary{}, err
	}

	summary := AuditSummary{Materials: len(reports)}
	for _, r := range reports {
		as.Metrics.stock(r.MaterialID, r.CurrentStock)

		fields := logrus.Fields{
			"material_id":   r.MaterialID,
			"material":      r.MaterialName,
			"current_stock": r.CurrentStock,
		}
		if !r.Consistent() {
			summary.Inconsistent++
			as.Logger.WithFields(fields).
				WithField("findings", r.Findings).
				Warn("conservation audit failed")
		}
		if r.BelowMinimum {
			summary.BelowMinimum++
			as.Logger.WithFields(fields).
				WithField("minimum_stock", r.MinimumStock).
				Warn("material below minimum stock")
		}
	}
	as.Metrics.AuditDiscrepancies.Set(float64(summary.Inconsistent))

	as.Logger.WithFields(logrus.Fields{
		"materials":     summary.Materials,
		"inconsistent":  summary.Inconsistent,
		"below_minimum": summary.BelowMinimum,
		"duration":      time.Since(start).String(),
	}).Info("audit run complete")
	return summary, nil
}
