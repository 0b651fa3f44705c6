package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// liveStatuses are the order states the venue can still move.
var liveStatuses = []string{
	models.OrderSubmitted,
	models.OrderNew,
	models.OrderAccepted,
	models.OrderPartiallyFilled,
	models.OrderDoneForDay,
	models.OrderStopped,
	models.OrderSuspended,
}

// Poller periodically reconciles live orders against the venue. Errors on
// individual orders are logged and retried on the next sweep.
type Poller struct {
	logger   *zap.Logger
	svc      *Service
	interval time.Duration
}

// NewPoller creates a poller with the given sweep interval.
func NewPoller(logger *zap.Logger, svc *Service, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{logger: logger, svc: svc, interval: interval}
}

// Run sweeps until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info("order poller started", zap.Duration("interval", p.interval))
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("order poller stopped")
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

func (p *Poller) sweep(ctx context.Context) {
	var ids []uuid.UUID
	err := p.svc.db.WithContext(ctx).Model(&models.Order{}).
		Where("status IN ? AND external_id IS NOT NULL", liveStatuses).
		Order("created_at ASC").
		Limit(500).
		Pluck("id", &ids).Error
	if err != nil {
		p.logger.Error("failed to list live orders", zap.Error(err))
		return
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := p.svc.SyncOrder(ctx, id); err != nil {
			p.logger.Warn("order sync failed",
				zap.String("order_id", id.String()),
				zap.Error(err))
		}
	}
}
