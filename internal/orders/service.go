// Package orders implements the order lifecycle: cash reservation before
// submission, relay to the execution venue, fill settlement against the
// ledger and release of unused reservations on terminal states.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/brokerage"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/forex"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/notifications"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/metrics"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// OrderService manages orders and their cash-side settlement.
type OrderService interface {
	CreateOrder(ctx context.Context, userID uuid.UUID, req *models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Order, int64, error)
	SyncOrder(ctx context.Context, orderID uuid.UUID) error
}

// Service implements OrderService.
type Service struct {
	logger   *zap.Logger
	db       *gorm.DB
	ledger   ledger.LedgerService
	forex    forex.ConversionService
	broker   brokerage.Client
	notifier notifications.Notifier

	orderLocks sync.Map // uuid.UUID -> *sync.Mutex
}

// NewService creates the order lifecycle controller.
func NewService(logger *zap.Logger, db *gorm.DB, led ledger.LedgerService, fx forex.ConversionService, broker brokerage.Client, notifier notifications.Notifier) *Service {
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}
	return &Service{
		logger:   logger,
		db:       db,
		ledger:   led,
		forex:    fx,
		broker:   broker,
		notifier: notifier,
	}
}

// settlementRef keys a fill commit on the cumulative filled quantity, so the
// same fill notification applies at most once no matter how often the venue
// repeats it.
func settlementRef(orderID uuid.UUID, filledQty decimal.Decimal) string {
	return fmt.Sprintf("settle:%s:%s", orderID, filledQty)
}

func validateOrderRequest(req *models.OrderRequest) error {
	if !req.Quantity.IsPositive() {
		return apperrors.NewValidation("quantity", "must be positive")
	}
	switch req.Type {
	case models.OrderTypeLimit, models.OrderTypeStopLimit:
		if !req.LimitPrice.IsPositive() {
			return apperrors.NewValidation("limit_price", "required for limit orders")
		}
	}
	switch req.Type {
	case models.OrderTypeStop, models.OrderTypeStopLimit:
		if !req.StopPrice.IsPositive() {
			return apperrors.NewValidation("stop_price", "required for stop orders")
		}
	}
	return nil
}

// reservePrice is the per-share USD price used to size the cash reservation:
// the limit price when the order carries one, the latest trade otherwise.
func (s *Service) reservePrice(ctx context.Context, req *models.OrderRequest) (decimal.Decimal, error) {
	if req.LimitPrice.IsPositive() {
		return req.LimitPrice, nil
	}
	if req.StopPrice.IsPositive() {
		return req.StopPrice, nil
	}
	return s.broker.LatestPrice(ctx, req.Symbol)
}

// CreateOrder validates, reserves settlement cash for buys and relays the
// order to the venue. The reservation happens before the external call; a
// failed submission releases it and rejects the order.
func (s *Service) CreateOrder(ctx context.Context, userID uuid.UUID, req *models.OrderRequest) (*models.Order, error) {
	start := time.Now()
	defer func() { metrics.OpLatency.WithLabelValues("create_order").Observe(time.Since(start).Seconds()) }()

	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}
	currency := req.Currency
	if currency == "" {
		currency = models.CurrencyUSD
	}

	price, err := s.reservePrice(ctx, req)
	if err != nil {
		return nil, err
	}
	notionalUSD := price.Mul(req.Quantity)

	var exchangeRate *decimal.Decimal
	orderValue := notionalUSD.Round(2)
	if currency != models.CurrencyUSD {
		rate, _, rerr := s.forex.Rate(ctx, models.CurrencyUSD, currency)
		if rerr != nil {
			return nil, rerr
		}
		exchangeRate = &rate
		orderValue = notionalUSD.Mul(rate).Round(2)
	}

	order := &models.Order{
		ID:                 uuid.New(),
		UserID:             userID,
		Symbol:             req.Symbol,
		Side:               req.Side,
		Type:               req.Type,
		Quantity:           req.Quantity,
		FilledQuantity:     decimal.Zero,
		Status:             models.OrderPending,
		OrderValue:         orderValue,
		SettledValue:       decimal.Zero,
		SettlementCurrency: currency,
		ExchangeRate:       exchangeRate,
	}
	if req.LimitPrice.IsPositive() {
		lp := req.LimitPrice
		order.LimitPrice = &lp
	}
	if req.StopPrice.IsPositive() {
		sp := req.StopPrice
		order.StopPrice = &sp
	}
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	// Buys reserve the full notional up front. Sells settle as credits and
	// need no cash-side hold; the venue owns the position check.
	if order.Side == models.SideBuy {
		if err := s.ledger.Freeze(ctx, userID, orderValue, currency); err != nil {
			reason := "reservation failed: " + err.Error()
			if apperrors.IsInsufficientFunds(err) {
				reason = "insufficient funds"
			}
			s.reject(ctx, order, reason)
			return order, err
		}
	}

	state, err := s.broker.SubmitOrder(ctx, brokerage.SubmitParams{
		ClientOrderID: order.ID.String(),
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
	})
	if err != nil {
		if order.Side == models.SideBuy {
			if uerr := s.ledger.Unfreeze(ctx, userID, orderValue, currency); uerr != nil {
				s.logger.Error("failed to release reservation for failed submit",
					zap.String("order_id", order.ID.String()), zap.Error(uerr))
			}
		}
		s.reject(ctx, order, "submission failed: "+err.Error())
		return order, err
	}

	order.Status = models.OrderSubmitted
	order.ExternalID = &state.ID
	if err := s.db.WithContext(ctx).Model(order).Updates(map[string]interface{}{
		"status":      order.Status,
		"external_id": state.ID,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to update order after submit: %w", err)
	}
	metrics.OrdersPlaced.WithLabelValues(order.Side).Inc()
	s.logger.Info("order submitted",
		zap.String("order_id", order.ID.String()),
		zap.String("external_id", state.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", order.Side),
		zap.String("order_value", orderValue.String()),
		zap.String("currency", currency))

	// The venue may report progress in the submit response itself.
	if state.Status != "" && state.Status != models.OrderSubmitted {
		if err := s.applyUpdate(ctx, order.ID, state); err != nil {
			s.logger.Error("failed to apply submit-time update",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	return s.GetOrder(ctx, userID, order.ID)
}

// reject marks a pre-submission order rejected. Best effort: the order is
// already in a consistent no-cash-moved state.
func (s *Service) reject(ctx context.Context, order *models.Order, reason string) {
	order.Status = models.OrderRejected
	order.RejectReason = reason
	if err := s.db.WithContext(ctx).Model(order).Updates(map[string]interface{}{
		"status":        models.OrderRejected,
		"reject_reason": reason,
	}).Error; err != nil {
		s.logger.Error("failed to mark order rejected",
			zap.String("order_id", order.ID.String()), zap.Error(err))
	}
	metrics.OrdersSettled.WithLabelValues(models.OrderRejected).Inc()
}

// GetOrder returns an order scoped to its owner.
func (s *Service) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperrors.NewNotFound("order", orderID.String())
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return &order, nil
}

// ListOrders returns the user's orders, optionally filtered by status,
// newest first.
func (s *Service) ListOrders(ctx context.Context, userID uuid.UUID, status string, limit, offset int) ([]*models.Order, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	q := s.db.WithContext(ctx).Model(&models.Order{}).Where("user_id = ?", userID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	var out []*models.Order
	if err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&out).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list orders: %w", err)
	}
	return out, total, nil
}

// CancelOrder requests cancellation at the venue, then releases the unfilled
// part of the reservation. Already-terminal orders return unchanged.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if models.TerminalOrderStatus(order.Status) {
		return order, nil
	}
	// Venue call happens before any lock is taken.
	if order.ExternalID != nil {
		if err := s.broker.CancelOrder(ctx, *order.ExternalID); err != nil && !apperrors.IsNotFound(err) {
			return nil, err
		}
	}
	if err := s.applyUpdate(ctx, order.ID, &brokerage.OrderState{
		Status:         models.OrderCanceled,
		FilledQuantity: order.FilledQuantity,
	}); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, userID, order.ID)
}

// SyncOrder polls the venue for the order's current state and applies it.
func (s *Service) SyncOrder(ctx context.Context, orderID uuid.UUID) error {
	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NewNotFound("order", orderID.String())
		}
		return fmt.Errorf("failed to load order: %w", err)
	}
	if models.TerminalOrderStatus(order.Status) || order.ExternalID == nil {
		return nil
	}
	state, err := s.broker.GetOrder(ctx, *order.ExternalID)
	if err != nil {
		return err
	}
	return s.applyUpdate(ctx, order.ID, state)
}

func (s *Service) orderMutex(orderID uuid.UUID) *sync.Mutex {
	mu, _ := s.orderLocks.LoadOrStore(orderID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// applyUpdate settles fill progress against the ledger and advances the
// order state. Updates for one order are serialized in process; the
// conditional write below guards against a second instance, and ledger
// commits are idempotent by reference, so a partially applied update heals
// on replay.
func (s *Service) applyUpdate(ctx context.Context, orderID uuid.UUID, state *brokerage.OrderState) error {
	mu := s.orderMutex(orderID)
	mu.Lock()
	defer mu.Unlock()

	var order models.Order
	if err := s.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return apperrors.NewNotFound("order", orderID.String())
		}
		return fmt.Errorf("failed to load order: %w", err)
	}
	if models.TerminalOrderStatus(order.Status) {
		metrics.ReplaysSuppressed.WithLabelValues("order_update").Inc()
		return nil
	}
	prevStatus := order.Status
	prevFilled := order.FilledQuantity

	updates := map[string]interface{}{}
	if state.FilledQuantity.GreaterThan(order.FilledQuantity) {
		if err := s.settleFill(ctx, &order, state); err != nil {
			return err
		}
		updates["filled_quantity"] = order.FilledQuantity
		updates["settled_value"] = order.SettledValue
		updates["avg_fill_price"] = order.AvgFillPrice
	}

	becameTerminal := false
	newStatus := state.Status
	if newStatus != "" && newStatus != order.Status && allowedTransition(order.Status, newStatus) {
		order.Status = newStatus
		updates["status"] = newStatus
		if newStatus == models.OrderFilled {
			now := time.Now()
			order.FilledAt = &now
			updates["filled_at"] = order.FilledAt
		}
		becameTerminal = models.TerminalOrderStatus(newStatus)
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ? AND filled_quantity = ?", orderID, prevStatus, prevFilled).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update order: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		metrics.ReplaysSuppressed.WithLabelValues("order_update").Inc()
		return nil
	}
	if becameTerminal {
		if err := s.releaseRemainder(ctx, &order); err != nil {
			return err
		}
		metrics.OrdersSettled.WithLabelValues(order.Status).Inc()
		s.logger.Info("order settled",
			zap.String("order_id", order.ID.String()),
			zap.String("status", order.Status),
			zap.String("settled_value", order.SettledValue.String()))
		s.notifier.Publish(ctx, notifications.Event{
			Kind:      notifications.EventOrderSettled,
			UserID:    order.UserID.String(),
			Reference: order.ID.String(),
			Payload: map[string]interface{}{
				"status":          order.Status,
				"symbol":          order.Symbol,
				"side":            order.Side,
				"filled_quantity": order.FilledQuantity.String(),
				"settled_value":   order.SettledValue.String(),
				"currency":        order.SettlementCurrency,
			},
		})
	}
	return nil
}

// settleFill commits the incremental notional of a fill. The cumulative
// notional is priced from the venue's average fill price; the increment is
// what the journal has not yet seen.
func (s *Service) settleFill(ctx context.Context, order *models.Order, state *brokerage.OrderState) error {
	if !state.AvgFillPrice.IsPositive() {
		return apperrors.NewValidation("avg_fill_price", "fill update without a price")
	}
	cumulative := state.AvgFillPrice.Mul(state.FilledQuantity)
	if order.SettlementCurrency != models.CurrencyUSD && order.ExchangeRate != nil {
		cumulative = cumulative.Mul(*order.ExchangeRate)
	}
	cumulative = cumulative.Round(2)

	increment := cumulative.Sub(order.SettledValue)
	if increment.IsPositive() {
		p := ledger.CommitParams{
			UserID:    order.UserID,
			Amount:    increment,
			Currency:  order.SettlementCurrency,
			Reference: settlementRef(order.ID, state.FilledQuantity),
			Metadata: models.Metadata{
				"order_id":       order.ID.String(),
				"symbol":         order.Symbol,
				"filled_qty":     state.FilledQuantity.String(),
				"avg_fill_price": state.AvgFillPrice.String(),
			},
		}
		if order.Side == models.SideBuy {
			p.EntryType = models.EntryTradeBuy
			p.Debit = true
			// Buys spend from the reservation made at submission; a fill
			// priced above it overflows into the available balance.
			p.FromAvailable = false
		} else {
			p.EntryType = models.EntryTradeSell
		}
		_, applied, err := s.ledger.Commit(ctx, p)
		if err != nil {
			return err
		}
		if !applied {
			metrics.ReplaysSuppressed.WithLabelValues("fill").Inc()
		}
		order.SettledValue = cumulative
	}
	order.FilledQuantity = state.FilledQuantity
	px := state.AvgFillPrice
	order.AvgFillPrice = &px
	return nil
}

// releaseRemainder unfreezes whatever part of a buy reservation the fills
// did not consume. Unfreeze clamps, so over-release is harmless.
func (s *Service) releaseRemainder(ctx context.Context, order *models.Order) error {
	if order.Side != models.SideBuy {
		return nil
	}
	remainder := order.OrderValue.Sub(order.SettledValue)
	if !remainder.IsPositive() {
		return nil
	}
	return s.ledger.Unfreeze(ctx, order.UserID, remainder, order.SettlementCurrency)
}

// allowedTransition is the order state machine. Terminal states admit
// nothing; pending may submit, reject, or cancel (a reserved order that
// never reached the venue); every live state may move to any venue-reported
// state.
func allowedTransition(from, to string) bool {
	if models.TerminalOrderStatus(from) {
		return false
	}
	if from == models.OrderPending {
		return to == models.OrderSubmitted || to == models.OrderRejected || to == models.OrderCanceled
	}
	switch to {
	case models.OrderNew, models.OrderAccepted, models.OrderPartiallyFilled,
		models.OrderFilled, models.OrderCanceled, models.OrderExpired,
		models.OrderDoneForDay, models.OrderRejected, models.OrderStopped,
		models.OrderSuspended:
		return true
	}
	return false
}
