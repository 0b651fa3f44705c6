// Package forex implements currency conversion: rate resolution with a
// redis cache and fallbacks, fee computation and ledger-backed conversions.
package forex

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/config"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/internal/ledger"
	apperrors "github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/errors"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/metrics"
	"github.com/Mwai-kiragu/alpaca-stockMarket-sub001/pkg/models"
)

// Rate sources, recorded in journal metadata. Anything other than live or
// cached is flagged stale so reconciliation can review the conversion.
const (
	SourceLive     = "live"
	SourceCached   = "cached"
	SourceStale    = "stale"
	SourceFallback = "fallback"
)

// RateProvider fetches the current exchange rate between two currencies.
type RateProvider interface {
	GetRate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// HTTPRateProvider queries a rate endpoint over HTTP.
type HTTPRateProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRateProvider creates a provider with a bounded request timeout.
func NewHTTPRateProvider(baseURL string, timeout time.Duration) *HTTPRateProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRateProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// GetRate calls GET {base}/rate?from=X&to=Y.
func (p *HTTPRateProvider) GetRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if p.baseURL == "" {
		return decimal.Zero, apperrors.NewExternal("forex", fmt.Errorf("no rate provider configured"))
	}
	endpoint := fmt.Sprintf("%s/rate?from=%s&to=%s", p.baseURL, url.QueryEscape(from), url.QueryEscape(to))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, apperrors.NewExternal("forex", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, apperrors.NewExternal("forex", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, apperrors.NewExternal("forex", fmt.Errorf("rate provider returned %d", resp.StatusCode))
	}
	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, apperrors.NewExternal("forex", fmt.Errorf("failed to decode rate response: %w", err))
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, apperrors.NewExternal("forex", fmt.Errorf("rate provider returned non-positive rate %s", body.Rate))
	}
	return body.Rate, nil
}

// Quote is a priced conversion before any money moves.
type Quote struct {
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
	GrossAmount  decimal.Decimal `json:"gross_amount"`
	Fee          decimal.Decimal `json:"fee"`
	NetAmount    decimal.Decimal `json:"net_amount"`
	Rate         decimal.Decimal `json:"rate"`
	RateSource   string          `json:"rate_source"`
	Converted    decimal.Decimal `json:"converted"`
}

// Stale reports whether the quote was priced from anything other than a
// live or freshly cached rate.
func (q Quote) Stale() bool {
	return q.RateSource != SourceLive && q.RateSource != SourceCached
}

// ConversionService prices and executes currency conversions.
type ConversionService interface {
	// Rate resolves the exchange rate and reports which source served it.
	Rate(ctx context.Context, from, to string) (decimal.Decimal, string, error)
	// Fee computes the conversion fee for an amount in the given currency.
	Fee(amount decimal.Decimal, currency string) decimal.Decimal
	// Quote prices a conversion of a gross (fee-inclusive) amount.
	Quote(ctx context.Context, gross decimal.Decimal, from, to string) (Quote, error)
	// Convert executes a quoted conversion against the user's wallet.
	Convert(ctx context.Context, userID uuid.UUID, gross decimal.Decimal, from, to string) (Quote, *models.LedgerEntry, *models.LedgerEntry, error)
	// ConvertDeposit converts a confirmed deposit, keyed to the deposit
	// reference so replayed confirmations convert at most once.
	ConvertDeposit(ctx context.Context, entry *models.LedgerEntry, to string) error
}

// Service implements ConversionService.
type Service struct {
	logger   *zap.Logger
	ledger   ledger.LedgerService
	provider RateProvider
	cache    *redis.Client
	cacheTTL time.Duration

	feePercent  decimal.Decimal
	feeMinimums map[string]decimal.Decimal
	fallback    map[string]decimal.Decimal

	mu        sync.RWMutex
	lastKnown map[string]decimal.Decimal
}

// NewService builds the conversion service from configuration. The redis
// client may be nil; caching is then skipped and the in-process last-known
// rate covers provider outages.
func NewService(logger *zap.Logger, led ledger.LedgerService, provider RateProvider, cache *redis.Client, cfg config.ForexConfig) (*Service, error) {
	feePct, err := decimal.NewFromString(cfg.FeePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid forex.fee_percent %q: %w", cfg.FeePercent, err)
	}
	mins := make(map[string]decimal.Decimal, len(cfg.FeeMinimums))
	for ccy, raw := range cfg.FeeMinimums {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid forex.fee_minimums[%s] %q: %w", ccy, raw, err)
		}
		mins[strings.ToUpper(ccy)] = d
	}
	fb := make(map[string]decimal.Decimal, len(cfg.FallbackRates))
	for pair, raw := range cfg.FallbackRates {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid forex.fallback_rates[%s] %q: %w", pair, raw, err)
		}
		fb[strings.ToUpper(pair)] = d
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Service{
		logger:      logger,
		ledger:      led,
		provider:    provider,
		cache:       cache,
		cacheTTL:    ttl,
		feePercent:  feePct,
		feeMinimums: mins,
		fallback:    fb,
		lastKnown:   make(map[string]decimal.Decimal),
	}, nil
}

func pairKey(from, to string) string {
	return from + "_" + to
}

func cacheKey(from, to string) string {
	return "forex:rate:" + from + ":" + to
}

// Rate resolves from the redis cache first, then the live provider, then the
// last rate this process saw, then the configured static rate. Money movement
// never blocks on provider availability as long as any fallback exists.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, string, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), SourceLive, nil
	}

	if s.cache != nil {
		raw, err := s.cache.Get(ctx, cacheKey(from, to)).Result()
		if err == nil {
			if rate, perr := decimal.NewFromString(raw); perr == nil && rate.IsPositive() {
				metrics.RateLookups.WithLabelValues(SourceCached).Inc()
				return rate, SourceCached, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("rate cache read failed", zap.Error(err))
		}
	}

	rate, err := s.provider.GetRate(ctx, from, to)
	if err == nil {
		s.remember(ctx, from, to, rate)
		metrics.RateLookups.WithLabelValues(SourceLive).Inc()
		return rate, SourceLive, nil
	}
	s.logger.Warn("rate provider unavailable",
		zap.String("from", from),
		zap.String("to", to),
		zap.Error(err))

	s.mu.RLock()
	last, ok := s.lastKnown[pairKey(from, to)]
	s.mu.RUnlock()
	if ok {
		metrics.RateLookups.WithLabelValues(SourceStale).Inc()
		return last, SourceStale, nil
	}

	if fb, ok := s.fallback[pairKey(from, to)]; ok {
		metrics.RateLookups.WithLabelValues(SourceFallback).Inc()
		return fb, SourceFallback, nil
	}
	return decimal.Zero, "", apperrors.NewExternal("forex", fmt.Errorf("no rate available for %s/%s: %w", from, to, err))
}

func (s *Service) remember(ctx context.Context, from, to string, rate decimal.Decimal) {
	s.mu.Lock()
	s.lastKnown[pairKey(from, to)] = rate
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(from, to), rate.String(), s.cacheTTL).Err(); err != nil {
			s.logger.Warn("rate cache write failed", zap.Error(err))
		}
	}
}

// Fee is a flat percentage with a per-currency minimum floor, rounded to 2
// decimals half-up. Deterministic for identical inputs.
func (s *Service) Fee(amount decimal.Decimal, currency string) decimal.Decimal {
	fee := amount.Mul(s.feePercent).Div(decimal.NewFromInt(100)).Round(2)
	if min, ok := s.feeMinimums[strings.ToUpper(currency)]; ok && fee.LessThan(min) {
		fee = min
	}
	return fee
}

// Quote prices a conversion: fee comes off the gross amount, the remainder
// converts at the resolved rate, rounded to 2 decimals half-up.
func (s *Service) Quote(ctx context.Context, gross decimal.Decimal, from, to string) (Quote, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if !gross.IsPositive() {
		return Quote{}, apperrors.NewValidation("amount", "must be positive")
	}
	if from == to {
		return Quote{}, apperrors.NewValidation("to", "currencies must differ")
	}
	fee := s.Fee(gross, from)
	net := gross.Sub(fee)
	if !net.IsPositive() {
		return Quote{}, apperrors.NewValidation("amount", "amount does not cover the conversion fee")
	}
	rate, source, err := s.Rate(ctx, from, to)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		FromCurrency: from,
		ToCurrency:   to,
		GrossAmount:  gross,
		Fee:          fee,
		NetAmount:    net,
		Rate:         rate,
		RateSource:   source,
		Converted:    net.Mul(rate).Round(2),
	}, nil
}

// Convert executes a conversion as a paired debit/credit in one transaction.
func (s *Service) Convert(ctx context.Context, userID uuid.UUID, gross decimal.Decimal, from, to string) (Quote, *models.LedgerEntry, *models.LedgerEntry, error) {
	q, err := s.Quote(ctx, gross, from, to)
	if err != nil {
		return Quote{}, nil, nil, err
	}
	out, in, _, err := s.ledger.ConvertPair(ctx, ledger.ConvertParams{
		UserID:       userID,
		GrossAmount:  q.GrossAmount,
		Fee:          q.Fee,
		FromCurrency: q.FromCurrency,
		ToAmount:     q.Converted,
		ToCurrency:   q.ToCurrency,
		Rate:         q.Rate,
		RateSource:   q.RateSource,
		Reference:    "fx:" + uuid.New().String(),
	})
	if err != nil {
		return Quote{}, nil, nil, err
	}
	return q, out, in, nil
}

// ConvertDeposit converts a just-confirmed deposit into the target currency.
// The conversion reference is derived from the deposit reference, so a
// replayed payment confirmation cannot convert the same deposit twice. The
// rate is captured at confirmation time.
func (s *Service) ConvertDeposit(ctx context.Context, entry *models.LedgerEntry, to string) error {
	if entry.Status != models.StatusCompleted || !entry.Amount.IsPositive() {
		return apperrors.NewValidation("entry", "only completed credit entries can be converted")
	}
	q, err := s.Quote(ctx, entry.Amount, entry.Currency, to)
	if err != nil {
		return err
	}
	_, _, applied, err := s.ledger.ConvertPair(ctx, ledger.ConvertParams{
		UserID:       entry.UserID,
		GrossAmount:  q.GrossAmount,
		Fee:          q.Fee,
		FromCurrency: q.FromCurrency,
		ToAmount:     q.Converted,
		ToCurrency:   q.ToCurrency,
		Rate:         q.Rate,
		RateSource:   q.RateSource,
		Reference:    entry.Reference + ":fx",
		Metadata:     models.Metadata{"deposit_reference": entry.Reference},
	})
	if err != nil {
		return err
	}
	if !applied {
		metrics.ReplaysSuppressed.WithLabelValues("auto_convert").Inc()
	}
	return nil
}
