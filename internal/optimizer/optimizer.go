// Package optimizer implements the Query Optimizer (spec §4.3): selectivity-
// ordered customer lookups, priority-ordered batch execution, slow-query
// callbacks, and per-query-type backoff after repeated failures.
//
// Grounded on other_examples' vasic-digital database/query_optimizer.go
// (pgxpool-backed optimizer with QueryMetrics/slow-query tracking) for the
// overall shape, and on the teacher's internal/throttle/
// endpoint_throttle.go for the per-query-type exponential backoff that
// supplements the spec (SPEC_FULL §5).
package optimizer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
	"github.com/riskshield/sentinel-core/internal/store"
	"go.uber.org/zap"
)

// DataSource is the narrow relational surface the optimizer needs; a
// *store.Store satisfies it. Declared here, at the consumer, so tests can
// substitute a fake without touching internal/store.
type DataSource interface {
	FindCustomerByPhone(ctx context.Context, phone string) (*store.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*store.Customer, error)
	FindCustomerByOrderID(ctx context.Context, orderID string) (*store.Customer, error)
	FindCustomerByID(ctx context.Context, customerID string) (*store.Customer, error)
	FindCheckoutCorrelation(ctx context.Context, token string) (*store.CheckoutCorrelation, error)
	FindOrderEvents(ctx context.Context, customerID string, q store.OrderEventQuery) ([]store.OrderEvent, error)
}

// QueryType enumerates the batchable query kinds.
type QueryType string

const (
	QueryFindCustomer    QueryType = "find_customer"
	QueryFindOrderEvents QueryType = "find_order_events"
	QueryFindCorrelation QueryType = "find_checkout_correlation"
)

// Priority orders batch execution: high before medium before low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Item is a single batch entry.
type Item struct {
	Type       QueryType
	Priority   Priority
	Identifier Identifier
}

// Identifier carries whatever input a given QueryType needs.
type Identifier struct {
	Identifiers store.Identifiers
	CustomerID  string
	Token       string
	EventQuery  store.OrderEventQuery
}

// ItemResult preserves each batch entry's outcome in input order.
type ItemResult struct {
	Data interface{}
	Err  error
}

// SlowQueryCallback receives a single slow-query observation. Must be
// exception-safe; the optimizer recovers and swallows a panicking callback.
type SlowQueryCallback func(queryType QueryType, duration time.Duration, paramsHash string)

// QueryStats is the getQueryStats() snapshot for a bounded window.
type QueryStats struct {
	TotalQueries int64
	SlowQueries  int64
	Failures     int64
	AvgDuration  time.Duration
}

type queryRecord struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// Config controls backoff and window behavior.
type Config struct {
	SlowQueryThreshold time.Duration
	StatsWindow        time.Duration
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	BackoffMultiplier  float64
	TripAfterFailures  int
}

// DefaultConfig mirrors the teacher's throttle defaults, scaled down for a
// synchronous DB-call backoff rather than a multi-minute endpoint backoff.
func DefaultConfig() Config {
	return Config{
		SlowQueryThreshold: 100 * time.Millisecond,
		StatsWindow:        5 * time.Minute,
		InitialBackoff:     500 * time.Millisecond,
		MaxBackoff:         30 * time.Second,
		BackoffMultiplier:  2.0,
		TripAfterFailures:  3,
	}
}

type typeBackoff struct {
	consecutiveFailures int
	nextAllowed         time.Time
	currentBackoff      time.Duration
}

// Optimizer implements the spec §4.3 contract over a store.Store.
type Optimizer struct {
	store  DataSource
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	records   []queryRecord
	backoff   map[QueryType]*typeBackoff
	callbacks []SlowQueryCallback
}

// New constructs an Optimizer over any DataSource (typically a *store.Store).
func New(s DataSource, cfg Config, logger *zap.Logger) *Optimizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Optimizer{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		backoff: make(map[QueryType]*typeBackoff),
	}
}

// FindCustomerByIdentifiers prefers the most selective identifier: phone,
// then email, then a checkout-token correlation hop, then orderId.
func (o *Optimizer) FindCustomerByIdentifiers(ctx context.Context, ids store.Identifiers) (*store.Customer, error) {
	return o.timed(ctx, QueryFindCustomer, ids, func(ctx context.Context) (interface{}, error) {
		if ids.Phone != "" {
			if c, err := o.store.FindCustomerByPhone(ctx, ids.Phone); err != nil || c != nil {
				return c, err
			}
		}
		if ids.Email != "" {
			if c, err := o.store.FindCustomerByEmail(ctx, ids.Email); err != nil || c != nil {
				return c, err
			}
		}
		if ids.CheckoutToken != "" {
			corr, err := o.store.FindCheckoutCorrelation(ctx, ids.CheckoutToken)
			if err != nil {
				return nil, err
			}
			if corr != nil {
				return o.store.FindCustomerByID(ctx, corr.CustomerID)
			}
		}
		if ids.OrderID != "" {
			return o.store.FindCustomerByOrderID(ctx, ids.OrderID)
		}
		return nil, nil
	})
}

// FindOrderEvents returns a customer's order history.
func (o *Optimizer) FindOrderEvents(ctx context.Context, customerID string, q store.OrderEventQuery) ([]store.OrderEvent, error) {
	result, err := o.timed(ctx, QueryFindOrderEvents, q, func(ctx context.Context) (interface{}, error) {
		return o.store.FindOrderEvents(ctx, customerID, q)
	})
	if err != nil || result == nil {
		return nil, err
	}
	return result.([]store.OrderEvent), nil
}

// FindCheckoutCorrelation resolves a checkout token.
func (o *Optimizer) FindCheckoutCorrelation(ctx context.Context, token string) (*store.CheckoutCorrelation, error) {
	result, err := o.timed(ctx, QueryFindCorrelation, token, func(ctx context.Context) (interface{}, error) {
		return o.store.FindCheckoutCorrelation(ctx, token)
	})
	if err != nil || result == nil {
		return nil, err
	}
	return result.(*store.CheckoutCorrelation), nil
}

// BatchQuery groups items by priority (high -> medium -> low) and executes
// them in that order, preserving per-item success/failure in input order.
// An unknown query type yields a per-item failure, not a batch abort.
func (o *Optimizer) BatchQuery(ctx context.Context, items []Item) []ItemResult {
	results := make([]ItemResult, len(items))

	order := make([]int, len(items))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return items[order[a]].Priority > items[order[b]].Priority
	})

	for _, idx := range order {
		item := items[idx]
		switch item.Type {
		case QueryFindCustomer:
			c, err := o.FindCustomerByIdentifiers(ctx, item.Identifier.Identifiers)
			results[idx] = ItemResult{Data: c, Err: err}
		case QueryFindOrderEvents:
			events, err := o.FindOrderEvents(ctx, item.Identifier.CustomerID, item.Identifier.EventQuery)
			results[idx] = ItemResult{Data: events, Err: err}
		case QueryFindCorrelation:
			c, err := o.FindCheckoutCorrelation(ctx, item.Identifier.Token)
			results[idx] = ItemResult{Data: c, Err: err}
		default:
			results[idx] = ItemResult{Err: sentinelerrors.New(sentinelerrors.KindValidation, "UNKNOWN_QUERY_TYPE",
				fmt.Sprintf("unknown query type %q", item.Type))}
		}
	}
	return results
}

// OnSlowQuery registers a callback fired whenever a query's duration
// exceeds SlowQueryThreshold.
func (o *Optimizer) OnSlowQuery(cb SlowQueryCallback) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.callbacks = append(o.callbacks, cb)
}

// SetSlowQueryThreshold updates the threshold at which a query is
// considered slow.
func (o *Optimizer) SetSlowQueryThreshold(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.SlowQueryThreshold = d
}

// GetQueryStats summarizes records within window (or the configured
// StatsWindow if window is zero or negative).
func (o *Optimizer) GetQueryStats(window time.Duration) QueryStats {
	if window <= 0 {
		window = o.cfg.StatsWindow
	}
	cutoff := time.Now().Add(-window)

	o.mu.Lock()
	defer o.mu.Unlock()

	var stats QueryStats
	var sum time.Duration
	for _, r := range o.records {
		if r.at.Before(cutoff) {
			continue
		}
		stats.TotalQueries++
		sum += r.duration
		if r.duration >= o.cfg.SlowQueryThreshold {
			stats.SlowQueries++
		}
		if r.failed {
			stats.Failures++
		}
	}
	if stats.TotalQueries > 0 {
		stats.AvgDuration = sum / time.Duration(stats.TotalQueries)
	}
	return stats
}

// timed executes fn, applying per-query-type backoff on repeated failure,
// recording a QueryMetric, and firing slow-query callbacks.
func (o *Optimizer) timed(ctx context.Context, qt QueryType, params interface{}, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := o.checkBackoff(qt); err != nil {
		return nil, err
	}

	start := time.Now()
	data, err := fn(ctx)
	duration := time.Since(start)

	o.recordQuery(qt, duration, err != nil)
	o.updateBackoff(qt, err == nil)

	if duration >= o.cfg.SlowQueryThreshold {
		o.fireSlowQueryCallbacks(qt, duration, paramsHash(params))
	}
	if err != nil {
		return nil, sentinelerrors.Wrap(err)
	}
	return data, nil
}

func (o *Optimizer) checkBackoff(qt QueryType) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.backoff[qt]
	if !ok {
		return nil
	}
	if time.Now().Before(b.nextAllowed) {
		return sentinelerrors.New(sentinelerrors.KindDatabase, "QUERY_BACKOFF",
			fmt.Sprintf("query type %q is backing off until %s", qt, b.nextAllowed)).
			WithRetryAfter(time.Until(b.nextAllowed))
	}
	return nil
}

func (o *Optimizer) updateBackoff(qt QueryType, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	b, ok := o.backoff[qt]
	if !ok {
		b = &typeBackoff{currentBackoff: o.cfg.InitialBackoff}
		o.backoff[qt] = b
	}

	if success {
		b.consecutiveFailures = 0
		b.currentBackoff = o.cfg.InitialBackoff
		b.nextAllowed = time.Time{}
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures < o.cfg.TripAfterFailures {
		return
	}
	b.nextAllowed = time.Now().Add(b.currentBackoff)
	b.currentBackoff = time.Duration(float64(b.currentBackoff) * o.cfg.BackoffMultiplier)
	if b.currentBackoff > o.cfg.MaxBackoff {
		b.currentBackoff = o.cfg.MaxBackoff
	}
}

func (o *Optimizer) recordQuery(qt QueryType, duration time.Duration, failed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, queryRecord{at: time.Now(), duration: duration, failed: failed})

	cutoff := time.Now().Add(-o.cfg.StatsWindow)
	kept := o.records[:0:0]
	for _, r := range o.records {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	o.records = kept
}

func (o *Optimizer) fireSlowQueryCallbacks(qt QueryType, duration time.Duration, hash string) {
	o.mu.Lock()
	callbacks := make([]SlowQueryCallback, len(o.callbacks))
	copy(callbacks, o.callbacks)
	o.mu.Unlock()

	for _, cb := range callbacks {
		o.safeInvoke(cb, qt, duration, hash)
	}
}

func (o *Optimizer) safeInvoke(cb SlowQueryCallback, qt QueryType, duration time.Duration, hash string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Warn("optimizer: slow-query callback panicked, swallowing",
				zap.Any("recovered", r), zap.String("queryType", string(qt)))
		}
	}()
	cb(qt, duration, hash)
}

func paramsHash(params interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
