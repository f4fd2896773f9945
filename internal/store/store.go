// Package store defines the relational data surface the query optimizer
// runs against (spec §6: customer/orderEvent/checkoutCorrelation), backed
// by pgx/pgxpool. The store itself is treated as an opaque, already-indexed
// data source; the optimizer owns selectivity ordering and batching on top
// of it.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	sentinelerrors "github.com/riskshield/sentinel-core/internal/errors"
)

// Customer is the risk-assessment subject record.
type Customer struct {
	ID            string
	Phone         string
	Email         string
	OrderID       string
	CheckoutToken string
	RiskScore     float64
	CreatedAt     time.Time
}

// OrderEvent is a single event in a customer's order history.
type OrderEvent struct {
	ID         string
	CustomerID string
	EventType  string
	OccurredAt time.Time
	Payload    map[string]interface{}
}

// CheckoutCorrelation links a checkout token to a customer prior to order
// completion.
type CheckoutCorrelation struct {
	Token      string
	CustomerID string
	CreatedAt  time.Time
}

// Identifiers is the optimizer's lookup input; zero or more fields may be
// populated.
type Identifiers struct {
	Phone         string
	Email         string
	OrderID       string
	CheckoutToken string
}

// OrderEventQuery narrows findOrderEvents.
type OrderEventQuery struct {
	Limit      int
	EventTypes []string
}

// Store is the opaque relational surface the optimizer queries.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pgxpool.Pool. Pool lifecycle (Close) is the
// caller's responsibility.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// classifyErr normalizes a raw pgx/pgconn error into a DATABASE_ERROR
// SentinelError per spec §7, so retry/recovery/degradation see a
// retryable, correctly-kinded failure instead of falling through
// sentinelerrors.Wrap's INTERNAL_SERVER_ERROR default. pgx.ErrNoRows is
// not an error at this layer; callers translate it to a nil result.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	return sentinelerrors.New(sentinelerrors.KindDatabase, "STORE_QUERY_FAILED", fmt.Sprintf("store query failed: %v", err)).
		WithCause(err)
}

// FindCustomerByPhone looks up a customer by its unique phone index.
func (s *Store) FindCustomerByPhone(ctx context.Context, phone string) (*Customer, error) {
	return s.scanCustomer(ctx,
		`SELECT id, phone, email, order_id, checkout_token, risk_score, created_at
		 FROM customers WHERE phone = $1 LIMIT 1`, phone)
}

// FindCustomerByEmail looks up a customer by its unique email index.
func (s *Store) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	return s.scanCustomer(ctx,
		`SELECT id, phone, email, order_id, checkout_token, risk_score, created_at
		 FROM customers WHERE email = $1 LIMIT 1`, email)
}

// FindCustomerByOrderID looks up a customer by order id.
func (s *Store) FindCustomerByOrderID(ctx context.Context, orderID string) (*Customer, error) {
	return s.scanCustomer(ctx,
		`SELECT id, phone, email, order_id, checkout_token, risk_score, created_at
		 FROM customers WHERE order_id = $1 LIMIT 1`, orderID)
}

// FindCheckoutCorrelation resolves a checkout token to its correlation
// record, used by the optimizer to chase a customer id when no direct
// identifier matched.
func (s *Store) FindCheckoutCorrelation(ctx context.Context, token string) (*CheckoutCorrelation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT token, customer_id, created_at FROM checkout_correlations WHERE token = $1`, token)
	var c CheckoutCorrelation
	if err := row.Scan(&c.Token, &c.CustomerID, &c.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyErr(err)
	}
	return &c, nil
}

// FindCustomerByID looks up a customer by its primary key, used after a
// checkout-correlation hop.
func (s *Store) FindCustomerByID(ctx context.Context, customerID string) (*Customer, error) {
	return s.scanCustomer(ctx,
		`SELECT id, phone, email, order_id, checkout_token, risk_score, created_at
		 FROM customers WHERE id = $1 LIMIT 1`, customerID)
}

func (s *Store) scanCustomer(ctx context.Context, query string, arg string) (*Customer, error) {
	row := s.pool.QueryRow(ctx, query, arg)
	var c Customer
	if err := row.Scan(&c.ID, &c.Phone, &c.Email, &c.OrderID, &c.CheckoutToken, &c.RiskScore, &c.CreatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, classifyErr(err)
	}
	return &c, nil
}

// FindOrderEvents returns a customer's order history, optionally filtered
// by event type and limited.
func (s *Store) FindOrderEvents(ctx context.Context, customerID string, q OrderEventQuery) ([]OrderEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if len(q.EventTypes) > 0 {
		rows, err = s.pool.Query(ctx,
			`SELECT id, customer_id, event_type, occurred_at FROM order_events
			 WHERE customer_id = $1 AND event_type = ANY($2) ORDER BY occurred_at DESC LIMIT $3`,
			customerID, q.EventTypes, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, customer_id, event_type, occurred_at FROM order_events
			 WHERE customer_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
			customerID, limit)
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.EventType, &e.OccurredAt); err != nil {
			return nil, classifyErr(err)
		}
		events = append(events, e)
	}
	return events, classifyErr(rows.Err())
}
