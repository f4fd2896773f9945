package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riskshield/sentinel-core/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu              sync.Mutex
	byPhone         map[string]*store.Customer
	byEmail         map[string]*store.Customer
	byOrderID       map[string]*store.Customer
	byID            map[string]*store.Customer
	correlations    map[string]*store.CheckoutCorrelation
	orderEvents     map[string][]store.OrderEvent
	phoneCalls      int
	phoneOrder      []string
	emailCalls      int
	forceErr        error
	forceDelay      time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byPhone:      map[string]*store.Customer{},
		byEmail:      map[string]*store.Customer{},
		byOrderID:    map[string]*store.Customer{},
		byID:         map[string]*store.Customer{},
		correlations: map[string]*store.CheckoutCorrelation{},
		orderEvents:  map[string][]store.OrderEvent{},
	}
}

func (f *fakeStore) delay() {
	if f.forceDelay > 0 {
		time.Sleep(f.forceDelay)
	}
}

func (f *fakeStore) FindCustomerByPhone(ctx context.Context, phone string) (*store.Customer, error) {
	f.mu.Lock()
	f.phoneCalls++
	f.phoneOrder = append(f.phoneOrder, phone)
	f.mu.Unlock()
	f.delay()
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	return f.byPhone[phone], nil
}

func (f *fakeStore) FindCustomerByEmail(ctx context.Context, email string) (*store.Customer, error) {
	f.mu.Lock()
	f.emailCalls++
	f.mu.Unlock()
	f.delay()
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	return f.byEmail[email], nil
}

func (f *fakeStore) FindCustomerByOrderID(ctx context.Context, orderID string) (*store.Customer, error) {
	f.delay()
	return f.byOrderID[orderID], nil
}

func (f *fakeStore) FindCustomerByID(ctx context.Context, customerID string) (*store.Customer, error) {
	f.delay()
	return f.byID[customerID], nil
}

func (f *fakeStore) FindCheckoutCorrelation(ctx context.Context, token string) (*store.CheckoutCorrelation, error) {
	f.delay()
	return f.correlations[token], nil
}

func (f *fakeStore) FindOrderEvents(ctx context.Context, customerID string, q store.OrderEventQuery) ([]store.OrderEvent, error) {
	f.delay()
	return f.orderEvents[customerID], nil
}

func TestFindCustomerPrefersPhoneOverEmail(t *testing.T) {
	fs := newFakeStore()
	fs.byPhone["5551234567"] = &store.Customer{ID: "c1"}
	fs.byEmail["a@b.com"] = &store.Customer{ID: "c2"}

	opt := New(fs, DefaultConfig(), nil)
	c, err := opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "5551234567", Email: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, 0, fs.emailCalls)
}

func TestFindCustomerFallsBackThroughCorrelation(t *testing.T) {
	fs := newFakeStore()
	fs.correlations["tok1"] = &store.CheckoutCorrelation{Token: "tok1", CustomerID: "c3"}
	fs.byID["c3"] = &store.Customer{ID: "c3"}

	opt := New(fs, DefaultConfig(), nil)
	c, err := opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{CheckoutToken: "tok1"})
	require.NoError(t, err)
	assert.Equal(t, "c3", c.ID)
}

func TestBatchQueryOrdersByPriorityAndPreservesIndices(t *testing.T) {
	fs := newFakeStore()
	fs.byPhone["111"] = &store.Customer{ID: "low-item"}
	fs.byPhone["222"] = &store.Customer{ID: "high-item"}

	opt := New(fs, DefaultConfig(), nil)
	items := []Item{
		{Type: QueryFindCustomer, Priority: PriorityLow, Identifier: Identifier{Identifiers: store.Identifiers{Phone: "111"}}},
		{Type: QueryFindCustomer, Priority: PriorityHigh, Identifier: Identifier{Identifiers: store.Identifiers{Phone: "222"}}},
	}
	results := opt.BatchQuery(context.Background(), items)

	require.Len(t, results, 2)
	assert.Equal(t, []string{"222", "111"}, fs.phoneOrder)
	assert.Equal(t, "low-item", results[0].Data.(*store.Customer).ID)
	assert.Equal(t, "high-item", results[1].Data.(*store.Customer).ID)
}

func TestBatchQueryUnknownTypeYieldsPerItemFailureNotAbort(t *testing.T) {
	fs := newFakeStore()
	fs.byPhone["111"] = &store.Customer{ID: "c1"}
	opt := New(fs, DefaultConfig(), nil)

	items := []Item{
		{Type: "bogus", Priority: PriorityHigh},
		{Type: QueryFindCustomer, Priority: PriorityLow, Identifier: Identifier{Identifiers: store.Identifiers{Phone: "111"}}},
	}
	results := opt.BatchQuery(context.Background(), items)

	require.Len(t, results, 2)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, "c1", results[1].Data.(*store.Customer).ID)
}

func TestSlowQueryCallbackFires(t *testing.T) {
	fs := newFakeStore()
	fs.forceDelay = 20 * time.Millisecond
	fs.byPhone["111"] = &store.Customer{ID: "c1"}

	cfg := DefaultConfig()
	cfg.SlowQueryThreshold = 5 * time.Millisecond
	opt := New(fs, cfg, nil)

	fired := make(chan QueryType, 1)
	opt.OnSlowQuery(func(qt QueryType, d time.Duration, hash string) {
		fired <- qt
	})

	_, err := opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	require.NoError(t, err)

	select {
	case qt := <-fired:
		assert.Equal(t, QueryFindCustomer, qt)
	case <-time.After(time.Second):
		t.Fatal("slow query callback was not invoked")
	}
}

func TestPanickingSlowQueryCallbackIsSwallowed(t *testing.T) {
	fs := newFakeStore()
	fs.byPhone["111"] = &store.Customer{ID: "c1"}

	cfg := DefaultConfig()
	cfg.SlowQueryThreshold = 0
	opt := New(fs, cfg, nil)
	opt.OnSlowQuery(func(qt QueryType, d time.Duration, hash string) {
		panic("callback exploded")
	})

	assert.NotPanics(t, func() {
		_, _ = opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	})
}

func TestBackoffTripsAfterRepeatedFailures(t *testing.T) {
	fs := newFakeStore()
	fs.forceErr = errors.New("db down")

	cfg := DefaultConfig()
	cfg.TripAfterFailures = 2
	cfg.InitialBackoff = 50 * time.Millisecond
	opt := New(fs, cfg, nil)

	_, err := opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	assert.Error(t, err)
	_, err = opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	assert.Error(t, err)

	// third call should be rejected by backoff without reaching the store
	callsBefore := fs.phoneCalls
	_, err = opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	assert.Error(t, err)
	assert.Equal(t, callsBefore, fs.phoneCalls)
}

func TestQueryStatsAggregatesWindow(t *testing.T) {
	fs := newFakeStore()
	fs.byPhone["111"] = &store.Customer{ID: "c1"}
	opt := New(fs, DefaultConfig(), nil)

	for i := 0; i < 3; i++ {
		_, _ = opt.FindCustomerByIdentifiers(context.Background(), store.Identifiers{Phone: "111"})
	}

	stats := opt.GetQueryStats(time.Minute)
	assert.Equal(t, int64(3), stats.TotalQueries)
	assert.Equal(t, int64(0), stats.Failures)
}
