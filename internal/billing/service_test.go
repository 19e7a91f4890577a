package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"billingledger/internal/config"
	"billingledger/internal/gateway"
	"billingledger/internal/types"
)

// --- Mocks ---

type mockCustomers struct {
	mock.Mock
}

func (m *mockCustomers) GetCustomerID(ctx context.Context, tenantID string, gw types.GatewayName) (string, bool, error) {
	args := m.Called(ctx, tenantID, gw)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockCustomers) SaveCustomerID(ctx context.Context, tenantID string, gw types.GatewayName, customerID string) error {
	args := m.Called(ctx, tenantID, gw, customerID)
	return args.Error(0)
}

type memSubscriptions struct {
	mu        sync.Mutex
	nextID    int64
	inserted  []types.Subscription
	active    *types.Subscription
	resumable *types.Subscription
}

func (m *memSubscriptions) InsertSubscription(_ context.Context, s *types.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	s.ID = m.nextID
	m.inserted = append(m.inserted, *s)
	return nil
}

func (m *memSubscriptions) DeletePendingSubscription(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.inserted {
		if s.ID == id && s.GatewaySubscriptionID == nil {
			m.inserted = append(m.inserted[:i], m.inserted[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memSubscriptions) ActiveSubscription(context.Context, string, types.GatewayName, time.Time) (*types.Subscription, error) {
	if m.active == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no active subscription for gateway", nil)
	}
	return m.active, nil
}

func (m *memSubscriptions) ResumableSubscription(context.Context, string, types.GatewayName, time.Time) (*types.Subscription, error) {
	if m.resumable == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no resumable subscription for gateway", nil)
	}
	return m.resumable, nil
}

// scriptedAdapter behaves like the manual gateway under the Stripe name,
// returning queued errors before succeeding.
type scriptedAdapter struct {
	gateway.ManualAdapter

	mu        sync.Mutex
	keyed     bool
	errs      []error
	calls     int
	keys      []string
	tenants   []types.Tenant
	canceled  []string
	resumed   []string
	quantity  int
	refunded  []int64
	deadlines []bool
}

func (a *scriptedAdapter) Name() types.GatewayName { return types.GatewayStripe }

func (a *scriptedAdapter) IdempotencyKeys() bool { return a.keyed }

func (a *scriptedAdapter) next(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.keys = append(a.keys, gateway.IdempotencyKeyFrom(ctx))
	_, hasDeadline := ctx.Deadline()
	a.deadlines = append(a.deadlines, hasDeadline)
	if len(a.errs) == 0 {
		return nil
	}
	err := a.errs[0]
	a.errs = a.errs[1:]
	return err
}

func (a *scriptedAdapter) CreateCustomer(ctx context.Context, tenant types.Tenant) (string, error) {
	if err := a.next(ctx); err != nil {
		return "", err
	}
	return "cus_new", nil
}

func (a *scriptedAdapter) CreateSubscriptionCheckout(ctx context.Context, tenant types.Tenant, planRef string, _ types.RedirectURLs) (string, error) {
	if err := a.next(ctx); err != nil {
		return "", err
	}
	a.tenants = append(a.tenants, tenant)
	return "https://checkout.example.com/" + planRef, nil
}

func (a *scriptedAdapter) CreateCheckoutSession(ctx context.Context, tenant types.Tenant, _ []types.LineItem, _ types.RedirectURLs) (string, error) {
	if err := a.next(ctx); err != nil {
		return "", err
	}
	a.tenants = append(a.tenants, tenant)
	return "https://checkout.example.com/credits", nil
}

func (a *scriptedAdapter) CancelSubscription(ctx context.Context, id string) error {
	if err := a.next(ctx); err != nil {
		return err
	}
	a.canceled = append(a.canceled, id)
	return nil
}

func (a *scriptedAdapter) ResumeSubscription(ctx context.Context, id string) error {
	if err := a.next(ctx); err != nil {
		return err
	}
	a.resumed = append(a.resumed, id)
	return nil
}

func (a *scriptedAdapter) UpdateSubscriptionQuantity(ctx context.Context, _ string, q int) (bool, error) {
	if err := a.next(ctx); err != nil {
		return false, err
	}
	a.quantity = q
	return true, nil
}

func (a *scriptedAdapter) ProcessRefund(ctx context.Context, _ string, amount int64) error {
	if err := a.next(ctx); err != nil {
		return err
	}
	a.refunded = append(a.refunded, amount)
	return nil
}

// --- Helpers ---

var urls = types.RedirectURLs{SuccessURL: "https://app.example.com/ok"}

func strPtr(s string) *string { return &s }

func newTestService(adapter *scriptedAdapter, customers *mockCustomers, subs *memSubscriptions, retries int) *Service {
	cfg := config.GatewaysConfig{CallTimeout: time.Second, CallRetries: retries}
	return NewService(gateway.NewRegistryFrom(adapter), customers, subs, cfg, nil, nil, WithBackoff(time.Millisecond))
}

func unavailable() error {
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "stripe returned 503", nil)
}

// --- Tests ---

func TestStartSubscriptionCheckout_CreatesCustomerAndPendingRow(t *testing.T) {
	adapter := &scriptedAdapter{}
	customers := new(mockCustomers)
	subs := &memSubscriptions{}
	svc := newTestService(adapter, customers, subs, 0)

	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("", false, nil).Once()
	customers.On("SaveCustomerID", mock.Anything, "tenant-a", types.GatewayStripe, "cus_new").Return(nil)
	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_new", true, nil).Once()

	res, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "pro", urls)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com/pro", res.URL)
	assert.Equal(t, "cus_new", res.CustomerID)

	require.Len(t, subs.inserted, 1)
	pending := subs.inserted[0]
	assert.Nil(t, pending.GatewaySubscriptionID)
	assert.Equal(t, "pro", pending.PlanID)
	assert.Equal(t, SubscriptionStatusPending, pending.Status)
	assert.Equal(t, res.SubscriptionID, pending.ID)

	require.Len(t, adapter.tenants, 1)
	assert.Equal(t, "cus_new", adapter.tenants[0].CustomerID)
	customers.AssertExpectations(t)
}

func TestStartSubscriptionCheckout_ReusesStoredCustomer(t *testing.T) {
	adapter := &scriptedAdapter{}
	customers := new(mockCustomers)
	svc := newTestService(adapter, customers, &memSubscriptions{}, 0)

	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_existing", true, nil)

	res, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "pro", urls)
	require.NoError(t, err)
	assert.Equal(t, "cus_existing", res.CustomerID)
	assert.Equal(t, 1, adapter.calls, "only the checkout call should reach the provider")
	customers.AssertNotCalled(t, "SaveCustomerID", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStartSubscriptionCheckout_ConcurrentCustomerUsesStoredValue(t *testing.T) {
	adapter := &scriptedAdapter{}
	customers := new(mockCustomers)
	svc := newTestService(adapter, customers, &memSubscriptions{}, 0)

	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("", false, nil).Once()
	customers.On("SaveCustomerID", mock.Anything, "tenant-a", types.GatewayStripe, "cus_new").Return(nil)
	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_winner", true, nil).Once()

	res, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "pro", urls)
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", res.CustomerID)
}

func TestStartSubscriptionCheckout_FailedCheckoutRemovesPendingRow(t *testing.T) {
	rejected := types.NewAppError(types.ErrCodeUpstreamGatewayRejected, "price not found", nil)
	adapter := &scriptedAdapter{errs: []error{rejected, rejected, rejected}}
	customers := new(mockCustomers)
	subs := &memSubscriptions{}
	svc := newTestService(adapter, customers, subs, 0)

	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_existing", true, nil)

	for range 3 {
		_, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "pro", urls)
		assert.Equal(t, types.ErrCodeUpstreamGatewayRejected, types.CodeOf(err))
	}
	assert.Empty(t, subs.inserted)

	res, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "pro", urls)
	require.NoError(t, err)
	require.Len(t, subs.inserted, 1)
	assert.Equal(t, res.SubscriptionID, subs.inserted[0].ID)
}

func TestStartSubscriptionCheckout_Validation(t *testing.T) {
	svc := newTestService(&scriptedAdapter{}, new(mockCustomers), &memSubscriptions{}, 0)

	_, err := svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, "", urls)
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))

	_, err = svc.StartSubscriptionCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, "braintree", "pro", urls)
	assert.Equal(t, types.ErrCodeNotFoundGateway, types.CodeOf(err))
}

func TestStartCreditCheckout(t *testing.T) {
	adapter := &scriptedAdapter{}
	customers := new(mockCustomers)
	svc := newTestService(adapter, customers, &memSubscriptions{}, 0)
	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_1", true, nil)

	url, err := svc.StartCreditCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe,
		[]types.LineItem{{PriceRef: "price_credits_500", Quantity: 1}}, urls)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example.com/credits", url)

	_, err = svc.StartCreditCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe, nil, urls)
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(err))
}

func TestCancelSubscription_RetriesRetryableFailures(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{unavailable(), unavailable()}}
	subs := &memSubscriptions{active: &types.Subscription{GatewaySubscriptionID: strPtr("sub_1")}}
	svc := newTestService(adapter, new(mockCustomers), subs, 2)

	require.NoError(t, svc.CancelSubscription(context.Background(), "tenant-a", types.GatewayStripe))
	assert.Equal(t, 3, adapter.calls)
	assert.Equal(t, []string{"sub_1"}, adapter.canceled)
	for i, hasDeadline := range adapter.deadlines {
		assert.True(t, hasDeadline, "call %d must run under a deadline", i)
	}
}

func TestCancelSubscription_GivesUpAfterRetries(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{unavailable(), unavailable(), unavailable()}}
	subs := &memSubscriptions{active: &types.Subscription{GatewaySubscriptionID: strPtr("sub_1")}}
	svc := newTestService(adapter, new(mockCustomers), subs, 1)

	err := svc.CancelSubscription(context.Background(), "tenant-a", types.GatewayStripe)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.Equal(t, 2, adapter.calls)
}

func TestCancelSubscription_TerminalFailureNotRetried(t *testing.T) {
	rejected := types.NewAppError(types.ErrCodeUpstreamGatewayRejected, "no such subscription", nil)
	adapter := &scriptedAdapter{errs: []error{rejected}}
	subs := &memSubscriptions{active: &types.Subscription{GatewaySubscriptionID: strPtr("sub_1")}}
	svc := newTestService(adapter, new(mockCustomers), subs, 3)

	err := svc.CancelSubscription(context.Background(), "tenant-a", types.GatewayStripe)
	assert.True(t, errors.Is(err, rejected))
	assert.Equal(t, 1, adapter.calls)
}

func TestCancelSubscription_NoActiveSubscription(t *testing.T) {
	adapter := &scriptedAdapter{}
	svc := newTestService(adapter, new(mockCustomers), &memSubscriptions{}, 0)

	err := svc.CancelSubscription(context.Background(), "tenant-a", types.GatewayStripe)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
	assert.Zero(t, adapter.calls)
}

func TestResumeSubscription_UsesScheduledCancellation(t *testing.T) {
	adapter := &scriptedAdapter{}
	subs := &memSubscriptions{resumable: &types.Subscription{GatewaySubscriptionID: strPtr("sub_9")}}
	svc := newTestService(adapter, new(mockCustomers), subs, 0)

	require.NoError(t, svc.ResumeSubscription(context.Background(), "tenant-a", types.GatewayStripe))
	assert.Equal(t, []string{"sub_9"}, adapter.resumed)
}

func TestUpdateQuantity(t *testing.T) {
	adapter := &scriptedAdapter{}
	subs := &memSubscriptions{active: &types.Subscription{GatewaySubscriptionID: strPtr("sub_1")}}
	svc := newTestService(adapter, new(mockCustomers), subs, 0)

	ok, err := svc.UpdateQuantity(context.Background(), "tenant-a", types.GatewayStripe, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, adapter.quantity)

	_, err = svc.UpdateQuantity(context.Background(), "tenant-a", types.GatewayStripe, 0)
	assert.Equal(t, types.ErrCodeValidationInvalidAmount, types.CodeOf(err))
}

func TestRefund(t *testing.T) {
	adapter := &scriptedAdapter{}
	svc := newTestService(adapter, new(mockCustomers), &memSubscriptions{}, 0)

	require.NoError(t, svc.Refund(context.Background(), types.GatewayStripe, "pi_1", 0))
	require.NoError(t, svc.Refund(context.Background(), types.GatewayStripe, "pi_1", 250))
	assert.Equal(t, []int64{0, 250}, adapter.refunded)

	assert.Equal(t, types.ErrCodeValidationInvalidAmount, types.CodeOf(svc.Refund(context.Background(), types.GatewayStripe, "pi_1", -1)))
	assert.Equal(t, types.ErrCodeValidationMissingField, types.CodeOf(svc.Refund(context.Background(), types.GatewayStripe, "", 0)))
}

func TestRefund_RetriesReuseOneIdempotencyKey(t *testing.T) {
	adapter := &scriptedAdapter{keyed: true, errs: []error{unavailable()}}
	svc := newTestService(adapter, new(mockCustomers), &memSubscriptions{}, 2)

	require.NoError(t, svc.Refund(context.Background(), types.GatewayStripe, "pi_1", 500))
	assert.Equal(t, 2, adapter.calls)
	require.Len(t, adapter.keys, 2)
	assert.NotEmpty(t, adapter.keys[0])
	assert.Equal(t, adapter.keys[0], adapter.keys[1])
	assert.Equal(t, []int64{500}, adapter.refunded)

	require.NoError(t, svc.Refund(context.Background(), types.GatewayStripe, "pi_2", 100))
	assert.NotEqual(t, adapter.keys[0], adapter.keys[2], "each refund gets its own key")
}

func TestRefund_NotRetriedWithoutIdempotencyKeys(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{unavailable()}}
	svc := newTestService(adapter, new(mockCustomers), &memSubscriptions{}, 3)

	err := svc.Refund(context.Background(), types.GatewayStripe, "pi_1", 500)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.Equal(t, 1, adapter.calls)
	assert.Empty(t, adapter.refunded)
}

func TestStartCreditCheckout_NotRetriedWithoutIdempotencyKeys(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{unavailable()}}
	customers := new(mockCustomers)
	svc := newTestService(adapter, customers, &memSubscriptions{}, 3)
	customers.On("GetCustomerID", mock.Anything, "tenant-a", types.GatewayStripe).Return("cus_1", true, nil)

	_, err := svc.StartCreditCheckout(context.Background(), types.Tenant{ID: "tenant-a"}, types.GatewayStripe,
		[]types.LineItem{{PriceRef: "price_credits_500", Quantity: 1}}, urls)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.Equal(t, 1, adapter.calls)
}

func TestCallValue_StopsWhenContextCancelled(t *testing.T) {
	adapter := &scriptedAdapter{errs: []error{unavailable(), unavailable()}}
	subs := &memSubscriptions{active: &types.Subscription{GatewaySubscriptionID: strPtr("sub_1")}}
	cfg := config.GatewaysConfig{CallTimeout: time.Second, CallRetries: 5}
	svc := NewService(gateway.NewRegistryFrom(adapter), new(mockCustomers), subs, cfg, nil, nil, WithBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := svc.CancelSubscription(ctx, "tenant-a", types.GatewayStripe)
	assert.Equal(t, types.ErrCodeUpstreamUnavailable, types.CodeOf(err))
	assert.Equal(t, 1, adapter.calls)
}
