package payments

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cobrabot/internal/store"
	logx "cobrabot/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	payments map[string]*store.Payment
	users    map[int64]*store.User

	activations []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		payments: make(map[string]*store.Payment),
		users:    make(map[int64]*store.User),
	}
}

func (f *fakeStore) addPayment(p store.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := p
	f.payments[p.ID] = &cp
}

func (f *fakeStore) AddPayment(_ context.Context, p store.Payment) error {
	f.addPayment(p)
	return nil
}

func (f *fakeStore) addUser(u store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := u
	f.users[u.ID] = &cp
}

func (f *fakeStore) ListPendingPayments(context.Context) ([]store.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Payment
	for _, p := range f.payments {
		if p.Status == store.PaymentPending {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) ClaimPaymentApproved(_ context.Context, id string, paidAt, expiresAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	if p == nil || p.Status != store.PaymentPending {
		return false, nil
	}
	p.Status = store.PaymentApproved
	p.PaidAt = paidAt
	p.ExpiresAt = expiresAt
	return true, nil
}

func (f *fakeStore) ClaimPaymentExpired(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[id]
	if p == nil || p.Status != store.PaymentPending {
		return false, nil
	}
	p.Status = store.PaymentExpired
	return true, nil
}

func (f *fakeStore) ActivateUser(_ context.Context, userID int64, nextDue string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activations = append(f.activations, userID)
	if u := f.users[userID]; u != nil {
		u.IsActive = true
		u.IsTrial = false
		u.NextDue = nextDue
	}
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, userID int64) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u := f.users[userID]; u != nil {
		return *u, nil
	}
	return store.User{}, errors.New("no such user")
}

func (f *fakeStore) status(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payments[id].Status
}

type fakeGateway struct {
	mu     sync.Mutex
	calls  int
	status GatewayStatus
	err    error
}

func (g *fakeGateway) CheckStatus(context.Context, string) (GatewayStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.status, g.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (n *fakeNotifier) PaymentApproved(_ context.Context, _ store.User, p store.Payment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, p.ID)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func testPoller(st Store, gw Gateway, n Notifier) *Poller {
	return New(Config{Enabled: true}, st, gw, n, logx.Nop())
}

func TestPollerApprovesAndActivatesOnce(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.addUser(store.User{ID: 1, ChatID: 100, IsTrial: true})
	st.addPayment(store.Payment{ID: "pay-1", UserID: 1, Amount: 29.90, Status: store.PaymentPending, CreatedAt: now.Add(-time.Hour)})
	gw := &fakeGateway{status: GatewayApproved}
	n := &fakeNotifier{}

	p := testPoller(st, gw, n)
	p.Tick(context.Background(), now)

	if got := st.status("pay-1"); got != store.PaymentApproved {
		t.Fatalf("payment status = %s, want approved", got)
	}
	u, _ := st.GetUser(context.Background(), 1)
	if !u.IsActive || u.IsTrial {
		t.Fatalf("user after activation = %+v, want active non-trial", u)
	}
	if u.NextDue != "2026-04-09" {
		t.Fatalf("next due = %s, want 2026-04-09", u.NextDue)
	}
	if n.count() != 1 {
		t.Fatalf("notices = %d, want 1", n.count())
	}

	// A repeat cycle sees nothing pending and does nothing.
	p.Tick(context.Background(), now.Add(2*time.Minute))
	if len(st.activations) != 1 || n.count() != 1 {
		t.Fatalf("activations/notices after second tick = %d/%d, want 1/1", len(st.activations), n.count())
	}
}

func TestPollerConcurrentCyclesSingleWinner(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.addUser(store.User{ID: 2, ChatID: 200})
	st.addPayment(store.Payment{ID: "pay-2", UserID: 2, Status: store.PaymentPending, CreatedAt: now.Add(-time.Minute)})
	gw := &fakeGateway{status: GatewayApproved}
	n := &fakeNotifier{}
	p := testPoller(st, gw, n)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Tick(context.Background(), now)
		}()
	}
	wg.Wait()

	if got := len(st.activations); got != 1 {
		t.Fatalf("activations = %d, want exactly 1", got)
	}
	if n.count() != 1 {
		t.Fatalf("notices = %d, want exactly 1", n.count())
	}
}

func TestPollerExpiresStalePayments(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.addPayment(store.Payment{ID: "pay-old", UserID: 3, Status: store.PaymentPending, CreatedAt: now.Add(-25 * time.Hour)})
	gw := &fakeGateway{status: GatewayApproved}
	n := &fakeNotifier{}
	p := testPoller(st, gw, n)

	p.Tick(context.Background(), now)

	if got := st.status("pay-old"); got != store.PaymentExpired {
		t.Fatalf("payment status = %s, want expired", got)
	}
	if gw.callCount() != 0 {
		t.Fatal("expired payment must not hit the gateway")
	}
	if len(st.activations) != 0 || n.count() != 0 {
		t.Fatal("expired payment must not activate or notify")
	}

	// Later cycles no longer see the row.
	p.Tick(context.Background(), now.Add(2*time.Minute))
	if gw.callCount() != 0 {
		t.Fatal("expired payment leaked back into a later poll")
	}
}

func TestPollerGatewayFailureLeavesPending(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.addPayment(store.Payment{ID: "pay-3", UserID: 4, Status: store.PaymentPending, CreatedAt: now.Add(-time.Hour)})
	gw := &fakeGateway{err: errors.New("connection refused")}
	n := &fakeNotifier{}
	p := testPoller(st, gw, n)

	p.Tick(context.Background(), now)
	if got := st.status("pay-3"); got != store.PaymentPending {
		t.Fatalf("payment status = %s, want still pending", got)
	}

	// Provider recovers; the next cycle settles it.
	gw.mu.Lock()
	gw.err = nil
	gw.status = GatewayApproved
	gw.mu.Unlock()
	p.Tick(context.Background(), now.Add(2*time.Minute))
	if got := st.status("pay-3"); got != store.PaymentApproved {
		t.Fatalf("payment status after recovery = %s, want approved", got)
	}
}

func TestPollerIgnoresNonApprovedStatuses(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.addPayment(store.Payment{ID: "pay-4", UserID: 5, Status: store.PaymentPending, CreatedAt: now.Add(-time.Hour)})
	gw := &fakeGateway{status: GatewayPending}
	n := &fakeNotifier{}
	p := testPoller(st, gw, n)

	p.Tick(context.Background(), now)
	if got := st.status("pay-4"); got != store.PaymentPending {
		t.Fatalf("payment status = %s, want pending", got)
	}
	if n.count() != 0 {
		t.Fatal("non-approved status must not notify")
	}
}

func TestOpenChargeRecordsPending(t *testing.T) {
	st := newFakeStore()
	p := testPoller(st, &fakeGateway{status: GatewayPending}, &fakeNotifier{})

	a, err := p.OpenCharge(context.Background(), 9, 49.90)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.OpenCharge(context.Background(), 9, 49.90)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("charge IDs must be unique and non-empty, got %q and %q", a.ID, b.ID)
	}
	if got := st.status(a.ID); got != store.PaymentPending {
		t.Fatalf("charge status = %s, want pending", got)
	}

	pending, err := st.ListPendingPayments(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending payments = %d, want 2", len(pending))
	}
}
