package rides

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ride-escrow/internal/apperr"
	"github.com/example/ride-escrow/internal/events"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/storage"
	"github.com/example/ride-escrow/internal/wallet"
)

var (
	t0     = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	pickup = models.Coord{Lat: 12.9716, Lng: 77.5946}
	drop   = models.Coord{Lat: 13.0, Lng: 77.6}
)

const metersPerDegLat = 111195.0

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeLocator struct {
	mu  sync.Mutex
	pos map[string]models.Coord
}

func (f *fakeLocator) set(driverID string, c models.Coord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos[driverID] = c
}

func (f *fakeLocator) Current(ctx context.Context, driverID string) (models.LocationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.pos[driverID]
	if !ok {
		return models.LocationRecord{}, apperr.ErrLocationUnavailable
	}
	return models.LocationRecord{DriverID: driverID, Lat: c.Lat, Lng: c.Lng, Source: models.SourceFast}, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (q *fakeQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, payload)
	return fmt.Sprintf("job-%d", len(q.payloads)), nil
}

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	ledger *wallet.Ledger
	loc    *fakeLocator
	jobs   *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ledger := wallet.NewLedger(store, nil)
	loc := &fakeLocator{pos: make(map[string]models.Coord)}
	jobs := &fakeQueue{}
	svc := NewService(store, ledger, loc, jobs, DefaultConfig(), nil)
	svc.now = func() time.Time { return t0 }
	svc.otp = func() (string, error) { return "1234", nil }
	return &fixture{svc: svc, store: store, ledger: ledger, loc: loc, jobs: jobs}
}

func (f *fixture) post(t *testing.T, total int64) *models.RideRequest {
	t.Helper()
	r, err := f.svc.Post(context.Background(), PostInput{
		PostedBy:         "poster",
		Pickup:           pickup,
		Drop:             drop,
		VehicleClass:     "sedan",
		PickupAt:         t0.Add(2 * time.Hour),
		TotalAmount:      dec(total),
		CommissionAmount: dec(total / 10),
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) fund(t *testing.T, driverID string, amount int64) {
	t.Helper()
	if _, err := f.ledger.Credit(context.Background(), driverID, wallet.Entry{Amount: dec(amount), Method: wallet.MethodRecharge}); err != nil {
		t.Fatal(err)
	}
}

// started drives a fresh ride to trip_started for driverID.
func (f *fixture) started(t *testing.T, driverID string) *models.RideRequest {
	t.Helper()
	ctx := context.Background()
	f.fund(t, driverID, 1000)
	r := f.post(t, 1000)
	if _, err := f.svc.Accept(ctx, driverID, r.ID); err != nil {
		t.Fatal(err)
	}
	f.loc.set(driverID, pickup)
	if _, err := f.svc.MarkReached(ctx, driverID, r.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.VerifyOTP(ctx, driverID, r.ID, "1234"); err != nil {
		t.Fatal(err)
	}
	return r
}

func walletOf(t *testing.T, f *fixture, driverID string) *models.Wallet {
	t.Helper()
	w, err := f.store.Wallets().Get(context.Background(), driverID, false)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestPostQueuesNotificationAndNormalizes(t *testing.T) {
	f := newFixture(t)
	r := f.post(t, 1000)
	if r.Status != models.StatusSearching || !r.DriverEarning.Equal(dec(900)) {
		t.Fatalf("unexpected ride %+v", r)
	}
	if len(f.jobs.payloads) != 1 {
		t.Fatalf("expected one queued job, got %d", len(f.jobs.payloads))
	}
	var ev events.RidePosted
	if err := events.Decode(f.jobs.payloads[0], &ev); err != nil || ev.RideID != r.ID {
		t.Fatalf("bad payload %s: %v", f.jobs.payloads[0], err)
	}
}

func TestPostRejectsPastPickup(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Post(context.Background(), PostInput{
		PostedBy: "p", Pickup: pickup, Drop: drop, VehicleClass: "sedan",
		PickupAt: t0.Add(-time.Minute), TotalAmount: dec(100),
	})
	if !errors.Is(err, apperr.ErrPickupTimePassed) {
		t.Fatalf("expected pickup time passed, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.post(t, 1000)
	const n = 12
	for i := 0; i < n; i++ {
		f.fund(t, fmt.Sprintf("d%d", i), 1000)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Accept(ctx, fmt.Sprintf("d%d", i), r.ID)
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperr.ErrAlreadyClaimed):
			conflicts++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 win and %d conflicts, got %d and %d", n-1, wins, conflicts)
	}

	got, _ := f.svc.Get(ctx, r.ID)
	lock, err := f.store.Wallets().ActiveLock(ctx, r.ID)
	if err != nil {
		t.Fatalf("expected an active lock: %v", err)
	}
	if lock.DriverID != got.DriverID || !lock.Amount.Equal(dec(200)) {
		t.Fatalf("lock %+v does not match ride driver %s", lock, got.DriverID)
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		w := walletOf(t, f, id)
		want := dec(1000)
		if id == got.DriverID {
			want = dec(800)
		}
		if !w.Balance.Equal(want) {
			t.Fatalf("driver %s balance %s, want %s", id, w.Balance, want)
		}
	}
}

func TestAcceptShortfallThenTopUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.post(t, 1000)
	f.fund(t, "d1", 150)

	_, err := f.svc.Accept(ctx, "d1", r.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.ErrInsufficientFunds.Code {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if !ae.Details["shortfall"].(decimal.Decimal).Equal(dec(50)) {
		t.Fatalf("expected shortfall 50, got %v", ae.Details)
	}
	if got, _ := f.svc.Get(ctx, r.ID); got.Status != models.StatusSearching || got.DriverID != "" {
		t.Fatalf("ride must roll back to searching, got %+v", got)
	}

	f.fund(t, "d1", 100)
	res, err := f.svc.Accept(ctx, "d1", r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.LockedAmount.Equal(dec(200)) || !res.RemainingBalance.Equal(dec(50)) {
		t.Fatalf("unexpected accept result %+v", res)
	}
	w := walletOf(t, f, "d1")
	if !w.Balance.Equal(dec(50)) || len(w.Locks) != 1 || !w.Locks[0].Amount.Equal(dec(200)) {
		t.Fatalf("unexpected wallet %+v", w)
	}
}

func TestAcceptProvisionsEmptyWallet(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.post(t, 1000)
	if _, err := f.svc.Accept(ctx, "newbie", r.ID); !errors.Is(err, apperr.ErrWalletEmpty) {
		t.Fatalf("expected wallet empty, got %v", err)
	}
	if _, err := f.store.Wallets().Get(ctx, "newbie", false); err != nil {
		t.Fatalf("wallet should have been provisioned: %v", err)
	}
	if got, _ := f.svc.Get(ctx, r.ID); got.Status != models.StatusSearching {
		t.Fatalf("ride should still be searching, got %s", got.Status)
	}
}

func TestAcceptOwnRideRejected(t *testing.T) {
	f := newFixture(t)
	r := f.post(t, 1000)
	f.fund(t, "poster", 1000)
	if _, err := f.svc.Accept(context.Background(), "poster", r.ID); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMarkReachedGatesOnDistance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "d1", 1000)
	r := f.post(t, 1000)
	if _, err := f.svc.Accept(ctx, "d1", r.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.MarkReached(ctx, "d1", r.ID); !errors.Is(err, apperr.ErrLocationUnavailable) {
		t.Fatalf("expected location unavailable, got %v", err)
	}

	f.loc.set("d1", models.Coord{Lat: pickup.Lat + 500/metersPerDegLat, Lng: pickup.Lng})
	_, err := f.svc.MarkReached(ctx, "d1", r.ID)
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Code != apperr.ErrTooFarFromPickup.Code {
		t.Fatalf("expected too far, got %v", err)
	}
	if d := ae.Details["distance_m"].(float64); d < 499 || d > 501 {
		t.Fatalf("expected ~500m, got %v", d)
	}

	f.loc.set("d1", models.Coord{Lat: pickup.Lat + 150/metersPerDegLat, Lng: pickup.Lng})
	res, err := f.svc.MarkReached(ctx, "d1", r.ID)
	if err != nil || res.Ride.Status != models.StatusDriverArrived {
		t.Fatalf("expected arrival, got %+v %v", res, err)
	}
	if _, err := f.svc.MarkReached(ctx, "d1", r.ID); err != nil {
		t.Fatalf("re-marking arrival should succeed: %v", err)
	}
	if _, err := f.svc.MarkReached(ctx, "other", r.ID); !errors.Is(err, apperr.ErrNotAssigned) {
		t.Fatalf("expected not assigned, got %v", err)
	}
}

func TestVerifyOTPRedeemsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "d1", 1000)
	r := f.post(t, 1000)
	_, _ = f.svc.Accept(ctx, "d1", r.ID)
	f.loc.set("d1", pickup)
	_, _ = f.svc.MarkReached(ctx, "d1", r.ID)

	if _, err := f.svc.VerifyOTP(ctx, "d1", r.ID, "0000"); !errors.Is(err, apperr.ErrInvalidOrUsedOtp) {
		t.Fatalf("expected invalid otp, got %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.VerifyOTP(ctx, "d1", r.ID, "1234")
		}(i)
	}
	wg.Wait()
	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, apperr.ErrInvalidOrUsedOtp) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one redemption, got %d", ok)
	}
	got, _ := f.svc.Get(ctx, r.ID)
	if got.Status != models.StatusTripStarted || !got.OTPVerified {
		t.Fatalf("unexpected ride %+v", got)
	}
}

func TestCompleteBillsExtraDistanceAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, "d1")

	f.loc.set("d1", models.Coord{Lat: drop.Lat + 1500/metersPerDegLat, Lng: drop.Lng})
	res, err := f.svc.Complete(ctx, "d1", r.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.ExtraFare.Equal(dec(18)) || !res.RevisedAmount.Equal(dec(1018)) {
		t.Fatalf("expected extra 18 / revised 1018, got %+v", res)
	}
	if !res.LockReleased || !res.ReleasedAmount.Equal(dec(200)) {
		t.Fatalf("expected lock of 200 released, got %+v", res)
	}
	if !res.Ride.DriverEarning.Equal(dec(918)) {
		t.Fatalf("driver earning must track total - commission, got %s", res.Ride.DriverEarning)
	}
	w := walletOf(t, f, "d1")
	if !w.Balance.Equal(dec(1000)) || len(w.Locks) != 0 {
		t.Fatalf("unexpected wallet after completion %+v", w)
	}

	if _, err := f.svc.Complete(ctx, "d1", r.ID, ""); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("second completion must be rejected, got %v", err)
	}
	if w := walletOf(t, f, "d1"); !w.Balance.Equal(dec(1000)) {
		t.Fatalf("second completion must not release again, balance %s", w.Balance)
	}
}

func TestCompleteNearDropHasNoExtraFare(t *testing.T) {
	f := newFixture(t)
	r := f.started(t, "d1")
	f.loc.set("d1", drop)
	res, err := f.svc.Complete(context.Background(), "d1", r.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if !res.ExtraFare.IsZero() || !res.RevisedAmount.Equal(dec(1000)) {
		t.Fatalf("unexpected fare %+v", res)
	}
}

func TestCompleteWithoutLockLeavesRideStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, "d1")
	// drop the lock behind the service's back
	_ = f.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		_, err := tx.Wallets().ReleaseLock(ctx, "d1", r.ID, t0)
		return err
	})
	f.loc.set("d1", drop)
	if _, err := f.svc.Complete(ctx, "d1", r.ID, ""); !errors.Is(err, apperr.ErrLockNotFound) {
		t.Fatalf("expected lock not found, got %v", err)
	}
	if got, _ := f.svc.Get(ctx, r.ID); got.Status != models.StatusTripStarted {
		t.Fatalf("ride must stay started, got %s", got.Status)
	}
}

func TestCompleteChecksLockBeforeLocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, "d1")
	_ = f.store.InTx(ctx, func(ctx context.Context, tx storage.Repos) error {
		_, err := tx.Wallets().ReleaseLock(ctx, "d1", r.ID, t0)
		return err
	})
	f.loc.mu.Lock()
	delete(f.loc.pos, "d1")
	f.loc.mu.Unlock()

	_, err := f.svc.Complete(ctx, "d1", r.ID, "")
	if !errors.Is(err, apperr.ErrLockNotFound) {
		t.Fatalf("expected lock not found ahead of the location lookup, got %v", err)
	}
}

func TestCodesOnlyForOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.post(t, 1000)

	codes, err := f.svc.Codes(ctx, r.PostedBy, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if codes.StartOTP != "1234" || codes.EndOTP != "1234" || codes.Ride.ID != r.ID {
		t.Fatalf("unexpected codes %+v", codes)
	}
	for _, who := range []string{"", "d1", "stranger"} {
		if _, err := f.svc.Codes(ctx, who, r.ID); !errors.Is(err, apperr.ErrNotRideOwner) {
			t.Fatalf("requester %q: expected not owner, got %v", who, err)
		}
	}
	if _, err := f.svc.Codes(ctx, r.PostedBy, "missing"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompleteRequiresEndOTPWhenConfigured(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.RequireEndOTP = true
	r := f.started(t, "d1")
	f.loc.set("d1", drop)
	if _, err := f.svc.Complete(context.Background(), "d1", r.ID, "9999"); !errors.Is(err, apperr.ErrInvalidOrUsedOtp) {
		t.Fatalf("expected invalid otp, got %v", err)
	}
	if _, err := f.svc.Complete(context.Background(), "d1", r.ID, "1234"); err != nil {
		t.Fatal(err)
	}
}

func TestCancellationCharge(t *testing.T) {
	cases := []struct {
		name  string
		until time.Duration
		paid  int64
		want  string
	}{
		{"nothing paid", time.Hour, 0, "0"},
		{"more than a day out", 25 * time.Hour, 400, "0"},
		{"more than 12h", 13 * time.Hour, 400, "100"},
		{"more than 6h", 7 * time.Hour, 400, "200"},
		{"close to pickup", time.Hour, 400, "300"},
		{"after pickup time", -time.Hour, 400, "300"},
	}
	for _, tc := range cases {
		r := &models.RideRequest{PickupAt: t0.Add(tc.until), PaidAmount: dec(tc.paid)}
		if got := CancellationCharge(r, t0); !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCancelReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "d1", 1000)
	r := f.post(t, 1000)
	if _, err := f.svc.Accept(ctx, "d1", r.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.CancelByUser(ctx, "stranger", r.ID, "changed plans"); !errors.Is(err, apperr.ErrNotRideOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	res, err := f.svc.CancelByUser(ctx, "poster", r.ID, "changed plans")
	if err != nil {
		t.Fatal(err)
	}
	if res.Ride.Status != models.StatusCancelledByUser || !res.ReleasedAmount.Equal(dec(200)) {
		t.Fatalf("unexpected cancel result %+v", res)
	}
	if w := walletOf(t, f, "d1"); !w.Balance.Equal(dec(1000)) || len(w.Locks) != 0 {
		t.Fatalf("lock not returned: %+v", w)
	}
	if _, err := f.svc.CancelByDriver(ctx, "d1", r.ID, "late"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("cancelled ride must not cancel again, got %v", err)
	}
}

func TestSystemCancelFromAnyOpenState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	r := f.started(t, "d1")

	res, err := f.svc.CancelBySystem(ctx, r.ID, "fraud review")
	if err != nil {
		t.Fatal(err)
	}
	if res.Ride.Status != models.StatusCancelledBySystem || res.Ride.CancelReason != "fraud review" {
		t.Fatalf("unexpected ride %+v", res.Ride)
	}
	if !res.ReleasedAmount.Equal(dec(200)) {
		t.Fatalf("expected lock of 200 released, got %s", res.ReleasedAmount)
	}
	if w := walletOf(t, f, "d1"); !w.Balance.Equal(dec(1000)) {
		t.Fatalf("balance not restored: %s", w.Balance)
	}
}

func TestSweepReturnsStaleClaimsAndExpiresRides(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "d1", 1000)
	claimed := f.post(t, 1000)
	if _, err := f.svc.Accept(ctx, "d1", claimed.ID); err != nil {
		t.Fatal(err)
	}
	unclaimed := f.post(t, 500)

	f.svc.now = func() time.Time { return t0.Add(7 * time.Hour) }
	rep, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// the unassigned ride's pickup also passed, so it expires in the same sweep
	if rep.Unassigned != 1 || rep.Expired != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	for _, id := range []string{claimed.ID, unclaimed.ID} {
		if got, _ := f.svc.Get(ctx, id); got.Status != models.StatusNoDriverFound {
			t.Fatalf("ride %s: expected no_driver_found, got %s", id, got.Status)
		}
	}
	if w := walletOf(t, f, "d1"); !w.Balance.Equal(dec(1000)) {
		t.Fatalf("stale lock not released, balance %s", w.Balance)
	}
}
