package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/storage"
)

type fakeGateway struct {
	paid bool
	err  error
}

func (f *fakeGateway) VerifyCharge(ctx context.Context, rideID string) (bool, error) {
	return f.paid, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	engine  *Engine
	rides   *storage.MemoryRideStore
	wallets *storage.MemoryWalletStore
	gateway *fakeGateway
}

func setup(t *testing.T) *fixture {
	t.Helper()
	rides := storage.NewMemoryRideStore()
	wallets := storage.NewMemoryWalletStore()
	gw := &fakeGateway{paid: true}
	return &fixture{
		engine:  NewEngine(rides, wallets, gw, testLogger()),
		rides:   rides,
		wallets: wallets,
		gateway: gw,
	}
}

func (f *fixture) seedRide(t *testing.T, status models.RideStatus, method models.PaymentMethod) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:            storage.NewID(),
		RiderID:       "rider-1",
		DriverID:      "driver-1",
		Status:        status,
		VehicleClass:  models.ClassSedan,
		PaymentMethod: method,
		CreatedAt:     time.Now().Add(-10 * time.Minute),
		Estimated: models.FareBreakdown{
			BaseFare: 3.00, DistanceFare: 2.40, TimeFare: 2.50,
			SurgeMultiplier: 1.0, Subtotal: 7.90, Tax: 1.58, Total: 9.48,
			DistanceKm: 2.6, DurationMin: 10, Currency: "GBP",
		},
	}
	if err := f.rides.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return r
}

func TestCompleteSplitsFare(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayCash)

	got, err := f.engine.Complete(ctx, ride.ID, 0, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if diff := math.Abs(got.DriverEarnings + got.Commission - got.Actual.Total); diff > 0.01 {
		t.Fatalf("earnings %v + commission %v != total %v", got.DriverEarnings, got.Commission, got.Actual.Total)
	}
	if got.Commission != 1.90 { // 20% of 9.48 rounded
		t.Fatalf("commission = %v, want 1.90", got.Commission)
	}
	if got.Bonus != CompletionBonus {
		t.Fatalf("bonus = %v, want %v", got.Bonus, CompletionBonus)
	}
	if got.PaymentStatus != models.PaymentPaid {
		t.Fatalf("cash ride must settle paid, got %s", got.PaymentStatus)
	}
}

func TestCompleteRecomputesFromActuals(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayCash)

	got, err := f.engine.Complete(ctx, ride.ID, 5.0, 20)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Actual.DistanceKm != 5.0 || got.Actual.DurationMin != 20 {
		t.Fatalf("actuals not applied: %+v", got.Actual)
	}
	if got.Actual.Total == ride.Estimated.Total {
		t.Fatal("fare should differ from estimate after recompute")
	}
}

func TestCompleteWalletDebitsRiderCreditsDriver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayWallet)
	if err := f.wallets.Credit(ctx, "rider-1", 50, "top up", ""); err != nil {
		t.Fatalf("credit: %v", err)
	}

	got, err := f.engine.Complete(ctx, ride.ID, 0, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	riderBal, _ := f.wallets.Balance(ctx, "rider-1")
	if want := 50 - got.Actual.Total; math.Abs(riderBal-want) > 0.001 {
		t.Fatalf("rider balance = %v, want %v", riderBal, want)
	}
	driverBal, _ := f.wallets.Balance(ctx, "driver-1")
	if want := got.DriverEarnings + CompletionBonus; math.Abs(driverBal-want) > 0.001 {
		t.Fatalf("driver balance = %v, want %v", driverBal, want)
	}
	if got.AmountCharged != got.Actual.Total {
		t.Fatalf("amount charged = %v, want %v", got.AmountCharged, got.Actual.Total)
	}
}

func TestCompleteWalletInsufficientFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayWallet)
	// balance of 1.00 cannot cover a 9.48 fare

	_ = f.wallets.Credit(ctx, "rider-1", 1.00, "top up", "")
	_, err := f.engine.Complete(ctx, ride.ID, 0, 0)
	if err == nil || !errs.Is(err, errs.InsufficientFunds) {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	got, _ := f.rides.GetRide(ctx, ride.ID)
	if got.Status != models.StatusInProgress {
		t.Fatalf("ride must stay in_progress on failed debit, got %s", got.Status)
	}
	bal, _ := f.wallets.Balance(ctx, "rider-1")
	if bal != 1.00 {
		t.Fatalf("wallet mutated on failed settlement: %v", bal)
	}
}

func TestCompleteCardUnpaidStaysPending(t *testing.T) {
	f := setup(t)
	f.gateway.paid = false
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayCard)

	got, err := f.engine.Complete(ctx, ride.ID, 0, 0)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.PaymentStatus != models.PaymentPending {
		t.Fatalf("payment status = %s, want pending", got.PaymentStatus)
	}
	if got.AmountCharged != 0 {
		t.Fatalf("amount charged = %v, want 0", got.AmountCharged)
	}
}

func TestCompleteCardGatewayError(t *testing.T) {
	f := setup(t)
	f.gateway.err = errors.New("gateway down")
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusInProgress, models.PayCard)

	_, err := f.engine.Complete(ctx, ride.ID, 0, 0)
	if err == nil || !errs.Is(err, errs.External) {
		t.Fatalf("expected external error, got %v", err)
	}
	got, _ := f.rides.GetRide(ctx, ride.ID)
	if got.Status != models.StatusInProgress {
		t.Fatalf("ride must stay in_progress, got %s", got.Status)
	}
}

func TestCompleteWrongState(t *testing.T) {
	f := setup(t)
	ride := f.seedRide(t, models.StatusAccepted, models.PayCash)
	_, err := f.engine.Complete(context.Background(), ride.ID, 0, 0)
	if err == nil || !errs.Is(err, errs.InvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestCancelWithinGraceWindowIsFree(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusSearching, models.PayWallet)
	ride.DriverID = ""
	ride.CreatedAt = time.Now().Add(-time.Minute)
	_ = f.rides.CreateRide(ctx, ride)

	got, err := f.engine.Cancel(ctx, ride.ID, "rider change of plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CancellationFee != 0 || got.Refund != 0 {
		t.Fatalf("fee=%v refund=%v, want both 0", got.CancellationFee, got.Refund)
	}
}

func TestCancelFeeSchedule(t *testing.T) {
	f := setup(t)
	now := time.Now()

	withDriver := &models.Ride{CreatedAt: now.Add(-10 * time.Minute), DriverID: "d1"}
	if fee := f.engine.CancellationFee(withDriver, now); fee != CancelFeeAssigned {
		t.Errorf("assigned fee = %v, want %v", fee, CancelFeeAssigned)
	}
	without := &models.Ride{CreatedAt: now.Add(-10 * time.Minute)}
	if fee := f.engine.CancellationFee(without, now); fee != CancelFeeDefault {
		t.Errorf("default fee = %v, want %v", fee, CancelFeeDefault)
	}
	fresh := &models.Ride{CreatedAt: now.Add(-time.Minute), DriverID: "d1"}
	if fee := f.engine.CancellationFee(fresh, now); fee != 0 {
		t.Errorf("fresh fee = %v, want 0", fee)
	}
}

func TestCancelRefundsWalletPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusAccepted, models.PayWallet)
	ride.AmountCharged = 9.48
	_ = f.rides.UpdateRide(ctx, ride)

	got, err := f.engine.Cancel(ctx, ride.ID, "rider cancelled")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.CancellationFee != CancelFeeAssigned {
		t.Fatalf("fee = %v, want %v", got.CancellationFee, CancelFeeAssigned)
	}
	if want := 9.48 - CancelFeeAssigned; got.Refund != want {
		t.Fatalf("refund = %v, want %v", got.Refund, want)
	}
	bal, _ := f.wallets.Balance(ctx, "rider-1")
	if bal != got.Refund {
		t.Fatalf("wallet balance = %v, want refund %v", bal, got.Refund)
	}
}

func TestCancelTerminalRide(t *testing.T) {
	f := setup(t)
	ride := f.seedRide(t, models.StatusCompleted, models.PayCash)
	_, err := f.engine.Cancel(context.Background(), ride.ID, "too late")
	if err == nil || !errs.Is(err, errs.InvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestTipDebitsWalletExactlyOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusCompleted, models.PayWallet)
	_ = f.wallets.Credit(ctx, "rider-1", 20, "top up", "")

	if _, err := f.engine.AddTip(ctx, ride.ID, "rider-1", 5); err != nil {
		t.Fatalf("tip: %v", err)
	}
	_, err := f.engine.AddTip(ctx, ride.ID, "rider-1", 5)
	if err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("duplicate tip: expected conflict, got %v", err)
	}
	bal, _ := f.wallets.Balance(ctx, "rider-1")
	if bal != 15 {
		t.Fatalf("rider balance = %v, want 15 (debited exactly once)", bal)
	}
	driverBal, _ := f.wallets.Balance(ctx, "driver-1")
	if driverBal != 5 {
		t.Fatalf("driver balance = %v, want 5", driverBal)
	}
}

func TestTipValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusCompleted, models.PayWallet)
	_ = f.wallets.Credit(ctx, "rider-1", 200, "top up", "")

	if _, err := f.engine.AddTip(ctx, ride.ID, "rider-1", MaxTip+1); err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("oversized tip: expected validation, got %v", err)
	}
	if _, err := f.engine.AddTip(ctx, ride.ID, "rider-1", 0); err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("zero tip: expected validation, got %v", err)
	}
	if _, err := f.engine.AddTip(ctx, ride.ID, "driver-1", 5); err == nil || !errs.Is(err, errs.Unauthorized) {
		t.Fatalf("driver tipping: expected unauthorized, got %v", err)
	}

	open := f.seedRide(t, models.StatusInProgress, models.PayWallet)
	if _, err := f.engine.AddTip(ctx, open.ID, "rider-1", 5); err == nil || !errs.Is(err, errs.InvalidState) {
		t.Fatalf("tip before completion: expected invalid_state, got %v", err)
	}
}

func TestTipInsufficientFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusCompleted, models.PayWallet)

	_, err := f.engine.AddTip(ctx, ride.ID, "rider-1", 5)
	if err == nil || !errs.Is(err, errs.InsufficientFunds) {
		t.Fatalf("expected insufficient_funds, got %v", err)
	}
	got, _ := f.rides.GetRide(ctx, ride.ID)
	if got.Tip != 0 {
		t.Fatalf("tip recorded despite failed debit: %v", got.Tip)
	}
}

func TestRatingsOncePerRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusCompleted, models.PayCash)

	if _, err := f.engine.RateDriver(ctx, ride.ID, "rider-1", 4); err != nil {
		t.Fatalf("rate driver: %v", err)
	}
	if _, err := f.engine.RateDriver(ctx, ride.ID, "rider-1", 5); err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("duplicate driver rating: expected conflict, got %v", err)
	}
	if _, err := f.engine.RateRider(ctx, ride.ID, "driver-1", 5); err != nil {
		t.Fatalf("rate rider: %v", err)
	}
	if _, err := f.engine.RateRider(ctx, ride.ID, "driver-1", 1); err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("duplicate rider rating: expected conflict, got %v", err)
	}
}

func TestRatingBoundsAndAuth(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	ride := f.seedRide(t, models.StatusCompleted, models.PayCash)

	if _, err := f.engine.RateDriver(ctx, ride.ID, "rider-1", 6); err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := f.engine.RateDriver(ctx, ride.ID, "rider-1", 0.5); err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("expected validation, got %v", err)
	}
	if _, err := f.engine.RateDriver(ctx, ride.ID, "someone-else", 4); err == nil || !errs.Is(err, errs.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestAverageRatingRecomputed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	avg, err := f.engine.AverageRating(ctx, "driver-1", true)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != DefaultRating {
		t.Fatalf("empty history average = %v, want %v", avg, DefaultRating)
	}

	for _, score := range []float64{3, 5} {
		ride := f.seedRide(t, models.StatusCompleted, models.PayCash)
		if _, err := f.engine.RateDriver(ctx, ride.ID, "rider-1", score); err != nil {
			t.Fatalf("rate: %v", err)
		}
	}
	avg, err = f.engine.AverageRating(ctx, "driver-1", true)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if avg != 4 {
		t.Fatalf("average = %v, want 4", avg)
	}
}
