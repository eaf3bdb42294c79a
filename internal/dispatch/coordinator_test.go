package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-hail/internal/availability"
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/storage"
)

type recordedEvent struct {
	userID string
	event  any
}

type fakeNotifier struct {
	mu     sync.Mutex
	driver []recordedEvent
	rider  []recordedEvent
}

func (f *fakeNotifier) NotifyDriver(id string, e any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driver = append(f.driver, recordedEvent{id, e})
	return nil
}

func (f *fakeNotifier) NotifyRider(id string, e any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rider = append(f.rider, recordedEvent{id, e})
	return nil
}

func (f *fakeNotifier) driverEvents(id string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, r := range f.driver {
		if r.userID == id {
			out = append(out, r.event)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candidates(ids ...string) []availability.Candidate {
	out := make([]availability.Candidate, 0, len(ids))
	for i, id := range ids {
		out = append(out, availability.Candidate{
			Driver:     models.Driver{ID: id, VehicleClass: models.ClassSedan, Online: true, Approved: true},
			DistanceKm: float64(i + 1),
			ETAMinutes: (i + 1) * 2,
		})
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *storage.MemoryRideStore, *fakeNotifier) {
	t.Helper()
	store := storage.NewMemoryRideStore()
	notifier := &fakeNotifier{}
	c := NewCoordinator(store, notifier, testLogger())
	c.BroadcastTimeout = 60 * time.Millisecond
	c.TargetedTimeout = 60 * time.Millisecond
	return c, store, notifier
}

func seedRide(t *testing.T, store *storage.MemoryRideStore, status models.RideStatus) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:           storage.NewID(),
		RiderID:      "rider-1",
		Status:       status,
		VehicleClass: models.ClassSedan,
		CreatedAt:    time.Now(),
		Estimated:    models.FareBreakdown{Total: 9.48},
	}
	if err := store.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
	return r
}

func TestAcceptedRideSurvivesDeadline(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)

	if err := c.Start(ctx, ride, candidates("d1", "d2", "d3"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Accept(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	// wait well past the broadcast deadline; the timer must not fire
	time.Sleep(150 * time.Millisecond)

	got, err := store.GetRide(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
	if got.DriverID != "d1" {
		t.Fatalf("driver = %q, want d1", got.DriverID)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)

	if err := c.Start(ctx, ride, candidates("d1", "d2"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, d := range []string{"d1", "d2"} {
		wg.Add(1)
		go func(driver string) {
			defer wg.Done()
			_, err := c.Accept(ctx, ride.ID, driver)
			results <- err
		}(d)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errs.Is(err, errs.Conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one of each", wins, conflicts)
	}

	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
}

func TestBroadcastTimeoutCancels(t *testing.T) {
	c, store, notifier := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)

	if err := c.Start(ctx, ride, candidates("d1", "d2", "d3"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelReason != ReasonNoDriver {
		t.Fatalf("reason = %q, want %q", got.CancelReason, ReasonNoDriver)
	}

	notifier.mu.Lock()
	riderNotified := len(notifier.rider) > 0
	notifier.mu.Unlock()
	if !riderNotified {
		t.Fatal("rider was not told no driver was available")
	}
}

func TestRejectLastCandidateCancelsImmediately(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	c.BroadcastTimeout = 10 * time.Second // deadline far away; cancellation must not wait for it
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)

	if err := c.Start(ctx, ride, candidates("d1", "d2"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Reject(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("reject d1: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusSearching {
		t.Fatalf("status = %s, want still searching with one candidate left", got.Status)
	}
	if err := c.Reject(ctx, ride.ID, "d2"); err != nil {
		t.Fatalf("reject d2: %v", err)
	}
	got, _ = store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled right after queue emptied", got.Status)
	}
	if got.CancelReason != ReasonNoDriver {
		t.Fatalf("reason = %q, want %q", got.CancelReason, ReasonNoDriver)
	}
}

func TestLosersAreToldRideTaken(t *testing.T) {
	c, store, notifier := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)

	if err := c.Start(ctx, ride, candidates("d1", "d2", "d3"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Accept(ctx, ride.ID, "d2"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	for _, loser := range []string{"d1", "d3"} {
		taken := false
		for _, e := range notifier.driverEvents(loser) {
			if re, ok := e.(RideEvent); ok && re.Type == "ride_taken" {
				taken = true
			}
		}
		if !taken {
			t.Errorf("driver %s never saw ride_taken", loser)
		}
	}
}

func TestTargetedTimeoutReturnsUnmatched(t *testing.T) {
	c, store, notifier := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusRequested)

	if err := c.Start(ctx, ride, candidates("d1"), ModeTargeted); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusRequested {
		t.Fatalf("status = %s, want requested (returned unmatched, no auto retry)", got.Status)
	}
	if got.DispatchDeadline != nil {
		t.Fatal("dispatch deadline should be cleared after targeted timeout")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.rider) == 0 {
		t.Fatal("rider was not notified")
	}
}

func TestTargetedRejectEndsRound(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	c.TargetedTimeout = 10 * time.Second
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusRequested)

	if err := c.Start(ctx, ride, candidates("d1"), ModeTargeted); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Reject(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusRequested {
		t.Fatalf("status = %s, want requested", got.Status)
	}
	// the round is over: a late accept is refused
	if _, err := c.Accept(ctx, ride.ID, "d1"); err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict on accept after reject, got %v", err)
	}
}

func TestAcceptUnknownRide(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Accept(context.Background(), "nope", "d1")
	if err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAcceptByUninvitedDriver(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)
	if err := c.Start(ctx, ride, candidates("d1"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := c.Accept(ctx, ride.ID, "intruder")
	if err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAcceptAfterResolutionIsNoDuplicateSideEffect(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)
	if err := c.Start(ctx, ride, candidates("d1", "d2"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Accept(ctx, ride.ID, "d1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := c.Accept(ctx, ride.ID, "d1"); err == nil || !errs.Is(err, errs.Conflict) {
		t.Fatalf("expected conflict on duplicate accept, got %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.DriverID != "d1" || got.Status != models.StatusAccepted {
		t.Fatalf("ride corrupted by duplicate accept: %+v", got)
	}
}

func TestCancelSessionStopsTimer(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)
	if err := c.Start(ctx, ride, candidates("d1"), ModeBroadcast); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.CancelSession(ride.ID)
	time.Sleep(150 * time.Millisecond)

	// the timer never fired, so the coordinator did not cancel it;
	// status is whatever the caller set (still searching here)
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusSearching {
		t.Fatalf("status = %s, want searching", got.Status)
	}
}

func TestSweepCancelsStuckRide(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	ctx := context.Background()
	ride := seedRide(t, store, models.StatusSearching)
	past := time.Now().Add(-time.Minute)
	ride.DispatchDeadline = &past
	if err := store.UpdateRide(ctx, ride); err != nil {
		t.Fatalf("update: %v", err)
	}

	// no session exists: this models a restart that dropped the timers
	if err := c.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := store.GetRide(ctx, ride.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled by sweep", got.Status)
	}
	if got.CancelReason != ReasonNoDriver {
		t.Fatalf("reason = %q, want %q", got.CancelReason, ReasonNoDriver)
	}
}
