package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-hail/internal/availability"
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/observability"
	"github.com/example/ride-hail/internal/state"
	"github.com/example/ride-hail/internal/storage"
)

type Mode int

const (
	// ModeBroadcast notifies every ranked candidate at once under one
	// shared deadline; the first acceptance wins.
	ModeBroadcast Mode = iota
	// ModeTargeted offers the ride to one pre-selected driver; on
	// timeout or reject the ride goes back to the rider unmatched.
	ModeTargeted
)

const (
	DefaultBroadcastTimeout = 15 * time.Second
	DefaultTargetedTimeout  = 60 * time.Second

	ReasonNoDriver = "No driver available"
)

// OfferEvent is pushed to candidate drivers when a dispatch round starts.
type OfferEvent struct {
	Type          string          `json:"type"`
	RideID        string          `json:"ride_id"`
	Pickup        models.Location `json:"pickup"`
	Dropoff       models.Location `json:"dropoff"`
	VehicleClass  string          `json:"vehicle_class"`
	EstimatedFare float64         `json:"estimated_fare"`
	DistanceKm    float64         `json:"distance_km"`
	ETAMinutes    int             `json:"eta_min"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

type RideEvent struct {
	Type   string `json:"type"`
	RideID string `json:"ride_id"`
	Reason string `json:"reason,omitempty"`
	Driver string `json:"driver_id,omitempty"`
}

// session is the in-memory dispatch state for one ride: the remaining
// candidate queue plus one live timer. It is not durable; the
// persisted dispatch deadline and the reconciliation sweep cover loss
// of this state across a restart.
type session struct {
	rideID   string
	riderID  string
	mode     Mode
	deadline time.Time

	mu    sync.Mutex
	queue []availability.Candidate

	timer    *time.Timer
	stopOnce sync.Once
}

// stop cancels the session timer. Safe to call any number of times
// from any terminal path; the timer fires at most once regardless.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
	})
}

// remove drops a driver from the queue, reporting whether the driver
// was present and how many candidates remain.
func (s *session) remove(driverID string) (found bool, remaining int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.queue {
		if c.Driver.ID == driverID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			found = true
			break
		}
	}
	return found, len(s.queue)
}

func (s *session) contains(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.queue {
		if c.Driver.ID == driverID {
			return true
		}
	}
	return false
}

func (s *session) snapshot() []availability.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]availability.Candidate, len(s.queue))
	copy(out, s.queue)
	return out
}

// Coordinator owns the per-ride offer/timeout/race logic. Exactly one
// acceptance may succeed per ride; the status-guarded conditional
// write in the store is the arbiter, the coordinator only orchestrates
// timers, queues and notifications around it.
type Coordinator struct {
	store    storage.RideStore
	notifier Notifier
	logger   *slog.Logger

	BroadcastTimeout time.Duration
	TargetedTimeout  time.Duration
	now              func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

func NewCoordinator(store storage.RideStore, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:            store,
		notifier:         notifier,
		logger:           logger,
		BroadcastTimeout: DefaultBroadcastTimeout,
		TargetedTimeout:  DefaultTargetedTimeout,
		now:              time.Now,
		sessions:         make(map[string]*session),
	}
}

// Start opens a dispatch round for the ride. The deadline is persisted
// on the ride before any driver is notified so a restart cannot strand
// the ride invisibly.
func (c *Coordinator) Start(ctx context.Context, ride *models.Ride, candidates []availability.Candidate, mode Mode) error {
	if len(candidates) == 0 {
		return errs.New(errs.NotFound, "no candidates for ride %s", ride.ID)
	}
	if !state.DispatchEligible(ride.Status) {
		return errs.New(errs.InvalidState, "ride %s is %s, not dispatch-eligible", ride.ID, ride.Status)
	}
	timeout := c.BroadcastTimeout
	if mode == ModeTargeted {
		timeout = c.TargetedTimeout
		candidates = candidates[:1]
	}
	deadline := c.now().Add(timeout)

	ride.DispatchDeadline = &deadline
	if err := c.store.UpdateRide(ctx, ride); err != nil {
		return err
	}

	s := &session{
		rideID:   ride.ID,
		riderID:  ride.RiderID,
		mode:     mode,
		deadline: deadline,
		queue:    append([]availability.Candidate(nil), candidates...),
	}

	c.mu.Lock()
	if _, exists := c.sessions[ride.ID]; exists {
		c.mu.Unlock()
		return errs.New(errs.Conflict, "dispatch already running for ride %s", ride.ID)
	}
	c.sessions[ride.ID] = s
	s.timer = time.AfterFunc(timeout, func() { c.onTimeout(ride.ID) })
	c.mu.Unlock()

	for _, cand := range candidates {
		offer := OfferEvent{
			Type:          "ride_offer",
			RideID:        ride.ID,
			Pickup:        ride.Pickup,
			Dropoff:       ride.Dropoff,
			VehicleClass:  string(ride.VehicleClass),
			EstimatedFare: ride.Estimated.Total,
			DistanceKm:    cand.DistanceKm,
			ETAMinutes:    cand.ETAMinutes,
			ExpiresAt:     deadline,
		}
		if err := c.notifier.NotifyDriver(cand.Driver.ID, offer); err != nil {
			c.logger.Warn("offer delivery failed", "ride", ride.ID, "driver", cand.Driver.ID, "error", err)
		}
	}
	observability.DispatchStarted.Inc()
	c.logger.Info("dispatch started", "ride", ride.ID, "mode", mode, "candidates", len(candidates), "deadline", deadline)
	return nil
}

// Accept resolves a driver's acceptance. The conditional status write
// is what decides the race: concurrent accepts for the same ride see
// exactly one ok=true, every loser gets a conflict.
func (c *Coordinator) Accept(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	s := c.lookup(rideID)
	if s == nil {
		return nil, errs.New(errs.Conflict, "ride %s has no open offer", rideID)
	}
	if !s.contains(driverID) {
		return nil, errs.New(errs.Conflict, "driver %s was not offered ride %s", driverID, rideID)
	}

	now := c.now()
	ride, ok, err := c.store.TransitionRide(ctx, rideID, state.DispatchEligibleStatuses(), models.StatusAccepted, func(r *models.Ride) {
		r.DriverID = driverID
		r.AcceptedAt = &now
		r.DispatchDeadline = nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost the race: another driver claimed the ride, or it was
		// cancelled under us
		observability.DispatchConflicts.Inc()
		return nil, errs.New(errs.Conflict, "ride %s already resolved", rideID)
	}

	// the timer must die on acceptance: a ride accepted at t=5s stays
	// accepted after the 15s deadline passes
	s.stop()
	c.drop(rideID)

	for _, cand := range s.snapshot() {
		if cand.Driver.ID == driverID {
			continue
		}
		_ = c.notifier.NotifyDriver(cand.Driver.ID, RideEvent{Type: "ride_taken", RideID: rideID})
	}
	_ = c.notifier.NotifyRider(s.riderID, RideEvent{Type: "driver_accepted", RideID: rideID, Driver: driverID})

	observability.DispatchAccepted.Inc()
	c.logger.Info("dispatch accepted", "ride", rideID, "driver", driverID)
	return ride, nil
}

// Reject removes a driver from the candidate queue. In targeted mode
// the round ends and the ride is handed back to the rider unmatched;
// in broadcast mode an empty queue cancels the ride immediately
// instead of waiting out the deadline.
func (c *Coordinator) Reject(ctx context.Context, rideID, driverID string) error {
	s := c.lookup(rideID)
	if s == nil {
		return errs.New(errs.Conflict, "ride %s has no open offer", rideID)
	}
	found, remaining := s.remove(driverID)
	if !found {
		return errs.New(errs.Conflict, "driver %s was not offered ride %s", driverID, rideID)
	}
	observability.DispatchRejected.Inc()
	c.logger.Info("offer rejected", "ride", rideID, "driver", driverID, "remaining", remaining)

	if s.mode == ModeTargeted {
		s.stop()
		c.drop(rideID)
		return c.returnUnmatched(ctx, s)
	}
	if remaining == 0 {
		s.stop()
		c.drop(rideID)
		return c.cancelNoDriver(ctx, rideID, s.riderID)
	}
	return nil
}

// CancelSession tears down any live dispatch state for the ride. Must
// run synchronously as part of ride cancellation.
func (c *Coordinator) CancelSession(rideID string) {
	s := c.lookup(rideID)
	if s == nil {
		return
	}
	s.stop()
	c.drop(rideID)
	for _, cand := range s.snapshot() {
		_ = c.notifier.NotifyDriver(cand.Driver.ID, RideEvent{Type: "ride_cancelled", RideID: rideID})
	}
}

func (c *Coordinator) onTimeout(rideID string) {
	s := c.lookup(rideID)
	if s == nil {
		return // resolved while the timer fired
	}
	s.stop()
	c.drop(rideID)
	observability.DispatchTimeouts.Inc()
	c.logger.Info("dispatch deadline expired", "ride", rideID, "mode", s.mode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.mode == ModeTargeted {
		if err := c.returnUnmatched(ctx, s); err != nil {
			c.logger.Error("targeted timeout handling failed", "ride", rideID, "error", err)
		}
		return
	}
	if err := c.cancelNoDriver(ctx, rideID, s.riderID); err != nil {
		c.logger.Error("timeout cancel failed", "ride", rideID, "error", err)
	}
}

// returnUnmatched ends a targeted round without a driver: the deadline
// is cleared and the rider told to try again; there is no retry here.
func (c *Coordinator) returnUnmatched(ctx context.Context, s *session) error {
	ride, err := c.store.GetRide(ctx, s.rideID)
	if err != nil {
		return err
	}
	if state.DispatchEligible(ride.Status) {
		ride.DispatchDeadline = nil
		if err := c.store.UpdateRide(ctx, ride); err != nil {
			return err
		}
	}
	return c.notifier.NotifyRider(s.riderID, RideEvent{Type: "no_driver", RideID: s.rideID, Reason: ReasonNoDriver})
}

// cancelNoDriver cancels a ride that found no driver. The guard makes
// this a no-op if an acceptance slipped in first.
func (c *Coordinator) cancelNoDriver(ctx context.Context, rideID, riderID string) error {
	now := c.now()
	_, ok, err := c.store.TransitionRide(ctx, rideID, state.DispatchEligibleStatuses(), models.StatusCancelled, func(r *models.Ride) {
		r.CancelReason = ReasonNoDriver
		r.CancelledAt = &now
		r.DispatchDeadline = nil
	})
	if err != nil {
		return err
	}
	if ok {
		_ = c.notifier.NotifyRider(riderID, RideEvent{Type: "no_driver", RideID: rideID, Reason: ReasonNoDriver})
	}
	return nil
}

// Sweep cancels rides whose persisted dispatch deadline has passed but
// have no live session, which happens when a restart dropped the
// in-memory timers.
func (c *Coordinator) Sweep(ctx context.Context) error {
	stuck, err := c.store.StuckDispatches(ctx, c.now())
	if err != nil {
		return err
	}
	for _, r := range stuck {
		if c.lookup(r.ID) != nil {
			continue
		}
		c.logger.Warn("reconciling stuck dispatch", "ride", r.ID, "deadline", r.DispatchDeadline)
		if err := c.cancelNoDriver(ctx, r.ID, r.RiderID); err != nil {
			c.logger.Error("sweep cancel failed", "ride", r.ID, "error", err)
		}
	}
	return nil
}

// RunSweeper runs Sweep on an interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				c.logger.Error("dispatch sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) lookup(rideID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[rideID]
}

func (c *Coordinator) drop(rideID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, rideID)
}
