package rides

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-hail/internal/availability"
	"github.com/example/ride-hail/internal/dispatch"
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/fare"
	"github.com/example/ride-hail/internal/geo"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/settlement"
	"github.com/example/ride-hail/internal/state"
	"github.com/example/ride-hail/internal/storage"
)

// Service ties the engine together: fare quotes, candidate search,
// dispatch and settlement, exposed as the operations the boundary
// layer calls.
type Service struct {
	rides       storage.RideStore
	index       *availability.Index
	coordinator *dispatch.Coordinator
	settlement  *settlement.Engine
	estimates   *EstimateRegistry
	area        geo.AreaStrategy
	notifier    dispatch.Notifier
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(rideStore storage.RideStore, index *availability.Index, coordinator *dispatch.Coordinator, engine *settlement.Engine, area geo.AreaStrategy, notifier dispatch.Notifier, logger *slog.Logger) *Service {
	return &Service{
		rides:       rideStore,
		index:       index,
		coordinator: coordinator,
		settlement:  engine,
		estimates:   NewEstimateRegistry(),
		area:        area,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
	}
}

type EstimateRequest struct {
	Pickup       models.Location `json:"pickup"`
	Dropoff      models.Location `json:"dropoff"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}

// FareRef points a booking at its price: either a previously quoted
// estimate by id, or an ephemeral quote computed on the spot. Exactly
// one side must be set; both resolve to the same breakdown downstream.
type FareRef struct {
	EstimateID string           `json:"estimate_id,omitempty"`
	Quote      *EstimateRequest `json:"quote,omitempty"`
}

type BookCommand struct {
	RiderID        string               `json:"rider_id"`
	Fare           FareRef              `json:"fare"`
	PaymentMethod  models.PaymentMethod `json:"payment_method"`
	ScheduledAt    *time.Time           `json:"scheduled_at,omitempty"`
	TargetDriverID string               `json:"target_driver_id,omitempty"`
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 && !(c.Lat == 0 && c.Lon == 0)
}

func (s *Service) validateEstimateRequest(req EstimateRequest) error {
	if !validCoord(req.Pickup.Coord) || !validCoord(req.Dropoff.Coord) {
		return errs.New(errs.Validation, "pickup and dropoff coordinates are required")
	}
	if _, ok := fare.RateFor(req.VehicleClass); !ok {
		return errs.New(errs.Validation, "unknown vehicle class %q", req.VehicleClass)
	}
	if s.area != nil && !s.area.Contains(req.Pickup.Coord) {
		return errs.New(errs.Validation, "pickup is outside the operating area")
	}
	return nil
}

// GetFareEstimate quotes a trip and stores the single-use estimate.
func (s *Service) GetFareEstimate(ctx context.Context, req EstimateRequest) (*models.FareEstimate, error) {
	if err := s.validateEstimateRequest(req); err != nil {
		return nil, err
	}
	distKm := geo.DistanceKm(req.Pickup.Coord, req.Dropoff.Coord)
	durationMin := float64(geo.ETAMinutes(distKm, geo.DefaultSpeedKmh))
	available, err := s.index.Count(ctx, req.Pickup.Coord, req.VehicleClass)
	if err != nil {
		return nil, err
	}
	breakdown, err := fare.Compute(req.Pickup.Coord, req.Dropoff.Coord, req.VehicleClass, durationMin, s.now(), available, 1)
	if err != nil {
		return nil, err
	}
	return s.estimates.Put(req.Pickup, req.Dropoff, req.VehicleClass, breakdown), nil
}

func (s *Service) resolveFare(ctx context.Context, ref FareRef) (models.Location, models.Location, models.VehicleClass, models.FareBreakdown, error) {
	var zero models.Location
	switch {
	case ref.EstimateID != "" && ref.Quote != nil:
		return zero, zero, "", models.FareBreakdown{}, errs.New(errs.Validation, "provide either an estimate id or a quote, not both")
	case ref.EstimateID != "":
		e, err := s.estimates.Consume(ref.EstimateID)
		if err != nil {
			return zero, zero, "", models.FareBreakdown{}, err
		}
		return e.Pickup, e.Dropoff, e.VehicleClass, e.Breakdown, nil
	case ref.Quote != nil:
		req := *ref.Quote
		if err := s.validateEstimateRequest(req); err != nil {
			return zero, zero, "", models.FareBreakdown{}, err
		}
		distKm := geo.DistanceKm(req.Pickup.Coord, req.Dropoff.Coord)
		durationMin := float64(geo.ETAMinutes(distKm, geo.DefaultSpeedKmh))
		available, err := s.index.Count(ctx, req.Pickup.Coord, req.VehicleClass)
		if err != nil {
			return zero, zero, "", models.FareBreakdown{}, err
		}
		breakdown, err := fare.Compute(req.Pickup.Coord, req.Dropoff.Coord, req.VehicleClass, durationMin, s.now(), available, 1)
		if err != nil {
			return zero, zero, "", models.FareBreakdown{}, err
		}
		return req.Pickup, req.Dropoff, req.VehicleClass, breakdown, nil
	default:
		return zero, zero, "", models.FareBreakdown{}, errs.New(errs.Validation, "a fare reference is required")
	}
}

// BookRide creates the ride and opens a dispatch round. With a target
// driver the round is targeted; otherwise every ranked candidate is
// offered the ride at once.
func (s *Service) BookRide(ctx context.Context, cmd BookCommand) (*models.Ride, error) {
	if cmd.RiderID == "" {
		return nil, errs.New(errs.Validation, "rider id is required")
	}
	switch cmd.PaymentMethod {
	case models.PayWallet, models.PayCard, models.PayCash:
	default:
		return nil, errs.New(errs.Validation, "unknown payment method %q", cmd.PaymentMethod)
	}

	pickup, dropoff, class, breakdown, err := s.resolveFare(ctx, cmd.Fare)
	if err != nil {
		return nil, err
	}

	now := s.now()
	status := models.StatusSearching
	if cmd.TargetDriverID != "" {
		status = models.StatusRequested
	}
	if cmd.ScheduledAt != nil && cmd.ScheduledAt.After(now) {
		status = models.StatusScheduled
	}

	ride := &models.Ride{
		ID:            storage.NewID(),
		RiderID:       cmd.RiderID,
		Status:        status,
		Pickup:        pickup,
		Dropoff:       dropoff,
		VehicleClass:  class,
		Estimated:     breakdown,
		ScheduledAt:   cmd.ScheduledAt,
		CreatedAt:     now,
		PaymentMethod: cmd.PaymentMethod,
	}
	if err := s.rides.CreateRide(ctx, ride); err != nil {
		return nil, err
	}

	if status == models.StatusScheduled {
		// scheduled rides are dispatched closer to pickup time
		return ride, nil
	}

	cands, err := s.index.FindCandidates(ctx, pickup.Coord, class)
	if err != nil {
		return nil, err
	}
	mode := dispatch.ModeBroadcast
	if cmd.TargetDriverID != "" {
		mode = dispatch.ModeTargeted
		cands = filterCandidate(cands, cmd.TargetDriverID)
	}
	if len(cands) == 0 {
		return s.cancelUnmatched(ctx, ride)
	}
	if err := s.coordinator.Start(ctx, ride, cands, mode); err != nil {
		return nil, err
	}
	return s.rides.GetRide(ctx, ride.ID)
}

func filterCandidate(cands []availability.Candidate, driverID string) []availability.Candidate {
	for _, c := range cands {
		if c.Driver.ID == driverID {
			return []availability.Candidate{c}
		}
	}
	return nil
}

func (s *Service) cancelUnmatched(ctx context.Context, ride *models.Ride) (*models.Ride, error) {
	now := s.now()
	updated, ok, err := s.rides.TransitionRide(ctx, ride.ID, state.DispatchEligibleStatuses(), models.StatusCancelled, func(r *models.Ride) {
		r.CancelReason = dispatch.ReasonNoDriver
		r.CancelledAt = &now
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return s.rides.GetRide(ctx, ride.ID)
	}
	_ = s.notifier.NotifyRider(ride.RiderID, dispatch.RideEvent{Type: "no_driver", RideID: ride.ID, Reason: dispatch.ReasonNoDriver})
	return updated, nil
}

// AcceptRide resolves a driver's acceptance of an open offer.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if driverID == "" {
		return nil, errs.New(errs.Validation, "driver id is required")
	}
	return s.coordinator.Accept(ctx, rideID, driverID)
}

// RejectRide withdraws a driver from an open offer.
func (s *Service) RejectRide(ctx context.Context, rideID, driverID string) error {
	if driverID == "" {
		return errs.New(errs.Validation, "driver id is required")
	}
	return s.coordinator.Reject(ctx, rideID, driverID)
}

func (s *Service) authorizedDriver(ride *models.Ride, driverID string) error {
	if ride.DriverID == "" || ride.DriverID != driverID {
		return errs.New(errs.Unauthorized, "driver %s is not assigned to ride %s", driverID, ride.ID)
	}
	return nil
}

// MarkArrived records that the assigned driver reached the pickup point.
func (s *Service) MarkArrived(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizedDriver(ride, driverID); err != nil {
		return nil, err
	}
	if err := state.Guard(ride.Status, models.StatusArrived); err != nil {
		return nil, err
	}
	updated, ok, err := s.rides.TransitionRide(ctx, rideID, []models.RideStatus{models.StatusAssigned, models.StatusAccepted}, models.StatusArrived, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Conflict, "ride %s changed state", rideID)
	}
	_ = s.notifier.NotifyRider(ride.RiderID, dispatch.RideEvent{Type: "driver_arrived", RideID: rideID, Driver: driverID})
	return updated, nil
}

// StartRide begins the trip.
func (s *Service) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ride, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizedDriver(ride, driverID); err != nil {
		return nil, err
	}
	if err := state.Guard(ride.Status, models.StatusInProgress); err != nil {
		return nil, err
	}
	now := s.now()
	updated, ok, err := s.rides.TransitionRide(ctx, rideID, []models.RideStatus{models.StatusAssigned, models.StatusAccepted, models.StatusArrived}, models.StatusInProgress, func(r *models.Ride) {
		r.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Conflict, "ride %s changed state", rideID)
	}
	_ = s.notifier.NotifyRider(ride.RiderID, dispatch.RideEvent{Type: "ride_started", RideID: rideID, Driver: driverID})
	return updated, nil
}

// CompleteRide finishes the trip and settles it financially.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string, actualDistanceKm, actualDurationMin float64) (*models.Ride, error) {
	ride, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizedDriver(ride, driverID); err != nil {
		return nil, err
	}
	updated, err := s.settlement.Complete(ctx, rideID, actualDistanceKm, actualDurationMin)
	if err != nil {
		return nil, err
	}
	_ = s.notifier.NotifyRider(ride.RiderID, dispatch.RideEvent{Type: "ride_completed", RideID: rideID, Driver: driverID})
	return updated, nil
}

// CancelRide cancels on behalf of the rider or the assigned driver,
// tearing down any live dispatch session as part of the same
// operation.
func (s *Service) CancelRide(ctx context.Context, rideID, actorID, reason string) (*models.Ride, error) {
	ride, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actorID != ride.RiderID && (ride.DriverID == "" || actorID != ride.DriverID) {
		return nil, errs.New(errs.Unauthorized, "actor %s may not cancel ride %s", actorID, rideID)
	}
	// the timer must die before the status write so it cannot race a
	// cancellation it has already lost
	s.coordinator.CancelSession(rideID)
	updated, err := s.settlement.Cancel(ctx, rideID, reason)
	if err != nil {
		return nil, err
	}
	if updated.DriverID != "" && actorID != updated.DriverID {
		_ = s.notifier.NotifyDriver(updated.DriverID, dispatch.RideEvent{Type: "ride_cancelled", RideID: rideID})
	}
	if actorID != updated.RiderID {
		_ = s.notifier.NotifyRider(updated.RiderID, dispatch.RideEvent{Type: "ride_cancelled", RideID: rideID})
	}
	return updated, nil
}

// AddTip forwards a rider's tip to settlement.
func (s *Service) AddTip(ctx context.Context, rideID, riderID string, amount float64) (*models.Ride, error) {
	return s.settlement.AddTip(ctx, rideID, riderID, amount)
}

// RateDriver records the rider's score and returns the ride.
func (s *Service) RateDriver(ctx context.Context, rideID, riderID string, score float64) (*models.Ride, error) {
	ride, err := s.settlement.RateDriver(ctx, rideID, riderID, score)
	if err != nil {
		return nil, err
	}
	if avg, err := s.settlement.AverageRating(ctx, ride.DriverID, true); err == nil {
		s.logger.Info("driver rating updated", "driver", ride.DriverID, "average", avg)
	}
	return ride, nil
}

// RateRider records the driver's score and returns the ride.
func (s *Service) RateRider(ctx context.Context, rideID, driverID string, score float64) (*models.Ride, error) {
	ride, err := s.settlement.RateRider(ctx, rideID, driverID, score)
	if err != nil {
		return nil, err
	}
	if avg, err := s.settlement.AverageRating(ctx, ride.RiderID, false); err == nil {
		s.logger.Info("rider rating updated", "rider", ride.RiderID, "average", avg)
	}
	return ride, nil
}

// GetRide fetches a ride for the boundary layer.
func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.rides.GetRide(ctx, rideID)
}

// QuoteETA returns the average pickup ETA near a point, for quoting.
func (s *Service) QuoteETA(ctx context.Context, pickup models.Coord, class models.VehicleClass) (int, error) {
	return s.index.AverageClosestETA(ctx, pickup, class, 3)
}
