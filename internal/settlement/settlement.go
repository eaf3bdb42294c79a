package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/fare"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/observability"
	"github.com/example/ride-hail/internal/storage"
)

const (
	// CommissionRate is the platform's cut of the final fare; the
	// driver keeps the rest.
	CommissionRate = 0.20

	// CompletionBonus is a fixed incentive recorded on the ride and
	// paid to the driver on top of their fare share.
	CompletionBonus = 1.00

	// FreeCancelWindow after booking in which cancellation costs nothing.
	FreeCancelWindow = 2 * time.Minute
	// CancelFeeAssigned applies once a driver was already assigned or
	// had accepted; CancelFeeDefault otherwise.
	CancelFeeAssigned = 5.00
	CancelFeeDefault  = 2.00

	MaxTip = 50.00

	// DefaultRating is a user's score with no rated rides on record.
	DefaultRating = 5.0
)

// PaymentGateway verifies whether a card charge for the ride has been
// recorded as paid. The engine never negotiates price with it.
type PaymentGateway interface {
	VerifyCharge(ctx context.Context, rideID string) (bool, error)
}

// Engine applies the financial outcome of completion, cancellation,
// tips and ratings. Each operation applies its ride and wallet effects
// as one unit or not at all.
type Engine struct {
	rides   storage.RideStore
	wallets storage.WalletStore
	gateway PaymentGateway
	logger  *slog.Logger
	now     func() time.Time

	// serializes tip and rating submissions; the duplicate checks are
	// read-then-write and the store guard only covers status
	tipMu sync.Mutex
}

func NewEngine(rides storage.RideStore, wallets storage.WalletStore, gateway PaymentGateway, logger *slog.Logger) *Engine {
	return &Engine{rides: rides, wallets: wallets, gateway: gateway, logger: logger, now: time.Now}
}

// Complete finalizes a trip: recompute the fare from actuals when
// supplied, split commission and earnings, process payment by method,
// and persist it all with a status-guarded write.
func (e *Engine) Complete(ctx context.Context, rideID string, actualDistanceKm, actualDurationMin float64) (*models.Ride, error) {
	ride, err := e.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusInProgress {
		return nil, errs.New(errs.InvalidState, "ride %s is %s, not in progress", rideID, ride.Status)
	}

	final := ride.Estimated
	if actualDistanceKm > 0 || actualDurationMin > 0 {
		final, err = fare.ComputeActual(ride.VehicleClass, actualDistanceKm, actualDurationMin, ride.Estimated.SurgeMultiplier)
		if err != nil {
			return nil, err
		}
	}
	commission := fare.Round2(final.Total * CommissionRate)
	earnings := fare.Round2(final.Total - commission)

	paymentStatus := models.PaymentPending
	charged := 0.0
	switch ride.PaymentMethod {
	case models.PayWallet:
		if err := e.wallets.Debit(ctx, ride.RiderID, final.Total, "ride fare", ride.ID); err != nil {
			return nil, err
		}
		paymentStatus = models.PaymentPaid
		charged = final.Total
	case models.PayCard:
		paid, err := e.gateway.VerifyCharge(ctx, ride.ID)
		if err != nil {
			return nil, errs.Wrap(errs.External, err, "card charge verification failed")
		}
		if paid {
			paymentStatus = models.PaymentPaid
			charged = final.Total
		}
	case models.PayCash:
		paymentStatus = models.PaymentPaid
		charged = final.Total
	default:
		return nil, errs.New(errs.Validation, "unknown payment method %q", ride.PaymentMethod)
	}

	now := e.now()
	updated, ok, err := e.rides.TransitionRide(ctx, ride.ID, []models.RideStatus{models.StatusInProgress}, models.StatusCompleted, func(r *models.Ride) {
		r.Actual = final
		r.EndedAt = &now
		r.Commission = commission
		r.DriverEarnings = earnings
		r.Bonus = CompletionBonus
		r.PaymentStatus = paymentStatus
		r.AmountCharged = charged
	})
	if err == nil && !ok {
		err = errs.New(errs.Conflict, "ride %s changed state during settlement", ride.ID)
	}
	if err != nil {
		// unwind the wallet debit so nothing stays half applied
		if ride.PaymentMethod == models.PayWallet {
			if cerr := e.wallets.Credit(ctx, ride.RiderID, final.Total, "fare reversal", ride.ID); cerr != nil {
				e.logger.Error("fare reversal failed", "ride", ride.ID, "error", cerr)
			}
		}
		return nil, err
	}

	if err := e.wallets.Credit(ctx, updated.DriverID, fare.Round2(earnings+CompletionBonus), "ride earnings", ride.ID); err != nil {
		e.logger.Error("driver payout credit failed", "ride", ride.ID, "driver", updated.DriverID, "error", err)
	}

	observability.RidesCompleted.Inc()
	e.logger.Info("ride settled", "ride", ride.ID, "total", final.Total, "commission", commission, "earnings", earnings, "payment", string(paymentStatus))
	return updated, nil
}

// CancellationFee computes the fee owed for cancelling now: free
// within the grace window, the higher flat fee once a driver was
// assigned or had accepted, the lower flat fee otherwise.
func (e *Engine) CancellationFee(ride *models.Ride, at time.Time) float64 {
	if at.Sub(ride.CreatedAt) <= FreeCancelWindow {
		return 0
	}
	if ride.DriverID != "" {
		return CancelFeeAssigned
	}
	return CancelFeeDefault
}

// Cancel moves the ride to cancelled, records the fee and refund, and
// credits the refund back to the rider's wallet when they paid from it.
func (e *Engine) Cancel(ctx context.Context, rideID, reason string) (*models.Ride, error) {
	ride, err := e.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Terminal() {
		return nil, errs.New(errs.InvalidState, "ride %s already %s", rideID, ride.Status)
	}

	now := e.now()
	fee := e.CancellationFee(ride, now)
	refund := ride.AmountCharged - fee
	if refund < 0 {
		refund = 0
	}
	refund = fare.Round2(refund)

	from := []models.RideStatus{
		models.StatusSearching, models.StatusScheduled, models.StatusRequested,
		models.StatusAssigned, models.StatusAccepted, models.StatusArrived, models.StatusInProgress,
	}
	updated, ok, err := e.rides.TransitionRide(ctx, rideID, from, models.StatusCancelled, func(r *models.Ride) {
		r.CancelReason = reason
		r.CancelledAt = &now
		r.CancellationFee = fee
		r.Refund = refund
		r.DispatchDeadline = nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.New(errs.Conflict, "ride %s already resolved", rideID)
	}

	if refund > 0 && updated.PaymentMethod == models.PayWallet {
		if err := e.wallets.Credit(ctx, updated.RiderID, refund, "cancellation refund", rideID); err != nil {
			e.logger.Error("refund credit failed", "ride", rideID, "error", err)
		}
	}
	observability.RidesCancelled.Inc()
	e.logger.Info("ride cancelled", "ride", rideID, "reason", reason, "fee", fee, "refund", refund)
	return updated, nil
}

// AddTip applies a rider's post-completion tip exactly once: wallet
// debit with a balance check, full credit to the driver.
func (e *Engine) AddTip(ctx context.Context, rideID, riderID string, amount float64) (*models.Ride, error) {
	if amount <= 0 || amount > MaxTip {
		return nil, errs.New(errs.Validation, "tip must be between 0 and %.2f", MaxTip)
	}

	e.tipMu.Lock()
	defer e.tipMu.Unlock()

	ride, err := e.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.RiderID != riderID {
		return nil, errs.New(errs.Unauthorized, "only the ride's rider may tip")
	}
	if ride.Status != models.StatusCompleted {
		return nil, errs.New(errs.InvalidState, "ride %s is not completed", rideID)
	}
	if ride.Tip > 0 {
		return nil, errs.New(errs.Conflict, "ride %s already tipped", rideID)
	}

	if err := e.wallets.Debit(ctx, riderID, amount, "tip", rideID); err != nil {
		return nil, err
	}
	ride.Tip = fare.Round2(amount)
	if err := e.rides.UpdateRide(ctx, ride); err != nil {
		if cerr := e.wallets.Credit(ctx, riderID, amount, "tip reversal", rideID); cerr != nil {
			e.logger.Error("tip reversal failed", "ride", rideID, "error", cerr)
		}
		return nil, err
	}
	if err := e.wallets.Credit(ctx, ride.DriverID, amount, "tip", rideID); err != nil {
		e.logger.Error("tip credit failed", "ride", rideID, "driver", ride.DriverID, "error", err)
	}
	observability.TipsRecorded.Inc()
	return ride, nil
}

// RateDriver records the rider's score for the driver, once per ride.
func (e *Engine) RateDriver(ctx context.Context, rideID, riderID string, score float64) (*models.Ride, error) {
	return e.rate(ctx, rideID, riderID, score, true)
}

// RateRider records the driver's score for the rider, once per ride.
func (e *Engine) RateRider(ctx context.Context, rideID, driverID string, score float64) (*models.Ride, error) {
	return e.rate(ctx, rideID, driverID, score, false)
}

func (e *Engine) rate(ctx context.Context, rideID, actorID string, score float64, ofDriver bool) (*models.Ride, error) {
	if score < 1 || score > 5 {
		return nil, errs.New(errs.Validation, "rating must be between 1 and 5")
	}

	e.tipMu.Lock()
	defer e.tipMu.Unlock()

	ride, err := e.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusCompleted {
		return nil, errs.New(errs.InvalidState, "ride %s is not completed", rideID)
	}
	if ofDriver {
		if ride.RiderID != actorID {
			return nil, errs.New(errs.Unauthorized, "only the ride's rider may rate the driver")
		}
		if ride.Rating.OfDriver > 0 {
			return nil, errs.New(errs.Conflict, "driver already rated for ride %s", rideID)
		}
		ride.Rating.OfDriver = score
	} else {
		if ride.DriverID != actorID {
			return nil, errs.New(errs.Unauthorized, "only the ride's driver may rate the rider")
		}
		if ride.Rating.OfRider > 0 {
			return nil, errs.New(errs.Conflict, "rider already rated for ride %s", rideID)
		}
		ride.Rating.OfRider = score
	}
	if err := e.rides.UpdateRide(ctx, ride); err != nil {
		return nil, err
	}
	return ride, nil
}

// AverageRating recomputes a user's running average from all their
// completed, rated rides; 5.0 with no history.
func (e *Engine) AverageRating(ctx context.Context, userID string, asDriver bool) (float64, error) {
	scores, err := e.rides.RatingsFor(ctx, userID, asDriver)
	if err != nil {
		return 0, err
	}
	if len(scores) == 0 {
		return DefaultRating, nil
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), nil
}
