package fare

import (
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/geo"
	"github.com/example/ride-hail/internal/models"
)

// ComputeActual re-prices a finished trip from measured distance and
// duration, carrying over the surge multiplier that was locked in at
// booking time.
func ComputeActual(class models.VehicleClass, distanceKm, durationMin, surge float64) (models.FareBreakdown, error) {
	rate, ok := rates[class]
	if !ok {
		return models.FareBreakdown{}, errs.New(errs.Validation, "unknown vehicle class %q", class)
	}
	if distanceKm < 0 || durationMin < 0 {
		return models.FareBreakdown{}, errs.New(errs.Validation, "actual distance and duration must be non-negative")
	}
	if surge < 1.0 {
		surge = 1.0
	}

	km := round1(distanceKm)
	miles := round1(km * geo.MilesPerKm)
	duration := round1(durationMin)

	distanceFare := round2(miles * rate.PerMile)
	timeFare := round2(duration * rate.PerMinute)
	subtotal := round2((rate.BaseFare + distanceFare + timeFare) * surge)
	tax := round2(subtotal * taxRate)
	total := round2(subtotal + tax)
	if total < rate.MinimumFare {
		total = rate.MinimumFare
	}

	return models.FareBreakdown{
		BaseFare:        rate.BaseFare,
		DistanceFare:    distanceFare,
		TimeFare:        timeFare,
		SurgeMultiplier: round1(surge),
		Subtotal:        subtotal,
		Tax:             tax,
		Total:           total,
		DistanceKm:      km,
		DistanceMiles:   miles,
		DurationMin:     duration,
		Currency:        currency,
	}, nil
}

// Round2 rounds a monetary amount to two decimals.
func Round2(v float64) float64 { return round2(v) }
