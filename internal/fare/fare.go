package fare

import (
	"math"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/geo"
	"github.com/example/ride-hail/internal/models"
)

// Rate is the per-vehicle-class pricing row.
type Rate struct {
	BaseFare    float64
	PerMile     float64
	PerMinute   float64
	MinimumFare float64
}

var rates = map[models.VehicleClass]Rate{
	models.ClassBike:   {BaseFare: 1.50, PerMile: 0.75, PerMinute: 0.15, MinimumFare: 4.00},
	models.ClassSedan:  {BaseFare: 3.00, PerMile: 1.50, PerMinute: 0.25, MinimumFare: 8.00},
	models.ClassSUV:    {BaseFare: 5.00, PerMile: 2.00, PerMinute: 0.35, MinimumFare: 12.00},
	models.ClassLuxury: {BaseFare: 8.00, PerMile: 3.00, PerMinute: 0.50, MinimumFare: 20.00},
}

const (
	taxRate         = 0.20
	peakMultiplier  = 1.3
	lowSupplyFactor = 1.2
	currency        = "GBP"
)

// RateFor exposes the pricing row for a class, mainly so settlement can
// reuse the same table.
func RateFor(class models.VehicleClass) (Rate, bool) {
	r, ok := rates[class]
	return r, ok
}

// Compute prices a trip. The result depends on wall-clock time and live
// driver counts, so both are injected; given the same inputs the
// function is pure.
func Compute(pickup, dropoff models.Coord, class models.VehicleClass, durationMin float64, now time.Time, availableDrivers, requestedCount int) (models.FareBreakdown, error) {
	rate, ok := rates[class]
	if !ok {
		return models.FareBreakdown{}, errs.New(errs.Validation, "unknown vehicle class %q", class)
	}
	if durationMin < 0 {
		return models.FareBreakdown{}, errs.New(errs.Validation, "duration must be non-negative")
	}

	km := round1(geo.DistanceKm(pickup, dropoff))
	miles := round1(km * geo.MilesPerKm)
	duration := round1(durationMin)

	distanceFare := round2(miles * rate.PerMile)
	timeFare := round2(duration * rate.PerMinute)
	surge := surgeMultiplier(now, availableDrivers, requestedCount)

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
		SurgeMultiplier: surge,
		Subtotal:        subtotal,
		Tax:             tax,
		Total:           total,
		DistanceKm:      km,
		DistanceMiles:   miles,
		DurationMin:     duration,
		Currency:        currency,
	}, nil
}

// surgeMultiplier applies weekday peak pricing (07:00-09:00 and
// 17:00-19:00) and a further bump when supply trails demand, rounded to
// one decimal.
func surgeMultiplier(now time.Time, availableDrivers, requestedCount int) float64 {
	m := 1.0
	wd := now.Weekday()
	h := now.Hour()
	if wd != time.Saturday && wd != time.Sunday {
		if (h >= 7 && h < 9) || (h >= 17 && h < 19) {
			m = peakMultiplier
		}
	}
	if requestedCount > 0 && availableDrivers < 2*requestedCount {
		m *= lowSupplyFactor
	}
	return round1(m)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round2(v float64) float64 { return math.Round(v*100) / 100 }
