package fare

import (
	"math"
	"testing"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
)

var (
	pickup  = models.Coord{Lat: 51.30, Lon: -0.55}
	dropoff = models.Coord{Lat: 51.32, Lon: -0.57}

	// Tuesday midday: no peak window.
	offPeak = time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)
	// Monday 08:00: weekday morning peak.
	peak = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	// Saturday 08:00: peak hour but weekend.
	weekend = time.Date(2026, 3, 7, 8, 0, 0, 0, time.UTC)
)

func TestComputeSedanNoSurge(t *testing.T) {
	fb, err := Compute(pickup, dropoff, models.ClassSedan, 10, offPeak, 10, 1)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fb.BaseFare != 3.00 {
		t.Errorf("base fare = %v, want 3.00", fb.BaseFare)
	}
	if fb.SurgeMultiplier != 1.0 {
		t.Errorf("surge = %v, want 1.0", fb.SurgeMultiplier)
	}
	if fb.DistanceKm != 2.6 {
		t.Errorf("distance km = %v, want 2.6", fb.DistanceKm)
	}
	if fb.DistanceMiles != 1.6 {
		t.Errorf("distance miles = %v, want 1.6", fb.DistanceMiles)
	}
	if fb.DistanceFare != 2.40 {
		t.Errorf("distance fare = %v, want 2.40", fb.DistanceFare)
	}
	if fb.TimeFare != 2.50 {
		t.Errorf("time fare = %v, want 2.50", fb.TimeFare)
	}
	if fb.Subtotal != 7.90 {
		t.Errorf("subtotal = %v, want 7.90", fb.Subtotal)
	}
	if want := math.Round(fb.Subtotal*0.20*100) / 100; fb.Tax != want {
		t.Errorf("tax = %v, want %v", fb.Tax, want)
	}
	if fb.Total != 9.48 {
		t.Errorf("total = %v, want 9.48", fb.Total)
	}
}

func TestComputeMinimumFareClamp(t *testing.T) {
	// zero-length trip still costs at least the class minimum
	fb, err := Compute(pickup, pickup, models.ClassBike, 0, offPeak, 10, 1)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fb.Total != 4.00 {
		t.Errorf("total = %v, want minimum fare 4.00", fb.Total)
	}
}

func TestComputeTotalNeverBelowMinimum(t *testing.T) {
	for _, class := range []models.VehicleClass{models.ClassBike, models.ClassSedan, models.ClassSUV, models.ClassLuxury} {
		rate, _ := RateFor(class)
		fb, err := Compute(pickup, dropoff, class, 5, offPeak, 10, 1)
		if err != nil {
			t.Fatalf("compute %s: %v", class, err)
		}
		if fb.Total < rate.MinimumFare {
			t.Errorf("%s total %v below minimum %v", class, fb.Total, rate.MinimumFare)
		}
	}
}

func TestSurgeMultiplier(t *testing.T) {
	cases := []struct {
		name      string
		now       time.Time
		available int
		requested int
		want      float64
	}{
		{"off peak ample supply", offPeak, 10, 1, 1.0},
		{"weekday peak", peak, 10, 1, 1.3},
		{"weekday peak low supply", peak, 1, 1, 1.6}, // 1.3*1.2 rounded
		{"off peak low supply", offPeak, 1, 1, 1.2},
		{"weekend peak hour", weekend, 10, 1, 1.0},
		{"zero demand no supply bump", offPeak, 0, 0, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := surgeMultiplier(tc.now, tc.available, tc.requested); got != tc.want {
				t.Fatalf("surge = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestComputeEveningPeakWindow(t *testing.T) {
	evening := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	fb, err := Compute(pickup, dropoff, models.ClassSedan, 10, evening, 10, 1)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if fb.SurgeMultiplier != 1.3 {
		t.Errorf("surge = %v, want 1.3", fb.SurgeMultiplier)
	}
	// subtotal scales with surge: (3+2.4+2.5)*1.3 = 10.27
	if fb.Subtotal != 10.27 {
		t.Errorf("subtotal = %v, want 10.27", fb.Subtotal)
	}
}

func TestComputeUnknownClass(t *testing.T) {
	_, err := Compute(pickup, dropoff, "rickshaw", 10, offPeak, 10, 1)
	if err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestComputeNegativeDuration(t *testing.T) {
	_, err := Compute(pickup, dropoff, models.ClassSedan, -1, offPeak, 10, 1)
	if err == nil || !errs.Is(err, errs.Validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
