package rides

import (
	"sync"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
	"github.com/example/ride-hail/internal/storage"
)

// EstimateTTL is how long a quoted fare may be consumed by a booking.
const EstimateTTL = 10 * time.Minute

// EstimateRegistry keeps quoted fares in memory until they are
// consumed or expire. An estimate is single-use: Consume marks it used
// exactly once, and a second consumption is a conflict.
type EstimateRegistry struct {
	mu        sync.Mutex
	estimates map[string]*models.FareEstimate
	ttl       time.Duration
	now       func() time.Time
}

func NewEstimateRegistry() *EstimateRegistry {
	return &EstimateRegistry{
		estimates: make(map[string]*models.FareEstimate),
		ttl:       EstimateTTL,
		now:       time.Now,
	}
}

func (r *EstimateRegistry) Put(pickup, dropoff models.Location, class models.VehicleClass, breakdown models.FareBreakdown) *models.FareEstimate {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.pruneLocked(now)
	e := &models.FareEstimate{
		ID:           storage.NewID(),
		Pickup:       pickup,
		Dropoff:      dropoff,
		VehicleClass: class,
		Breakdown:    breakdown,
		CreatedAt:    now,
		ExpiresAt:    now.Add(r.ttl),
	}
	r.estimates[e.ID] = e
	cp := *e
	return &cp
}

// Consume returns the estimate and marks it used. Expired or missing
// estimates are not found; an already-used one is a conflict.
func (r *EstimateRegistry) Consume(id string) (*models.FareEstimate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.estimates[id]
	if !ok || r.now().After(e.ExpiresAt) {
		return nil, errs.New(errs.NotFound, "fare estimate %s not found or expired", id)
	}
	if e.Used {
		return nil, errs.New(errs.Conflict, "fare estimate %s already used", id)
	}
	e.Used = true
	cp := *e
	return &cp, nil
}

func (r *EstimateRegistry) pruneLocked(now time.Time) {
	for id, e := range r.estimates {
		if now.After(e.ExpiresAt) {
			delete(r.estimates, id)
		}
	}
}
