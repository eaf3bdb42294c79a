package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
)

// RideStore defines persistence for rides. TransitionRide is the only
// way to change a ride's status: it is an atomic, status-guarded
// conditional write, which is what keeps the accept/timeout race safe
// without record locks.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	// UpdateRide persists non-status fields (settlement amounts, tips,
	// ratings). Status changes must go through TransitionRide.
	UpdateRide(ctx context.Context, r *models.Ride) error
	// TransitionRide moves the ride to status `to` only if its current
	// status is one of `from`, applying `mutate` to the row inside the
	// same atomic step. ok=false means the guard missed (lost race).
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, bool, error)
	// RatingsFor returns all recorded scores for a user across
	// completed rides, as rider or as driver.
	RatingsFor(ctx context.Context, userID string, asDriver bool) ([]float64, error)
	// StuckDispatches lists rides still dispatch-eligible whose
	// persisted dispatch deadline has passed; feed for the
	// reconciliation sweep.
	StuckDispatches(ctx context.Context, now time.Time) ([]*models.Ride, error)
}

// WalletStore guards every debit with a sufficient-balance check and
// appends to the transaction log in the same step.
type WalletStore interface {
	Balance(ctx context.Context, userID string) (float64, error)
	Credit(ctx context.Context, userID string, amount float64, reason, rideID string) error
	Debit(ctx context.Context, userID string, amount float64, reason, rideID string) error
	Transactions(ctx context.Context, userID string) ([]models.WalletTransaction, error)
}

// NewID returns a random hex identifier.
func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// MemoryRideStore is the in-process RideStore used in tests and when
// no Postgres DSN is configured. Reads hand out copies so a stale read
// can never alias the stored row.
type MemoryRideStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryRideStore() *MemoryRideStore {
	return &MemoryRideStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryRideStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryRideStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, errs.New(errs.NotFound, "ride %s not found", id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRideStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; !ok {
		return errs.New(errs.NotFound, "ride %s not found", r.ID)
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryRideStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, mutate func(*models.Ride)) (*models.Ride, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, false, errs.New(errs.NotFound, "ride %s not found", id)
	}
	guarded := false
	for _, s := range from {
		if r.Status == s {
			guarded = true
			break
		}
	}
	if !guarded {
		return nil, false, nil
	}
	r.Status = to
	if mutate != nil {
		mutate(r)
	}
	cp := *r
	return &cp, true, nil
}

func (m *MemoryRideStore) RatingsFor(ctx context.Context, userID string, asDriver bool) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []float64
	for _, r := range m.rides {
		if r.Status != models.StatusCompleted {
			continue
		}
		if asDriver && r.DriverID == userID && r.Rating.OfDriver > 0 {
			out = append(out, r.Rating.OfDriver)
		}
		if !asDriver && r.RiderID == userID && r.Rating.OfRider > 0 {
			out = append(out, r.Rating.OfRider)
		}
	}
	return out, nil
}

func (m *MemoryRideStore) StuckDispatches(ctx context.Context, now time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.DispatchDeadline == nil || r.DispatchDeadline.After(now) {
			continue
		}
		switch r.Status {
		case models.StatusSearching, models.StatusRequested, models.StatusScheduled:
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// MemoryWalletStore keeps balances and an append-only transaction log
// in process memory.
type MemoryWalletStore struct {
	mu       sync.Mutex
	balances map[string]float64
	log      map[string][]models.WalletTransaction
}

func NewMemoryWalletStore() *MemoryWalletStore {
	return &MemoryWalletStore{
		balances: make(map[string]float64),
		log:      make(map[string][]models.WalletTransaction),
	}
}

func (m *MemoryWalletStore) Balance(ctx context.Context, userID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *MemoryWalletStore) Credit(ctx context.Context, userID string, amount float64, reason, rideID string) error {
	if amount < 0 {
		return errs.New(errs.Validation, "credit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.append(userID, amount, reason, rideID)
	return nil
}

func (m *MemoryWalletStore) Debit(ctx context.Context, userID string, amount float64, reason, rideID string) error {
	if amount < 0 {
		return errs.New(errs.Validation, "debit amount must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID] < amount {
		return errs.New(errs.InsufficientFunds, "wallet balance %.2f below %.2f", m.balances[userID], amount)
	}
	m.balances[userID] -= amount
	m.append(userID, -amount, reason, rideID)
	return nil
}

func (m *MemoryWalletStore) Transactions(ctx context.Context, userID string) ([]models.WalletTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WalletTransaction, len(m.log[userID]))
	copy(out, m.log[userID])
	return out, nil
}

func (m *MemoryWalletStore) append(userID string, amount float64, reason, rideID string) {
	m.log[userID] = append(m.log[userID], models.WalletTransaction{
		ID:        NewID(),
		WalletID:  userID,
		Amount:    amount,
		Reason:    reason,
		RideID:    rideID,
		CreatedAt: time.Now(),
	})
}
