package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type VehicleClass string

const (
	ClassBike   VehicleClass = "bike"
	ClassSedan  VehicleClass = "sedan"
	ClassSUV    VehicleClass = "suv"
	ClassLuxury VehicleClass = "luxury"
)

type RideStatus string

const (
	StatusSearching  RideStatus = "searching"
	StatusScheduled  RideStatus = "scheduled"
	StatusRequested  RideStatus = "requested"
	StatusAssigned   RideStatus = "assigned"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

type PaymentMethod string

const (
	PayWallet PaymentMethod = "wallet"
	PayCard   PaymentMethod = "card"
	PayCash   PaymentMethod = "cash"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

// FareBreakdown is the itemized price of a trip. Money fields are
// rounded to 2 decimals, distance/duration to 1.
type FareBreakdown struct {
	BaseFare        float64 `json:"base_fare"`
	DistanceFare    float64 `json:"distance_fare"`
	TimeFare        float64 `json:"time_fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
	Subtotal        float64 `json:"subtotal"`
	Tax             float64 `json:"tax"`
	Total           float64 `json:"total"`
	DistanceKm      float64 `json:"distance_km"`
	DistanceMiles   float64 `json:"distance_miles"`
	DurationMin     float64 `json:"duration_min"`
	Currency        string  `json:"currency"`
}

type Location struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Rating struct {
	OfDriver float64 `json:"of_driver,omitempty"` // rider -> driver
	OfRider  float64 `json:"of_rider,omitempty"`  // driver -> rider
}

// Ride spans booking through completion or cancellation. DriverID is
// set only once the ride reaches an assigned-or-later status; after a
// terminal status only rating and tip fields may still change.
type Ride struct {
	ID           string        `json:"id"`
	RiderID      string        `json:"rider_id"`
	DriverID     string        `json:"driver_id,omitempty"`
	Status       RideStatus    `json:"status"`
	Pickup       Location      `json:"pickup"`
	Dropoff      Location      `json:"dropoff"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	Estimated    FareBreakdown `json:"estimated_fare"`
	Actual       FareBreakdown `json:"actual_fare,omitempty"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason    string  `json:"cancel_reason,omitempty"`
	CancellationFee float64 `json:"cancellation_fee,omitempty"`
	Refund          float64 `json:"refund,omitempty"`
	Tip             float64 `json:"tip,omitempty"`
	Bonus           float64 `json:"bonus,omitempty"`
	DriverEarnings  float64 `json:"driver_earnings,omitempty"`
	Commission      float64 `json:"commission,omitempty"`

	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentStatus PaymentStatus `json:"payment_status,omitempty"`
	AmountCharged float64       `json:"amount_charged,omitempty"`

	Rating Rating `json:"rating"`

	// DispatchDeadline is persisted so a reconciliation sweep can cancel
	// rides whose in-memory dispatch session was lost to a restart.
	DispatchDeadline *time.Time `json:"dispatch_deadline,omitempty"`
}

func (r *Ride) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusCancelled
}

// Driver carries the matching-relevant slice of a driver profile.
type Driver struct {
	ID           string       `json:"id"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Rating       float64      `json:"rating"`
	Online       bool         `json:"online"`
	Approved     bool         `json:"approved"`
}

// DriverLocationPing is one location report. Freshness (5 minute
// window) is evaluated at query time, never stored.
type DriverLocationPing struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Heading  float64   `json:"heading"`
	SpeedKmh float64   `json:"speed_kmh"`
	At       time.Time `json:"at"`
}

// FareEstimate is a single-use quote with a 10 minute TTL.
type FareEstimate struct {
	ID           string        `json:"id"`
	Pickup       Location      `json:"pickup"`
	Dropoff      Location      `json:"dropoff"`
	VehicleClass VehicleClass  `json:"vehicle_class"`
	Breakdown    FareBreakdown `json:"breakdown"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Used         bool          `json:"used"`
}

type WalletTransaction struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"wallet_id"`
	Amount    float64   `json:"amount"` // positive credit, negative debit
	Reason    string    `json:"reason"`
	RideID    string    `json:"ride_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Wallet struct {
	UserID  string  `json:"user_id"`
	Balance float64 `json:"balance"`
}
