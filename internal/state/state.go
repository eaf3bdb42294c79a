package state

import (
	"github.com/example/ride-hail/internal/errs"
	"github.com/example/ride-hail/internal/models"
)

// transitions is the authoritative edge set of the ride status machine.
var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusSearching:  {models.StatusAssigned, models.StatusAccepted, models.StatusCancelled},
	models.StatusRequested:  {models.StatusAssigned, models.StatusAccepted, models.StatusCancelled},
	models.StatusScheduled:  {models.StatusAssigned, models.StatusAccepted, models.StatusCancelled},
	models.StatusAssigned:   {models.StatusArrived, models.StatusInProgress, models.StatusCancelled},
	models.StatusAccepted:   {models.StatusArrived, models.StatusInProgress, models.StatusCancelled},
	models.StatusArrived:    {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress: {models.StatusCompleted, models.StatusCancelled},
}

func CanTransition(from, to models.RideStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func Terminal(s models.RideStatus) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// DispatchEligible reports whether a ride in this status may still be
// matched to a driver.
func DispatchEligible(s models.RideStatus) bool {
	return s == models.StatusSearching || s == models.StatusRequested || s == models.StatusScheduled
}

// DispatchEligibleStatuses is the guard set for the conditional
// accept write.
func DispatchEligibleStatuses() []models.RideStatus {
	return []models.RideStatus{models.StatusSearching, models.StatusRequested, models.StatusScheduled}
}

// Guard returns an invalid-state error unless from->to is a legal edge.
func Guard(from, to models.RideStatus) error {
	if !CanTransition(from, to) {
		return errs.New(errs.InvalidState, "cannot move ride from %s to %s", from, to)
	}
	return nil
}
