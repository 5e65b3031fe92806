package registry

import (
	"fmt"

	"github.com/example/taxi-dispatch/internal/models"
)

// Assign moves a pending order to assigned and the driver to on_trip in one
// step. Readers observe both changes or neither. Eligibility is re-checked
// under the lock.
func (r *Registry) Assign(orderID, driverID int64) (models.Order, models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return models.Order{}, models.Driver{}, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	d, ok := r.drivers[driverID]
	if !ok {
		return models.Order{}, models.Driver{}, fmt.Errorf("driver %d: %w", driverID, models.ErrNotFound)
	}
	if o.Status != models.OrderPending {
		return models.Order{}, models.Driver{}, fmt.Errorf("order %d is %s: %w", orderID, o.Status, models.ErrConflict)
	}
	if d.Status != models.DriverAvailable {
		return models.Order{}, models.Driver{}, fmt.Errorf("driver %d is %s: %w", driverID, d.Status, models.ErrConflict)
	}
	// the caller's eligibility check may have seen an order that a reset replaced
	if !o.AcceptsCarType(d.CarType) {
		return models.Order{}, models.Driver{}, fmt.Errorf("order wants %q, driver %d drives %q: %w", o.VehicleType, driverID, d.CarType, models.ErrIneligible)
	}

	now := r.now()
	id := driverID
	o.Status = models.OrderAssigned
	o.DriverID = &id
	o.UpdatedAt = now
	d.Status = models.DriverOnTrip
	d.UpdatedAt = now
	return o.Clone(), d.Clone(), nil
}

// Transition applies a post-assignment status change. When actor is set it
// must be the order's driver. Leaving an active trip (complete, cancel after
// assignment) frees the driver; the returned driver is nil when no driver was
// touched.
func (r *Registry) Transition(orderID int64, to models.OrderStatus, actor *int64) (models.Order, *models.Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.orders[orderID]
	if !ok {
		return models.Order{}, nil, fmt.Errorf("order %d: %w", orderID, models.ErrNotFound)
	}
	if actor != nil {
		if _, ok := r.drivers[*actor]; !ok {
			return models.Order{}, nil, fmt.Errorf("driver %d: %w", *actor, models.ErrNotFound)
		}
		if o.DriverID == nil || *o.DriverID != *actor {
			return models.Order{}, nil, fmt.Errorf("order %d is not held by driver %d: %w", orderID, *actor, models.ErrConflict)
		}
	}
	if !models.CanTransition(o.Status, to) {
		return models.Order{}, nil, fmt.Errorf("order %d cannot go from %s to %s: %w", orderID, o.Status, to, models.ErrConflict)
	}

	now := r.now()
	o.Status = to
	o.UpdatedAt = now

	var released *models.Driver
	if to.Terminal() && o.DriverID != nil {
		if d, ok := r.drivers[*o.DriverID]; ok && d.Status == models.DriverOnTrip {
			d.Status = models.DriverAvailable
			d.UpdatedAt = now
			c := d.Clone()
			released = &c
		}
	}
	return o.Clone(), released, nil
}
