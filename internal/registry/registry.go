// Package registry holds the in-memory drivers, orders and places. It is the
// single authoritative store; every read returns a copy.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

type Option func(*Registry)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

type Registry struct {
	mu sync.RWMutex

	places     map[string]models.Place
	placeOrder []string

	seed        []models.Driver
	drivers     map[int64]*models.Driver
	orders      map[int64]*models.Order
	nextOrderID int64

	now func() time.Time
}

// New builds a registry from the static place catalog and the initial fleet.
func New(places []models.Place, drivers []models.Driver, opts ...Option) *Registry {
	r := &Registry{
		places: make(map[string]models.Place, len(places)),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	for _, p := range places {
		if _, dup := r.places[p.ID]; dup {
			continue
		}
		r.places[p.ID] = p.Clone()
		r.placeOrder = append(r.placeOrder, p.ID)
	}
	r.seed = make([]models.Driver, 0, len(drivers))
	for _, d := range drivers {
		r.seed = append(r.seed, d.Clone())
	}
	r.Reset()
	return r
}

// Reset drops every order and restores the initial fleet. Order ids restart at 1.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.drivers = make(map[int64]*models.Driver, len(r.seed))
	for _, d := range r.seed {
		c := d.Clone()
		if c.Status == "" {
			c.Status = models.DriverAvailable
		}
		c.UpdatedAt = now
		r.drivers[c.ID] = &c
	}
	r.orders = make(map[int64]*models.Order)
	r.nextOrderID = 0
}

func (r *Registry) Places() []models.Place {
	out := make([]models.Place, 0, len(r.placeOrder))
	for _, id := range r.placeOrder {
		out = append(out, r.places[id].Clone())
	}
	return out
}

func (r *Registry) Place(id string) (models.Place, bool) {
	p, ok := r.places[id]
	if !ok {
		return models.Place{}, false
	}
	return p.Clone(), true
}

// CreateOrder stores a new pending order with no driver.
func (r *Registry) CreateOrder(pickup, dropoff models.Place, vehicleType string) (models.Order, error) {
	if pickup.ID == "" || dropoff.ID == "" {
		return models.Order{}, fmt.Errorf("pickup and dropoff ids are required: %w", models.ErrValidation)
	}
	if pickup.ID == dropoff.ID {
		return models.Order{}, fmt.Errorf("pickup and dropoff are both %q: %w", pickup.ID, models.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextOrderID++
	now := r.now()
	o := &models.Order{
		ID:          r.nextOrderID,
		Pickup:      pickup.Clone(),
		Dropoff:     dropoff.Clone(),
		Status:      models.OrderPending,
		VehicleType: strings.TrimSpace(vehicleType),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.orders[o.ID] = o
	return o.Clone(), nil
}

func (r *Registry) GetOrder(id int64) (models.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %d: %w", id, models.ErrNotFound)
	}
	return o.Clone(), nil
}

// ListOrders returns a snapshot ordered by id.
func (r *Registry) ListOrders() []models.Order {
	r.mu.RLock()
	out := make([]models.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) GetDriver(id int64) (models.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %d: %w", id, models.ErrNotFound)
	}
	return d.Clone(), nil
}

// ListDrivers returns a snapshot ordered by id.
func (r *Registry) ListDrivers() []models.Driver {
	r.mu.RLock()
	out := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) UpdateDriverPosition(id int64, lat, lng float64) (models.Driver, error) {
	c := models.Coord{Lat: lat, Lng: lng}
	if !c.Valid() {
		return models.Driver{}, fmt.Errorf("coordinate %.6f,%.6f: %w", lat, lng, models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %d: %w", id, models.ErrNotFound)
	}
	d.Lat, d.Lng = &lat, &lng
	d.UpdatedAt = r.now()
	return d.Clone(), nil
}

// SetDriverAvailability toggles a driver between available and offline.
// on_trip is owned by the order lifecycle and cannot be set or left here.
func (r *Registry) SetDriverAvailability(id int64, status models.DriverStatus) (models.Driver, error) {
	if status != models.DriverAvailable && status != models.DriverOffline {
		return models.Driver{}, fmt.Errorf("status %q: %w", status, models.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, fmt.Errorf("driver %d: %w", id, models.ErrNotFound)
	}
	if d.Status == models.DriverOnTrip {
		return models.Driver{}, fmt.Errorf("driver %d is on a trip: %w", id, models.ErrConflict)
	}
	if d.Status != status {
		d.Status = status
		d.UpdatedAt = r.now()
	}
	return d.Clone(), nil
}

// Snapshot returns orders and drivers read under one lock, so the pair is
// consistent with respect to any accept or transition.
func (r *Registry) Snapshot() ([]models.Order, []models.Driver) {
	r.mu.RLock()
	orders := make([]models.Order, 0, len(r.orders))
	for _, o := range r.orders {
		orders = append(orders, o.Clone())
	}
	drivers := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		drivers = append(drivers, d.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].ID < drivers[j].ID })
	return orders, drivers
}
