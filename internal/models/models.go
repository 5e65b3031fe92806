package models

import (
	"math"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a usable WGS84 coordinate.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Place is a named pickup/dropoff point. Lat/Lng are nil when the place
// could not be resolved to a coordinate.
type Place struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lng  *float64 `json:"lng,omitempty"`
}

func NewPlace(id, name string, lat, lng float64) Place {
	return Place{ID: id, Name: name, Lat: &lat, Lng: &lng}
}

// Coord returns the place position and whether it is known.
func (p Place) Coord() (Coord, bool) {
	if p.Lat == nil || p.Lng == nil {
		return Coord{}, false
	}
	c := Coord{Lat: *p.Lat, Lng: *p.Lng}
	return c, c.Valid()
}

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverOnTrip    DriverStatus = "on_trip"
	DriverOffline   DriverStatus = "offline"
)

type Driver struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Status    DriverStatus `json:"status"`
	CarType   string       `json:"carType"`
	Lat       *float64     `json:"lat,omitempty"`
	Lng       *float64     `json:"lng,omitempty"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (d Driver) Coord() (Coord, bool) {
	if d.Lat == nil || d.Lng == nil {
		return Coord{}, false
	}
	c := Coord{Lat: *d.Lat, Lng: *d.Lng}
	return c, c.Valid()
}

// Clone returns a copy that shares no pointers with d.
func (d Driver) Clone() Driver {
	out := d
	if d.Lat != nil {
		v := *d.Lat
		out.Lat = &v
	}
	if d.Lng != nil {
		v := *d.Lng
		out.Lng = &v
	}
	return out
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAssigned  OrderStatus = "assigned"
	OrderEnRoute   OrderStatus = "en_route"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

var transitions = map[OrderStatus][]OrderStatus{
	OrderPending:  {OrderAssigned, OrderCancelled},
	OrderAssigned: {OrderEnRoute, OrderCancelled},
	OrderEnRoute:  {OrderCompleted},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID          int64       `json:"id"`
	Pickup      Place       `json:"pickup"`
	Dropoff     Place       `json:"dropoff"`
	Status      OrderStatus `json:"status"`
	DriverID    *int64      `json:"driverId"`
	VehicleType string      `json:"vehicleType,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// AcceptsCarType reports whether a driver with carType may take the order.
// Orders without a vehicle type accept any car; matching ignores case.
func (o Order) AcceptsCarType(carType string) bool {
	want := strings.TrimSpace(o.VehicleType)
	if want == "" {
		return true
	}
	return strings.EqualFold(want, strings.TrimSpace(carType))
}

// Clone returns a copy that shares no pointers with o.
func (o Order) Clone() Order {
	out := o
	out.Pickup = o.Pickup.Clone()
	out.Dropoff = o.Dropoff.Clone()
	if o.DriverID != nil {
		v := *o.DriverID
		out.DriverID = &v
	}
	return out
}

// Clone returns a copy that shares no pointers with p.
func (p Place) Clone() Place {
	out := p
	if p.Lat != nil {
		v := *p.Lat
		out.Lat = &v
	}
	if p.Lng != nil {
		v := *p.Lng
		out.Lng = &v
	}
	return out
}

// Event is emitted after every committed order transition.
type Event struct {
	Type       string      `json:"type"`
	OrderID    int64       `json:"orderId"`
	FromStatus OrderStatus `json:"fromStatus,omitempty"`
	ToStatus   OrderStatus `json:"toStatus"`
	DriverID   *int64      `json:"driverId,omitempty"`
	Order      Order       `json:"order"`
	At         time.Time   `json:"at"`
}

const (
	EventOrderCreated   = "order.created"
	EventOrderAssigned  = "order.assigned"
	EventOrderEnRoute   = "order.en_route"
	EventOrderCompleted = "order.completed"
	EventOrderCancelled = "order.cancelled"
)

// PositionUpdate is one message of the driver position feed.
type PositionUpdate struct {
	DriverID int64     `json:"driverId"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

// ScoredOrder is a pending order as shown to a driver. Score is nil when no
// score is available.
type ScoredOrder struct {
	Order Order `json:"order"`
	Score *int  `json:"score"`
}

// ScoredDriver is a dispatch candidate for an order.
type ScoredDriver struct {
	Driver     Driver   `json:"driver"`
	Score      *int     `json:"score"`
	DistanceKm *float64 `json:"distanceKm,omitempty"`
}
