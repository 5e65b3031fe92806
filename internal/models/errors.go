package models

import "errors"

var (
	// ErrValidation is returned for malformed requests, e.g. identical pickup and dropoff.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an order, driver or place id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when the order is no longer in the state the
	// operation requires, or the driver cannot take another order.
	ErrConflict = errors.New("conflict")

	// ErrIneligible is returned when the driver's car type does not match the
	// vehicle type requested by the order.
	ErrIneligible = errors.New("driver not eligible for order")
)
