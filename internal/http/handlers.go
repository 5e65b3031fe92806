package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/taxi-dispatch/internal/lifecycle"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
)

const maxBodyBytes = 1 << 20

// placeRef accepts either a catalog id ("times-square") or a full place object.
type placeRef models.Place

func (p *placeRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*p = placeRef{ID: id}
		return nil
	}
	var pl models.Place
	if err := json.Unmarshal(b, &pl); err != nil {
		return err
	}
	*p = placeRef(pl)
	return nil
}

type createOrderRequest struct {
	Pickup      *placeRef `json:"pickup"`
	Dropoff     *placeRef `json:"dropoff"`
	VehicleType string    `json:"vehicleType"`
}

type driverActionRequest struct {
	DriverID *int64 `json:"driverId"`
}

type positionRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type statusRequest struct {
	Status models.DriverStatus `json:"status"`
}

type acceptResponse struct {
	Order  models.Order  `json:"order"`
	Driver models.Driver `json:"driver"`
}

type transitionResponse struct {
	Order  models.Order   `json:"order"`
	Driver *models.Driver `json:"driver,omitempty"`
}

type scoreResponse struct {
	OrderID  int64 `json:"orderId"`
	DriverID int64 `json:"driverId"`
	Eligible bool  `json:"eligible"`
	Score    *int  `json:"score"`
}

type stateResponse struct {
	Orders  []models.Order  `json:"orders"`
	Drivers []models.Driver `json:"drivers"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Pickup == nil || req.Dropoff == nil {
		s.writeError(w, r, fmt.Errorf("%w: pickup and dropoff are required", models.ErrValidation))
		return
	}
	o, err := s.Lifecycle.CreateOrder(r.Context(), lifecycle.CreateCommand{
		Pickup:      models.Place(*req.Pickup),
		Dropoff:     models.Place(*req.Dropoff),
		VehicleType: req.VehicleType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.Registry.ListOrders()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := orders[:0]
		for _, o := range orders {
			if string(o.Status) == status {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	writeJSON(w, http.StatusOK, nonNil(orders))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	o, err := s.Registry.GetOrder(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.Registry.GetOrder(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.Lifecycle.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	orderID, driverID, ok := s.orderAndDriver(w, r)
	if !ok {
		return
	}
	o, d, err := s.Lifecycle.AcceptOrder(r.Context(), orderID, driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{Order: o, Driver: d})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	orderID, driverID, ok := s.orderAndDriver(w, r)
	if !ok {
		return
	}
	o, err := s.Lifecycle.StartTrip(r.Context(), orderID, driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Order: o})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	orderID, driverID, ok := s.orderAndDriver(w, r)
	if !ok {
		return
	}
	o, d, err := s.Lifecycle.CompleteOrder(r.Context(), orderID, driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Order: o, Driver: d})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	o, d, err := s.Lifecycle.CancelOrder(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transitionResponse{Order: o, Driver: d})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", models.ErrValidation))
			return
		}
		limit = n
	}
	out, err := s.Matcher.Candidates(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	orderID, ok := s.pathID(w, r)
	if !ok {
		return
	}
	driverID, err := strconv.ParseInt(r.URL.Query().Get("driverId"), 10, 64)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: driverId query parameter is required", models.ErrValidation))
		return
	}
	o, err := s.Registry.GetOrder(orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Registry.GetDriver(driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scoreResponse{
		OrderID:  orderID,
		DriverID: driverID,
		Eligible: matcher.FilterEligible(o, d),
		Score:    s.Matcher.ComputeScore(r.Context(), d, o),
	})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.Registry.ListDrivers()))
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	d, err := s.Registry.GetDriver(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	offers, err := s.Matcher.OffersFor(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(offers))
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lng == nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng are required", models.ErrValidation))
		return
	}
	d, err := s.Lifecycle.UpdateDriverPosition(r.Context(), id, *req.Lat, *req.Lng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.Lifecycle.SetDriverStatus(r.Context(), id, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handlePlaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.Registry.Places()))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	orders, drivers := s.Registry.Snapshot()
	writeJSON(w, http.StatusOK, stateResponse{Orders: nonNil(orders), Drivers: nonNil(drivers)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Lifecycle.Reset(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) orderAndDriver(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	orderID, ok := s.pathID(w, r)
	if !ok {
		return 0, 0, false
	}
	var req driverActionRequest
	if !s.decode(w, r, &req) {
		return 0, 0, false
	}
	if req.DriverID == nil {
		s.writeError(w, r, fmt.Errorf("%w: driverId is required", models.ErrValidation))
		return 0, 0, false
	}
	return orderID, *req.DriverID, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, r, fmt.Errorf("%w: invalid id %q", models.ErrValidation, mux.Vars(r)["id"]))
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad json: %v", models.ErrValidation, err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, errorResponse{Error: code, Message: err.Error()})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, models.ErrIneligible):
		return http.StatusUnprocessableEntity, "ineligible"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// nonNil keeps empty collections as [] on the wire.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
