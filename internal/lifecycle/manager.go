// Package lifecycle owns every write to the registry: order creation, the
// accept race, trip transitions and driver position/availability changes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/storage"
)

const (
	defaultSideEffectTimeout = 2 * time.Second
	defaultEventBuffer       = 1024
)

// EventPublisher ships committed events to an external stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.Event) error
}

type Option func(*Manager)

func WithIndex(idx geo.Index) Option          { return func(m *Manager) { m.index = idx } }
func WithJournal(j storage.Journal) Option    { return func(m *Manager) { m.journal = j } }
func WithPublisher(p EventPublisher) Option   { return func(m *Manager) { m.publisher = p } }
func WithNotifier(n dispatch.Notifier) Option { return func(m *Manager) { m.notifier = n } }
func WithLogger(l *slog.Logger) Option        { return func(m *Manager) { m.logger = l } }
func WithSideEffectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.sideEffectTimeout = d }
}

// WithEventBuffer sets how many committed events may wait for their side
// effects before new ones are dropped.
func WithEventBuffer(n int) Option { return func(m *Manager) { m.eventBuffer = n } }

type Manager struct {
	reg   *registry.Registry
	locks *keyedMutex

	index     geo.Index
	journal   storage.Journal
	publisher EventPublisher
	notifier  dispatch.Notifier
	logger    *slog.Logger

	sideEffectTimeout time.Duration
	eventBuffer       int

	queue     chan sideEffect
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// sideEffect is one queued event, or a flush barrier when done is set.
type sideEffect struct {
	ev   models.Event
	done chan struct{}
}

func New(reg *registry.Registry, opts ...Option) *Manager {
	m := &Manager{
		reg:               reg,
		locks:             newKeyedMutex(),
		logger:            slog.Default(),
		sideEffectTimeout: defaultSideEffectTimeout,
		eventBuffer:       defaultEventBuffer,
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.eventBuffer <= 0 {
		m.eventBuffer = defaultEventBuffer
	}
	m.queue = make(chan sideEffect, m.eventBuffer)
	go m.runSideEffects()
	m.refreshAvailable()
	return m
}

// CreateCommand is a passenger ride request. Pickup and Dropoff may carry only
// an id, in which case the place catalog fills in name and coordinates.
type CreateCommand struct {
	Pickup      models.Place
	Dropoff     models.Place
	VehicleType string
}

func (m *Manager) CreateOrder(ctx context.Context, cmd CreateCommand) (models.Order, error) {
	pickup := m.resolvePlace(cmd.Pickup)
	dropoff := m.resolvePlace(cmd.Dropoff)
	o, err := m.reg.CreateOrder(pickup, dropoff, cmd.VehicleType)
	if err != nil {
		return models.Order{}, err
	}
	observability.OrdersCreated.Inc()
	m.logger.Info("order created", "order_id", o.ID, "pickup", o.Pickup.ID, "dropoff", o.Dropoff.ID, "vehicle_type", o.VehicleType)

	unlock := m.locks.Lock(o.ID)
	defer unlock()
	m.emit(models.Event{Type: models.EventOrderCreated, OrderID: o.ID, ToStatus: o.Status, Order: o, At: o.CreatedAt})
	return o, nil
}

// resolvePlace prefers the catalog entry for a known id; unknown places keep
// whatever the caller sent, possibly without coordinates.
func (m *Manager) resolvePlace(p models.Place) models.Place {
	p.ID = strings.TrimSpace(p.ID)
	if known, ok := m.reg.Place(p.ID); ok {
		return known
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if _, ok := p.Coord(); !ok {
		p.Lat, p.Lng = nil, nil
	}
	return p
}

// AcceptOrder assigns driverID to a pending order. Concurrent accepts for the
// same order are serialized; exactly one can win and the rest get ErrConflict.
func (m *Manager) AcceptOrder(ctx context.Context, orderID, driverID int64) (models.Order, models.Driver, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	o, err := m.reg.GetOrder(orderID)
	if err != nil {
		return models.Order{}, models.Driver{}, err
	}
	d, err := m.reg.GetDriver(driverID)
	if err != nil {
		return models.Order{}, models.Driver{}, err
	}
	if o.Status != models.OrderPending {
		observability.AcceptConflicts.Inc()
		return models.Order{}, models.Driver{}, fmt.Errorf("order %d is %s: %w", orderID, o.Status, models.ErrConflict)
	}
	if !matcher.FilterEligible(o, d) {
		return models.Order{}, models.Driver{}, fmt.Errorf("order wants %q, driver %d drives %q: %w", o.VehicleType, driverID, d.CarType, models.ErrIneligible)
	}

	o, d, err = m.reg.Assign(orderID, driverID)
	if err != nil {
		observability.AcceptConflicts.Inc()
		return models.Order{}, models.Driver{}, err
	}
	observability.OrderTransitions.WithLabelValues(string(models.OrderAssigned)).Inc()
	m.refreshAvailable()
	m.logger.Info("order accepted", "order_id", orderID, "driver_id", driverID)

	m.emit(models.Event{
		Type:       models.EventOrderAssigned,
		OrderID:    o.ID,
		FromStatus: models.OrderPending,
		ToStatus:   o.Status,
		DriverID:   o.DriverID,
		Order:      o,
		At:         o.UpdatedAt,
	})
	return o, d, nil
}

// StartTrip marks an assigned order en route. Only the assigned driver may start it.
func (m *Manager) StartTrip(ctx context.Context, orderID, driverID int64) (models.Order, error) {
	o, _, err := m.transition(ctx, orderID, models.OrderEnRoute, &driverID, models.EventOrderEnRoute)
	return o, err
}

// CompleteOrder finishes an en-route trip and frees the driver.
func (m *Manager) CompleteOrder(ctx context.Context, orderID, driverID int64) (models.Order, *models.Driver, error) {
	return m.transition(ctx, orderID, models.OrderCompleted, &driverID, models.EventOrderCompleted)
}

// CancelOrder cancels a pending or assigned order; an assigned driver is freed.
func (m *Manager) CancelOrder(ctx context.Context, orderID int64) (models.Order, *models.Driver, error) {
	return m.transition(ctx, orderID, models.OrderCancelled, nil, models.EventOrderCancelled)
}

func (m *Manager) transition(ctx context.Context, orderID int64, to models.OrderStatus, actor *int64, evType string) (models.Order, *models.Driver, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	before, err := m.reg.GetOrder(orderID)
	if err != nil {
		return models.Order{}, nil, err
	}
	o, released, err := m.reg.Transition(orderID, to, actor)
	if err != nil {
		return models.Order{}, nil, err
	}
	observability.OrderTransitions.WithLabelValues(string(to)).Inc()
	if released != nil {
		m.refreshAvailable()
	}
	m.logger.Info("order transition", "order_id", orderID, "from", before.Status, "to", o.Status)

	m.emit(models.Event{
		Type:       evType,
		OrderID:    o.ID,
		FromStatus: before.Status,
		ToStatus:   o.Status,
		DriverID:   o.DriverID,
		Order:      o,
		At:         o.UpdatedAt,
	})
	return o, released, nil
}

// UpdateDriverPosition records a new position and mirrors it into the geo
// index. Index failures are logged, the registry stays authoritative.
func (m *Manager) UpdateDriverPosition(ctx context.Context, driverID int64, lat, lng float64) (models.Driver, error) {
	d, err := m.reg.UpdateDriverPosition(driverID, lat, lng)
	if err != nil {
		return models.Driver{}, err
	}
	observability.PositionUpdates.WithLabelValues("http").Inc()
	if err := m.mirrorPosition(ctx, d); err != nil {
		observability.SideEffectErrors.WithLabelValues("geo_index").Inc()
		m.logger.Warn("geo index update failed", "driver_id", driverID, "error", err)
	}
	return d, nil
}

// ApplyPosition is the feed entry point. Unlike UpdateDriverPosition it
// reports index failures so the caller can retry; reapplying is idempotent.
func (m *Manager) ApplyPosition(ctx context.Context, u models.PositionUpdate) error {
	d, err := m.reg.UpdateDriverPosition(u.DriverID, u.Lat, u.Lng)
	if err != nil {
		return err
	}
	if err := m.mirrorPosition(ctx, d); err != nil {
		return fmt.Errorf("index driver %d: %w", u.DriverID, err)
	}
	return nil
}

func (m *Manager) mirrorPosition(ctx context.Context, d models.Driver) error {
	if m.index == nil || d.Status == models.DriverOffline {
		return nil
	}
	c, ok := d.Coord()
	if !ok {
		return nil
	}
	return m.index.Upsert(ctx, d.ID, c)
}

// SetDriverStatus switches a driver between available and offline. Offline
// drivers leave the geo index so they are never proposed as candidates.
func (m *Manager) SetDriverStatus(ctx context.Context, driverID int64, status models.DriverStatus) (models.Driver, error) {
	d, err := m.reg.SetDriverAvailability(driverID, status)
	if err != nil {
		return models.Driver{}, err
	}
	m.refreshAvailable()
	m.logger.Info("driver status", "driver_id", driverID, "status", d.Status)
	if m.index != nil {
		var ierr error
		if d.Status == models.DriverOffline {
			ierr = m.index.Remove(ctx, driverID)
		} else if c, ok := d.Coord(); ok {
			ierr = m.index.Upsert(ctx, driverID, c)
		}
		if ierr != nil {
			observability.SideEffectErrors.WithLabelValues("geo_index").Inc()
			m.logger.Warn("geo index update failed", "driver_id", driverID, "error", ierr)
		}
	}
	return d, nil
}

// SyncIndex loads every positioned, non-offline driver into the geo index.
func (m *Manager) SyncIndex(ctx context.Context) error {
	if m.index == nil {
		return nil
	}
	for _, d := range m.reg.ListDrivers() {
		c, ok := d.Coord()
		if !ok {
			continue
		}
		var err error
		if d.Status == models.DriverOffline {
			err = m.index.Remove(ctx, d.ID)
		} else {
			err = m.index.Upsert(ctx, d.ID, c)
		}
		if err != nil {
			return fmt.Errorf("sync driver %d: %w", d.ID, err)
		}
	}
	return nil
}

// Reset clears all orders and restores the initial fleet. Queued side effects
// of the old orders are flushed first so they do not land in the new run.
func (m *Manager) Reset(ctx context.Context) error {
	flushCtx, cancel := context.WithTimeout(ctx, m.sideEffectTimeout)
	if err := m.Flush(flushCtx); err != nil {
		m.logger.Warn("side effects not drained before reset", "error", err)
	}
	cancel()
	m.reg.Reset()
	if r, ok := m.journal.(interface{ Reset() }); ok {
		r.Reset()
	}
	m.refreshAvailable()
	m.logger.Info("registry reset")
	return m.SyncIndex(ctx)
}

// History returns the journaled events of an order.
func (m *Manager) History(ctx context.Context, orderID int64) ([]models.Event, error) {
	if _, err := m.reg.GetOrder(orderID); err != nil {
		return nil, err
	}
	if m.journal == nil {
		return nil, nil
	}
	return m.journal.History(ctx, orderID)
}

func (m *Manager) refreshAvailable() {
	n := 0
	for _, d := range m.reg.ListDrivers() {
		if d.Status == models.DriverAvailable {
			n++
		}
	}
	observability.DriversAvailable.Set(float64(n))
}

// emit queues the post-commit side effects and returns at once. It is called
// with the order lock held, and one worker drains the queue, so one order's
// events leave in commit order. A full queue drops the event.
func (m *Manager) emit(ev models.Event) {
	select {
	case m.queue <- sideEffect{ev: ev}:
	default:
		observability.SideEffectErrors.WithLabelValues("queue").Inc()
		m.logger.Warn("side effect queue full, event dropped", "order_id", ev.OrderID, "event", ev.Type)
	}
}

func (m *Manager) runSideEffects() {
	defer close(m.stopped)
	for {
		select {
		case it := <-m.queue:
			m.handle(it)
		case <-m.stop:
			for {
				select {
				case it := <-m.queue:
					m.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) handle(it sideEffect) {
	if it.done != nil {
		close(it.done)
		return
	}
	ev := it.ev
	if m.journal != nil {
		m.call("journal", ev, m.journal.Record)
	}
	if m.publisher != nil {
		m.call("publisher", ev, m.publisher.PublishEvent)
	}
	if m.notifier != nil {
		m.call("notifier", ev, m.notifier.Notify)
	}
}

// call runs one sink under the side effect timeout. A sink that ignores its
// context is abandoned when the timeout fires so it cannot hold the queue.
func (m *Manager) call(sink string, ev models.Event, fn func(context.Context, models.Event) error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.sideEffectTimeout)
	defer cancel()

	res := make(chan error, 1)
	go func() { res <- fn(ctx, ev) }()

	var err error
	select {
	case err = <-res:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		observability.SideEffectErrors.WithLabelValues(sink).Inc()
		m.logger.Warn("side effect failed", "sink", sink, "order_id", ev.OrderID, "event", ev.Type, "error", err)
	}
}

// Flush waits until every event queued before the call has been handed to
// its sinks.
func (m *Manager) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.queue <- sideEffect{done: done}:
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued side effects and stops the worker. Events committed
// after Close are queued but never delivered.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.stopped
}
