package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
)

var (
	timesSquare = models.NewPlace("times-square", "Times Square", 40.758, -73.9855)
	centralPark = models.NewPlace("central-park", "Central Park", 40.7812, -73.9665)
)

func fp(v float64) *float64 { return &v }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return New(
		[]models.Place{timesSquare, centralPark},
		[]models.Driver{
			{ID: 1, Name: "Ana", CarType: "sedan", Lat: fp(40.758), Lng: fp(-73.9855)},
			{ID: 2, Name: "Ben", CarType: "suv"},
		},
		WithClock(func() time.Time { return now }),
	)
}

func TestCreateOrder(t *testing.T) {
	r := newTestRegistry(t)
	o, err := r.CreateOrder(timesSquare, centralPark, " SUV ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), o.ID)
	assert.Equal(t, models.OrderPending, o.Status)
	assert.Nil(t, o.DriverID)
	assert.Equal(t, "SUV", o.VehicleType)
	assert.Equal(t, o.CreatedAt, o.UpdatedAt)

	o2, err := r.CreateOrder(centralPark, timesSquare, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), o2.ID)
}

func TestCreateOrderRejectsSamePlace(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.CreateOrder(timesSquare, timesSquare, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = r.CreateOrder(models.Place{}, centralPark, "")
	assert.ErrorIs(t, err, models.ErrValidation)
	assert.Empty(t, r.ListOrders())
}

func TestReadsReturnCopies(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.GetDriver(1)
	require.NoError(t, err)
	*d.Lat = 0
	d.Status = models.DriverOffline

	again, _ := r.GetDriver(1)
	assert.Equal(t, 40.758, *again.Lat)
	assert.Equal(t, models.DriverAvailable, again.Status)
}

func TestNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetOrder(5)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.GetDriver(5)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = r.UpdateDriverPosition(5, 1, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateDriverPosition(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.UpdateDriverPosition(2, 40.7, -73.9)
	require.NoError(t, err)
	c, ok := d.Coord()
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 40.7, Lng: -73.9}, c)

	_, err = r.UpdateDriverPosition(2, 91, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestAssignAndTransitions(t *testing.T) {
	r := newTestRegistry(t)
	o, _ := r.CreateOrder(timesSquare, centralPark, "")

	o, d, err := r.Assign(o.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderAssigned, o.Status)
	require.NotNil(t, o.DriverID)
	assert.Equal(t, int64(1), *o.DriverID)
	assert.Equal(t, models.DriverOnTrip, d.Status)

	_, _, err = r.Assign(o.ID, 2)
	assert.ErrorIs(t, err, models.ErrConflict)

	other := int64(2)
	_, _, err = r.Transition(o.ID, models.OrderEnRoute, &other)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, _, err = r.Transition(o.ID, models.OrderCompleted, nil)
	assert.ErrorIs(t, err, models.ErrConflict, "assigned cannot jump to completed")

	driver := int64(1)
	o, released, err := r.Transition(o.ID, models.OrderEnRoute, &driver)
	require.NoError(t, err)
	assert.Equal(t, models.OrderEnRoute, o.Status)
	assert.Nil(t, released)

	o, released, err = r.Transition(o.ID, models.OrderCompleted, &driver)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, o.Status)
	require.NotNil(t, released)
	assert.Equal(t, models.DriverAvailable, released.Status)
	assert.Equal(t, int64(1), *o.DriverID, "driver id is kept after completion")

	_, _, err = r.Transition(o.ID, models.OrderCancelled, nil)
	assert.ErrorIs(t, err, models.ErrConflict, "terminal states are immutable")
}

func TestAssignBusyDriver(t *testing.T) {
	r := newTestRegistry(t)
	a, _ := r.CreateOrder(timesSquare, centralPark, "")
	b, _ := r.CreateOrder(centralPark, timesSquare, "")
	_, _, err := r.Assign(a.ID, 1)
	require.NoError(t, err)
	_, _, err = r.Assign(b.ID, 1)
	assert.ErrorIs(t, err, models.ErrConflict)

	got, _ := r.GetOrder(b.ID)
	assert.Equal(t, models.OrderPending, got.Status)
	assert.Nil(t, got.DriverID)
}

func TestAssignRechecksVehicleType(t *testing.T) {
	r := newTestRegistry(t)
	stale, _ := r.CreateOrder(timesSquare, centralPark, "sedan")
	r.Reset()
	fresh, _ := r.CreateOrder(timesSquare, centralPark, "suv")
	require.Equal(t, stale.ID, fresh.ID)

	// driver 1 was eligible for the order id before the reset
	_, _, err := r.Assign(stale.ID, 1)
	assert.ErrorIs(t, err, models.ErrIneligible)

	got, _ := r.GetOrder(fresh.ID)
	assert.Equal(t, models.OrderPending, got.Status)
	d, _ := r.GetDriver(1)
	assert.Equal(t, models.DriverAvailable, d.Status)

	_, _, err = r.Assign(fresh.ID, 2)
	assert.NoError(t, err)
}

func TestCancelAssignedReleasesDriver(t *testing.T) {
	r := newTestRegistry(t)
	o, _ := r.CreateOrder(timesSquare, centralPark, "")
	_, _, err := r.Assign(o.ID, 1)
	require.NoError(t, err)
	_, released, err := r.Transition(o.ID, models.OrderCancelled, nil)
	require.NoError(t, err)
	require.NotNil(t, released)
	d, _ := r.GetDriver(1)
	assert.Equal(t, models.DriverAvailable, d.Status)
}

func TestSetDriverAvailability(t *testing.T) {
	r := newTestRegistry(t)
	d, err := r.SetDriverAvailability(2, models.DriverOffline)
	require.NoError(t, err)
	assert.Equal(t, models.DriverOffline, d.Status)

	_, err = r.SetDriverAvailability(2, models.DriverOnTrip)
	assert.ErrorIs(t, err, models.ErrValidation)

	o, _ := r.CreateOrder(timesSquare, centralPark, "")
	_, _, err = r.Assign(o.ID, 1)
	require.NoError(t, err)
	_, err = r.SetDriverAvailability(1, models.DriverOffline)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestReset(t *testing.T) {
	r := newTestRegistry(t)
	o, _ := r.CreateOrder(timesSquare, centralPark, "")
	_, _, _ = r.Assign(o.ID, 1)
	_, _ = r.UpdateDriverPosition(2, 40, -73)

	r.Reset()
	assert.Empty(t, r.ListOrders())
	d1, _ := r.GetDriver(1)
	assert.Equal(t, models.DriverAvailable, d1.Status)
	d2, _ := r.GetDriver(2)
	assert.Nil(t, d2.Lat)

	o, _ = r.CreateOrder(timesSquare, centralPark, "")
	assert.Equal(t, int64(1), o.ID)
}

func TestSnapshotConsistentDuringAssign(t *testing.T) {
	places := []models.Place{timesSquare, centralPark}
	var drivers []models.Driver
	for i := int64(1); i <= 20; i++ {
		drivers = append(drivers, models.Driver{ID: i, CarType: "sedan"})
	}
	r := New(places, drivers)
	for i := 0; i < 20; i++ {
		_, _ = r.CreateOrder(timesSquare, centralPark, "")
	}

	stop := make(chan struct{})
	var bad error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := checkConsistent(r.Snapshot()); err != nil {
				bad = err
				return
			}
		}
	}()

	for i := int64(1); i <= 20; i++ {
		_, _, err := r.Assign(i, i)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	require.NoError(t, bad)
}

func checkConsistent(orders []models.Order, drivers []models.Driver) error {
	onTrip := map[int64]int{}
	for _, o := range orders {
		if (o.DriverID == nil) != (o.Status == models.OrderPending) {
			return errors.New("driverId set iff not pending violated")
		}
		if o.Status == models.OrderAssigned || o.Status == models.OrderEnRoute {
			onTrip[*o.DriverID]++
		}
	}
	for _, d := range drivers {
		if (d.Status == models.DriverOnTrip) != (onTrip[d.ID] == 1) {
			return errors.New("driver status out of step with orders")
		}
	}
	return nil
}
