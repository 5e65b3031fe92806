package matcher

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/registry"
	"github.com/example/taxi-dispatch/internal/routing"
)

var (
	timesSquare = models.NewPlace("times-square", "Times Square", 40.758, -73.9855)
	centralPark = models.NewPlace("central-park", "Central Park", 40.7812, -73.9665)
	brooklyn    = models.NewPlace("brooklyn-bridge", "Brooklyn Bridge", 40.7061, -73.9969)
)

func f(v float64) *float64 { return &v }

func newRegistry(drivers ...models.Driver) *registry.Registry {
	return registry.New([]models.Place{timesSquare, centralPark, brooklyn}, drivers)
}

type fakeRouting struct {
	meters float64
	err    error
	delay  time.Duration
}

func (r *fakeRouting) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return 0, routing.ErrUpstreamTimeout
		}
	}
	return r.meters, r.err
}

func TestScoreFromKm(t *testing.T) {
	cases := []struct {
		km   float64
		want int
	}{
		{0, 10},
		{0.4, 10},
		{1, 10},
		{4.3, 7},
		{9.6, 1},
		{10, 1},
		{250, 1},
	}
	for _, c := range cases {
		if got := ScoreFromKm(c.km); got != c.want {
			t.Errorf("ScoreFromKm(%v) = %d, want %d", c.km, got, c.want)
		}
	}
}

func TestScoreFromKmMonotonic(t *testing.T) {
	prev := ScoreFromKm(0)
	for km := 0.0; km < 15; km += 0.05 {
		s := ScoreFromKm(km)
		if s > prev {
			t.Fatalf("score rose from %d to %d at %.2f km", prev, s, km)
		}
		if s < MinScore || s > MaxScore {
			t.Fatalf("score %d out of range at %.2f km", s, km)
		}
		prev = s
	}
}

func TestFilterEligible(t *testing.T) {
	d := models.Driver{ID: 1, CarType: "Sedan"}
	if !FilterEligible(models.Order{}, d) {
		t.Fatal("order without vehicle type must be eligible")
	}
	if !FilterEligible(models.Order{VehicleType: "sedan"}, d) {
		t.Fatal("case-insensitive match expected")
	}
	if FilterEligible(models.Order{VehicleType: "SUV"}, d) {
		t.Fatal("mismatched vehicle type must not be eligible")
	}
}

func TestComputeScoreNilWithoutDriverPosition(t *testing.T) {
	s := &Service{}
	order := models.Order{Pickup: centralPark}
	if got := s.ComputeScore(context.Background(), models.Driver{ID: 1}, order); got != nil {
		t.Fatalf("expected nil score, got %d", *got)
	}
}

func TestComputeScoreNilWithoutPickupCoordinate(t *testing.T) {
	s := &Service{}
	driver := models.Driver{ID: 1, Lat: f(40.758), Lng: f(-73.9855)}
	order := models.Order{Pickup: models.Place{ID: "somewhere", Name: "Unknown"}}
	if got := s.ComputeScore(context.Background(), driver, order); got != nil {
		t.Fatalf("expected nil score, got %d", *got)
	}
}

func TestComputeScoreTimesSquareToCentralPark(t *testing.T) {
	s := &Service{}
	driver := models.Driver{ID: 1, Lat: f(40.758), Lng: f(-73.9855)}
	got := s.ComputeScore(context.Background(), driver, models.Order{Pickup: centralPark})
	if got == nil {
		t.Fatal("expected a score")
	}
	if *got < 6 || *got > 8 {
		t.Fatalf("expected score 7±1, got %d", *got)
	}
}

func TestComputeScoreUsesRoadDistance(t *testing.T) {
	s := &Service{Routing: &fakeRouting{meters: 4300}}
	driver := models.Driver{ID: 1, Lat: f(40.758), Lng: f(-73.9855)}
	got := s.ComputeScore(context.Background(), driver, models.Order{Pickup: centralPark})
	if got == nil || *got != 7 {
		t.Fatalf("expected 7 from 4.3 km road distance, got %v", got)
	}
}

func TestComputeScoreFallsBackOnRoutingError(t *testing.T) {
	s := &Service{Routing: &fakeRouting{err: errors.New("boom")}}
	driver := models.Driver{ID: 1, Lat: f(40.758), Lng: f(-73.9855)}
	got := s.ComputeScore(context.Background(), driver, models.Order{Pickup: centralPark})
	want := ScoreFromKm(geo.HaversineKm(models.Coord{Lat: 40.758, Lng: -73.9855}, models.Coord{Lat: 40.7812, Lng: -73.9665}))
	if got == nil || *got != want {
		t.Fatalf("expected haversine score %d, got %v", want, got)
	}
}

func TestComputeScoreFallsBackOnTimeout(t *testing.T) {
	s := &Service{Routing: &fakeRouting{meters: 100, delay: time.Second}, RoutingTimeout: 20 * time.Millisecond}
	driver := models.Driver{ID: 1, Lat: f(40.758), Lng: f(-73.9855)}
	start := time.Now()
	got := s.ComputeScore(context.Background(), driver, models.Order{Pickup: centralPark})
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("routing timeout not honored")
	}
	if got == nil || *got == 10 {
		t.Fatalf("expected haversine fallback score, got %v", got)
	}
}

func TestCloserDriverScoresAtLeastAsHigh(t *testing.T) {
	s := &Service{}
	order := models.Order{Pickup: timesSquare}
	near := models.Driver{ID: 1, Lat: f(40.7585), Lng: f(-73.9850)}
	far := models.Driver{ID: 2, Lat: f(40.7061), Lng: f(-73.9969)}
	a := s.ComputeScore(context.Background(), near, order)
	b := s.ComputeScore(context.Background(), far, order)
	if a == nil || b == nil || *a < *b {
		t.Fatalf("expected closer driver to score >= farther, got %v vs %v", a, b)
	}
}

func TestOffersForFiltersByVehicleType(t *testing.T) {
	reg := newRegistry(models.Driver{ID: 1, Name: "Ana", CarType: "sedan", Lat: f(40.758), Lng: f(-73.9855)})
	o1, _ := reg.CreateOrder(timesSquare, centralPark, "")
	o2, _ := reg.CreateOrder(brooklyn, centralPark, "SUV")
	o3, _ := reg.CreateOrder(centralPark, brooklyn, "Sedan")

	s := &Service{Registry: reg}
	offers, err := s.OffersFor(context.Background(), 1)
	if err != nil {
		t.Fatalf("offers: %v", err)
	}
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	if offers[0].Order.ID != o1.ID || offers[1].Order.ID != o3.ID {
		t.Fatalf("expected orders %d then %d, got %d then %d", o1.ID, o3.ID, offers[0].Order.ID, offers[1].Order.ID)
	}
	for _, o := range offers {
		if o.Order.ID == o2.ID {
			t.Fatal("SUV order offered to sedan driver")
		}
	}
}

func TestOffersForUnknownDriver(t *testing.T) {
	s := &Service{Registry: newRegistry()}
	if _, err := s.OffersFor(context.Background(), 42); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCandidatesRanksByScore(t *testing.T) {
	reg := newRegistry(
		models.Driver{ID: 1, CarType: "sedan", Lat: f(40.7061), Lng: f(-73.9969)},
		models.Driver{ID: 2, CarType: "sedan", Lat: f(40.7581), Lng: f(-73.9856)},
		models.Driver{ID: 3, CarType: "suv", Lat: f(40.7580), Lng: f(-73.9855)},
		models.Driver{ID: 4, CarType: "sedan"},
		models.Driver{ID: 5, CarType: "sedan", Status: models.DriverOffline, Lat: f(40.758), Lng: f(-73.9855)},
	)
	order, _ := reg.CreateOrder(timesSquare, centralPark, "sedan")

	idx := geo.NewMemoryIndex()
	for _, d := range reg.ListDrivers() {
		if c, ok := d.Coord(); ok {
			_ = idx.Upsert(context.Background(), d.ID, c)
		}
	}

	for _, s := range []*Service{
		{Registry: reg},
		{Registry: reg, Geo: idx, SearchRadiusKm: 50},
	} {
		got, err := s.Candidates(context.Background(), order.ID, 10)
		if err != nil {
			t.Fatalf("candidates: %v", err)
		}
		if len(got) == 0 || got[0].Driver.ID != 2 {
			t.Fatalf("expected driver 2 first, got %+v", got)
		}
		for _, c := range got {
			if c.Driver.ID == 3 || c.Driver.ID == 5 {
				t.Fatalf("driver %d should have been filtered", c.Driver.ID)
			}
		}
	}
}

func TestCandidatesFromIndexLooksPastIneligibleNeighbours(t *testing.T) {
	reg := newRegistry(
		models.Driver{ID: 1, CarType: "sedan", Lat: f(40.7582), Lng: f(-73.9855)},
		models.Driver{ID: 2, CarType: "sedan", Lat: f(40.7578), Lng: f(-73.9855)},
		models.Driver{ID: 3, CarType: "sedan", Lat: f(40.7580), Lng: f(-73.9859)},
		models.Driver{ID: 4, CarType: "suv", Lat: f(40.7697), Lng: f(-73.9855)},
		models.Driver{ID: 5, CarType: "suv", Lat: f(40.7581), Lng: f(-73.9854)},
	)
	busy, _ := reg.CreateOrder(timesSquare, brooklyn, "")
	if _, _, err := reg.Assign(busy.ID, 5); err != nil {
		t.Fatalf("assign: %v", err)
	}
	order, _ := reg.CreateOrder(timesSquare, centralPark, "suv")

	idx := geo.NewMemoryIndex()
	for _, d := range reg.ListDrivers() {
		if c, ok := d.Coord(); ok {
			_ = idx.Upsert(context.Background(), d.ID, c)
		}
	}

	for name, s := range map[string]*Service{
		"scan":  {Registry: reg},
		"index": {Registry: reg, Geo: idx, SearchRadiusKm: 50},
	} {
		got, err := s.Candidates(context.Background(), order.ID, 1)
		if err != nil {
			t.Fatalf("%s: candidates: %v", name, err)
		}
		if len(got) != 1 || got[0].Driver.ID != 4 {
			t.Fatalf("%s: expected driver 4 only, got %+v", name, got)
		}
	}
}

type countingRouting struct {
	inflight atomic.Int32
	peak     atomic.Int32
}

func (r *countingRouting) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return 1000, nil
}

func TestScoringConcurrencyIsBounded(t *testing.T) {
	var drivers []models.Driver
	for i := int64(1); i <= 30; i++ {
		drivers = append(drivers, models.Driver{ID: i, CarType: "sedan", Lat: f(40.758 + float64(i)/1e4), Lng: f(-73.9855)})
	}
	reg := newRegistry(drivers...)
	var lastOrder models.Order
	for i := 0; i < 30; i++ {
		lastOrder, _ = reg.CreateOrder(timesSquare, centralPark, "")
	}

	rt := &countingRouting{}
	s := &Service{Registry: reg, Routing: rt}

	offers, err := s.OffersFor(context.Background(), 1)
	if err != nil || len(offers) != 30 {
		t.Fatalf("offers: %d, %v", len(offers), err)
	}
	cands, err := s.Candidates(context.Background(), lastOrder.ID, 30)
	if err != nil || len(cands) != 30 {
		t.Fatalf("candidates: %d, %v", len(cands), err)
	}
	if p := rt.peak.Load(); p > maxConcurrentScores {
		t.Fatalf("expected at most %d concurrent routing calls, saw %d", maxConcurrentScores, p)
	}
}
