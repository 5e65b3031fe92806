package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/routing"
)

const (
	MinScore = 1
	MaxScore = 10

	// maxConcurrentScores bounds in-flight routing lookups per request.
	maxConcurrentScores = 8

	DefaultRoutingTimeout = 2 * time.Second
	MaxRoutingTimeout     = 3 * time.Second
)

// Registry is the read side of the registry the matcher needs.
type Registry interface {
	GetOrder(id int64) (models.Order, error)
	GetDriver(id int64) (models.Driver, error)
	ListOrders() []models.Order
	ListDrivers() []models.Driver
}

type Service struct {
	Registry       Registry
	Geo            geo.Index      // optional nearest-driver index
	Routing        routing.Client // optional road distance source
	RoutingTimeout time.Duration
	SearchRadiusKm float64
	TopN           int
	Logger         *slog.Logger
}

// ScoreFromKm maps a pickup distance to a dispatch score: closer is higher,
// 10 km and beyond floors at MinScore.
func ScoreFromKm(km float64) int {
	s := int(math.Round(11 - km))
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// FilterEligible reports whether the driver may be shown the order. Orders
// without a vehicle type accept any car.
func FilterEligible(order models.Order, driver models.Driver) bool {
	return order.AcceptsCarType(driver.CarType)
}

// ComputeScore returns the dispatch score of driver for order, or nil when
// either the driver position or the pickup coordinate is unknown.
func (s *Service) ComputeScore(ctx context.Context, driver models.Driver, order models.Order) *int {
	km, ok := s.pickupDistanceKm(ctx, driver, order)
	if !ok {
		observability.ScoresComputed.WithLabelValues("none").Inc()
		return nil
	}
	score := ScoreFromKm(km)
	return &score
}

func (s *Service) pickupDistanceKm(ctx context.Context, driver models.Driver, order models.Order) (float64, bool) {
	from, ok := driver.Coord()
	if !ok {
		return 0, false
	}
	to, ok := order.Pickup.Coord()
	if !ok {
		return 0, false
	}
	return s.distanceKm(ctx, from, to), true
}

// distanceKm prefers road distance and falls back to haversine on any routing
// failure. Routing errors never leave this function.
func (s *Service) distanceKm(ctx context.Context, from, to models.Coord) float64 {
	if s.Routing == nil {
		observability.ScoresComputed.WithLabelValues("haversine").Inc()
		return geo.HaversineKm(from, to)
	}
	rctx, cancel := context.WithTimeout(ctx, s.routingTimeout())
	defer cancel()
	m, err := s.Routing.DistanceMeters(rctx, from, to)
	if err == nil && m >= 0 {
		observability.ScoresComputed.WithLabelValues("routing").Inc()
		return m / 1000
	}
	reason := "error"
	if errors.Is(err, routing.ErrUpstreamTimeout) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
		reason = "timeout"
	}
	observability.RoutingFallbacks.WithLabelValues(reason).Inc()
	s.logger().Debug("routing fallback to haversine", "reason", reason, "error", err)
	observability.ScoresComputed.WithLabelValues("haversine").Inc()
	return geo.HaversineKm(from, to)
}

func (s *Service) routingTimeout() time.Duration {
	switch {
	case s.RoutingTimeout <= 0:
		return DefaultRoutingTimeout
	case s.RoutingTimeout > MaxRoutingTimeout:
		return MaxRoutingTimeout
	default:
		return s.RoutingTimeout
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// OffersFor lists the pending orders driverID is eligible for, best score first.
func (s *Service) OffersFor(ctx context.Context, driverID int64) ([]models.ScoredOrder, error) {
	driver, err := s.Registry.GetDriver(driverID)
	if err != nil {
		return nil, err
	}
	var pending []models.Order
	for _, o := range s.Registry.ListOrders() {
		if o.Status == models.OrderPending && FilterEligible(o, driver) {
			pending = append(pending, o)
		}
	}

	out := make([]models.ScoredOrder, len(pending))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentScores)
	for i, o := range pending {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, o models.Order) {
			defer func() { <-sem; wg.Done() }()
			out[i] = models.ScoredOrder{Order: o, Score: s.ComputeScore(ctx, driver, o)}
		}(i, o)
	}
	wg.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		if c := compareScores(out[i].Score, out[j].Score); c != 0 {
			return c > 0
		}
		return out[i].Order.ID < out[j].Order.ID
	})
	return out, nil
}

// Candidates ranks available, eligible drivers for a pending order. Nearest
// drivers come from the geo index when one is configured, otherwise from a
// full registry scan.
func (s *Service) Candidates(ctx context.Context, orderID int64, limit int) ([]models.ScoredDriver, error) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	order, err := s.Registry.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.TopN
	}
	if limit <= 0 {
		limit = 8
	}

	var eligible []models.Driver
	if pickup, ok := order.Pickup.Coord(); ok && s.Geo != nil {
		eligible, err = s.nearbyEligible(ctx, order, pickup, limit)
		if err != nil {
			s.logger().Warn("geo index lookup failed, scanning registry", "order_id", orderID, "error", err)
			eligible = filterCandidates(order, s.Registry.ListDrivers())
		}
	} else {
		eligible = filterCandidates(order, s.Registry.ListDrivers())
	}

	out := make([]models.ScoredDriver, len(eligible))
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentScores)
	for i, d := range eligible {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, d models.Driver) {
			defer func() { <-sem; wg.Done() }()
			sd := models.ScoredDriver{Driver: d}
			if km, ok := s.pickupDistanceKm(ctx, d, order); ok {
				score := ScoreFromKm(km)
				sd.Score = &score
				sd.DistanceKm = &km
			}
			out[i] = sd
		}(i, d)
	}
	wg.Wait()

	sort.SliceStable(out, func(i, j int) bool {
		if c := compareScores(out[i].Score, out[j].Score); c != 0 {
			return c > 0
		}
		di, dj := out[i].DistanceKm, out[j].DistanceKm
		if di != nil && dj != nil && *di != *dj {
			return *di < *dj
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	observability.CandidatesReturned.Observe(float64(len(out)))
	return out, nil
}

func filterCandidates(order models.Order, drivers []models.Driver) []models.Driver {
	var out []models.Driver
	for _, d := range drivers {
		if d.Status == models.DriverAvailable && FilterEligible(order, d) {
			out = append(out, d)
		}
	}
	return out
}

// nearbyEligible pages outward through the index, widening the window until
// limit candidates survive filtering or the search radius is exhausted. Busy
// drivers stay indexed, so the nearest neighbors may all be filtered out.
func (s *Service) nearbyEligible(ctx context.Context, order models.Order, pickup models.Coord, limit int) ([]models.Driver, error) {
	count := limit * 3
	for {
		near, err := s.Geo.Nearby(ctx, pickup, s.SearchRadiusKm, count)
		if err != nil {
			return nil, err
		}
		drivers := make([]models.Driver, 0, len(near))
		for _, n := range near {
			d, err := s.Registry.GetDriver(n.DriverID)
			if err != nil {
				continue
			}
			drivers = append(drivers, d)
		}
		eligible := filterCandidates(order, drivers)
		if len(eligible) >= limit || len(near) < count {
			return eligible, nil
		}
		count *= 2
	}
}

// compareScores orders real scores above missing ones.
func compareScores(a, b *int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a > *b:
		return 1
	case *a < *b:
		return -1
	}
	return 0
}
