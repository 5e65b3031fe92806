package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/taxi-dispatch/internal/models"
)

// Neighbor is a driver position returned by a nearby search.
type Neighbor struct {
	DriverID   int64
	Coord      models.Coord
	DistanceKm float64
}

// Index mirrors driver positions for nearest-driver lookups. The registry
// stays the source of truth; an index may lag it.
type Index interface {
	Upsert(ctx context.Context, driverID int64, c models.Coord) error
	Remove(ctx context.Context, driverID int64) error
	Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Neighbor, error)
}

type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[int64]models.Coord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[int64]models.Coord)}
}

func (g *MemoryIndex) Upsert(_ context.Context, driverID int64, c models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[driverID] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, driverID)
	return nil
}

// naive scan; fine for a demo fleet
func (g *MemoryIndex) Nearby(_ context.Context, c models.Coord, radiusKm float64, limit int) ([]Neighbor, error) {
	g.mu.RLock()
	out := make([]Neighbor, 0, len(g.positions))
	for id, p := range g.positions {
		d := HaversineKm(c, p)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, Neighbor{DriverID: id, Coord: p, DistanceKm: d})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm == out[j].DistanceKm {
			return out[i].DriverID < out[j].DriverID
		}
		return out[i].DistanceKm < out[j].DistanceKm
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const earthRadiusM = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

func HaversineKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}
