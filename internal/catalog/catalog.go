// Package catalog provides the static place list and the demo fleet the
// registry starts from.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/taxi-dispatch/internal/models"
)

// Catalog is the startup data: fixed places and the initial drivers.
type Catalog struct {
	Places  []models.Place  `json:"places"`
	Drivers []models.Driver `json:"drivers"`
}

func f(v float64) *float64 { return &v }

// Default returns the built-in Manhattan demo catalog.
func Default() Catalog {
	return Catalog{
		Places: []models.Place{
			models.NewPlace("times-square", "Times Square", 40.758, -73.9855),
			models.NewPlace("central-park", "Central Park", 40.7812, -73.9665),
			models.NewPlace("empire-state", "Empire State Building", 40.7484, -73.9857),
			models.NewPlace("grand-central", "Grand Central Terminal", 40.7527, -73.9772),
			models.NewPlace("wall-street", "Wall Street", 40.7060, -74.0088),
			models.NewPlace("brooklyn-bridge", "Brooklyn Bridge", 40.7061, -73.9969),
			models.NewPlace("jfk", "JFK Airport", 40.6413, -73.7781),
		},
		Drivers: []models.Driver{
			{ID: 1, Name: "Maria Lopez", Status: models.DriverAvailable, CarType: "sedan", Lat: f(40.7590), Lng: f(-73.9845)},
			{ID: 2, Name: "James Chen", Status: models.DriverAvailable, CarType: "sedan", Lat: f(40.7505), Lng: f(-73.9934)},
			{ID: 3, Name: "Aisha Khan", Status: models.DriverAvailable, CarType: "suv", Lat: f(40.7794), Lng: f(-73.9632)},
			{ID: 4, Name: "Tom Novak", Status: models.DriverAvailable, CarType: "van", Lat: f(40.7075), Lng: f(-74.0113)},
			{ID: 5, Name: "Lena Fischer", Status: models.DriverOffline, CarType: "sedan"},
		},
	}
}

// Load reads a catalog from a JSON file. Places without coordinates are
// rejected; drivers may omit their position.
func Load(path string) (Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := json.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Catalog{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

func (c Catalog) Validate() error {
	seen := make(map[string]bool, len(c.Places))
	for _, p := range c.Places {
		if p.ID == "" {
			return fmt.Errorf("place without id: %w", models.ErrValidation)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate place %q: %w", p.ID, models.ErrValidation)
		}
		seen[p.ID] = true
		if _, ok := p.Coord(); !ok {
			return fmt.Errorf("place %q has no valid coordinate: %w", p.ID, models.ErrValidation)
		}
	}
	ids := make(map[int64]bool, len(c.Drivers))
	for _, d := range c.Drivers {
		if ids[d.ID] {
			return fmt.Errorf("duplicate driver %d: %w", d.ID, models.ErrValidation)
		}
		ids[d.ID] = true
		if d.Status == models.DriverOnTrip {
			return fmt.Errorf("driver %d cannot start on a trip: %w", d.ID, models.ErrValidation)
		}
		if (d.Lat == nil) != (d.Lng == nil) {
			return fmt.Errorf("driver %d has a partial position: %w", d.ID, models.ErrValidation)
		}
		if _, ok := d.Coord(); d.Lat != nil && !ok {
			return fmt.Errorf("driver %d has an invalid position: %w", d.ID, models.ErrValidation)
		}
	}
	return nil
}
