package geo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/example/taxi-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID int64, c models.Coord) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      member(driverID),
		Longitude: c.Lng,
		Latitude:  c.Lat,
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, driverID int64) error {
	return r.client.ZRem(ctx, r.key, member(driverID)).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, c models.Coord, radiusKm float64, limit int) ([]Neighbor, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  c.Lng,
			Latitude:   c.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch %s: %w", r.key, err)
	}
	out := make([]Neighbor, 0, len(res))
	for _, g := range res {
		id, err := strconv.ParseInt(g.Name, 10, 64)
		if err != nil {
			// foreign member in the key; skip it
			continue
		}
		out = append(out, Neighbor{
			DriverID:   id,
			Coord:      models.Coord{Lat: g.Latitude, Lng: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}

func member(id int64) string { return strconv.FormatInt(id, 10) }
