package availability

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-hail/internal/models"
)

// RedisSource reads driver pings out of the Redis geo index maintained
// by the location consumer: GEOADD positions under geoKey plus a
// per-driver metadata hash.
type RedisSource struct {
	client *redis.Client
	geoKey string
}

func NewRedisSource(addr, password, geoKey string) *RedisSource {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisSource{client: c, geoKey: geoKey}
}

func (r *RedisSource) PingsNear(ctx context.Context, near models.Coord, radiusKm float64) ([]SourcedPing, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, near.Lon, near.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SourcedPing, 0, len(res))
	for _, g := range res {
		sp := SourcedPing{
			Driver: models.Driver{ID: g.Name},
			Ping: models.DriverLocationPing{
				DriverID: g.Name,
				Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			},
		}
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		if v, ok := m["rating"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sp.Driver.Rating = f
			}
		}
		if v, ok := m["heading"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sp.Ping.Heading = f
			}
		}
		if v, ok := m["speed_kmh"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				sp.Ping.SpeedKmh = f
			}
		}
		sp.Driver.Online = m["online"] == "true"
		sp.Driver.Approved = m["approved"] == "true"
		sp.Driver.VehicleClass = models.VehicleClass(m["class"])
		if v, ok := m["at"]; ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				sp.Ping.At = t
			}
		}
		out = append(out, sp)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
