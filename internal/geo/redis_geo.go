package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if !loc.IsOnline {
		return r.Remove(ctx, loc.DriverID)
	}
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Longitude, Latitude: loc.Latitude, Name: loc.DriverID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", loc.DriverID, err)
	}
	return r.client.HSet(ctx, MetaKey(loc.DriverID), MetaFields(loc)).Err()
}

func (r *RedisGeo) Remove(ctx context.Context, driverID string) error {
	if err := r.client.ZRem(ctx, r.key, driverID).Err(); err != nil {
		return fmt.Errorf("georem %s: %w", driverID, err)
	}
	return r.client.Del(ctx, MetaKey(driverID)).Err()
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusMeters float64, limit int) ([]models.DriverLocation, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{Radius: radiusMeters, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]models.DriverLocation, 0, len(res))
	for _, g := range res {
		d := models.DriverLocation{DriverID: g.Name, Latitude: g.Latitude, Longitude: g.Longitude, IsOnline: true}
		// metadata is best effort
		if m, err := r.client.HGetAll(ctx, MetaKey(g.Name)).Result(); err == nil {
			d.Username = m["username"]
			d.Address = m["address"]
			d.Geohash = m["geohash"]
			if v, ok := m["online"]; ok {
				d.IsOnline = v == "true"
			}
			if v, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
				d.UpdatedAt = v
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func MetaKey(id string) string { return "driver:meta:" + id }

// MetaFields is the hash stored next to each GEO member.
func MetaFields(loc models.DriverLocation) map[string]interface{} {
	return map[string]interface{}{
		"username": loc.Username,
		"address":  loc.Address,
		"geohash":  loc.Geohash,
		"online":   strconv.FormatBool(loc.IsOnline),
		"updated":  loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
