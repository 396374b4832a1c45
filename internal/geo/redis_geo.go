package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisGeo implements Directory on Redis GEO commands, so nearby lookups
// use the geo index instead of scanning every driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	// GEOADD for position, HSET for the scoring metadata
	if _, err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lng, Latitude: d.Loc.Lat, Name: d.ID}).Result(); err != nil {
		return err
	}
	return r.client.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"rating":     fmt.Sprintf("%f", d.RatingAverage),
		"deliveries": strconv.Itoa(d.CompletedDeliveries),
		"vehicle":    d.VehicleType,
		"available":  strconv.FormatBool(d.Available),
		"updated":    time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return nil, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return nil, fmt.Errorf("driver %s: %w", id, models.ErrNotFound)
	}
	d := models.Driver{ID: id, Loc: models.Coord{Lat: pos[0].Latitude, Lng: pos[0].Longitude}}
	r.fillMeta(ctx, &d)
	return &d, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, lat, lng, radiusKm float64) ([]models.Driver, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lng, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, Loc: models.Coord{Lat: g.Latitude, Lng: g.Longitude}}
		r.fillMeta(ctx, &d)
		if !d.Available {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisGeo) SetAvailable(ctx context.Context, id string, available bool) error {
	return r.client.HSet(ctx, metaKey(id), "available", strconv.FormatBool(available)).Err()
}

func (r *RedisGeo) fillMeta(ctx context.Context, d *models.Driver) {
	m, err := r.client.HGetAll(ctx, metaKey(d.ID)).Result()
	if err != nil {
		return
	}
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.RatingAverage = f
		}
	}
	if v, ok := m["deliveries"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			d.CompletedDeliveries = n
		}
	}
	d.VehicleType = m["vehicle"]
	d.Available = m["available"] == "true"
}

func metaKey(id string) string { return "driver:meta:" + id }
