package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands, shared across replicas.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p TripPos) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Coord.Lon, Latitude: p.Coord.Lat, Name: p.TripID}).Result()
}

func (r *RedisGeo) Remove(tripID string) {
	_, _ = r.client.ZRem(r.ctx, r.key, tripID).Result()
}

func (r *RedisGeo) Nearby(lat, lon float64, radiusM float64, limit int) []TripPos {
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]TripPos, 0, len(res))
	for _, g := range res {
		out = append(out, TripPos{TripID: g.Name, Coord: models.Coord{Lat: g.Latitude, Lon: g.Longitude}})
	}
	return out
}
