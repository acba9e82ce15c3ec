// Package kvcache persists small per-user values across sessions: the last
// selected fare rate and the last known location.
package kvcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/models"
)

const (
	KeySelectedRate = "selectedRideAmountPerKm"
	KeyUserLocation = "userLocation"
)

var ErrMiss = errors.New("kvcache: key not set")

type Cache interface {
	Get(ctx context.Context, uid, key string) (string, error)
	Set(ctx context.Context, uid, key, value string) error
}

// Redis keeps one hash per user.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

func hashKey(uid string) string { return "local:" + uid }

func (r *Redis) Get(ctx context.Context, uid, key string) (string, error) {
	v, err := r.client.HGet(ctx, hashKey(uid), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	if err != nil {
		return "", fmt.Errorf("kvcache get %s/%s: %w", uid, key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, uid, key, value string) error {
	if err := r.client.HSet(ctx, hashKey(uid), key, value).Err(); err != nil {
		return fmt.Errorf("kvcache set %s/%s: %w", uid, key, err)
	}
	return nil
}

type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (c *Memory) Get(_ context.Context, uid, key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.m[hashKey(uid)+"/"+key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (c *Memory) Set(_ context.Context, uid, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[hashKey(uid)+"/"+key] = value
	return nil
}

func SaveSelectedRate(ctx context.Context, c Cache, uid string, rate float64) error {
	return c.Set(ctx, uid, KeySelectedRate, strconv.FormatFloat(rate, 'f', -1, 64))
}

func SelectedRate(ctx context.Context, c Cache, uid string) (float64, error) {
	v, err := c.Get(ctx, uid, KeySelectedRate)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("kvcache: bad %s %q: %w", KeySelectedRate, v, err)
	}
	return f, nil
}

func SaveUserLocation(ctx context.Context, c Cache, uid string, loc models.Coord) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return c.Set(ctx, uid, KeyUserLocation, string(b))
}

func UserLocation(ctx context.Context, c Cache, uid string) (models.Coord, error) {
	v, err := c.Get(ctx, uid, KeyUserLocation)
	if err != nil {
		return models.Coord{}, err
	}
	var loc models.Coord
	if err := json.Unmarshal([]byte(v), &loc); err != nil {
		return models.Coord{}, fmt.Errorf("kvcache: bad %s: %w", KeyUserLocation, err)
	}
	return loc, nil
}
