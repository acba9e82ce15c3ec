// Package location produces DriverLocation updates from device fixes and
// writes them to the configured sinks.
package location

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/ride-lifecycle/internal/models"
)

var ErrNoFix = errors.New("location: no fix available")

// Fix is one device position.
type Fix struct {
	Lat float64   `json:"lat"`
	Lng float64   `json:"lng"`
	At  time.Time `json:"at"`
}

func (f Fix) Coord() models.Coord { return models.Coord{Lat: f.Lat, Lon: f.Lng} }

// Provider returns the current position of one device.
type Provider interface {
	Current(ctx context.Context) (Fix, error)
}

type ProviderFunc func(ctx context.Context) (Fix, error)

func (f ProviderFunc) Current(ctx context.Context) (Fix, error) { return f(ctx) }

// PushProvider keeps the latest fix uploaded by each client app.
type PushProvider struct {
	mu    sync.RWMutex
	fixes map[string]Fix
}

func NewPushProvider() *PushProvider {
	return &PushProvider{fixes: make(map[string]Fix)}
}

// Push records f unless a newer fix is already held.
func (p *PushProvider) Push(userID string, f Fix) {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.fixes[userID]; ok && cur.At.After(f.At) {
		return
	}
	p.fixes[userID] = f
}

func (p *PushProvider) Latest(userID string) (Fix, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	f, ok := p.fixes[userID]
	return f, ok
}

// For returns the Provider of one user.
func (p *PushProvider) For(userID string) Provider {
	return ProviderFunc(func(ctx context.Context) (Fix, error) {
		if err := ctx.Err(); err != nil {
			return Fix{}, err
		}
		f, ok := p.Latest(userID)
		if !ok {
			return Fix{}, ErrNoFix
		}
		return f, nil
	})
}
