// monitor/session.go
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pos_bian_go/config"
	"pos_bian_go/exchange"
	"pos_bian_go/logs"
)

// maxReconnect bounds session recovery attempts within one validation.
const maxReconnect = 3

// backoff is the recovery delay before attempt n.
func backoff(attempt int) time.Duration {
	return time.Duration((float64(attempt)*1.6 + 1) * float64(time.Second))
}

// Keeper watches one user's exchange session: periodic server-time re-sync,
// hedge-mode assertion and price-stream startup. A failed validation marks
// the session unhealthy so the engine can skip the user's cycle until the
// session recovers.
type Keeper struct {
	user    string
	client  exchange.Client
	engine  *config.EngineConfig
	symbols []string

	mu       sync.Mutex
	healthy  bool
	lastSync time.Time
}

func NewKeeper(user string, client exchange.Client, engine *config.EngineConfig, symbols []string) *Keeper {
	return &Keeper{
		user:    user,
		client:  client,
		engine:  engine,
		symbols: symbols,
	}
}

// Init validates the session once, asserts hedge (dual-position) mode and
// starts the streaming price feed. Called before the first trade cycle.
func (k *Keeper) Init(ctx context.Context) error {
	if err := k.Validate(ctx); err != nil {
		return err
	}
	if err := k.client.SetHedgeMode(ctx, true); err != nil {
		return fmt.Errorf("set hedge mode for %s: %w", k.user, err)
	}
	if err := k.client.StartPriceStream(ctx, k.symbols); err != nil {
		return fmt.Errorf("start price stream for %s: %w", k.user, err)
	}
	logs.Infof("[Session][%s] initialized: hedge mode on, streaming %d symbols", k.user, len(k.symbols))
	return nil
}

// Validate re-syncs the server clock, retrying with growing backoff. It
// doubles as the connectivity probe: a session that cannot answer a time
// sync cannot answer signed requests either.
func (k *Keeper) Validate(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		lastErr = k.client.SyncTime(ctx)
		if lastErr == nil {
			k.mu.Lock()
			k.healthy = true
			k.lastSync = time.Now()
			k.mu.Unlock()
			return nil
		}
		logs.Warnf("[Session][%s] validation attempt %d/%d failed: %v", k.user, attempt, maxReconnect, lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt)):
		}
	}

	k.mu.Lock()
	k.healthy = false
	k.mu.Unlock()
	logs.Errorf("[Session][%s] could not recover session after %d attempts", k.user, maxReconnect)
	return fmt.Errorf("session validation for %s: %w", k.user, lastErr)
}

// Healthy reports the outcome of the most recent validation.
func (k *Keeper) Healthy() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.healthy
}

// LastSync returns the time of the last successful clock sync.
func (k *Keeper) LastSync() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastSync
}

// Run revalidates the session on the configured interval until the context
// is cancelled.
func (k *Keeper) Run(ctx context.Context) {
	interval := time.Duration(k.engine.TimeSyncIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logs.Infof("[Session][%s] keeper stopped", k.user)
			return
		case <-ticker.C:
			if err := k.Validate(ctx); err != nil {
				continue
			}
			logs.Debugf("[Session][%s] clock re-synced", k.user)
		}
	}
}
