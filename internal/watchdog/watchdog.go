// Package watchdog trips the kill switch when a trading loop stops
// beating. The trip is one-way: entries stay blocked until an operator
// resets it, and exits are never touched, so a wedged scanner can cost
// at most the positions already open, never new ones.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nsebot/tradeengine/internal/events"
	"github.com/nsebot/tradeengine/internal/notification"
	"github.com/nsebot/tradeengine/internal/state"
)

// Config tunes the scan cadence and the staleness threshold.
type Config struct {
	ScanInterval time.Duration `json:"scan_interval"`
	StaleAfter   time.Duration `json:"stale_after"`
}

// DefaultConfig returns the production cadence: a component gets four
// missed beats before it counts as dead.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 30 * time.Second,
		StaleAfter:   120 * time.Second,
	}
}

// Watchdog scans component heartbeats and pulls the plug on entries.
type Watchdog struct {
	store    *state.Store
	bus      *events.Bus
	notifier *notification.Manager
	cfg      Config
	logger   zerolog.Logger

	mu        sync.Mutex
	isRunning bool
	stopChan  chan struct{}
	lastStale []string
}

// New wires a watchdog over the shared heartbeat map.
func New(store *state.Store, bus *events.Bus, notifier *notification.Manager, cfg Config, logger zerolog.Logger) *Watchdog {
	if cfg.ScanInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Watchdog{
		store:    store,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "watchdog").Logger(),
	}
}

// Start seeds a beat for every named component, so one that never comes
// up at all is caught the same way as one that dies later, then launches
// the scan loop.
func (w *Watchdog) Start(ctx context.Context, components ...string) {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return
	}
	w.isRunning = true
	w.stopChan = make(chan struct{})
	stop := w.stopChan
	w.mu.Unlock()

	for _, name := range components {
		w.store.Beat(name)
	}

	w.logger.Info().
		Strs("components", components).
		Dur("stale_after", w.cfg.StaleAfter).
		Msg("Watchdog started")

	go w.run(ctx, stop)
}

// Stop halts the scan loop.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.isRunning {
		return
	}
	w.isRunning = false
	close(w.stopChan)
	w.logger.Info().Msg("Watchdog stopped")
}

func (w *Watchdog) run(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check runs one heartbeat scan. Exported for tests and the status API.
func (w *Watchdog) Check() {
	stale := w.store.StaleComponents(w.cfg.StaleAfter)

	w.mu.Lock()
	w.lastStale = stale
	w.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	if !w.store.TradingAllowed() {
		// Already tripped; don't spam the operator every scan.
		w.logger.Warn().Strs("stale", stale).Msg("Components still stale, kill switch already on")
		return
	}

	reason := fmt.Sprintf("heartbeat stale: %s", strings.Join(stale, ", "))
	w.store.DisableTrading(reason)
	w.bus.PublishKillSwitch(true, reason)
	w.notifier.SendCritical("Kill switch tripped", reason+
		"; new entries blocked, open positions still managed. Operator reset required.")

	w.logger.Error().
		Strs("stale", stale).
		Msg("KILL SWITCH: heartbeats stale, entries disabled")
}

// StaleComponents returns the components flagged on the last scan.
func (w *Watchdog) StaleComponents() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lastStale...)
}

// Reset re-arms trading after an operator confirms the loops are alive
// again. Refuses while any heartbeat is still stale.
func (w *Watchdog) Reset() error {
	stale := w.store.StaleComponents(w.cfg.StaleAfter)
	if len(stale) > 0 {
		return fmt.Errorf("components still stale: %s", strings.Join(stale, ", "))
	}

	w.store.EnableTrading()
	w.bus.PublishKillSwitch(false, "operator reset")
	w.logger.Warn().Msg("Kill switch reset by operator")
	return nil
}
