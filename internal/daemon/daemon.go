// Package daemon schedules sync sessions for the signed-in tenant.
//
// The daemon:
//  1. Watches connectivity and, on reconnect, syncs every kind with dirty records
//  2. Pushes kinds nudged by local writes, debounced, while online
//  3. Periodically syncs every kind while online
//  4. Pulls kinds announced by other devices over the change feed
//  5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/connectivity"
	"github.com/tillbook/tillbook/internal/notify"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a nudged kind waits before it is pushed.
	// Rapid writes to one kind are batched into one session.
	DebounceInterval time.Duration

	// PullInterval is how often every kind is synced while online.
	// Zero disables the periodic sync.
	PullInterval time.Duration

	// DeviceID tags published changes so the device ignores its own.
	DeviceID string

	// Feed is the optional cross-device change feed.
	Feed notify.Feed

	// TenantCheckInterval is how often the feed subscription is matched
	// against the signed-in tenant.
	TenantCheckInterval time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval:    500 * time.Millisecond,
		PullInterval:        5 * time.Minute,
		TenantCheckInterval: time.Second,
		Logger:              zap.NewNop(),
	}
}

// Daemon drives a Coordinator from connectivity, local writes and the feed.
type Daemon struct {
	coord   *syncer.Coordinator
	monitor *connectivity.Monitor
	tenants tenant.Provider
	config  *Config
	logger  *zap.Logger

	changeQueue   map[record.Kind]time.Time // kind -> last nudge
	changeQueueMu sync.Mutex

	pushed chan *syncer.Result
	online atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lifeMu orders Start's wg.Add calls before Stop's wg.Wait.
	lifeMu   sync.Mutex
	started  atomic.Bool
	halted   bool
	stopOnce sync.Once
}

// New creates a new Daemon instance. Use Start to begin scheduling.
func New(coord *syncer.Coordinator, monitor *connectivity.Monitor, tenants tenant.Provider) (*Daemon, error) {
	return NewWithConfig(coord, monitor, tenants, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(coord *syncer.Coordinator, monitor *connectivity.Monitor, tenants tenant.Provider, config *Config) (*Daemon, error) {
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if tenants == nil {
		return nil, fmt.Errorf("tenant provider cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.TenantCheckInterval <= 0 {
		config.TenantCheckInterval = DefaultConfig().TenantCheckInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		coord:       coord,
		monitor:     monitor,
		tenants:     tenants,
		config:      config,
		logger:      logger,
		changeQueue: make(map[record.Kind]time.Time),
		pushed:      make(chan *syncer.Result, 64),
		ctx:         ctx,
		cancel:      cancel,
	}

	if config.Feed != nil {
		coord.OnResult(func(res *syncer.Result) {
			if res.Pushed+res.Deleted == 0 {
				return
			}
			select {
			case d.pushed <- res:
			default:
				d.logger.Debug("change feed backlog full, dropping notice",
					zap.String("kind", res.Kind.String()))
			}
		})
	}

	return d, nil
}

// Start begins scheduling and blocks until ctx is cancelled or Stop is
// called.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.launch(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

func (d *Daemon) launch() error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if d.halted || d.ctx.Err() != nil {
		return fmt.Errorf("daemon stopped")
	}
	if d.started.Load() {
		return fmt.Errorf("daemon already started")
	}
	d.started.Store(true)

	d.logger.Info("starting sync daemon",
		zap.Duration("debounce", d.config.DebounceInterval),
		zap.Duration("pull_interval", d.config.PullInterval))

	d.wg.Add(2)
	go d.watchConnectivity()
	go d.processChangeQueue()

	if d.config.PullInterval > 0 {
		d.wg.Add(1)
		go d.periodicSync()
	}

	if d.config.Feed != nil {
		d.wg.Add(2)
		go d.publishChanges()
		go d.followFeed()
	}
	return nil
}

// Stop gracefully shuts down the daemon. It is safe to call more than once;
// a stopped daemon cannot be started again.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.lifeMu.Lock()
		d.halted = true
		d.cancel()
		d.lifeMu.Unlock()

		d.logger.Info("stopping sync daemon")
		d.wg.Wait()
		d.logger.Info("sync daemon stopped")
	})
	return nil
}

// Online reports the last observed connectivity state.
func (d *Daemon) Online() bool {
	return d.online.Load()
}

// Nudge queues kind for an opportunistic push after the debounce interval.
func (d *Daemon) Nudge(kind record.Kind) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[kind] = time.Now()
}

func (d *Daemon) currentTenant() (string, bool) {
	tenantID, err := d.tenants.CurrentTenantID()
	if err != nil {
		d.logger.Debug("no tenant signed in, skipping sync", zap.Error(err))
		return "", false
	}
	return tenantID, true
}

// watchConnectivity reacts to offline -> online transitions.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	for online := range d.monitor.Watch(d.ctx) {
		was := d.online.Swap(online)
		if online && !was {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.onReconnect()
			}()
		}
	}
}

// onReconnect syncs every kind with dirty records, then hydrates the tenant
// if it never completed an initial sync.
func (d *Daemon) onReconnect() {
	tenantID, ok := d.currentTenant()
	if !ok {
		return
	}

	kinds, err := d.coord.DirtyKinds(d.ctx, tenantID)
	if err != nil {
		d.logger.Error("failed to list dirty kinds", zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if len(kinds) > 0 {
		d.logger.Info("back online, syncing dirty kinds",
			zap.String("tenant_id", tenantID), zap.Int("kinds", len(kinds)))
		if _, err := d.coord.Sync(d.ctx, tenantID, kinds...); err != nil {
			d.logger.Warn("reconnect sync failed", zap.Error(err))
		}
	}

	hydrated, err := d.coord.Hydrated(d.ctx, tenantID)
	if err != nil {
		d.logger.Error("failed to read hydration state", zap.Error(err))
		return
	}
	if !hydrated {
		if _, err := d.coord.InitialSync(d.ctx, tenantID); err != nil {
			d.logger.Warn("initial sync failed", zap.Error(err))
		}
	}
}

// processChangeQueue pushes nudged kinds once they have been quiet for the
// debounce interval.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges syncs kinds that have been queued for long enough.
// While offline the queue is kept; reconnect covers it anyway.
func (d *Daemon) processPendingChanges() {
	if !d.online.Load() {
		return
	}

	d.changeQueueMu.Lock()
	now := time.Now()
	var ready []record.Kind
	for kind, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, kind)
		delete(d.changeQueue, kind)
	}
	d.changeQueueMu.Unlock()

	if len(ready) == 0 {
		return
	}
	tenantID, ok := d.currentTenant()
	if !ok {
		return
	}
	if _, err := d.coord.Sync(d.ctx, tenantID, ready...); err != nil {
		d.logger.Warn("opportunistic push failed", zap.Error(err))
	}
}

// periodicSync runs a full push-then-pull of every kind while online.
func (d *Daemon) periodicSync() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if !d.online.Load() {
				continue
			}
			tenantID, ok := d.currentTenant()
			if !ok {
				continue
			}
			if _, err := d.coord.Sync(d.ctx, tenantID); err != nil {
				d.logger.Warn("periodic sync failed", zap.Error(err))
			}
		}
	}
}

// publishChanges announces successful pushes on the feed.
func (d *Daemon) publishChanges() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case res := <-d.pushed:
			change := notify.Change{Kind: res.Kind, Device: d.config.DeviceID}
			if err := d.config.Feed.Publish(d.ctx, res.TenantID, change); err != nil {
				d.logger.Warn("failed to publish change",
					zap.String("kind", res.Kind.String()), zap.Error(err))
			}
		}
	}
}

// followFeed pulls kinds that other devices announce. The subscription
// follows the signed-in tenant: it is opened on sign-in, moved on a tenant
// switch and dropped on sign-out.
func (d *Daemon) followFeed() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TenantCheckInterval)
	defer ticker.Stop()

	var (
		subscribed  string
		changes     <-chan notify.Change
		unsubscribe = func() {}
	)
	defer func() { unsubscribe() }()

	resubscribe := func() {
		tenantID, err := d.tenants.CurrentTenantID()
		if err != nil {
			tenantID = ""
		}
		if tenantID == subscribed && (changes != nil || tenantID == "") {
			return
		}
		unsubscribe()
		unsubscribe, changes, subscribed = func() {}, nil, ""
		if tenantID == "" {
			return
		}

		ctx, cancel := context.WithCancel(d.ctx)
		ch, err := d.config.Feed.Subscribe(ctx, tenantID)
		if err != nil {
			cancel()
			d.logger.Warn("change feed unavailable",
				zap.String("tenant_id", tenantID), zap.Error(err))
			return
		}
		unsubscribe, changes, subscribed = cancel, ch, tenantID
		d.logger.Debug("following change feed", zap.String("tenant_id", tenantID))
	}
	resubscribe()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			resubscribe()

		case change, ok := <-changes:
			if !ok {
				// Retried on the next tick.
				changes, subscribed = nil, ""
				continue
			}
			tenantID, err := d.tenants.CurrentTenantID()
			if err != nil || tenantID != subscribed {
				resubscribe()
				continue
			}
			if change.Device == d.config.DeviceID || !d.online.Load() {
				continue
			}
			d.logger.Debug("remote change announced",
				zap.String("kind", change.Kind.String()), zap.String("device", change.Device))
			if _, err := d.coord.Pull(d.ctx, change.Kind, tenantID); err != nil {
				d.logger.Warn("feed-triggered pull failed",
					zap.String("kind", change.Kind.String()), zap.Error(err))
			}
		}
	}
}
