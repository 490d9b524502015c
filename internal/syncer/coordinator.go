// Package syncer reconciles the local store with the remote store.
//
// A session for one (tenant, kind) runs a push phase, which sends dirty
// records and tombstones to the remote, then a pull phase, which applies the
// remote listing locally and hard-deletes clean records that disappeared
// remotely. At most one session per (tenant, kind) runs at a time; requests
// that arrive meanwhile are folded into one trailing session.
//
// Failures are classified with the record error taxonomy. Transient and
// per-record failures are collected into the Result and never stop the
// batch; only session-fatal conditions (no tenant, local store failure) are
// returned as errors.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
)

// State is the phase of a (tenant, kind) session.
type State int

const (
	Idle State = iota
	Pushing
	Pulling
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pushing:
		return "pushing"
	case Pulling:
		return "pulling"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Idle, Pushing, Pulling, Failed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown sync state %q", b)
}

// SessionStatus is the observable state of a (tenant, kind) pair.
type SessionStatus struct {
	State      State     `json:"state" yaml:"state"`
	LastResult *Result   `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastRun    time.Time `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

// ActorProvider identifies who is writing; stamped into remote documents.
type ActorProvider interface {
	CurrentActorID() string
}

// Config wires a Coordinator.
type Config struct {
	Local    *local.Store
	Remote   remote.Store
	Registry *entity.Registry
	Actor    ActorProvider
	Logger   *zap.Logger
	// Registerer receives the coordinator metrics; nil skips registration.
	Registerer prometheus.Registerer
}

type mode int

const (
	modePush mode = 1 << iota
	modePull
	modeFull = modePush | modePull
)

// Coordinator runs sync sessions.
type Coordinator struct {
	local    *local.Store
	remote   remote.Store
	registry *entity.Registry
	actor    ActorProvider
	logger   *zap.Logger
	metrics  *Metrics
	now      func() time.Time
	gate     *gate

	mu          sync.Mutex
	status      map[key]*SessionStatus
	listeners   []func(*Result)
	transitions []func(tenantID string, kind record.Kind, from, to State)
}

// New creates a coordinator and registers every kind of the registry with
// the local store.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("local store cannot be nil")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("remote store cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	for _, kind := range cfg.Registry.Kinds() {
		if err := cfg.Local.Register(context.Background(), kind); err != nil {
			return nil, err
		}
	}

	return &Coordinator{
		local:    cfg.Local,
		remote:   cfg.Remote,
		registry: cfg.Registry,
		actor:    cfg.Actor,
		logger:   cfg.Logger,
		metrics:  NewMetrics(cfg.Registerer),
		now:      time.Now,
		gate:     newGate(),
		status:   make(map[key]*SessionStatus),
	}, nil
}

// Kinds returns the kinds the coordinator syncs.
func (c *Coordinator) Kinds() []record.Kind {
	return c.registry.Kinds()
}

// OnResult registers fn to receive every finished session result, trailing
// sessions included. fn must not block.
func (c *Coordinator) OnResult(fn func(*Result)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// OnTransition registers fn to observe session state changes.
func (c *Coordinator) OnTransition(fn func(tenantID string, kind record.Kind, from, to State)) {
	c.mu.Lock()
	c.transitions = append(c.transitions, fn)
	c.mu.Unlock()
}

// Push sends the dirty records of kind to the remote store.
func (c *Coordinator) Push(ctx context.Context, kind record.Kind, tenantID string) (*Result, error) {
	return c.run(ctx, kind, tenantID, modePush)
}

// Pull applies the remote listing of kind to the local store.
func (c *Coordinator) Pull(ctx context.Context, kind record.Kind, tenantID string) (*Result, error) {
	return c.run(ctx, kind, tenantID, modePull)
}

// SyncKind pushes then pulls one kind.
func (c *Coordinator) SyncKind(ctx context.Context, kind record.Kind, tenantID string) (*Result, error) {
	return c.run(ctx, kind, tenantID, modeFull)
}

// Sync pushes then pulls every given kind, or every registered kind when
// none is given. Kinds run concurrently; a failure in one never stops the
// others. The returned error is non-nil only when no session could start.
func (c *Coordinator) Sync(ctx context.Context, tenantID string, kinds ...record.Kind) (*Report, error) {
	return c.fanOut(ctx, tenantID, modeFull, kinds)
}

// InitialSync hydrates the local store for a tenant with a pull of every
// kind and records the hydration marker when every listing succeeded.
func (c *Coordinator) InitialSync(ctx context.Context, tenantID string) (*Report, error) {
	report, err := c.fanOut(ctx, tenantID, modePull, nil)
	if err != nil {
		return nil, err
	}

	for _, res := range report.Results {
		if report.Errors[res.Kind] != nil || !res.Complete() {
			c.logger.Warn("initial sync incomplete",
				zap.String("tenant_id", tenantID), zap.String("kind", res.Kind.String()))
			return report, nil
		}
	}

	if err := c.local.SetState(ctx, hydratedKey(tenantID), c.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return report, err
	}
	c.logger.Info("initial sync complete", zap.String("tenant_id", tenantID))
	return report, nil
}

// Hydrated reports whether InitialSync has completed for tenantID.
func (c *Coordinator) Hydrated(ctx context.Context, tenantID string) (bool, error) {
	v, err := c.local.State(ctx, hydratedKey(tenantID))
	if err != nil {
		return false, err
	}
	return v != "", nil
}

func hydratedKey(tenantID string) string {
	return "hydrated:" + tenantID
}

// DirtyKinds returns the kinds with records awaiting push.
func (c *Coordinator) DirtyKinds(ctx context.Context, tenantID string) ([]record.Kind, error) {
	var out []record.Kind
	for _, kind := range c.Kinds() {
		n, err := c.local.CountDirty(ctx, kind, tenantID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			out = append(out, kind)
		}
	}
	return out, nil
}

// Status returns the session status of (tenantID, kind).
func (c *Coordinator) Status(tenantID string, kind record.Kind) SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.status[key{tenantID, kind}]; ok {
		return *st
	}
	return SessionStatus{State: Idle}
}

// History returns the most recent finished sessions of a tenant.
func (c *Coordinator) History(ctx context.Context, tenantID string, limit int) ([]*local.Run, error) {
	return c.local.LastRuns(ctx, tenantID, limit)
}

func (c *Coordinator) fanOut(ctx context.Context, tenantID string, m mode, kinds []record.Kind) (*Report, error) {
	if tenantID == "" {
		return nil, record.ErrNoTenant
	}
	if len(kinds) == 0 {
		kinds = c.Kinds()
	}

	report := &Report{
		TenantID: tenantID,
		Results:  make([]*Result, len(kinds)),
		Errors:   make(map[record.Kind]error),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			res, err := c.run(gctx, kind, tenantID, m)
			if res == nil {
				res = &Result{Kind: kind, TenantID: tenantID}
			}
			report.Results[i] = res
			if err != nil {
				mu.Lock()
				report.Errors[kind] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

func (c *Coordinator) run(ctx context.Context, kind record.Kind, tenantID string, m mode) (*Result, error) {
	if tenantID == "" {
		return nil, record.ErrNoTenant
	}
	desc, ok := c.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("kind %q is not registered: %w", kind, record.ErrLocalStore)
	}

	k := key{tenantID: tenantID, kind: kind}
	if !c.gate.acquire(k) {
		c.metrics.SessionsCoalesced.WithLabelValues(kind.String()).Inc()
		c.logger.Debug("sync coalesced",
			zap.String("tenant_id", tenantID), zap.String("kind", kind.String()))
		return &Result{Kind: kind, TenantID: tenantID, Coalesced: true}, nil
	}

	res, err := c.session(ctx, desc, k, m)
	for c.gate.next(k, ctx.Err() != nil) {
		c.logger.Debug("running trailing sync",
			zap.String("tenant_id", tenantID), zap.String("kind", kind.String()))
		_, _ = c.session(ctx, desc, k, modeFull)
	}
	return res, err
}

func (c *Coordinator) session(ctx context.Context, desc *entity.Descriptor, k key, m mode) (*Result, error) {
	started := c.now()
	res := &Result{Kind: k.kind, TenantID: k.tenantID}

	var err error
	if m&modePush != 0 {
		c.setState(k, Pushing)
		err = c.push(ctx, desc, k.tenantID, res)
	}
	if err == nil && m&modePull != 0 {
		c.setState(k, Pulling)
		err = c.pull(ctx, desc, k.tenantID, res)
	}
	res.Duration = c.now().Sub(started)

	c.finish(ctx, k, res, err, started)
	return res, err
}

func (c *Coordinator) setState(k key, to State) {
	c.mu.Lock()
	st, ok := c.status[k]
	if !ok {
		st = &SessionStatus{State: Idle}
		c.status[k] = st
	}
	from := st.State
	st.State = to
	hooks := c.transitions
	c.mu.Unlock()

	if from != to {
		for _, fn := range hooks {
			fn(k.tenantID, k.kind, from, to)
		}
	}
}

func (c *Coordinator) finish(ctx context.Context, k key, res *Result, err error, started time.Time) {
	kind := k.kind.String()
	outcome := "ok"
	var lastErr error
	switch {
	case err != nil:
		outcome, lastErr = "error", err
	case len(res.Failures) > 0:
		outcome, lastErr = "partial", res.Err()
	}

	c.metrics.SessionDuration.WithLabelValues(kind).Observe(res.Duration.Seconds())
	c.metrics.SessionsTotal.WithLabelValues(kind, outcome).Inc()
	c.metrics.RecordsPushed.WithLabelValues(kind).Add(float64(res.Pushed))
	c.metrics.RecordsPulled.WithLabelValues(kind).Add(float64(res.Pulled))
	c.metrics.Deletions.WithLabelValues(kind, "push").Add(float64(res.Deleted))
	c.metrics.Deletions.WithLabelValues(kind, "pull").Add(float64(res.Removed))
	for _, f := range res.Failures {
		class := "fatal"
		if f.Transient() {
			class = "transient"
		}
		c.metrics.RecordsFailed.WithLabelValues(kind, f.Op, class).Inc()
	}

	fields := []zap.Field{
		zap.String("tenant_id", k.tenantID),
		zap.String("kind", kind),
		zap.Int("pushed", res.Pushed),
		zap.Int("deleted", res.Deleted),
		zap.Int("pulled", res.Pulled),
		zap.Int("removed", res.Removed),
		zap.Int("failed", len(res.Failures)),
		zap.Duration("duration", res.Duration),
	}
	if lastErr != nil {
		c.logger.Warn("sync session finished with errors", append(fields, zap.Error(lastErr))...)
		c.setState(k, Failed)
	} else {
		c.logger.Info("sync session finished", fields...)
	}

	run := &local.Run{
		TenantID:   k.tenantID,
		Kind:       k.kind,
		StartedAt:  started,
		FinishedAt: started.Add(res.Duration),
		State:      outcome,
		Pushed:     res.Pushed,
		Deleted:    res.Deleted,
		Pulled:     res.Pulled,
		Removed:    res.Removed,
		Failed:     len(res.Failures),
	}
	if lastErr != nil {
		run.Error = lastErr.Error()
	}
	if err := c.local.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		c.logger.Warn("failed to record sync run", zap.String("kind", kind), zap.Error(err))
	}

	c.mu.Lock()
	st := c.status[k]
	st.LastResult = res
	st.LastRun = started
	st.LastError = ""
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	listeners := c.listeners
	c.mu.Unlock()

	c.setState(k, Idle)

	for _, fn := range listeners {
		fn(res)
	}
}
