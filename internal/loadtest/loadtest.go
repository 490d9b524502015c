// Package loadtest simulates many devices of one tenant writing and syncing
// concurrently against a shared remote store.
//
// It is used to validate that every device converges to the remote state
// once writes stop, and to measure sync session latency under contention
// and injected transient faults.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/entity"
	"github.com/tillbook/tillbook/internal/local"
	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/remote"
	"github.com/tillbook/tillbook/internal/remote/memory"
	"github.com/tillbook/tillbook/internal/repository"
	"github.com/tillbook/tillbook/internal/syncer"
	"github.com/tillbook/tillbook/internal/tenant"
)

// TenantID is the tenant every simulated device belongs to.
const TenantID = "loadtest"

// Device is one simulated install.
type Device struct {
	Name      string
	Local     *local.Store
	Coord     *syncer.Coordinator
	Customers *repository.Repository[entity.Customer]
}

// Cluster is a set of devices sharing one in-memory remote.
type Cluster struct {
	Remote  *memory.Store
	Devices []*Device

	rngMu sync.Mutex
	rng   *rand.Rand
}

// LatencyStats captures sync session timings from a run.
type LatencyStats struct {
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration // Median
	P95      time.Duration
	P99      time.Duration
	Sessions int
	// Errors counts session-fatal errors; Failures counts per-record ones.
	Errors    int
	Failures  int
	Writes    int
	Updates   int
	Deletes   int
	Durations []time.Duration
}

// NewCluster opens numDevices local stores under dir, all wired to one
// memory remote.
func NewCluster(ctx context.Context, dir string, numDevices int, logger *zap.Logger) (*Cluster, error) {
	if numDevices <= 0 {
		return nil, fmt.Errorf("numDevices must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Cluster{
		Remote: memory.New(),
		// Deterministic for reproducibility.
		rng: rand.New(rand.NewSource(42)),
	}
	registry := entity.NewRegistry(entity.Customers.Descriptor)

	for i := 0; i < numDevices; i++ {
		name := fmt.Sprintf("device-%03d", i)
		store, err := local.OpenContext(ctx, filepath.Join(dir, name+".db"), registry.Kinds(),
			local.WithLogger(logger.Named(name)))
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to open %s: %w", name, err)
		}
		tenants := tenant.Static{TenantID: TenantID, ActorID: name}

		coord, err := syncer.New(syncer.Config{
			Local:    store,
			Remote:   c.Remote,
			Registry: registry,
			Actor:    tenants,
			Logger:   logger.Named(name),
		})
		if err != nil {
			_ = store.Close()
			_ = c.Close()
			return nil, err
		}

		c.Devices = append(c.Devices, &Device{
			Name:      name,
			Local:     store,
			Coord:     coord,
			Customers: repository.New(store, entity.Customers, tenants),
		})
	}
	return c, nil
}

// Close closes every device's local store.
func (c *Cluster) Close() error {
	var firstErr error
	for _, d := range c.Devices {
		if err := d.Local.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// InjectFaults makes a fraction of remote calls fail with a transient error.
// A rate of zero removes the injector.
func (c *Cluster) InjectFaults(rate float64) {
	if rate <= 0 {
		c.Remote.SetFault(nil)
		return
	}
	c.Remote.SetFault(func(op memory.Op, kind record.Kind, _, id string) error {
		c.rngMu.Lock()
		hit := c.rng.Float64() < rate
		c.rngMu.Unlock()
		if hit {
			return &record.OpError{Op: string(op), Kind: kind, ID: id, Err: record.ErrUnavailable}
		}
		return nil
	})
}

// Run has every device concurrently perform rounds of writes followed by a
// sync session. Each round a device adds writesPerRound customers, deletes
// one it added in the previous round and edits one record another device
// created.
func (c *Cluster) Run(ctx context.Context, writesPerRound, rounds int) (*LatencyStats, error) {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		all []time.Duration
		agg LatencyStats
	)

	errs := make(chan error, len(c.Devices))

	for _, d := range c.Devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()

			var own LatencyStats
			var prev []string
			durations := make([]time.Duration, 0, rounds)

			for r := 0; r < rounds; r++ {
				added := make([]string, 0, writesPerRound)
				for w := 0; w < writesPerRound; w++ {
					item, err := d.Customers.Add(ctx, entity.Customer{
						Name:   fmt.Sprintf("%s round %d customer %d", d.Name, r, w),
						Phone:  fmt.Sprintf("555-%04d", r*writesPerRound+w),
						Active: true,
					})
					if err != nil {
						errs <- fmt.Errorf("%s add: %w", d.Name, err)
						return
					}
					added = append(added, item.ID)
					own.Writes++
				}

				if len(prev) > 0 {
					if err := d.Customers.Delete(ctx, prev[0]); err != nil {
						errs <- fmt.Errorf("%s delete: %w", d.Name, err)
						return
					}
					own.Deletes++
				}
				prev = added

				if ok, err := c.editForeign(ctx, d); err != nil {
					errs <- err
					return
				} else if ok {
					own.Updates++
				}

				start := time.Now()
				res, err := d.Coord.SyncKind(ctx, entity.KindCustomers, TenantID)
				durations = append(durations, time.Since(start))
				if err != nil {
					own.Errors++
					continue
				}
				own.Failures += len(res.Failures)
			}

			mu.Lock()
			all = append(all, durations...)
			agg.Writes += own.Writes
			agg.Updates += own.Updates
			agg.Deletes += own.Deletes
			agg.Errors += own.Errors
			agg.Failures += own.Failures
			mu.Unlock()
		}(d)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no sync sessions completed")
	}

	stats := computeLatencyStats(all)
	stats.Writes, stats.Updates, stats.Deletes = agg.Writes, agg.Updates, agg.Deletes
	stats.Errors, stats.Failures = agg.Errors, agg.Failures
	return stats, nil
}

// editForeign updates the first live customer on d that another device
// created, if d has pulled one yet.
func (c *Cluster) editForeign(ctx context.Context, d *Device) (bool, error) {
	items, err := d.Customers.List(ctx)
	if err != nil {
		return false, fmt.Errorf("%s list: %w", d.Name, err)
	}
	for _, it := range items {
		if len(it.Entity.Name) >= len(d.Name) && it.Entity.Name[:len(d.Name)] == d.Name {
			continue
		}
		it.Entity.Notes = "edited by " + d.Name
		if _, err := d.Customers.Update(ctx, it.ID, it.Entity); err != nil {
			return false, fmt.Errorf("%s update: %w", d.Name, err)
		}
		return true, nil
	}
	return false, nil
}

// Converge removes injected faults and syncs every device in turn until no
// device has pending changes. Two passes suffice without faults: the first
// pushes everything, the second pulls the final state everywhere.
func (c *Cluster) Converge(ctx context.Context) error {
	c.InjectFaults(0)
	for pass := 0; pass < 2; pass++ {
		for _, d := range c.Devices {
			res, err := d.Coord.SyncKind(ctx, entity.KindCustomers, TenantID)
			if err != nil {
				return fmt.Errorf("%s sync: %w", d.Name, err)
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("%s sync: %w", d.Name, err)
			}
		}
	}
	return nil
}

// VerifyConvergence checks that every device holds exactly the remote's
// documents with the same timestamps and payloads, and nothing pending.
func (c *Cluster) VerifyConvergence(ctx context.Context) error {
	docs, err := c.Remote.ListByTenant(ctx, entity.KindCustomers, TenantID)
	if err != nil {
		return err
	}
	want := make(map[string]*remote.Document, len(docs))
	for _, doc := range docs {
		want[doc.ID] = doc
	}

	for _, d := range c.Devices {
		recs, err := d.Local.ListAll(ctx, entity.KindCustomers, TenantID)
		if err != nil {
			return err
		}
		if len(recs) != len(want) {
			return fmt.Errorf("%s has %d records, remote has %d", d.Name, len(recs), len(want))
		}
		for _, rec := range recs {
			if rec.Dirty {
				return fmt.Errorf("%s: %s still pending", d.Name, rec.ID)
			}
			doc, ok := want[rec.ID]
			if !ok {
				return fmt.Errorf("%s: %s not on remote", d.Name, rec.ID)
			}
			if !doc.UpdatedAt.Equal(rec.UpdatedAt) || !sameJSON(doc.Payload, rec.Payload) {
				return fmt.Errorf("%s: %s differs from remote", d.Name, rec.ID)
			}
		}
	}
	return nil
}

func sameJSON(a, b []byte) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Sessions:  len(durations),
		Durations: sorted,
	}
}

// Print writes a human-readable summary.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Sync sessions:   %d\n", s.Sessions)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Failures:      %d\n", s.Failures)
	fmt.Fprintf(w, "Writes:          %d added, %d edited, %d deleted\n", s.Writes, s.Updates, s.Deletes)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
