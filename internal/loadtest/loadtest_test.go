package loadtest

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

// TestClusterConverges verifies that concurrent writers end in the same state.
func TestClusterConverges(t *testing.T) {
	ctx := context.Background()

	c, err := NewCluster(ctx, t.TempDir(), 4, nil)
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	defer c.Close()

	stats, err := c.Run(ctx, 5, 3)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if stats.Sessions != 12 {
		t.Errorf("Expected 12 sessions, got %d", stats.Sessions)
	}
	if stats.Writes != 60 {
		t.Errorf("Expected 60 writes, got %d", stats.Writes)
	}
	if stats.Deletes != 8 {
		t.Errorf("Expected 8 deletes, got %d", stats.Deletes)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d session errors", stats.Errors)
	}

	if err := c.Converge(ctx); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if err := c.VerifyConvergence(ctx); err != nil {
		t.Fatalf("Devices diverged: %v", err)
	}

	// An edit pushed after a delete recreates the record, so deletes are an
	// upper bound on what disappears.
	if n := c.Remote.Len("customers"); n < 60-8 || n > 60 {
		t.Errorf("Expected between 52 and 60 remote customers, got %d", n)
	}
}

// TestClusterConvergesWithFaults injects transient failures during the run.
func TestClusterConvergesWithFaults(t *testing.T) {
	ctx := context.Background()

	c, err := NewCluster(ctx, t.TempDir(), 3, nil)
	if err != nil {
		t.Fatalf("Failed to create cluster: %v", err)
	}
	defer c.Close()

	c.InjectFaults(0.3)
	stats, err := c.Run(ctx, 4, 4)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Failures == 0 {
		t.Error("Expected injected failures to be reported")
	}
	if stats.Errors > 0 {
		t.Errorf("Transient faults must not fail sessions, got %d errors", stats.Errors)
	}

	if err := c.Converge(ctx); err != nil {
		t.Fatalf("Converge failed: %v", err)
	}
	if err := c.VerifyConvergence(ctx); err != nil {
		t.Fatalf("Devices diverged: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(ds)
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("Expected P99 100ms, got %v", s.P99)
	}
	if s.Sessions != 100 {
		t.Errorf("Expected 100 sessions, got %d", s.Sessions)
	}

	var buf bytes.Buffer
	s.Print(&buf)
	if !strings.Contains(buf.String(), "P95") {
		t.Errorf("Summary missing P95:\n%s", buf.String())
	}
}

func TestNewClusterRejectsZeroDevices(t *testing.T) {
	if _, err := NewCluster(context.Background(), t.TempDir(), 0, nil); err == nil {
		t.Fatal("Expected error for zero devices")
	}
}

// BenchmarkSyncSession measures one write-then-sync round on a single device.
func BenchmarkSyncSession(b *testing.B) {
	ctx := context.Background()
	c, err := NewCluster(ctx, b.TempDir(), 1, nil)
	if err != nil {
		b.Fatalf("Failed to create cluster: %v", err)
	}
	defer c.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Run(ctx, 10, 1); err != nil {
			b.Fatalf("Run failed: %v", err)
		}
	}
}
