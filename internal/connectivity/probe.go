// Package connectivity reports whether the remote store is reachable.
//
// A Probe answers a single yes/no question; a Monitor polls a probe and
// turns the answers into a stream of transitions.
package connectivity

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync"
	"time"
)

// Probe checks reachability once.
type Probe interface {
	Check(ctx context.Context) bool
}

// DialProbe reports online when a TCP connection to Address succeeds.
type DialProbe struct {
	Address string
	Timeout time.Duration
}

// Check implements Probe.
func (p DialProbe) Check(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// FileProbe reads a status file containing "online" or "offline".
// A missing file means offline.
type FileProbe struct {
	Path string
}

// Check implements Probe.
func (p FileProbe) Check(context.Context) bool {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return false
	}
	return string(bytes.ToLower(bytes.TrimSpace(data))) == "online"
}

// Manual is a settable probe.
type Manual struct {
	mu     sync.Mutex
	online bool
}

// NewManual returns a manual probe with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// Set changes the reported state.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

// Check implements Probe.
func (m *Manual) Check(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Always is a probe that reports a fixed state.
type Always bool

// Check implements Probe.
func (a Always) Check(context.Context) bool { return bool(a) }
