package dashboard

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tillbook/tillbook/internal/record"
	"github.com/tillbook/tillbook/internal/syncer"
)

// StateChangeData describes a session state transition.
type StateChangeData struct {
	TenantID string      `json:"tenant_id"`
	Kind     record.Kind `json:"kind"`
	From     string      `json:"from"`
	To       string      `json:"to"`
}

// RecordsChangedData signals that a partition changed locally.
type RecordsChangedData struct {
	TenantID string      `json:"tenant_id"`
	Kind     record.Kind `json:"kind"`
}

// Events is what the handler subscribes to on the coordinator.
type Events interface {
	OnResult(fn func(*syncer.Result))
	OnTransition(fn func(tenantID string, kind record.Kind, from, to syncer.State))
}

// ChangeSource is the local store's change signal.
type ChangeSource interface {
	Subscribe(kind record.Kind, tenantID string) (<-chan struct{}, func())
}

// Handler turns coordinator and local store events into dashboard messages.
type Handler struct {
	server *Server
	logger *zap.Logger
}

// NewHandler creates a handler and subscribes it to events.
func NewHandler(server *Server, events Events, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{server: server, logger: logger}
	if events != nil {
		events.OnResult(h.OnResult)
		events.OnTransition(h.OnTransition)
	}
	return h
}

func (h *Handler) send(t MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal dashboard data", zap.String("type", string(t)), zap.Error(err))
		return
	}
	h.server.Broadcast(Message{Type: t, Timestamp: time.Now(), Data: data})
}

// OnResult broadcasts a finished session.
func (h *Handler) OnResult(res *syncer.Result) {
	h.send(MessageTypeSyncResult, res)
}

// OnTransition broadcasts a state change.
func (h *Handler) OnTransition(tenantID string, kind record.Kind, from, to syncer.State) {
	h.send(MessageTypeStateChange, StateChangeData{
		TenantID: tenantID,
		Kind:     kind,
		From:     from.String(),
		To:       to.String(),
	})
}

// WatchRecords forwards local change signals of the given kinds until ctx
// ends.
func (h *Handler) WatchRecords(ctx context.Context, src ChangeSource, tenantID string, kinds []record.Kind) {
	for _, kind := range kinds {
		signals, cancel := src.Subscribe(kind, tenantID)
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-signals:
					if !ok {
						return
					}
					h.send(MessageTypeRecordsChanged, RecordsChangedData{TenantID: tenantID, Kind: kind})
				}
			}
		}()
	}
}
