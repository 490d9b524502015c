package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() *Record {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Record{
		ID:        NewID(),
		TenantID:  "tenant-a",
		Kind:      "customers",
		Payload:   json.RawMessage(`{"name":"Ada"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Record)
		wantErr error
	}{
		{name: "valid", mutate: func(r *Record) {}},
		{name: "missing id", mutate: func(r *Record) { r.ID = "" }},
		{name: "missing tenant", mutate: func(r *Record) { r.TenantID = "" }, wantErr: ErrNoTenant},
		{name: "missing kind", mutate: func(r *Record) { r.Kind = "" }},
		{name: "updated before created", mutate: func(r *Record) { r.UpdatedAt = r.CreatedAt.Add(-time.Second) }},
		{name: "bad payload", mutate: func(r *Record) { r.Payload = json.RawMessage(`{`) }, wantErr: ErrRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRecord()
			tt.mutate(r)
			err := r.Validate()
			if tt.name == "valid" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTouchIsMonotonic(t *testing.T) {
	r := validRecord()
	before := r.UpdatedAt

	// A clock that went backwards must not move UpdatedAt backwards.
	r.Touch(before.Add(-time.Hour))
	assert.True(t, r.UpdatedAt.After(before))
	assert.True(t, r.Dirty)

	later := before.Add(time.Hour)
	r.Touch(later)
	assert.Equal(t, later, r.UpdatedAt)
}

func TestCloneIsDeep(t *testing.T) {
	r := validRecord()
	c := r.Clone()
	c.Payload[2] = 'X'
	assert.Equal(t, `{"name":"Ada"}`, string(r.Payload))
}

func TestClassification(t *testing.T) {
	wrapped := &OpError{Op: "put", Kind: "customers", ID: "1", Err: ErrUnavailable}
	assert.True(t, Transient(wrapped))
	assert.False(t, FatalRecord(wrapped))

	denied := fmt.Errorf("remote said no: %w", ErrPermissionDenied)
	assert.True(t, FatalRecord(denied))
	assert.False(t, Transient(denied))

	assert.True(t, FatalSession(fmt.Errorf("open: %w", ErrLocalStore)))
	assert.False(t, FatalSession(errors.New("boom")))
	assert.False(t, Transient(nil))

	assert.Equal(t, "put customers/1: remote unavailable", wrapped.Error())
}
