package tenant

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tillbook/tillbook/internal/record"
)

func TestStatic(t *testing.T) {
	_, err := Static{}.CurrentTenantID()
	assert.ErrorIs(t, err, record.ErrNoTenant)

	id, err := Static{TenantID: "t1", ActorID: "u1"}.CurrentTenantID()
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
}

func TestSession(t *testing.T) {
	s := NewSession()
	_, err := s.CurrentTenantID()
	assert.ErrorIs(t, err, record.ErrNoTenant)

	s.SignIn("t1", "u1")
	id, err := s.CurrentTenantID()
	require.NoError(t, err)
	assert.Equal(t, "t1", id)
	assert.Equal(t, "u1", s.CurrentActorID())

	s.SignOut()
	_, err = s.CurrentTenantID()
	assert.ErrorIs(t, err, record.ErrNoTenant)
	assert.Empty(t, s.CurrentActorID())
}

func TestFromToken(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")

	tok, err := IssueToken("t1", "u1", secret, time.Hour)
	require.NoError(t, err)

	p, err := FromToken(tok, secret)
	require.NoError(t, err)
	assert.Equal(t, Static{TenantID: "t1", ActorID: "u1"}, p)

	tests := []struct {
		name   string
		token  string
		secret []byte
	}{
		{name: "empty", token: "", secret: secret},
		{name: "wrong secret", token: tok, secret: []byte("another-secret-another-secret-xx")},
		{name: "garbage", token: "not.a.token", secret: secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromToken(tt.token, tt.secret)
			assert.ErrorIs(t, err, record.ErrNoTenant)
		})
	}

	expired, err := IssueToken("t1", "u1", secret, -time.Minute)
	require.NoError(t, err)
	_, err = FromToken(expired, secret)
	assert.ErrorIs(t, err, record.ErrNoTenant)

	noTenant, err := IssueToken("", "u1", secret, time.Hour)
	require.NoError(t, err)
	_, err = FromToken(noTenant, secret)
	assert.ErrorIs(t, err, record.ErrNoTenant)
}
