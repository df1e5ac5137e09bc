package mirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/pkg/identity"
	"github.com/driftsync/driftsync/pkg/log"
)

func TestIdentityMirrorsProvider(t *testing.T) {
	p := identity.NewTokenProvider([]byte("secret"))
	m := NewIdentity(p, &IdentityConfig{Log: log.Nop()})

	var seen []*identity.Identity
	unsub := m.Subscribe(func(id *identity.Identity) { seen = append(seen, id) })
	defer unsub()

	require.Len(t, seen, 1)
	assert.Nil(t, seen[0], "signed out on attach")

	raw, err := identity.Sign([]byte("secret"), &identity.Identity{Subject: "user-1"}, time.Hour)
	require.NoError(t, err)
	_, err = p.SetToken(raw)
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.Equal(t, "user-1", seen[1].Subject)
	assert.Equal(t, "user-1", m.Current().Subject)

	p.Clear()
	require.Len(t, seen, 3)
	assert.Nil(t, seen[2])
}

func TestIdentitySeedsFromCurrent(t *testing.T) {
	p := identity.NewStatic(&identity.Identity{Subject: "svc"})
	m := NewIdentity(p, &IdentityConfig{Log: log.Nop()})

	var got *identity.Identity
	defer m.Subscribe(func(id *identity.Identity) { got = id })()
	require.NotNil(t, got)
	assert.Equal(t, "svc", got.Subject)
}

func TestIdentityDegradedMode(t *testing.T) {
	m := NewIdentity(nil, &IdentityConfig{Log: log.Nop()})

	var calls int
	defer m.Subscribe(func(*identity.Identity) { calls++ })()
	assert.Equal(t, 1, calls)
	assert.Nil(t, m.Current())
}
