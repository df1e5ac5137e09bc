package mirror

import (
	"github.com/driftsync/driftsync/pkg/identity"
	"github.com/driftsync/driftsync/pkg/log"
	"github.com/driftsync/driftsync/pkg/store"
)

// IdentityConfig tunes an identity mirror.
type IdentityConfig struct {
	Log log.Log
}

// Identity projects the auth collaborator's identity-change stream into
// a read-only store with the same subscription lifecycle as the other
// mirrors. No diff engine, no write path.
type Identity struct {
	provider identity.Provider
	val      *store.Value[*identity.Identity]
	log      log.Log
	degraded bool
}

// NewIdentity builds an identity mirror over provider. A nil provider
// degrades to a static signed-out store.
func NewIdentity(provider identity.Provider, cfg *IdentityConfig) *Identity {
	if cfg == nil {
		cfg = &IdentityConfig{}
	}
	m := &Identity{
		provider: provider,
		log:      defaultLog(cfg.Log, "identity"),
	}

	if provider == nil {
		m.degraded = true
		m.val = store.New[*identity.Identity](nil)
		m.log.Warn("identity mirror has no provider, serving static snapshot")
		return m
	}

	m.val = store.NewWithStart[*identity.Identity](nil, m.start)
	return m
}

// start seeds the store with the provider's current identity and
// forwards change events while at least one consumer is attached.
func (m *Identity) start(set func(*identity.Identity)) func() {
	set(m.provider.Current())
	return m.provider.Watch(set)
}

// Subscribe registers fn, delivering the current identity synchronously.
func (m *Identity) Subscribe(fn func(*identity.Identity)) func() {
	return m.val.Subscribe(fn)
}

// Current returns the identity the mirror last observed.
func (m *Identity) Current() *identity.Identity {
	return m.val.Get()
}
