package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rviscarra/remotedesk/internal/models"
)

type memEntry struct {
	liveness Liveness
	channel  ChannelEntry
	expires  time.Time
}

// MemoryTier is an in-process fast tier for single-node deployments and tests.
type MemoryTier struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

var _ Tier = (*MemoryTier)(nil)

// NewMemoryTier returns an empty tier.
func NewMemoryTier() *MemoryTier {
	return &MemoryTier{now: time.Now, entries: make(map[string]memEntry)}
}

func (m *MemoryTier) get(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}

	if !e.expires.IsZero() && m.now().After(e.expires) {
		delete(m.entries, key)

		return memEntry{}, false
	}

	return e, true
}

func (m *MemoryTier) put(key string, e memEntry, ttl time.Duration) {
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}

	m.entries[key] = e
}

func (m *MemoryTier) SetOnline(_ context.Context, identity string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(onlineKey(identity), memEntry{liveness: Liveness{Online: true, LastSeen: at}}, ttl)

	return nil
}

func (m *MemoryTier) SetOffline(_ context.Context, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, onlineKey(identity))

	return nil
}

func (m *MemoryTier) Liveness(_ context.Context, identity string) (Liveness, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(onlineKey(identity))

	return e.liveness, ok, nil
}

func (m *MemoryTier) SetChannel(_ context.Context, identity string, role models.Role, channelID string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(channelKey(identity, role), memEntry{channel: ChannelEntry{ChannelID: channelID, UpdatedAt: at}}, ttl)

	return nil
}

func (m *MemoryTier) Channel(_ context.Context, identity string, role models.Role) (ChannelEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.get(channelKey(identity, role))

	return e.channel, ok, nil
}

func (m *MemoryTier) ClearChannel(_ context.Context, identity string, role models.Role, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := channelKey(identity, role)

	if e, ok := m.entries[key]; ok && (channelID == "" || e.channel.ChannelID == channelID) {
		delete(m.entries, key)
	}

	return nil
}
