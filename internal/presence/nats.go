package presence

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rviscarra/remotedesk/internal/models"
)

// DefaultBucket is the JetStream KV bucket used for presence.
const DefaultBucket = "remotedesk_presence"

type natsRecord struct {
	Online    bool      `json:"online,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NatsFastTier keeps presence in a JetStream key-value bucket. The bucket TTL
// bounds how long any key survives; per-key TTLs are enforced on read from
// the stored expiry.
type NatsFastTier struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

var _ Tier = (*NatsFastTier)(nil)

// NewNatsFastTier creates or updates the bucket on the given connection.
func NewNatsFastTier(ctx context.Context, nc *nats.Conn, bucket string, ttl time.Duration) (*NatsFastTier, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if bucket == "" {
		bucket = DefaultBucket
	}

	config := jetstream.KeyValueConfig{
		Bucket:  bucket,
		History: 1,
	}

	if ttl > 0 {
		config.TTL = ttl
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	return &NatsFastTier{kv: kv, now: time.Now}, nil
}

func (n *NatsFastTier) load(ctx context.Context, key string) (natsRecord, uint64, bool, error) {
	entry, err := n.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return natsRecord{}, 0, false, nil
	}

	if err != nil {
		return natsRecord{}, 0, false, fmt.Errorf("%w: get %s: %w", ErrFastTierUnavailable, key, err)
	}

	var rec natsRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return natsRecord{}, 0, false, fmt.Errorf("decode %s: %w", key, err)
	}

	if !rec.ExpiresAt.IsZero() && n.now().After(rec.ExpiresAt) {
		return natsRecord{}, 0, false, nil
	}

	return rec, entry.Revision(), true, nil
}

func (n *NatsFastTier) store(ctx context.Context, key string, rec natsRecord, ttl time.Duration) error {
	if ttl > 0 {
		rec.ExpiresAt = n.now().Add(ttl)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	if _, err := n.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrFastTierUnavailable, key, err)
	}

	return nil
}

func (n *NatsFastTier) remove(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error {
	err := n.kv.Delete(ctx, key, opts...)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("%w: delete %s: %w", ErrFastTierUnavailable, key, err)
	}

	return nil
}

func (n *NatsFastTier) SetOnline(ctx context.Context, identity string, at time.Time, ttl time.Duration) error {
	return n.store(ctx, onlineKey(identity), natsRecord{Online: true, LastSeen: at}, ttl)
}

func (n *NatsFastTier) SetOffline(ctx context.Context, identity string) error {
	return n.remove(ctx, onlineKey(identity))
}

func (n *NatsFastTier) Liveness(ctx context.Context, identity string) (Liveness, bool, error) {
	rec, _, found, err := n.load(ctx, onlineKey(identity))
	if err != nil || !found {
		return Liveness{}, false, err
	}

	return Liveness{Online: rec.Online, LastSeen: rec.LastSeen}, true, nil
}

func (n *NatsFastTier) SetChannel(ctx context.Context, identity string, role models.Role, channelID string, at time.Time, ttl time.Duration) error {
	return n.store(ctx, channelKey(identity, role), natsRecord{ChannelID: channelID, UpdatedAt: at}, ttl)
}

func (n *NatsFastTier) Channel(ctx context.Context, identity string, role models.Role) (ChannelEntry, bool, error) {
	rec, _, found, err := n.load(ctx, channelKey(identity, role))
	if err != nil || !found {
		return ChannelEntry{}, false, err
	}

	return ChannelEntry{ChannelID: rec.ChannelID, UpdatedAt: rec.UpdatedAt}, true, nil
}

func (n *NatsFastTier) ClearChannel(ctx context.Context, identity string, role models.Role, channelID string) error {
	key := channelKey(identity, role)

	if channelID == "" {
		return n.remove(ctx, key)
	}

	rec, rev, found, err := n.load(ctx, key)
	if err != nil || !found || rec.ChannelID != channelID {
		return err
	}

	// Another writer may have replaced the mapping since the read; the
	// revision check makes that a no-op instead of deleting the new value.
	if err := n.remove(ctx, key, jetstream.LastRevision(rev)); err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return nil
		}

		return err
	}

	return nil
}

// KV keys only allow [-/_=.a-zA-Z0-9]; identities can be arbitrary strings.
func encodeIdentity(identity string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identity))
}

func onlineKey(identity string) string {
	return "online." + encodeIdentity(identity)
}

func channelKey(identity string, role models.Role) string {
	return "channel." + string(role) + "." + encodeIdentity(identity)
}
